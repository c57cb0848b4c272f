package protocol

import "sync"

const (
	DefaultReadBufferSize  = 32 * 1024 // 32KB
	DefaultWriteBufferSize = 16 * 1024 // 16KB, one HTTP/2 DATA frame
)

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultReadBufferSize)
		return &b
	},
}

var writeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultWriteBufferSize)
		return &b
	},
}

func getReadBuffer(size int) *[]byte {
	bp := readBufPool.Get().(*[]byte)
	if cap(*bp) < size {
		b := make([]byte, size)
		return &b
	}
	*bp = (*bp)[:size]
	return bp
}

func putReadBuffer(bp *[]byte) {
	if cap(*bp) != DefaultReadBufferSize {
		return
	}
	*bp = (*bp)[:cap(*bp)]
	readBufPool.Put(bp)
}

func getWriteBuffer(size int) *[]byte {
	bp := writeBufPool.Get().(*[]byte)
	if cap(*bp) < size {
		b := make([]byte, size)
		return &b
	}
	*bp = (*bp)[:size]
	return bp
}

func putWriteBuffer(bp *[]byte) {
	if cap(*bp) != DefaultWriteBufferSize {
		return
	}
	*bp = (*bp)[:cap(*bp)]
	writeBufPool.Put(bp)
}
