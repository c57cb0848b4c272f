package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/metadata"
	"mini-grpc/protocol"
	"mini-grpc/status"
	"mini-grpc/stream"
)

// CallHdr carries what a client stream needs to open a call.
type CallHdr struct {
	// Method is the route, "/Service/Method".
	Method string
	Codec  codec.Codec
	// SendCompress compresses request messages; nil sends identity.
	SendCompress compress.Compressor
	// Compressors decode the response's grpc-encoding and are advertised
	// in grpc-accept-encoding.
	Compressors *compress.Set
	// Metadata is sent as request headers.
	Metadata    metadata.MD
	MaxRecvSize uint32
	MaxSendSize uint32
	// OnDone runs once with the terminal status.
	OnDone func(*status.Status)
}

// ClientStream is one call on a Connection. It implements stream.ClientStream.
type ClientStream struct {
	t      *ClientTransport
	ctx    context.Context
	cancel context.CancelFunc
	hdr    *CallHdr

	pw   *io.PipeWriter
	body *sentReader
	enc  *stream.Encoder

	closeSendOnce sync.Once

	headerCh chan struct{} // closed when response headers arrived
	header   metadata.MD
	mu       sync.Mutex // guards resp and dec until headerCh is closed
	resp     *http.Response
	dec      *stream.Decoder

	finishOnce sync.Once
	done       chan struct{}
	st         *status.Status
	trailer    metadata.MD
}

var _ stream.ClientStream = (*ClientStream)(nil)

// sentReader records whether the session took any request byte.
type sentReader struct {
	r    io.ReadCloser
	sent atomic.Bool
}

func (s *sentReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.sent.Store(true)
	}
	return n, err
}

func (s *sentReader) Close() error { return s.r.Close() }

// NewStream opens a call. The request headers are sent immediately; the
// response is awaited in the background. Failures to open the stream are
// reported through the stream's status, except for a closed Connection which
// is reported as an Unavailable error here.
func (t *ClientTransport) NewStream(ctx context.Context, hdr *CallHdr) (*ClientStream, error) {
	if !t.Ready() {
		return nil, status.Errorf(status.Unavailable, "transport: connection to %s is %s", t.addr, t.State())
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	h := make(http.Header)
	h.Set(hdrContentType, ContentType(hdr.Codec.Name()))
	h.Set(hdrTE, "trailers")
	if t.opts.UserAgent != "" {
		h.Set(hdrUserAgent, t.opts.UserAgent)
	}
	if dl, ok := ctx.Deadline(); ok {
		h.Set(hdrTimeout, protocol.EncodeTimeout(time.Until(dl)))
	}
	if hdr.SendCompress != nil {
		h.Set(hdrEncoding, hdr.SendCompress.Name())
	}
	if hdr.Compressors != nil {
		if ae := hdr.Compressors.AcceptEncoding(); ae != "" {
			h.Set(hdrAcceptEncoding, ae)
		}
	}
	if err := metadata.EncodeHeader(h, "", hdr.Metadata); err != nil {
		return nil, status.Errorf(status.Internal, "transport: %v", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &ClientStream{
		t:        t,
		ctx:      sctx,
		cancel:   cancel,
		hdr:      hdr,
		pw:       pw,
		body:     &sentReader{r: pr},
		headerCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.enc = &stream.Encoder{
		Codec:      hdr.Codec,
		Compressor: hdr.SendCompress,
		Writer:     protocol.NewWriter(pw, nil, hdr.MaxSendSize),
	}

	req := (&http.Request{
		Method:        http.MethodPost,
		URL:           &url.URL{Scheme: t.scheme, Host: t.addr, Path: hdr.Method},
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        h,
		Body:          s.body,
		ContentLength: -1,
		Host:          t.addr,
	}).WithContext(sctx)

	t.active.Add(1)
	t.calls.Add(1)
	go s.roundTrip(req)
	go s.watch()
	return s, nil
}

func (s *ClientStream) roundTrip(req *http.Request) {
	resp, err := s.t.cc.RoundTrip(req)
	if err != nil {
		s.finish(s.transportStatus(err), nil)
		return
	}

	if resp.StatusCode != http.StatusOK {
		st, ok := readStatus(resp.Header)
		if !ok {
			st = status.Newf(status.FromHTTPStatus(resp.StatusCode),
				"transport: unexpected HTTP status code received from server: %d (%s)",
				resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		resp.Body.Close()
		s.finish(st, nil)
		return
	}
	if _, ok := ContentSubtype(resp.Header.Get(hdrContentType)); !ok {
		resp.Body.Close()
		s.finish(status.Newf(status.Unknown, "transport: unexpected content-type %q",
			resp.Header.Get(hdrContentType)), nil)
		return
	}

	md, err := metadata.FromHeader(resp.Header)
	if err != nil {
		resp.Body.Close()
		s.finish(status.Newf(status.Internal, "transport: malformed response header: %v", err), nil)
		return
	}
	// Trailers-only: the status arrived in the header block.
	if st, ok := readStatus(resp.Header); ok {
		resp.Body.Close()
		s.finish(st, md)
		return
	}

	var comp compress.Compressor
	if enc := resp.Header.Get(hdrEncoding); enc != "" {
		set := s.hdr.Compressors
		if set == nil {
			set = compress.NewSet()
		}
		c, ok := set.Get(enc)
		if !ok {
			resp.Body.Close()
			s.finish(status.Newf(status.Internal, "transport: response grpc-encoding %q is not supported", enc), nil)
			return
		}
		comp = c
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		resp.Body.Close()
		return
	default:
	}
	s.header = md
	s.resp = resp
	s.dec = &stream.Decoder{
		Codec:      s.hdr.Codec,
		Compressor: comp,
		Reader:     protocol.NewReader(resp.Body, s.hdr.MaxRecvSize),
		MaxSize:    int(s.hdr.MaxRecvSize),
	}
	close(s.headerCh)
	s.mu.Unlock()
}

// watch finishes the stream when its context ends first. It resets the
// HTTP/2 stream and discards any partially read frame.
func (s *ClientStream) watch() {
	select {
	case <-s.done:
	case <-s.ctx.Done():
		s.finish(status.FromContextError(s.ctx.Err()), nil)
	}
}

func (s *ClientStream) transportStatus(err error) *status.Status {
	if cerr := s.ctx.Err(); cerr != nil {
		return status.FromContextError(cerr)
	}
	return status.FromTransportError(err, false)
}

// finish records the terminal status exactly once and releases the stream.
func (s *ClientStream) finish(st *status.Status, trailer metadata.MD) {
	s.finishOnce.Do(func() {
		if st.Code() == status.OK {
			st = nil
		}
		s.st = st
		s.trailer = trailer
		s.mu.Lock()
		close(s.done)
		dec, resp := s.dec, s.resp
		s.mu.Unlock()

		s.pw.CloseWithError(io.EOF)
		s.cancel()
		if dec != nil {
			dec.Reader.Release()
		}
		if resp != nil {
			resp.Body.Close()
		}
		s.t.active.Add(-1)
		if st != nil {
			s.t.logger.Debug("call finished", zap.String("method", s.hdr.Method),
				zap.Stringer("code", st.Code()), zap.String("message", st.Message()))
		}
		if s.hdr.OnDone != nil {
			s.hdr.OnDone(st)
		}
	})
}

func (s *ClientStream) Context() context.Context { return s.ctx }

// BytesSent reports whether any request byte left for the peer. Calls that
// sent nothing are safe to retry.
func (s *ClientStream) BytesSent() bool { return s.body.sent.Load() }

func (s *ClientStream) Header() (metadata.MD, error) {
	select {
	case <-s.headerCh:
		return s.header.Copy(), nil
	case <-s.done:
		select {
		case <-s.headerCh:
			return s.header.Copy(), nil
		default:
		}
		return nil, s.st.Err()
	}
}

func (s *ClientStream) Trailer() metadata.MD {
	select {
	case <-s.done:
		return s.trailer.Copy()
	default:
		return nil
	}
}

func (s *ClientStream) SendMsg(m any) error {
	select {
	case <-s.done:
		return io.EOF
	default:
	}
	_, err := s.enc.Encode(s.ctx, m)
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		select {
		case <-s.done:
			return io.EOF
		default:
			return err
		}
	}
	// The pipe closed: the call is over and RecvMsg reports why.
	return io.EOF
}

func (s *ClientStream) CloseSend() error {
	s.closeSendOnce.Do(func() { s.pw.Close() })
	return nil
}

func (s *ClientStream) RecvMsg(m any) error {
	select {
	case <-s.headerCh:
	case <-s.done:
		select {
		case <-s.headerCh:
		default:
			return s.endErr()
		}
	}
	err := s.dec.Decode(s.ctx, m)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		s.finish(s.trailerStatus())
		return s.endErr()
	}
	select {
	case <-s.done:
		return s.endErr()
	default:
	}
	if _, ok := status.FromError(err); ok {
		// Framing or decoding failure: fatal to the call.
		s.finish(status.Convert(err), nil)
		return s.endErr()
	}
	s.finish(s.transportStatus(err), nil)
	return s.endErr()
}

// trailerStatus reads the status once the response body hit EOF.
func (s *ClientStream) trailerStatus() (*status.Status, metadata.MD) {
	md, err := metadata.FromHeader(s.resp.Trailer)
	if err != nil {
		return status.Newf(status.Internal, "transport: malformed trailer: %v", err), nil
	}
	st, ok := readStatus(s.resp.Trailer)
	if !ok {
		return status.New(status.Internal, "transport: server closed the stream without sending trailers"), md
	}
	return st, md
}

func (s *ClientStream) endErr() error {
	if s.st == nil {
		return io.EOF
	}
	return s.st.Err()
}

func (s *ClientStream) Done() <-chan struct{} { return s.done }

// Status returns the terminal status. Response messages the caller did not
// read are discarded until the trailers arrive. It must not run concurrently
// with RecvMsg.
func (s *ClientStream) Status() *status.Status {
	select {
	case <-s.done:
		return s.st
	default:
	}
	for s.RecvMsg(nil) == nil {
	}
	<-s.done
	return s.st
}

// Cancel resets the stream; the terminal status becomes Cancelled unless
// the call already ended.
func (s *ClientStream) Cancel() {
	s.finish(status.New(status.Cancelled, "transport: call cancelled"), nil)
}

func (s *ClientStream) String() string {
	return fmt.Sprintf("stream(%s %s)", s.t.addr, s.hdr.Method)
}
