package stream

import (
	"context"
	"errors"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/protocol"
	"mini-grpc/status"
)

// Encoder turns messages into frames: codec, then optional compression,
// then framing.
type Encoder struct {
	Codec      codec.Codec
	Compressor compress.Compressor // nil sends uncompressed
	Writer     *protocol.Writer
}

// Encode writes m as one frame and returns the payload bytes written. ctx is
// checked before any work so a cancelled call never transmits.
func (e *Encoder) Encode(ctx context.Context, m any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, status.FromContextError(err).Err()
	}
	data, err := e.Codec.Encode(m)
	if err != nil {
		return 0, status.Errorf(status.Internal, "stream: failed to marshal with codec %s: %v", e.Codec.Name(), err)
	}
	f := &protocol.Frame{Payload: data}
	if e.Compressor != nil {
		z, err := e.Compressor.Compress(data)
		if err != nil {
			return 0, status.Errorf(status.Internal, "stream: failed to compress with %s: %v", e.Compressor.Name(), err)
		}
		f.Compressed, f.Payload = true, z
	}
	if err := e.Writer.WriteFrame(f); err != nil {
		return 0, err
	}
	return len(f.Payload), nil
}

// Decoder turns frames into messages.
type Decoder struct {
	Codec      codec.Codec
	Compressor compress.Compressor // the peer's grpc-encoding, nil for identity
	Reader     *protocol.Reader
	MaxSize    int
}

// Decode reads the next frame into m. A nil m consumes the frame without
// decoding it. io.EOF and transport errors from the reader are returned as is.
func (d *Decoder) Decode(ctx context.Context, m any) error {
	if err := ctx.Err(); err != nil {
		d.Reader.Release()
		return status.FromContextError(err).Err()
	}
	f, err := d.Reader.ReadFrame()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled while waiting: the frame is discarded, not delivered.
		d.Reader.Release()
		return status.FromContextError(err).Err()
	}
	payload := f.Payload
	if f.Compressed {
		if d.Compressor == nil {
			return status.Error(status.Internal, "stream: compressed flag set on a stream without grpc-encoding")
		}
		max := d.MaxSize
		if max <= 0 {
			max = protocol.DefaultMaxFrameSize
		}
		payload, err = d.Compressor.Decompress(payload, max)
		if errors.Is(err, compress.ErrTooLarge) {
			return status.Errorf(status.ResourceExhausted, "stream: decompressed message larger than max (%d)", max)
		}
		if err != nil {
			return status.Errorf(status.Internal, "stream: failed to decompress: %v", err)
		}
	}
	if m == nil {
		return nil
	}
	if err := d.Codec.Decode(payload, m); err != nil {
		return status.Errorf(status.Internal, "stream: failed to unmarshal with codec %s: %v", d.Codec.Name(), err)
	}
	return nil
}
