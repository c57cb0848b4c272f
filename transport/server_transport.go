package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/metadata"
	"mini-grpc/protocol"
	"mini-grpc/status"
	"mini-grpc/stream"
)

// ServerConfig is shared by every stream a server accepts.
type ServerConfig struct {
	Codecs      *codec.Set
	Compressors *compress.Set
	// SendCompress is the preferred response encoding. It is used only when
	// the client lists it in grpc-accept-encoding.
	SendCompress string
	MaxRecvSize  uint32
	MaxSendSize  uint32
}

// ServerStream is one accepted call. It implements stream.ServerStream.
type ServerStream struct {
	w       http.ResponseWriter
	r       *http.Request
	ctx     context.Context
	cancel  context.CancelFunc
	method  string
	subtype string

	enc *stream.Encoder
	dec *stream.Decoder

	mu           sync.Mutex
	header       metadata.MD
	trailer      metadata.MD
	headerSent   bool
	statusSent   bool
	sendCompress compress.Compressor
}

var _ stream.ServerStream = (*ServerStream)(nil)

// NewServerStream validates an inbound request and wraps it as a stream.
// Requests that are not gRPC at all get a plain HTTP error; gRPC requests
// that cannot be served get a trailers-only status. In both cases the
// response is complete and a nil stream is returned with the failure.
func NewServerStream(w http.ResponseWriter, r *http.Request, cfg *ServerConfig) (*ServerStream, *status.Status) {
	if r.ProtoMajor != 2 {
		http.Error(w, "gRPC requires HTTP/2", http.StatusHTTPVersionNotSupported)
		return nil, status.New(status.Internal, "transport: request is not HTTP/2")
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, status.Newf(status.Internal, "transport: unexpected method %s", r.Method)
	}
	ct := r.Header.Get(hdrContentType)
	subtype, ok := ContentSubtype(ct)
	if !ok {
		http.Error(w, "invalid gRPC request content-type "+ct, http.StatusUnsupportedMediaType)
		return nil, status.Newf(status.Internal, "transport: unexpected content-type %q", ct)
	}
	cdc, ok := cfg.Codecs.Get(subtype)
	if !ok {
		http.Error(w, "unsupported gRPC content-subtype "+subtype, http.StatusUnsupportedMediaType)
		return nil, status.Newf(status.Internal, "transport: no codec for content-subtype %q", subtype)
	}

	s := &ServerStream{w: w, r: r, method: r.URL.Path, subtype: subtype}
	fail := func(st *status.Status) (*ServerStream, *status.Status) {
		s.WriteStatus(st)
		if s.cancel != nil {
			s.cancel()
		}
		return nil, st
	}

	if v := r.Header.Get(hdrTimeout); v != "" {
		d, err := protocol.DecodeTimeout(v)
		if err != nil {
			return fail(status.Newf(status.Internal, "transport: malformed grpc-timeout: %v", err))
		}
		s.ctx, s.cancel = context.WithTimeout(r.Context(), d)
	} else {
		s.ctx, s.cancel = context.WithCancel(r.Context())
	}

	var recvComp compress.Compressor
	if enc := r.Header.Get(hdrEncoding); enc != "" {
		c, ok := cfg.Compressors.Get(enc)
		if !ok {
			s.w.Header().Set(hdrAcceptEncoding, cfg.Compressors.AcceptEncoding())
			return fail(status.Newf(status.Unimplemented, "transport: grpc-encoding %q is not supported", enc))
		}
		recvComp = c
	}
	s.sendCompress = cfg.Compressors.Negotiate(cfg.SendCompress, r.Header.Get(hdrAcceptEncoding))

	md, err := metadata.FromHeader(r.Header)
	if err != nil {
		return fail(status.Newf(status.Internal, "transport: malformed request metadata: %v", err))
	}
	s.ctx = metadata.NewIncomingContext(s.ctx, md)

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	s.enc = &stream.Encoder{
		Codec:      cdc,
		Compressor: s.sendCompress,
		Writer:     protocol.NewWriter(w, flush, cfg.MaxSendSize),
	}
	s.dec = &stream.Decoder{
		Codec:      cdc,
		Compressor: recvComp,
		Reader:     protocol.NewReader(r.Body, cfg.MaxRecvSize),
		MaxSize:    int(cfg.MaxRecvSize),
	}
	return s, nil
}

// Method returns the route of the call.
func (s *ServerStream) Method() string { return s.method }

// Peer returns the remote address.
func (s *ServerStream) Peer() string { return s.r.RemoteAddr }

func (s *ServerStream) Context() context.Context { return s.ctx }

// Cancel ends the handler's context and unblocks a pending RecvMsg. The
// response direction stays open for the status.
func (s *ServerStream) Cancel() {
	s.cancel()
	s.r.Body.Close()
}

func (s *ServerStream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent || s.statusSent {
		return status.Error(status.Internal, "transport: SetHeader called after headers were sent")
	}
	s.header = metadata.Join(s.header, md)
	return nil
}

func (s *ServerStream) SendHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent || s.statusSent {
		return status.Error(status.Internal, "transport: SendHeader called more than once")
	}
	s.header = metadata.Join(s.header, md)
	return s.writeHeaderLocked()
}

func (s *ServerStream) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer = metadata.Join(s.trailer, md)
}

func (s *ServerStream) writeHeaderLocked() error {
	h := s.w.Header()
	h.Set(hdrContentType, ContentType(s.subtype))
	if s.sendCompress != nil {
		h.Set(hdrEncoding, s.sendCompress.Name())
	}
	if err := metadata.EncodeHeader(h, "", s.header); err != nil {
		return status.Errorf(status.Internal, "transport: %v", err)
	}
	s.w.WriteHeader(http.StatusOK)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	s.headerSent = true
	return nil
}

func (s *ServerStream) SendMsg(m any) error {
	s.mu.Lock()
	if s.statusSent {
		s.mu.Unlock()
		return status.Error(status.Internal, "transport: SendMsg called after the status was sent")
	}
	if !s.headerSent {
		if err := s.writeHeaderLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	_, err := s.enc.Encode(s.ctx, m)
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return s.streamError(err)
}

func (s *ServerStream) RecvMsg(m any) error {
	err := s.dec.Decode(s.ctx, m)
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return s.streamError(err)
}

func (s *ServerStream) streamError(err error) error {
	if cerr := s.ctx.Err(); cerr != nil {
		return status.FromContextError(cerr).Err()
	}
	return status.FromTransportError(err, false).Err()
}

// WriteStatus ends the call with st and the accumulated trailers. When no
// header was sent yet the whole response is a single trailers-only header
// block. Only the first call has an effect.
func (s *ServerStream) WriteStatus(st *status.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusSent {
		return nil
	}
	s.statusSent = true
	if s.dec != nil {
		defer s.dec.Reader.Release()
	}

	h := s.w.Header()
	if !s.headerSent {
		h.Set(hdrContentType, ContentType(s.subtype))
		if err := metadata.EncodeHeader(h, "", metadata.Join(s.header, s.trailer)); err != nil {
			st = status.Newf(status.Internal, "transport: %v", err)
		}
		if err := writeStatus(h, "", st); err != nil {
			return err
		}
		s.w.WriteHeader(http.StatusOK)
		s.headerSent = true
		return nil
	}

	if err := metadata.EncodeHeader(h, http.TrailerPrefix, s.trailer); err != nil {
		st = status.Newf(status.Internal, "transport: %v", err)
	}
	return writeStatus(h, http.TrailerPrefix, st)
}

// ParseMethod splits "/Service/Method". ok is false for malformed routes.
func ParseMethod(route string) (service, method string, ok bool) {
	if !strings.HasPrefix(route, "/") {
		return "", "", false
	}
	route = route[1:]
	i := strings.LastIndexByte(route, '/')
	if i <= 0 || i == len(route)-1 {
		return "", "", false
	}
	return route[:i], route[i+1:], true
}
