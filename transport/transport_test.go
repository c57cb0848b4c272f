package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/metadata"
	"mini-grpc/status"
)

type handlerFunc func(ss *ServerStream) *status.Status

func newTestServer(t *testing.T, cfg *ServerConfig, handle handlerFunc) string {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	if cfg.Codecs == nil {
		cfg.Codecs = codec.NewSet()
	}
	if cfg.Compressors == nil {
		cfg.Compressors = compress.NewSet()
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	h2s := &http2.Server{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ss, st := NewServerStream(w, r, cfg)
		if st != nil {
			return
		}
		defer ss.Cancel()
		ss.WriteStatus(handle(ss))
	})
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			go h2s.ServeConn(c, &http2.ServeConnOpts{Handler: h})
		}
	}()
	return lis.Addr().String()
}

func dialTest(t *testing.T, addr string) *ClientTransport {
	t.Helper()
	ct, err := Dial(context.Background(), addr, ConnectOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func echo(ss *ServerStream) *status.Status {
	for {
		m := new(wrapperspb.StringValue)
		err := ss.RecvMsg(m)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Convert(err)
		}
		if err := ss.SendMsg(m); err != nil {
			return status.Convert(err)
		}
	}
}

func protoHdr(method string) *CallHdr {
	return &CallHdr{Method: method, Codec: codec.ProtoCodec{}, Compressors: compress.NewSet()}
}

func TestEchoWithMetadata(t *testing.T) {
	addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
		md, _ := metadata.FromIncomingContext(ss.Context())
		v, _ := md.First("x-req")
		require.NoError(t, ss.SetHeader(metadata.Pairs("x-hdr", v)))
		ss.SetTrailer(metadata.Pairs("x-trl", "done", "x-trl-bin", "\x00\x01"))
		return echo(ss)
	})
	ct := dialTest(t, addr)

	hdr := protoHdr("/test.Echo/Echo")
	hdr.Metadata = metadata.Pairs("x-req", "hello")
	cs, err := ct.NewStream(context.Background(), hdr)
	require.NoError(t, err)
	assert.False(t, cs.BytesSent())

	for _, v := range []string{"A", "B", "C"} {
		require.NoError(t, cs.SendMsg(wrapperspb.String(v)))
	}
	require.NoError(t, cs.CloseSend())

	var got []string
	for {
		m := new(wrapperspb.StringValue)
		err := cs.RecvMsg(m)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, m.GetValue())
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
	assert.True(t, cs.BytesSent())
	assert.Nil(t, cs.Status())

	h, err := cs.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, h.Get("x-hdr"))
	tr := cs.Trailer()
	assert.Equal(t, []string{"done"}, tr.Get("x-trl"))
	assert.Equal(t, []string{"\x00\x01"}, tr.Get("x-trl-bin"))
	assert.Zero(t, ct.ActiveStreams())
	assert.EqualValues(t, 1, ct.TotalStreams())
}

func TestTrailersOnlyStatus(t *testing.T) {
	addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
		ss.SetTrailer(metadata.Pairs("reason", "gone"))
		return status.New(status.NotFound, "no such thing: 100% \n ünïcode")
	})
	ct := dialTest(t, addr)

	cs, err := ct.NewStream(context.Background(), protoHdr("/test.Echo/Missing"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())

	err = cs.RecvMsg(new(wrapperspb.StringValue))
	st := status.Convert(err)
	assert.Equal(t, status.NotFound, st.Code())
	assert.Equal(t, "no such thing: 100% \n ünïcode", st.Message())
	assert.Equal(t, []string{"gone"}, cs.Trailer().Get("reason"))
	assert.Equal(t, status.NotFound, cs.Status().Code())
}

func TestStatusWithoutReadingEveryMessage(t *testing.T) {
	for _, want := range []status.Code{status.OK, status.Aborted} {
		addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
			for _, v := range []string{"a", "b", "c", "d"} {
				if err := ss.SendMsg(wrapperspb.String(v)); err != nil {
					return status.Convert(err)
				}
			}
			ss.SetTrailer(metadata.Pairs("x-sent", "4"))
			return status.New(want, "end")
		})
		ct := dialTest(t, addr)

		cs, err := ct.NewStream(context.Background(), protoHdr("/test.Echo/Spell"))
		require.NoError(t, err)
		require.NoError(t, cs.CloseSend())

		m := new(wrapperspb.StringValue)
		require.NoError(t, cs.RecvMsg(m))
		assert.Equal(t, "a", m.GetValue())

		got := make(chan *status.Status, 1)
		go func() { got <- cs.Status() }()
		select {
		case st := <-got:
			assert.Equal(t, want, st.Code())
		case <-time.After(2 * time.Second):
			t.Fatal("Status blocked on unread messages")
		}
		assert.Equal(t, []string{"4"}, cs.Trailer().Get("x-sent"))
		if want == status.OK {
			assert.Equal(t, io.EOF, cs.RecvMsg(m))
		} else {
			assert.Equal(t, want, status.CodeOf(cs.RecvMsg(m)))
		}
	}
}

func TestStatusDetails(t *testing.T) {
	addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
		if err := ss.SendMsg(wrapperspb.String("partial")); err != nil {
			return status.Convert(err)
		}
		br := status.NewBadRequest().AddViolation("name", "must not be empty")
		return status.NewInvalidArgument("bad request", br)
	})
	ct := dialTest(t, addr)

	cs, err := ct.NewStream(context.Background(), protoHdr("/test.Echo/Validate"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())

	m := new(wrapperspb.StringValue)
	require.NoError(t, cs.RecvMsg(m))
	assert.Equal(t, "partial", m.GetValue())

	err = cs.RecvMsg(m)
	st := status.Convert(err)
	require.Equal(t, status.InvalidArgument, st.Code())
	br, ok := st.BadRequest()
	require.True(t, ok)
	require.Len(t, br.FieldViolations, 1)
	assert.Equal(t, "name", br.FieldViolations[0].Field)
}

func TestCompression(t *testing.T) {
	addr := newTestServer(t, &ServerConfig{SendCompress: "snappy"}, echo)
	ct := dialTest(t, addr)

	hdr := protoHdr("/test.Echo/Echo")
	hdr.SendCompress = compress.Gzip{}
	cs, err := ct.NewStream(context.Background(), hdr)
	require.NoError(t, err)

	payload := strings.Repeat("compress me ", 1000)
	require.NoError(t, cs.SendMsg(wrapperspb.String(payload)))
	require.NoError(t, cs.CloseSend())

	m := new(wrapperspb.StringValue)
	require.NoError(t, cs.RecvMsg(m))
	assert.Equal(t, payload, m.GetValue())
	assert.Equal(t, io.EOF, cs.RecvMsg(m))
}

func TestCancelMidStream(t *testing.T) {
	serverDone := make(chan error, 1)
	addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
		for i := 0; ; i++ {
			if err := ss.SendMsg(wrapperspb.String("tick")); err != nil {
				serverDone <- err
				return status.Convert(err)
			}
			select {
			case <-ss.Context().Done():
				serverDone <- ss.Context().Err()
				return status.FromContextError(ss.Context().Err())
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	ct := dialTest(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	cs, err := ct.NewStream(ctx, protoHdr("/test.Echo/Ticks"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())
	require.NoError(t, cs.RecvMsg(new(wrapperspb.StringValue)))

	cancel()
	err = cs.RecvMsg(new(wrapperspb.StringValue))
	assert.Equal(t, status.Cancelled, status.CodeOf(err))
	assert.Equal(t, status.Cancelled, cs.Status().Code())
	assert.Equal(t, io.EOF, cs.SendMsg(wrapperspb.String("late")))

	select {
	case <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("server handler did not observe cancellation")
	}
	assert.Zero(t, ct.ActiveStreams())
}

func TestDeadlinePropagates(t *testing.T) {
	sawDeadline := make(chan bool, 1)
	addr := newTestServer(t, nil, func(ss *ServerStream) *status.Status {
		_, ok := ss.Context().Deadline()
		sawDeadline <- ok
		<-ss.Context().Done()
		return status.FromContextError(ss.Context().Err())
	})
	ct := dialTest(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cs, err := ct.NewStream(ctx, protoHdr("/test.Echo/Slow"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())

	err = cs.RecvMsg(new(wrapperspb.StringValue))
	assert.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
	assert.True(t, <-sawDeadline)
}

func TestDialFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	_, err = Dial(context.Background(), addr, ConnectOptions{})
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}

func TestClosedConnection(t *testing.T) {
	addr := newTestServer(t, nil, echo)
	ct := dialTest(t, addr)
	require.True(t, ct.Ready())
	require.NoError(t, ct.Ping(context.Background()))

	require.NoError(t, ct.Close())
	assert.Equal(t, Closed, ct.State())
	<-ct.Done()
	_, err := ct.NewStream(context.Background(), protoHdr("/test.Echo/Echo"))
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}

func TestServerRejectsNonGRPC(t *testing.T) {
	cfg := &ServerConfig{Codecs: codec.NewSet(), Compressors: compress.NewSet()}
	cases := []struct {
		name   string
		method string
		ct     string
		code   int
	}{
		{"wrong method", http.MethodGet, "application/grpc", http.StatusMethodNotAllowed},
		{"wrong content type", http.MethodPost, "text/plain", http.StatusUnsupportedMediaType},
		{"unknown codec", http.MethodPost, "application/grpc+xml", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, "/svc/M", nil)
			r.ProtoMajor = 2
			r.Header.Set("content-type", tc.ct)
			w := httptest.NewRecorder()
			ss, st := NewServerStream(w, r, cfg)
			assert.Nil(t, ss)
			assert.NotNil(t, st)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestServerRejectsUnknownEncoding(t *testing.T) {
	cfg := &ServerConfig{Codecs: codec.NewSet(), Compressors: compress.NewSet()}
	r := httptest.NewRequest(http.MethodPost, "/svc/M", nil)
	r.ProtoMajor = 2
	r.Header.Set("content-type", "application/grpc")
	r.Header.Set("grpc-encoding", "lz4")
	w := httptest.NewRecorder()

	_, st := NewServerStream(w, r, cfg)
	require.NotNil(t, st)
	assert.Equal(t, status.Unimplemented, st.Code())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12", w.Header().Get("grpc-status"))
	assert.Equal(t, "gzip,snappy", w.Header().Get("grpc-accept-encoding"))
}

func TestContentSubtype(t *testing.T) {
	cases := []struct {
		ct      string
		subtype string
		ok      bool
	}{
		{"application/grpc", "", true},
		{"application/grpc+proto", "proto", true},
		{"application/grpc+json", "json", true},
		{"application/grpc; charset=utf-8", "", true},
		{"Application/GRPC+JSON", "json", true},
		{"application/grpcx", "", false},
		{"application/json", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		subtype, ok := ContentSubtype(tc.ct)
		assert.Equal(t, tc.ok, ok, tc.ct)
		assert.Equal(t, tc.subtype, subtype, tc.ct)
	}
	assert.Equal(t, "application/grpc", ContentType("proto"))
	assert.Equal(t, "application/grpc+json", ContentType("json"))
}

func TestGrpcMessageEncoding(t *testing.T) {
	for _, msg := range []string{"", "plain", "100%", "line\nbreak", "ünïcode", "%zz"} {
		assert.Equal(t, msg, decodeGrpcMessage(encodeGrpcMessage(msg)))
	}
	assert.Equal(t, "a%25b%0A", encodeGrpcMessage("a%b\n"))
	assert.Equal(t, "bad %z escape", decodeGrpcMessage("bad %z escape"))
}

func TestParseMethod(t *testing.T) {
	svc, m, ok := ParseMethod("/pkg.Service/Method")
	require.True(t, ok)
	assert.Equal(t, "pkg.Service", svc)
	assert.Equal(t, "Method", m)

	for _, bad := range []string{"", "/", "noslash", "/Service", "/Service/", "//Method"} {
		_, _, ok := ParseMethod(bad)
		assert.False(t, ok, bad)
	}
}
