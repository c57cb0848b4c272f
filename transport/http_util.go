package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"

	"mini-grpc/metadata"
	"mini-grpc/status"
)

// Wire header names.
const (
	hdrContentType    = "content-type"
	hdrTE             = "te"
	hdrUserAgent      = "user-agent"
	hdrStatus         = "grpc-status"
	hdrMessage        = "grpc-message"
	hdrStatusDetails  = "grpc-status-details-bin"
	hdrTimeout        = "grpc-timeout"
	hdrEncoding       = "grpc-encoding"
	hdrAcceptEncoding = "grpc-accept-encoding"

	baseContentType = "application/grpc"
)

// ContentType returns the content-type for a codec name. The proto codec uses
// the bare base type.
func ContentType(subtype string) string {
	if subtype == "" || subtype == "proto" {
		return baseContentType
	}
	return baseContentType + "+" + subtype
}

// ContentSubtype parses a request content-type. ok is false when ct is not a
// gRPC content type.
func ContentSubtype(ct string) (subtype string, ok bool) {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == baseContentType {
		return "", true
	}
	if !strings.HasPrefix(ct, baseContentType) {
		return "", false
	}
	switch ct[len(baseContentType)] {
	case '+', ';':
		return ct[len(baseContentType)+1:], true
	default:
		return "", false
	}
}

const upperhex = "0123456789ABCDEF"

// encodeGrpcMessage percent-encodes every byte outside printable ASCII and '%'.
func encodeGrpcMessage(msg string) string {
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

// decodeGrpcMessage reverses encodeGrpcMessage. Malformed escapes are kept
// literally.
func decodeGrpcMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(msg[i])
	}
	return b.String()
}

// writeStatus renders st into h, prefixing every key with prefix.
func writeStatus(h http.Header, prefix string, st *status.Status) error {
	h.Set(prefix+hdrStatus, strconv.Itoa(int(st.Code())))
	if msg := st.Message(); msg != "" {
		h.Set(prefix+hdrMessage, encodeGrpcMessage(msg))
	}
	if st.HasDetails() {
		b, err := proto.Marshal(st.Proto())
		if err != nil {
			return fmt.Errorf("transport: marshal status details: %w", err)
		}
		h.Set(prefix+hdrStatusDetails, metadata.EncodeBinary(string(b)))
	}
	return nil
}

// readStatus parses the status carried by h. ok is false when h has no
// grpc-status entry.
func readStatus(h http.Header) (st *status.Status, ok bool) {
	raw := h.Get(hdrStatus)
	if raw == "" {
		return nil, false
	}
	code, err := status.ParseCode(raw)
	if err != nil {
		return status.Newf(status.Internal, "transport: malformed grpc-status %q", raw), true
	}
	msg := decodeGrpcMessage(h.Get(hdrMessage))
	if d := h.Get(hdrStatusDetails); d != "" {
		if p, err := decodeStatusProto(d); err == nil && status.Code(p.GetCode()) == code {
			return status.FromProto(p), true
		}
	}
	if code == status.OK {
		return nil, true
	}
	return status.New(code, msg), true
}

func decodeStatusProto(v string) (*spb.Status, error) {
	b, err := metadata.DecodeBinary(v)
	if err != nil {
		return nil, err
	}
	p := new(spb.Status)
	if err := proto.Unmarshal([]byte(b), p); err != nil {
		return nil, err
	}
	return p, nil
}
