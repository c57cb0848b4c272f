package metadata

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var reservedKeys = map[string]bool{
	"content-type":      true,
	"te":                true,
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"trailer":           true,
}

// IsReserved reports whether key belongs to the protocol rather than the
// application. Reserved keys are dropped in both directions.
func IsReserved(key string) bool {
	key = strings.ToLower(key)
	return strings.HasPrefix(key, "grpc-") || strings.HasPrefix(key, ":") || reservedKeys[key]
}

// EncodeBinary encodes a binary value for the wire.
func EncodeBinary(v string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(v))
}

// DecodeBinary decodes a binary value, accepting padded and unpadded base64.
func DecodeBinary(v string) (string, error) {
	if len(v)%4 == 0 {
		b, err := base64.StdEncoding.DecodeString(v)
		if err == nil {
			return string(b), nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeHeader writes the application entries of md into h. Every key is
// prefixed with prefix, which is either empty or http.TrailerPrefix.
func EncodeHeader(h http.Header, prefix string, md MD) error {
	if err := md.Validate(); err != nil {
		return err
	}
	for _, p := range md {
		if IsReserved(p.Key) {
			continue
		}
		v := p.Value
		if IsBinaryKey(p.Key) {
			v = EncodeBinary(v)
		}
		h.Add(prefix+p.Key, v)
	}
	return nil
}

// FromHeader extracts the application entries of h. Header keys are visited
// in sorted order; per-key value order is preserved.
func FromHeader(h http.Header) (MD, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var md MD
	for _, k := range keys {
		key := strings.ToLower(k)
		if IsReserved(key) {
			continue
		}
		for _, v := range h[k] {
			if IsBinaryKey(key) {
				for _, part := range strings.Split(v, ",") {
					dec, err := DecodeBinary(strings.TrimSpace(part))
					if err != nil {
						return nil, fmt.Errorf("metadata: malformed binary value for %q: %w", key, err)
					}
					md = append(md, Pair{Key: key, Value: dec})
				}
				continue
			}
			md = append(md, Pair{Key: key, Value: v})
		}
	}
	return md, nil
}
