package protocol

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const maxTimeoutDigits = 8

var timeoutUnits = []struct {
	unit byte
	d    time.Duration
}{
	{'n', time.Nanosecond},
	{'u', time.Microsecond},
	{'m', time.Millisecond},
	{'S', time.Second},
	{'M', time.Minute},
	{'H', time.Hour},
}

// EncodeTimeout renders d as a grpc-timeout header value: at most 8 digits
// followed by a unit, rounded up so the peer never sees a shorter deadline.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, u := range timeoutUnits {
		v := (d + u.d - 1) / u.d
		if v < 1e8 {
			return strconv.FormatInt(int64(v), 10) + string(u.unit)
		}
	}
	return "99999999H"
}

// DecodeTimeout parses a grpc-timeout header value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("protocol: timeout %q is too short", s)
	}
	if len(s) > maxTimeoutDigits+1 {
		return 0, fmt.Errorf("protocol: timeout %q has more than %d digits", s, maxTimeoutDigits)
	}
	unit := s[len(s)-1]
	var d time.Duration
	for _, u := range timeoutUnits {
		if u.unit == unit {
			d = u.d
			break
		}
	}
	if d == 0 {
		return 0, fmt.Errorf("protocol: timeout %q has unknown unit %q", s, unit)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("protocol: malformed timeout %q", s)
	}
	if v > math.MaxInt64/int64(d) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(v) * d, nil
}
