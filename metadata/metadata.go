// Package metadata holds the header and trailer key/value data that travels
// alongside the messages of a call.
//
// An MD is ordered: entries keep their insertion order, duplicate keys are
// allowed and all of them are transmitted. Keys are lower-case ASCII. Keys
// ending in "-bin" carry arbitrary bytes, base64-encoded on the wire.
//
// Order across different keys holds only for an MD built locally. On
// receive the HTTP/2 header block is read through http.Header, which keeps
// the values of each key in order but not the order between keys, so
// FromHeader returns keys sorted.
package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// BinarySuffix marks keys whose values are binary.
const BinarySuffix = "-bin"

// Pair is one metadata entry.
type Pair struct {
	Key   string
	Value string
}

// MD is an ordered multimap of metadata entries.
type MD []Pair

// New builds an MD from a map. Keys are visited in sorted order so the result
// is deterministic.
func New(m map[string]string) MD {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	md := make(MD, 0, len(m))
	for _, k := range keys {
		md = append(md, Pair{Key: strings.ToLower(k), Value: m[k]})
	}
	return md
}

// Pairs builds an MD from alternating keys and values. It panics on an odd
// number of arguments.
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got an odd number of input pairs: %d", len(kv)))
	}
	md := make(MD, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		md = append(md, Pair{Key: strings.ToLower(kv[i]), Value: kv[i+1]})
	}
	return md
}

// Len returns the number of entries, duplicates included.
func (md MD) Len() int {
	return len(md)
}

// Get returns every value stored under key, in insertion order.
func (md MD) Get(key string) []string {
	key = strings.ToLower(key)
	var out []string
	for _, p := range md {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}

// First returns the first value stored under key.
func (md MD) First(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, p := range md {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Keys returns the distinct keys in order of first appearance.
func (md MD) Keys() []string {
	seen := make(map[string]bool, len(md))
	var out []string
	for _, p := range md {
		if !seen[p.Key] {
			seen[p.Key] = true
			out = append(out, p.Key)
		}
	}
	return out
}

// Append adds values under key after the existing entries.
func (md *MD) Append(key string, vals ...string) {
	key = strings.ToLower(key)
	for _, v := range vals {
		*md = append(*md, Pair{Key: key, Value: v})
	}
}

// Set replaces every value stored under key.
func (md *MD) Set(key string, vals ...string) {
	md.Delete(key)
	md.Append(key, vals...)
}

// Delete removes every entry stored under key.
func (md *MD) Delete(key string) {
	key = strings.ToLower(key)
	out := (*md)[:0]
	for _, p := range *md {
		if p.Key != key {
			out = append(out, p)
		}
	}
	*md = out
}

// Copy returns a deep copy of md.
func (md MD) Copy() MD {
	if md == nil {
		return nil
	}
	out := make(MD, len(md))
	copy(out, md)
	return out
}

// Join concatenates several MDs, keeping order.
func Join(mds ...MD) MD {
	var out MD
	for _, md := range mds {
		out = append(out, md...)
	}
	return out
}

// IsBinaryKey reports whether key carries binary values.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(key, BinarySuffix)
}

// Validate checks key syntax and, for text keys, that values are printable
// ASCII.
func (md MD) Validate() error {
	for _, p := range md {
		if err := validateKey(p.Key); err != nil {
			return err
		}
		if IsBinaryKey(p.Key) {
			continue
		}
		for i := 0; i < len(p.Value); i++ {
			if c := p.Value[i]; c < 0x20 || c > 0x7e {
				return fmt.Errorf("metadata: key %q has an invalid value character %#x", p.Key, c)
			}
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata: empty key")
	}
	if key[0] == ':' {
		return fmt.Errorf("metadata: pseudo-header key %q is not allowed", key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' {
			continue
		}
		return fmt.Errorf("metadata: key %q contains invalid character %q", key, c)
	}
	return nil
}
