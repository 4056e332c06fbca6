package types

import (
	"bytes"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Params is an ordered string-to-string mapping. Insertion order is kept for
// display and serialization; Equal ignores order. The zero value is empty
// and ready to use. Like a map, copies share entries; use Clone for an
// independent copy.
type Params struct {
	m *orderedmap.OrderedMap[string, string]
}

// NewParams builds Params from alternating key, value pairs.
func NewParams(kv ...string) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

// ParseParams converts trailing "--key value" arguments into Params.
// Leading dashes are stripped from keys; a later duplicate overwrites the
// earlier value but keeps its position.
func ParseParams(args []string) (Params, error) {
	var p Params
	if len(args)%2 != 0 {
		return p, fmt.Errorf("%w: expected --key value pairs, got %d arguments", ErrInvalidParams, len(args))
	}
	for i := 0; i < len(args); i += 2 {
		raw := args[i]
		if !strings.HasPrefix(raw, "-") {
			return p, fmt.Errorf("%w: %q is not a --key", ErrInvalidParams, raw)
		}
		key := strings.TrimLeft(raw, "-")
		if key == "" {
			return p, fmt.Errorf("%w: empty key at position %d", ErrInvalidParams, i)
		}
		p.Set(key, args[i+1])
	}
	return p, nil
}

// Set stores value under key.
func (p *Params) Set(key, value string) {
	if p.m == nil {
		p.m = orderedmap.New[string, string]()
	}
	p.m.Set(key, value)
}

// Get returns the value stored under key.
func (p Params) Get(key string) (string, bool) {
	if p.m == nil {
		return "", false
	}
	return p.m.Get(key)
}

// GetOr returns the value stored under key, or def when absent.
func (p Params) GetOr(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Delete removes key.
func (p *Params) Delete(key string) {
	if p.m != nil {
		p.m.Delete(key)
	}
}

// Clone returns a copy that shares no entries with p.
func (p Params) Clone() Params {
	var out Params
	for pair := p.oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out
}

func (p Params) oldest() *orderedmap.Pair[string, string] {
	if p.m == nil {
		return nil
	}
	return p.m.Oldest()
}

// Keys returns the keys in insertion order.
func (p Params) Keys() []string {
	out := make([]string, 0, p.Len())
	for pair := p.oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Len returns the number of entries.
func (p Params) Len() int {
	if p.m == nil {
		return 0
	}
	return p.m.Len()
}

// Map returns a copy of the entries as a plain map.
func (p Params) Map() map[string]string {
	out := make(map[string]string, p.Len())
	for pair := p.oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Equal reports whether both mappings hold the same entries, in any order.
func (p Params) Equal(other Params) bool {
	if p.Len() != other.Len() {
		return false
	}
	for pair := p.oldest(); pair != nil; pair = pair.Next() {
		if ov, ok := other.Get(pair.Key); !ok || ov != pair.Value {
			return false
		}
	}
	return true
}

// String renders the entries as "k=v" pairs in insertion order.
func (p Params) String() string {
	parts := make([]string, 0, p.Len())
	for pair := p.oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, pair.Key+"="+pair.Value)
	}
	return strings.Join(parts, " ")
}

// MarshalJSON encodes the entries as a JSON object in insertion order.
func (p Params) MarshalJSON() ([]byte, error) {
	if p.m == nil {
		return []byte("{}"), nil
	}
	return p.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object of strings, keeping document order.
func (p *Params) UnmarshalJSON(data []byte) error {
	*p = Params{}
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: params must be a JSON object", ErrInvalidParams)
	}
	m := orderedmap.New[string, string]()
	if err := m.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	p.m = m
	return nil
}
