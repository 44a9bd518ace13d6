package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Params is the request parameter set a cache key is derived from.
type Params map[string]any

// Shaper is implemented by large structured values (tables, frames) that
// are keyed by their dimensions instead of their content.
type Shaper interface {
	Shape() (rows, cols int)
}

// Fingerprinter is implemented by values that supply their own cheap
// identity for key derivation. It takes precedence over Shaper.
type Fingerprinter interface {
	Fingerprint() string
}

// Dataset is a simple tabular value.
type Dataset struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Shape returns the row and column counts.
func (d Dataset) Shape() (rows, cols int) {
	return len(d.Rows), len(d.Columns)
}

// Fingerprint summarizes the dataset by shape and column names. Two
// datasets with the same shape and columns but different cells collide;
// that tradeoff keeps key derivation independent of table size.
func (d Dataset) Fingerprint() string {
	rows, cols := d.Shape()
	return fmt.Sprintf("dataset:%dx%d:%s", rows, cols, strings.Join(d.Columns, ","))
}

// Keyer derives deterministic cache keys from a category and parameters.
//
// Contract:
// - Determinism: equal parameter sets produce the same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(category string, params Params) (string, error)
}

// DefaultKeyer generates SHA-256 based cache keys.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key returns the hex SHA-256 of category, a zero byte, and the canonical
// encoding of params. The result is always 64 characters.
func (k *DefaultKeyer) Key(category string, params Params) (string, error) {
	canonical, err := canonicalize(map[string]any(params))
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize produces a deterministic JSON representation of v.
// Maps are sorted by key; structured values are replaced by their summary.
func canonicalize(v any) ([]byte, error) {
	switch val := expand(v).(type) {
	case nil:
		return []byte("null"), nil
	case Fingerprinter, Shaper:
		return json.Marshal(summary(val))
	case Params:
		return canonicalizeMap(val)
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(val)
	}
}

// expand normalizes v for canonicalize and summarizeValue. Nil pointers
// become nil. Typed slices, arrays and string-keyed maps become []any and
// map[string]any so their elements are summarized one by one. Values with
// their own JSON encoding are returned unchanged.
func expand(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return nil
		}
	}

	switch v.(type) {
	case Fingerprinter, Shaper, Params, map[string]any, []any, json.Marshaler:
		return v
	}

	switch rv.Kind() {
	case reflect.Pointer:
		switch rv.Elem().Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return expand(rv.Elem().Interface())
		}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return v
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')

	return result, nil
}

// summary returns the key-derivation stand-in for a structured value, or
// the value itself.
func summary(v any) any {
	switch val := v.(type) {
	case Fingerprinter:
		return val.Fingerprint()
	case Shaper:
		rows, cols := val.Shape()
		return fmt.Sprintf("dataset:%dx%d", rows, cols)
	default:
		return v
	}
}

// summarizeParams copies params for the durable metadata record, replacing
// structured values with their summaries so large tables are not echoed.
func summarizeParams(params Params) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = summarizeValue(v)
	}
	return out
}

func summarizeValue(v any) any {
	switch val := expand(v).(type) {
	case Fingerprinter, Shaper:
		return summary(val)
	case Params:
		return summarizeParams(val)
	case map[string]any:
		return summarizeParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = summarizeValue(item)
		}
		return out
	default:
		return val
	}
}

// ValidateKey checks that key is usable as a cache key and as a file name:
// non-empty, at most MaxKeyLength, and limited to [A-Za-z0-9._-].
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if key == "." || key == ".." {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidKey, r)
		}
	}
	return nil
}

var _ Keyer = (*DefaultKeyer)(nil)
