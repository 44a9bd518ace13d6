package cache

import (
	"encoding/json"
	"fmt"
)

// Codec converts values to and from durable payload bytes.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec encodes values as JSON.
type JSONCodec[V any] struct{}

// Marshal encodes v as JSON.
func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON payload into a new V.
func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode payload: %v", ErrCorruptEntry, err)
	}
	return v, nil
}
