// Package codec holds the payload serializers selected by content type.
package codec

import (
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// Well-known content types.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeYAML    = "application/x-yaml"
	ContentTypeMsgpack = "application/x-msgpack"
	ContentTypeCBOR    = "application/cbor"
	ContentTypePickle  = "application/x-python-serialize"
)

// Codec marshals generic values (maps, slices, scalars) to bytes and back.
type Codec interface {
	ContentType() string
	ContentEncoding() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs. Build one per component and pass it
// in; there is no process-wide instance.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Codec)}
}

// NewDefaultRegistry returns a registry preloaded with JSON, YAML, msgpack and CBOR.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(JSON())
	r.Register(YAML())
	r.Register(Msgpack())
	r.Register(CBOR())
	return r
}

// Register adds or replaces a codec. Safe to call concurrently.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.ContentType()] = c
}

// Lookup returns the codec for contentType or an UnknownContentTypeError.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[contentType]
	if !ok {
		return nil, &domain.UnknownContentTypeError{ContentType: contentType}
	}
	return c, nil
}

// ContentTypes lists the registered content types.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		out = append(out, ct)
	}
	return out
}

// Encode serializes v with the codec registered for contentType.
func (r *Registry) Encode(contentType string, v any) ([]byte, string, error) {
	c, err := r.Lookup(contentType)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s payload: %w", contentType, err)
	}
	return data, c.ContentEncoding(), nil
}

// Decode parses data into a generic value and normalizes it: string-keyed
// maps, int64 integers, float64 floats, []any sequences.
func (r *Registry) Decode(contentType string, data []byte) (any, error) {
	c, err := r.Lookup(contentType)
	if err != nil {
		return nil, err
	}
	var v any
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, &domain.DecodeError{ContentType: contentType, Err: err}
	}
	out, err := Normalize(v)
	if err != nil {
		return nil, &domain.DecodeError{ContentType: contentType, Err: err}
	}
	return out, nil
}
