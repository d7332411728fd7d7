package models

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry maps collection names to payload decoders, so each collection
// can have its own Go type while the engine moves raw JSON around.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]func(json.RawMessage) (any, error)
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]func(json.RawMessage) (any, error))}
}

// Register binds collection to payload type T
func Register[T any](r *Registry, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[collection] = func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Validate decodes the payload of doc when its collection is registered.
// Unregistered collections are accepted as-is.
func (r *Registry) Validate(doc *SyncDocument) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	decode, ok := r.decoders[doc.Collection]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if _, err := decode(doc.Data); err != nil {
		return fmt.Errorf("invalid %s payload for %s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// Decode unmarshals the payload of doc into T
func Decode[T any](doc *SyncDocument) (T, error) {
	var v T
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", doc.Key(), err)
	}
	return v, nil
}
