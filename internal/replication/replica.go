package replication

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Replica is the application state the engine keeps in sync. The engine
// calls it from one goroutine at a time.
type Replica interface {
	// Apply performs a mutation that won its last-write-wins comparison.
	Apply(m Mutation) error
	// Snapshot serializes the full state.
	Snapshot() (json.RawMessage, error)
	// Restore replaces the full state.
	Restore(state json.RawMessage) error
}

// MapReplica is a Replica over a flat map of registers keyed by
// Mutation.Key. Setting a whole entity clears its fields.
type MapReplica struct {
	mu      sync.RWMutex
	values  map[string]json.RawMessage
	history []Mutation
}

func NewMapReplica() *MapReplica {
	return &MapReplica{values: make(map[string]json.RawMessage)}
}

func (r *MapReplica) Apply(m Mutation) error {
	if m.EntityID == "" {
		return fmt.Errorf("mutation without entity id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Field == "" {
		prefix := m.EntityID + "/"
		for key := range r.values {
			if strings.HasPrefix(key, prefix) {
				delete(r.values, key)
			}
		}
	}
	r.values[m.Key()] = append(json.RawMessage(nil), m.Value...)
	r.history = append(r.history, m)
	return nil
}

func (r *MapReplica) Snapshot() (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.Marshal(r.values)
	if err != nil {
		return nil, fmt.Errorf("encoding replica: %w", err)
	}
	return data, nil
}

func (r *MapReplica) Restore(state json.RawMessage) error {
	values := make(map[string]json.RawMessage)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &values); err != nil {
			return fmt.Errorf("decoding replica: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = values
	return nil
}

// Get returns the value stored for an entity field, or for the whole
// entity when field is empty.
func (r *MapReplica) Get(entityID, field string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[Mutation{EntityID: entityID, Field: field}.Key()]
	return v, ok
}

// Keys lists the registers currently set, sorted.
func (r *MapReplica) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// History returns every mutation applied since creation, in order.
// Restores do not appear in it.
func (r *MapReplica) History() []Mutation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mutation(nil), r.history...)
}
