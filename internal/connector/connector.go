// Package connector defines the external database capability the core
// consumes: schema discovery and bounded query execution. Concrete
// implementations live in subpackages per engine.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/askdb/askdb/internal/schemadoc"
)

type EngineKind string

const (
	EngineRelational EngineKind = "relational"
	EngineDocument   EngineKind = "document"
)

// Descriptor identifies one configured database. The DSN stays inside the
// connector layer; the core never persists credentials.
type Descriptor struct {
	DatabaseID string
	EngineKind EngineKind
	Dialect    string
	DSN        string
}

// Result carries executed rows in column order, mirroring how relational
// drivers return them. Document engines synthesize a column set.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Connector is bound to one database.
type Connector interface {
	ListSchema(ctx context.Context) (schemadoc.RawSchema, error)
	Execute(ctx context.Context, queryText string, limit int) (Result, error)
	Close() error
}

var ErrUnknownDatabase = errors.New("connector: unknown database")

// Registry maps database ids to their connectors and descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	order   []string
}

type registryEntry struct {
	descriptor Descriptor
	connector  Connector
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func (r *Registry) Register(descriptor Descriptor, conn Connector) error {
	if descriptor.DatabaseID == "" {
		return fmt.Errorf("connector: descriptor requires a database id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[descriptor.DatabaseID]; exists {
		return fmt.Errorf("connector: database %q already registered", descriptor.DatabaseID)
	}
	r.entries[descriptor.DatabaseID] = registryEntry{descriptor: descriptor, connector: conn}
	r.order = append(r.order, descriptor.DatabaseID)
	return nil
}

func (r *Registry) Lookup(databaseID string) (Descriptor, Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[databaseID]
	if !ok {
		return Descriptor{}, nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, databaseID)
	}
	return entry.descriptor, entry.connector, nil
}

// Descriptors returns the registered descriptors in registration order with
// DSNs blanked for safe exposure.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		d := r.entries[id].descriptor
		d.DSN = ""
		descriptors = append(descriptors, d)
	}
	return descriptors
}

// Names returns registered database ids sorted for deterministic matching.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for id := range r.entries {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every registered connector, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, id := range r.order {
		if err := r.entries[id].connector.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connector %s: %w", id, err)
		}
	}
	return firstErr
}
