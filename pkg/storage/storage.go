// Package storage contains the per-domain adapter contract and the adapter
// registry the pipeline routes through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corelay/corelay/pkg/core"
)

var (
	// ErrNotFound is returned when a document id resolves to nothing.
	ErrNotFound = errors.New("document not found")
	// ErrAdapterNotFound is returned when no adapter serves a domain.
	// Fatal at pipeline boot.
	ErrAdapterNotFound = errors.New("storage adapter not found")
	// ErrIteratorDone signals the end of a traversal.
	ErrIteratorDone = errors.New("iterator done")
)

// DocIterator traverses documents of one domain. The caller must either
// consume it to ErrIteratorDone or Stop it.
type DocIterator interface {
	Next() (*core.Doc, error)
	Stop()
}

// Adapter is the R/W interface of one storage domain. Implementations must
// be safe for concurrent calls; the routing stage serializes batches
// targeting the same domain within one pipeline invocation.
type Adapter interface {
	// FindAll returns documents of the given class (descendants included)
	// matching the query.
	FindAll(ctx context.Context, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error)

	// Tx applies CUD transactions to this domain in submission order.
	Tx(ctx context.Context, txes ...*core.Tx) error

	// Load bulk-fetches documents by id. Missing ids are skipped, not an
	// error.
	Load(ctx context.Context, ids []core.Ref) ([]*core.Doc, error)

	// Upload stores document bodies verbatim, replacing prior state.
	Upload(ctx context.Context, docs []*core.Doc) error

	// Clean removes documents by id without emitting transactions.
	Clean(ctx context.Context, ids []core.Ref) error

	// GroupBy aggregates the distinct values of a field with their counts.
	GroupBy(ctx context.Context, field string) (map[any]int, error)

	// Iterate traverses every document of the domain.
	Iterate(ctx context.Context) (DocIterator, error)

	// Close releases adapter resources.
	Close()
}

// Registry holds the adapter of every configured domain plus a default for
// the rest. Registered once at boot, read-only afterwards.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[core.Domain]Adapter
	defaultName core.Domain
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[core.Domain]Adapter{}}
}

// Register binds an adapter to a domain. The first registration for the
// empty domain name becomes the default.
func (r *Registry) Register(domain core.Domain, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[domain] = a
}

// SetDefault marks the domain whose adapter serves unmapped domains.
func (r *Registry) SetDefault(domain core.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = domain
}

// Adapter resolves the adapter serving a domain, falling back to the
// default adapter.
func (r *Registry) Adapter(domain core.Domain) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[domain]; ok {
		return a, nil
	}
	if a, ok := r.adapters[r.defaultName]; ok && r.defaultName != "" {
		return a, nil
	}
	return nil, fmt.Errorf("domain %q: %w", domain, ErrAdapterNotFound)
}

// Close closes every registered adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[Adapter]bool{}
	for _, a := range r.adapters {
		if !seen[a] {
			seen[a] = true
			a.Close()
		}
	}
}
