// Package pipeline defines the middleware chain every operation of a
// workspace flows through: the stage contract with its default-forwarding
// base, the shared pipeline context, the per-call session data and the
// builder assembling stages in dependency order.
package pipeline

import (
	"context"

	"github.com/corelay/corelay/pkg/core"
)

// Middleware is one stage of the pipeline. A stage receives each operation
// from its predecessor, may inspect or transform it, and forwards to the
// next stage unless it is authoritative for that operation. Embed Base to
// inherit forwarding behavior and override only what the stage needs.
type Middleware interface {
	Tx(ctx context.Context, s *Session, batch []*core.Tx) (*core.TxResult, error)
	FindAll(ctx context.Context, s *Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error)
	GroupBy(ctx context.Context, s *Session, domain core.Domain, field string) (map[any]int, error)
	SearchFulltext(ctx context.Context, s *Session, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error)
	LoadModel(ctx context.Context, s *Session, lastHash string, lastTxTime core.Timestamp) (*core.ModelResponse, error)
	HandleBroadcast(ctx context.Context, s *Session) error
	Close()
}

// Base forwards every operation to the next stage. Terminal stages with no
// next return empty results.
type Base struct {
	next Middleware
}

var _ Middleware = (*Base)(nil)

func NewBase(next Middleware) Base {
	return Base{next: next}
}

// Next returns the wrapped stage, nil for terminal stages.
func (b *Base) Next() Middleware {
	return b.next
}

func (b *Base) Tx(ctx context.Context, s *Session, batch []*core.Tx) (*core.TxResult, error) {
	if b.next == nil {
		return &core.TxResult{}, nil
	}
	return b.next.Tx(ctx, s, batch)
}

func (b *Base) FindAll(ctx context.Context, s *Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	if b.next == nil {
		return &core.FindResult{}, nil
	}
	return b.next.FindAll(ctx, s, class, query, opts)
}

func (b *Base) GroupBy(ctx context.Context, s *Session, domain core.Domain, field string) (map[any]int, error) {
	if b.next == nil {
		return map[any]int{}, nil
	}
	return b.next.GroupBy(ctx, s, domain, field)
}

func (b *Base) SearchFulltext(ctx context.Context, s *Session, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error) {
	if b.next == nil {
		return &core.SearchResult{}, nil
	}
	return b.next.SearchFulltext(ctx, s, query, opts)
}

func (b *Base) LoadModel(ctx context.Context, s *Session, lastHash string, lastTxTime core.Timestamp) (*core.ModelResponse, error) {
	if b.next == nil {
		return &core.ModelResponse{}, nil
	}
	return b.next.LoadModel(ctx, s, lastHash, lastTxTime)
}

func (b *Base) HandleBroadcast(ctx context.Context, s *Session) error {
	if b.next == nil {
		return nil
	}
	return b.next.HandleBroadcast(ctx, s)
}

func (b *Base) Close() {
	if b.next != nil {
		b.next.Close()
	}
}

// Constructor builds one stage around the next one. Constructors perform
// their init scans before returning; any error aborts pipeline construction
// so no partial pipeline is ever exposed to traffic.
type Constructor func(ctx context.Context, pctx *Context, next Middleware) (Middleware, error)

// Build assembles a pipeline from constructors listed leaves first: each
// stage wraps everything constructed before it, so the last constructor
// yields the stage client calls enter through. The head is published on the
// context so stages that re-enter the pipeline (triggers) can reach it.
func Build(ctx context.Context, pctx *Context, constructors []Constructor) (Middleware, error) {
	var head Middleware
	for _, c := range constructors {
		m, err := c(ctx, pctx, head)
		if err != nil {
			if head != nil {
				head.Close()
			}
			return nil, err
		}
		head = m
	}
	pctx.head = head
	return head, nil
}
