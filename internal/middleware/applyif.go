package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

var applyIfRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "corelay",
	Name:      "pipeline_applyif_rejected_total",
	Help:      "The number of conditional batches whose predicates did not hold.",
})

// scopeGate serializes conditional batches sharing a scope key. Waits are
// unbounded but honor context cancellation; release always runs so a failed
// predicate evaluation never deadlocks subsequent same-scope callers.
type scopeGate struct {
	mu    sync.Mutex
	inUse map[string]chan struct{}
}

func newScopeGate() *scopeGate {
	return &scopeGate{inUse: map[string]chan struct{}{}}
}

// acquire blocks until the scope is free, then claims it. The returned
// release function must be called exactly once.
func (g *scopeGate) acquire(ctx context.Context, scope string) (func(), error) {
	for {
		g.mu.Lock()
		waiting, held := g.inUse[scope]
		if !held {
			done := make(chan struct{})
			g.inUse[scope] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.inUse, scope)
				g.mu.Unlock()
				close(done)
			}, nil
		}
		g.mu.Unlock()
		select {
		case <-waiting:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// applyIf splits a batch at each conditional wrapper, serializes wrappers
// sharing a scope key and applies a wrapper's inner batch only when all
// match predicates find at least one document and all not-match predicates
// find none.
type applyIf struct {
	pipeline.Base
	scopes *scopeGate
}

func NewApplyIf(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &applyIf{Base: pipeline.NewBase(next), scopes: newScopeGate()}, nil
}

func (m *applyIf) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	result := &core.TxResult{}
	var plain []*core.Tx

	flush := func() error {
		if len(plain) == 0 {
			return nil
		}
		res, err := m.Base.Tx(ctx, s, plain)
		if err != nil {
			return err
		}
		result.Merge(res)
		plain = nil
		return nil
	}

	for _, tx := range batch {
		if tx.Kind != core.TxKindApplyIf {
			plain = append(plain, tx)
			continue
		}
		// Preserve submission order: everything accumulated so far goes
		// through the chain before the wrapper is evaluated.
		if err := flush(); err != nil {
			return nil, err
		}
		res, err := m.applyConditional(ctx, s, tx)
		if err != nil {
			return nil, err
		}
		result.Merge(res)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *applyIf) applyConditional(ctx context.Context, s *pipeline.Session, tx *core.Tx) (*core.TxResult, error) {
	start := time.Now()

	if tx.ScopeID != "" {
		release, err := m.scopes.acquire(ctx, tx.ScopeID)
		if err != nil {
			return nil, err
		}
		// The scope stays held across predicate evaluation and the inner
		// batch's full downstream processing.
		defer release()
	}

	ok, err := m.evaluate(ctx, s, tx)
	if err != nil {
		return nil, err
	}

	result := &core.TxResult{}
	if !ok {
		applyIfRejected.Inc()
		result.Apply = append(result.Apply, core.TxApplyResult{Success: false, ServerTime: time.Since(start)})
		return result, nil
	}

	inner, err := m.Base.Tx(ctx, s, tx.Txes)
	if err != nil {
		return nil, err
	}
	result.Apply = append(result.Apply, core.TxApplyResult{Success: true, ServerTime: time.Since(start)})
	result.Merge(inner)
	return result, nil
}

// evaluate probes each predicate with limit 1, short-circuiting on the
// first negative answer.
func (m *applyIf) evaluate(ctx context.Context, s *pipeline.Session, tx *core.Tx) (bool, error) {
	probe := &core.FindOptions{Limit: 1}
	for _, p := range tx.Match {
		res, err := m.Base.FindAll(ctx, s, p.Class, p.Query, probe)
		if err != nil {
			return false, err
		}
		if len(res.Docs) == 0 {
			return false, nil
		}
	}
	for _, p := range tx.NotMatch {
		res, err := m.Base.FindAll(ctx, s, p.Class, p.Query, probe)
		if err != nil {
			return false, err
		}
		if len(res.Docs) > 0 {
			return false, nil
		}
	}
	return true, nil
}
