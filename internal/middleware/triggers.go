package middleware

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// DefaultMaxDeriveDepth bounds trigger re-entry into the pipeline. Trigger
// graphs are expected to be acyclic by construction; the bound turns an
// accidental cycle into an error instead of a livelock.
const DefaultMaxDeriveDepth = 10

const asyncTriggerWorkers = 8

// Trigger derives secondary transactions from the subset of a committed
// batch that matches its registered class.
type Trigger func(ctx context.Context, s *pipeline.Session, txes []*core.Tx) ([]*core.Tx, error)

// DependentCollector reports extra documents that must be removed together
// with a document of its registered class, beyond what the schema's
// collection attributes declare.
type DependentCollector func(ctx context.Context, s *pipeline.Session, doc *core.Doc) ([]*core.Doc, error)

type triggerEntry struct {
	class core.ClassRef
	fn    Trigger
}

// triggers synthesizes derived transactions after a batch is durably
// persisted: cascading removes, collection counters, space move propagation
// and the class-registered custom triggers. Derived transactions re-enter
// the pipeline through its head before the call returns; asynchronous
// triggers run after the response on a bounded worker pool.
type triggers struct {
	pipeline.Base
	pctx       *pipeline.Context
	maxDepth   int
	sync       []triggerEntry
	async      []triggerEntry
	collectors map[core.ClassRef]DependentCollector
	workers    *pool.Pool
}

// TriggersOption configures the trigger stage.
type TriggersOption func(*triggers)

// WithSyncTrigger registers a trigger that runs inline before the batch is
// acknowledged. Its errors propagate to the caller.
func WithSyncTrigger(class core.ClassRef, fn Trigger) TriggersOption {
	return func(m *triggers) {
		m.sync = append(m.sync, triggerEntry{class: class, fn: fn})
	}
}

// WithAsyncTrigger registers a trigger scheduled after the response is sent.
// Its errors are logged, never surfaced.
func WithAsyncTrigger(class core.ClassRef, fn Trigger) TriggersOption {
	return func(m *triggers) {
		m.async = append(m.async, triggerEntry{class: class, fn: fn})
	}
}

// WithDependentCollector registers a cascading-delete participant for a
// class or mixin.
func WithDependentCollector(class core.ClassRef, fn DependentCollector) TriggersOption {
	return func(m *triggers) {
		m.collectors[class] = fn
	}
}

// WithMaxDeriveDepth overrides the re-entry bound.
func WithMaxDeriveDepth(depth int) TriggersOption {
	return func(m *triggers) {
		m.maxDepth = depth
	}
}

// NewTriggers constructs the trigger stage. The registry is populated from
// the static option table at boot; triggers are never resolved by name at
// runtime.
func NewTriggers(opts ...TriggersOption) pipeline.Constructor {
	return func(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
		m := &triggers{
			Base:       pipeline.NewBase(next),
			pctx:       pctx,
			maxDepth:   DefaultMaxDeriveDepth,
			collectors: map[core.ClassRef]DependentCollector{},
			workers:    pool.New().WithMaxGoroutines(asyncTriggerWorkers),
		}
		for _, o := range opts {
			o(m)
		}
		return m, nil
	}
}

func (m *triggers) Close() {
	m.workers.Wait()
	m.Base.Close()
}

func (m *triggers) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}

	matched := m.worthy(batch)
	if len(matched) == 0 {
		return res, nil
	}

	derived, err := m.deriveSync(ctx, s, matched)
	if err != nil {
		return nil, err
	}

	if len(derived) > 0 {
		if s.DeriveDepth+1 > m.maxDepth {
			return nil, pipeline.ErrTriggerDepthExceeded
		}
		sort.SliceStable(derived, func(i, j int) bool {
			return derived[i].ModifiedOn < derived[j].ModifiedOn
		})
		derivedRes, err := m.pctx.Head().Tx(ctx, s.Derive(), derived)
		if err != nil {
			return nil, err
		}
		res.Merge(derivedRes)
	}

	m.scheduleAsync(s, matched, derived)
	return res, nil
}

// worthy selects the broadcast-worthy subset the passes run over: CUD
// transactions that are not bookkeeping records of the tx domain.
func (m *triggers) worthy(batch []*core.Tx) []*core.Tx {
	var out []*core.Tx
	for _, tx := range batch {
		if !tx.Kind.IsCUD() {
			continue
		}
		domain, err := m.pctx.Hierarchy.Domain(tx.ObjectClass)
		if err != nil || domain == core.DomainTx {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func (m *triggers) deriveSync(ctx context.Context, s *pipeline.Session, matched []*core.Tx) ([]*core.Tx, error) {
	var derived []*core.Tx

	cascade, err := m.cascadeRemovals(ctx, s, matched)
	if err != nil {
		return nil, err
	}
	derived = append(derived, cascade...)

	counters, err := m.collectionCounters(ctx, s, matched)
	if err != nil {
		return nil, err
	}
	derived = append(derived, counters...)

	moves, err := m.propagateSpaceMoves(ctx, s, matched)
	if err != nil {
		return nil, err
	}
	derived = append(derived, moves...)

	for _, entry := range m.sync {
		subset := m.selectByClass(matched, entry.class)
		if len(subset) == 0 {
			continue
		}
		extra, err := entry.fn(ctx, s, subset)
		if err != nil {
			return nil, err
		}
		derived = append(derived, extra...)
	}
	return derived, nil
}

// scheduleAsync runs the asynchronous triggers after the response, on a
// separate, freshly scoped context so their derived effects never block the
// caller. They receive the synchronous pass's derived output.
func (m *triggers) scheduleAsync(s *pipeline.Session, matched, syncDerived []*core.Tx) {
	var work []func(context.Context, *pipeline.Session) ([]*core.Tx, error)
	for _, entry := range m.async {
		subset := m.selectByClass(matched, entry.class)
		if len(subset) == 0 {
			continue
		}
		subset = append(subset, syncDerived...)
		fn := entry.fn
		work = append(work, func(ctx context.Context, as *pipeline.Session) ([]*core.Tx, error) {
			return fn(ctx, as, subset)
		})
	}
	if len(work) == 0 {
		return
	}

	identity := s.Identity
	m.workers.Go(func() {
		ctx := context.Background()
		as := pipeline.NewSession(identity)
		for _, fn := range work {
			extra, err := fn(ctx, as)
			if err != nil {
				m.pctx.Logger.Error("async trigger failed", zap.Error(err))
				continue
			}
			if len(extra) == 0 {
				continue
			}
			if _, err := m.pctx.Head().Tx(ctx, as.Derive(), extra); err != nil {
				m.pctx.Logger.Error("async derived batch failed", zap.Error(err))
			}
		}
		if pending := as.TakeBroadcast(); len(pending) > 0 && m.pctx.Broadcaster != nil {
			buckets, err := resolveTargets(ctx, m.pctx, as, pending)
			if err != nil {
				m.pctx.Logger.Error("async broadcast resolution failed", zap.Error(err))
				return
			}
			m.pctx.Broadcaster.BroadcastSessions(ctx, buckets)
		}
	})
}

func (m *triggers) selectByClass(txes []*core.Tx, class core.ClassRef) []*core.Tx {
	var out []*core.Tx
	for _, tx := range txes {
		if m.pctx.Hierarchy.IsDerived(tx.ObjectClass, class) {
			out = append(out, tx)
		}
		if tx.Kind == core.TxKindMixin && m.pctx.Hierarchy.IsDerived(tx.Mixin, class) {
			out = append(out, tx)
		}
	}
	return out
}
