package middleware

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/corelay/corelay/internal/keys"
	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

var deduplicatedQueryCount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "corelay",
	Name:      "pipeline_deduplicated_query_total",
	Help:      "The total number of findAll calls served by joining an identical in-flight query.",
})

// queryJoin collapses concurrent identical findAll calls into one downstream
// call. The join key is a stable hash of the caller identity and the full
// call signature, so two queries differing in any option execute
// independently. The key is evicted once the last waiter has been served.
type queryJoin struct {
	pipeline.Base
	group singleflight.Group
}

func NewQueryJoin(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &queryJoin{Base: pipeline.NewBase(next)}, nil
}

func (m *queryJoin) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	key := keys.FindAllKey(s.Identity, class, query, opts)

	isUnique := false
	joined, err, shared := m.group.Do(key, func() (interface{}, error) {
		isUnique = true
		return m.Base.FindAll(ctx, s, class, query, opts)
	})
	if err != nil {
		return nil, err
	}
	if shared && !isUnique {
		deduplicatedQueryCount.Inc()
	}

	// Waiters share the result object; hand each caller its own slice
	// header so later in-place filtering cannot race between them.
	res := joined.(*core.FindResult)
	out := &core.FindResult{
		Docs:  append([]*core.Doc(nil), res.Docs...),
		Total: res.Total,
	}
	return out, nil
}
