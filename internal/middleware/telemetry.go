package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

var tracer = otel.Tracer("corelay/pipeline")

var (
	opCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corelay",
		Name:      "pipeline_operations_total",
		Help:      "The total number of operations processed by the pipeline.",
	}, []string{"op"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "corelay",
		Name:      "pipeline_operation_duration_seconds",
		Help:      "Duration of pipeline operations.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	txBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "corelay",
		Name:      "pipeline_tx_batch_size",
		Help:      "Number of transactions per submitted batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 500},
	})
)

// telemetry names every operation, records metrics and opens a span around
// the remainder of the chain.
type telemetry struct {
	pipeline.Base
}

func NewTelemetry(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &telemetry{Base: pipeline.NewBase(next)}, nil
}

func (m *telemetry) observe(op string) func() {
	start := time.Now()
	opCounter.WithLabelValues(op).Inc()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *telemetry) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	done := m.observe("tx")
	defer done()
	txBatchSize.Observe(float64(len(batch)))

	ctx, span := tracer.Start(ctx, "pipeline.tx", oteltrace.WithAttributes(
		attribute.Int("batch_size", len(batch)),
		attribute.String("identity", string(s.Identity)),
		attribute.Int("derive_depth", s.DeriveDepth),
	))
	defer span.End()
	return m.Base.Tx(ctx, s, batch)
}

func (m *telemetry) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	done := m.observe("findAll")
	defer done()

	ctx, span := tracer.Start(ctx, "pipeline.findAll", oteltrace.WithAttributes(
		attribute.String("class", string(class)),
	))
	defer span.End()
	return m.Base.FindAll(ctx, s, class, query, opts)
}

func (m *telemetry) GroupBy(ctx context.Context, s *pipeline.Session, domain core.Domain, field string) (map[any]int, error) {
	done := m.observe("groupBy")
	defer done()
	return m.Base.GroupBy(ctx, s, domain, field)
}

func (m *telemetry) SearchFulltext(ctx context.Context, s *pipeline.Session, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error) {
	done := m.observe("searchFulltext")
	defer done()

	ctx, span := tracer.Start(ctx, "pipeline.searchFulltext")
	defer span.End()
	return m.Base.SearchFulltext(ctx, s, query, opts)
}

func (m *telemetry) LoadModel(ctx context.Context, s *pipeline.Session, lastHash string, lastTxTime core.Timestamp) (*core.ModelResponse, error) {
	done := m.observe("loadModel")
	defer done()
	return m.Base.LoadModel(ctx, s, lastHash, lastTxTime)
}
