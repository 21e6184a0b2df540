package middleware

import (
	"context"
	"sort"
	"strings"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// DefaultBroadcastThreshold is the per-bucket transaction count above which
// the payload collapses to a classes-touched summary event, bounding
// broadcast size independent of batch size.
const DefaultBroadcastThreshold = 10000

// broadcast resolves, once the whole call including triggers has committed,
// which identities every pending transaction must reach and hands the
// resolved buckets to the session transport. Sessions receive either the
// relevant transactions or a summary hint, never silence.
type broadcast struct {
	pipeline.Base
	pctx      *pipeline.Context
	threshold int
}

// BroadcastOption tunes the stage.
type BroadcastOption func(*broadcast)

// WithBroadcastThreshold overrides the payload collapse threshold.
func WithBroadcastThreshold(n int) BroadcastOption {
	return func(m *broadcast) {
		m.threshold = n
	}
}

func NewBroadcast(opts ...BroadcastOption) pipeline.Constructor {
	return func(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
		m := &broadcast{Base: pipeline.NewBase(next), pctx: pctx, threshold: DefaultBroadcastThreshold}
		for _, o := range opts {
			o(m)
		}
		return m, nil
	}
}

func (m *broadcast) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}
	// Derived re-entries keep accumulating; the client's own call flushes.
	if s.DeriveDepth == 0 {
		if err := m.flush(ctx, s); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (m *broadcast) HandleBroadcast(ctx context.Context, s *pipeline.Session) error {
	if err := m.flush(ctx, s); err != nil {
		return err
	}
	return m.Base.HandleBroadcast(ctx, s)
}

func (m *broadcast) flush(ctx context.Context, s *pipeline.Session) error {
	pending := s.TakeBroadcast()
	if len(pending) == 0 || m.pctx.Broadcaster == nil {
		return nil
	}
	buckets, err := resolveTargets(ctx, m.pctx, s, pending)
	if err != nil {
		return err
	}
	for i := range buckets {
		buckets[i].Txes = m.compact(buckets[i].Txes)
	}
	m.pctx.Broadcaster.BroadcastSessions(ctx, buckets)
	return nil
}

// compact replaces an oversized payload with one summary event naming the
// touched classes; the recipients refetch what they care about.
func (m *broadcast) compact(txes []*core.Tx) []*core.Tx {
	if len(txes) <= m.threshold {
		return txes
	}
	classSet := map[core.ClassRef]bool{}
	for _, tx := range txes {
		if tx.Kind.IsCUD() {
			classSet[tx.ObjectClass] = true
		}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)
	return []*core.Tx{core.NewWorkspaceEventTx(core.EventBulkUpdate, classes)}
}

// resolveTargets maps every pending transaction to its fan-out bucket. The
// registered resolvers run in registration order and the first decision
// wins; undecided transactions go to the implicit everyone bucket. A
// specific identity's bucket is lazily seeded with everything already queued
// for everyone, and exclusion sets are kept apart, one bucket per unique
// set.
func resolveTargets(ctx context.Context, pctx *pipeline.Context, s *pipeline.Session, pending []*core.Tx) ([]pipeline.BroadcastBucket, error) {
	resolvers := pctx.TargetResolvers()

	var order []core.Identity
	inclusive := map[core.Identity][]*core.Tx{}
	var exclusionOrder []string
	exclusions := map[string]*pipeline.BroadcastBucket{}

	seed := func(id core.Identity) {
		if _, ok := inclusive[id]; ok {
			return
		}
		order = append(order, id)
		// Everything everyone already got is also this identity's.
		inclusive[id] = append([]*core.Tx(nil), inclusive[""]...)
	}
	seed("")

	addEveryone := func(tx *core.Tx) {
		for id := range inclusive {
			inclusive[id] = append(inclusive[id], tx)
		}
	}

	for _, tx := range pending {
		var target *pipeline.BroadcastTarget
		for _, r := range resolvers {
			decided, err := r(ctx, s, tx)
			if err != nil {
				return nil, err
			}
			if decided != nil {
				target = decided
				break
			}
		}

		switch {
		case target == nil || target.Everyone:
			addEveryone(tx)
		case len(target.Exclude) > 0:
			key := exclusionKey(target.Exclude)
			bucket, ok := exclusions[key]
			if !ok {
				bucket = &pipeline.BroadcastBucket{Exclude: target.Exclude}
				exclusions[key] = bucket
				exclusionOrder = append(exclusionOrder, key)
			}
			bucket.Txes = append(bucket.Txes, tx)
		default:
			for _, id := range target.Include {
				seed(id)
				inclusive[id] = append(inclusive[id], tx)
			}
		}
	}

	var out []pipeline.BroadcastBucket
	for _, id := range order {
		if len(inclusive[id]) == 0 {
			continue
		}
		out = append(out, pipeline.BroadcastBucket{Identity: id, Txes: inclusive[id]})
	}
	for _, key := range exclusionOrder {
		out = append(out, *exclusions[key])
	}
	return out, nil
}

func exclusionKey(ids []core.Identity) string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = string(id)
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}
