package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
	"github.com/corelay/corelay/pkg/storage"
)

// domains is the terminal stage: it derives the storage domain of every
// query and transaction from the object class and dispatches to the adapter
// owning that domain. Callers never choose the domain. Full-text probes
// terminate here as well, handed to the external index client.
type domains struct {
	pipeline.Base
	pctx *pipeline.Context
}

// NewDomains constructs the domain routing and dispatch stage. It verifies
// at boot that the reserved domains resolve to adapters; a missing adapter
// is fatal.
func NewDomains(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	for _, d := range []core.Domain{core.DomainModel, core.DomainTx, core.DomainSpace, core.DomainDoc} {
		if _, err := pctx.Adapters.Adapter(d); err != nil {
			return nil, err
		}
	}
	return &domains{Base: pipeline.NewBase(next), pctx: pctx}, nil
}

func (m *domains) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	domain, err := m.pctx.Hierarchy.Domain(class)
	if err != nil {
		return nil, err
	}
	adapter, err := m.pctx.Adapters.Adapter(domain)
	if err != nil {
		return nil, err
	}
	return adapter.FindAll(ctx, class, query, opts)
}

func (m *domains) GroupBy(ctx context.Context, s *pipeline.Session, domain core.Domain, field string) (map[any]int, error) {
	adapter, err := m.pctx.Adapters.Adapter(domain)
	if err != nil {
		return nil, err
	}
	return adapter.GroupBy(ctx, field)
}

func (m *domains) SearchFulltext(ctx context.Context, s *pipeline.Session, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error) {
	if m.pctx.Fulltext == nil {
		return &core.SearchResult{}, nil
	}
	res, err := m.pctx.Fulltext.FulltextSearch(ctx, query, opts)
	if err != nil {
		// Best effort: an unreachable index degrades to empty results.
		m.pctx.Logger.Warn("fulltext search failed", zap.Error(err))
		return &core.SearchResult{}, nil
	}
	return res, nil
}

// Tx groups the batch by target domain, preserving submission order within
// each domain, and applies one batched adapter call per domain. Before
// removals are applied the prior document bodies are bulk-loaded into the
// session so later stages can still reason about them; updates that reattach
// or move a document get the same treatment.
func (m *domains) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	type run struct {
		domain core.Domain
		txes   []*core.Tx
	}
	var runs []*run
	byDomain := map[core.Domain]*run{}

	for _, tx := range batch {
		if !tx.Kind.IsCUD() {
			continue
		}
		domain, err := m.pctx.Hierarchy.Domain(tx.ObjectClass)
		if err != nil {
			return nil, err
		}
		r, ok := byDomain[domain]
		if !ok {
			r = &run{domain: domain}
			byDomain[domain] = r
			runs = append(runs, r)
		}
		r.txes = append(r.txes, tx)
	}

	for _, r := range runs {
		adapter, err := m.pctx.Adapters.Adapter(r.domain)
		if err != nil {
			return nil, err
		}
		if err := m.snapshotPrior(ctx, s, adapter, r.txes); err != nil {
			return nil, err
		}
		if err := adapter.Tx(ctx, r.txes...); err != nil {
			return nil, err
		}
	}
	return &core.TxResult{}, nil
}

// snapshotPrior loads the bodies a batch is about to destroy or reattach:
// removed documents go to the session removed-map, reattached or space-moved
// documents to the prior-map consulted by counter triggers.
func (m *domains) snapshotPrior(ctx context.Context, s *pipeline.Session, adapter storage.Adapter, txes []*core.Tx) error {
	var removeIDs, priorIDs []core.Ref
	for _, tx := range txes {
		switch tx.Kind {
		case core.TxKindRemove:
			removeIDs = append(removeIDs, tx.ObjectID)
		case core.TxKindUpdate:
			if txReattaches(tx) {
				priorIDs = append(priorIDs, tx.ObjectID)
			}
		}
	}
	if len(removeIDs) > 0 {
		docs, err := adapter.Load(ctx, removeIDs)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			s.RememberRemoved(doc)
		}
	}
	if len(priorIDs) > 0 {
		docs, err := adapter.Load(ctx, priorIDs)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			s.RememberPrior(doc)
		}
	}
	return nil
}

// txReattaches reports whether an update changes the attachment or space of
// its target.
func txReattaches(tx *core.Tx) bool {
	assigns := tx.Operations.Assignments()
	for _, field := range []string{"attachedTo", "collection", "space"} {
		if _, ok := assigns[field]; ok {
			return true
		}
	}
	return false
}
