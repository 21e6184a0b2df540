package middleware

import (
	"context"
	"sort"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// fulltext routes findAll calls carrying a $search predicate through the
// external index: the index is probed for matching document stubs and the
// bodies are fetched downstream by id, so security rewriting applies to the
// final result like any other query. On construction the index is pinged
// fire-and-forget so the first real search does not pay the cold-start
// price.
type fulltext struct {
	pipeline.Base
	pctx *pipeline.Context
}

func NewFulltext(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	m := &fulltext{Base: pipeline.NewBase(next), pctx: pctx}
	if pctx.Fulltext != nil {
		go pctx.Fulltext.Warmup(context.WithoutCancel(ctx))
	}
	return m, nil
}

func (m *fulltext) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	search, ok := query.Search()
	if !ok {
		return m.Base.FindAll(ctx, s, class, query, opts)
	}

	limit := 0
	if opts != nil {
		limit = opts.Limit
	}
	classes := make([]core.ClassRef, 0, 4)
	for _, c := range m.pctx.Hierarchy.Descendants(class) {
		classes = append(classes, c)
	}

	res, err := m.Base.SearchFulltext(ctx, s, core.SearchQuery{Query: search, Classes: classes}, core.SearchOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return &core.FindResult{}, nil
	}

	ids := make([]core.Ref, 0, len(res.Hits))
	rank := make(map[core.Ref]int, len(res.Hits))
	for i, hit := range res.Hits {
		ids = append(ids, hit.ID)
		rank[hit.ID] = i
	}

	rest := query.Clone()
	delete(rest, core.QuerySearch)
	rest["_id"] = core.In(ids...)

	found, err := m.Base.FindAll(ctx, s, class, rest, opts)
	if err != nil {
		return nil, err
	}
	// Preserve the index's score order.
	sort.SliceStable(found.Docs, func(i, j int) bool {
		return rank[found.Docs[i].ID] < rank[found.Docs[j].ID]
	})
	return found, nil
}
