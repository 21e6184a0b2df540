package middleware

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

type fakeIndex struct {
	mu      sync.Mutex
	hits    []core.SearchHit
	queries []core.SearchQuery
}

func (f *fakeIndex) FulltextSearch(_ context.Context, query core.SearchQuery, _ core.SearchOptions) (*core.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return &core.SearchResult{Hits: f.hits}, nil
}

func (f *fakeIndex) Warmup(context.Context) {}

func (f *fakeIndex) Queries() []core.SearchQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SearchQuery(nil), f.queries...)
}

// A $search query is answered by the index and the bodies are fetched by id,
// keeping the index's score order.
func TestFulltextSearchRoutesThroughIndex(t *testing.T) {
	index := &fakeIndex{hits: []core.SearchHit{
		{ID: "task-2", Class: classTask, Space: "open", Score: 2},
		{ID: "task-1", Class: classTask, Space: "open", Score: 1},
	}}
	env := buildTestEnv(t, func(pctx *pipeline.Context) { pctx.Fulltext = index })
	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "open", false))
	env.tx(t, pipeline.NewSession(alice),
		taskTx(alice, "open", "task-1", "first"),
		taskTx(alice, "open", "task-2", "second"),
	)

	docs := env.find(t, pipeline.NewSession(alice), classTask,
		core.Query{core.QuerySearch: "task"}, nil)
	require.Len(t, docs, 2)
	require.Equal(t, core.Ref("task-2"), docs[0].ID)
	require.Equal(t, core.Ref("task-1"), docs[1].ID)

	// The index query is scoped to the queried class hierarchy and
	// restricted to the caller's readable spaces.
	queries := index.Queries()
	require.Len(t, queries, 1)
	require.Contains(t, queries[0].Classes, classTask)
	require.Contains(t, queries[0].Spaces, core.SpaceRef("open"))
}

// An empty index answer short-circuits without touching storage.
func TestFulltextSearchNoHits(t *testing.T) {
	index := &fakeIndex{}
	env := buildTestEnv(t, func(pctx *pipeline.Context) { pctx.Fulltext = index })
	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "open", false))
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "open", "task-1", "present"))

	docs := env.find(t, pipeline.NewSession(alice), classTask,
		core.Query{core.QuerySearch: "absent"}, nil)
	require.Empty(t, docs)
}
