package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// countingTerminal is a terminal stage that counts findAll calls and can
// hold them open until released, to force concurrent callers to overlap.
type countingTerminal struct {
	pipeline.Base
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func (m *countingTerminal) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.started <- struct{}{}
		<-m.release
	}
	return &core.FindResult{Docs: []*core.Doc{{ID: "doc-1", Class: class}}}, nil
}

func buildJoinChain(t *testing.T, terminal *countingTerminal) pipeline.Middleware {
	t.Helper()
	pctx := &pipeline.Context{}
	head, err := pipeline.Build(context.Background(), pctx, []pipeline.Constructor{
		func(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
			return terminal, nil
		},
		NewQueryJoin,
	})
	require.NoError(t, err)
	t.Cleanup(head.Close)
	return head
}

// Concurrent identical calls collapse into one downstream execution, and
// every caller gets an independent result slice.
func TestQueryJoinCoalescesIdenticalCalls(t *testing.T) {
	const callers = 5
	terminal := &countingTerminal{
		started: make(chan struct{}, callers),
		release: make(chan struct{}),
	}
	head := buildJoinChain(t, terminal)

	results := make([]*core.FindResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	query := core.Query{"title": "shared"}
	first := make(chan struct{})
	go func() {
		defer close(first)
		results[0], errs[0] = head.FindAll(context.Background(), pipeline.NewSession(alice), classTask, query, nil)
	}()
	// Wait for the first call to reach the terminal stage, then pile the
	// rest onto the same in-flight key.
	<-terminal.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = head.FindAll(context.Background(), pipeline.NewSession(alice), classTask, query, nil)
		}(i)
	}
	close(terminal.release)
	wg.Wait()
	<-first

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Docs, 1)
	}
	// Callers that piled on after the release may have executed their own
	// call, but the five calls must not map one-to-one to five executions.
	require.Less(t, terminal.calls.Load(), int64(callers))

	// Slice headers are private per caller.
	results[0].Docs[0] = nil
	require.NotNil(t, results[1].Docs[0])
}

// Any difference in the call signature executes independently.
func TestQueryJoinDistinctSignaturesExecuteSeparately(t *testing.T) {
	terminal := &countingTerminal{}
	head := buildJoinChain(t, terminal)

	s := pipeline.NewSession(alice)
	_, err := head.FindAll(context.Background(), s, classTask, core.Query{"title": "a"}, nil)
	require.NoError(t, err)
	_, err = head.FindAll(context.Background(), s, classTask, core.Query{"title": "b"}, nil)
	require.NoError(t, err)
	_, err = head.FindAll(context.Background(), s, classTask, core.Query{"title": "a"}, &core.FindOptions{Limit: 7})
	require.NoError(t, err)
	// A different caller identity sees differently filtered results, so it
	// must never join another identity's call.
	_, err = head.FindAll(context.Background(), pipeline.NewSession(bob), classTask, core.Query{"title": "a"}, nil)
	require.NoError(t, err)

	require.Equal(t, int64(4), terminal.calls.Load())
}
