package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corelay/corelay/pkg/core"
)

type recordingStage struct {
	Base
	name   string
	trace  *[]string
	closed *[]string
	failTx bool
}

func (m *recordingStage) Tx(ctx context.Context, s *Session, batch []*core.Tx) (*core.TxResult, error) {
	*m.trace = append(*m.trace, m.name)
	if m.failTx {
		return nil, errors.New(m.name + " refused")
	}
	return m.Base.Tx(ctx, s, batch)
}

func (m *recordingStage) Close() {
	*m.closed = append(*m.closed, m.name)
	m.Base.Close()
}

func stageConstructor(name string, trace, closed *[]string, failTx bool) Constructor {
	return func(ctx context.Context, pctx *Context, next Middleware) (Middleware, error) {
		return &recordingStage{Base: NewBase(next), name: name, trace: trace, closed: closed, failTx: failTx}, nil
	}
}

func TestBuildOrdersStagesLeavesFirst(t *testing.T) {
	var trace, closed []string
	pctx := &Context{}

	head, err := Build(context.Background(), pctx, []Constructor{
		stageConstructor("inner", &trace, &closed, false),
		stageConstructor("outer", &trace, &closed, false),
	})
	require.NoError(t, err)
	require.Same(t, head, pctx.Head())

	_, err = head.Tx(context.Background(), NewSession("account:alice"), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, trace)

	head.Close()
	require.Equal(t, []string{"outer", "inner"}, closed)
}

func TestBuildClosesPartialChainOnError(t *testing.T) {
	var trace, closed []string
	boom := errors.New("scan failed")
	failing := func(ctx context.Context, pctx *Context, next Middleware) (Middleware, error) {
		return nil, boom
	}

	_, err := Build(context.Background(), &Context{}, []Constructor{
		stageConstructor("inner", &trace, &closed, false),
		failing,
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"inner"}, closed)
}

func TestStageErrorShortCircuits(t *testing.T) {
	var trace, closed []string
	head, err := Build(context.Background(), &Context{}, []Constructor{
		stageConstructor("inner", &trace, &closed, false),
		stageConstructor("guard", &trace, &closed, true),
		stageConstructor("outer", &trace, &closed, false),
	})
	require.NoError(t, err)
	defer head.Close()

	_, err = head.Tx(context.Background(), NewSession("account:alice"), nil)
	require.Error(t, err)
	require.Equal(t, []string{"outer", "guard"}, trace)
}

func TestBaseTerminalReturnsEmptyResults(t *testing.T) {
	b := NewBase(nil)

	res, err := b.Tx(context.Background(), NewSession("account:alice"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	found, err := b.FindAll(context.Background(), NewSession("account:alice"), core.ClassDoc, core.Query{}, nil)
	require.NoError(t, err)
	require.Empty(t, found.Docs)

	require.NoError(t, b.HandleBroadcast(context.Background(), NewSession("account:alice")))
}

func TestSessionDeriveSharesState(t *testing.T) {
	s := NewSession("account:alice")
	d := s.Derive()

	require.Equal(t, s.ID, d.ID)
	require.Equal(t, 1, d.DeriveDepth)
	require.Equal(t, 2, d.Derive().DeriveDepth)

	d.RememberRemoved(&core.Doc{ID: "doc-1"})
	_, ok := s.Removed("doc-1")
	require.True(t, ok)

	s.QueueBroadcast(&core.Tx{ID: "t-1"}, &core.Tx{ID: "t-2"})
	d.QueueBroadcast(&core.Tx{ID: "t-3"})

	pending := s.TakeBroadcast()
	require.Len(t, pending, 3)
	require.Equal(t, core.Ref("t-1"), pending[0].ID)
	require.Empty(t, d.TakeBroadcast())
}

func TestSystemSession(t *testing.T) {
	require.True(t, NewSystemSession().IsSystem())
	require.False(t, NewSession("account:alice").IsSystem())
	require.True(t, NewSystemSession().Derive().IsSystem())
}

func TestTxResultMerge(t *testing.T) {
	r := &core.TxResult{Apply: []core.TxApplyResult{{Success: true}}, LastTx: "01A"}
	r.Merge(&core.TxResult{Apply: []core.TxApplyResult{{Success: false}}, LastTx: "01B"})
	r.Merge(nil)

	require.Len(t, r.Apply, 2)
	require.Equal(t, core.Ref("01B"), r.LastTx)
}
