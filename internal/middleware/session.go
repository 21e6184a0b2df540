package middleware

import (
	"context"
	"sync"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// sessionTracker is the head of the chain. It remembers the newest committed
// transaction id so a reconnecting client can tell whether it missed
// anything, and stamps it onto results that the inner stages left blank.
type sessionTracker struct {
	pipeline.Base
	pctx *pipeline.Context

	mu     sync.RWMutex
	lastTx core.Ref
}

func NewSessionTracker(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	m := &sessionTracker{Base: pipeline.NewBase(next), pctx: pctx}

	// Seed from the newest persisted record so the first reconnect after a
	// restart still gets an answer.
	adapter, err := pctx.Adapters.Adapter(core.DomainTx)
	if err != nil {
		return nil, err
	}
	res, err := adapter.FindAll(ctx, core.ClassTx, core.Query{}, &core.FindOptions{
		Limit: 1,
		Sort:  map[string]core.SortOrder{"_id": core.SortDescending},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Docs) > 0 {
		m.lastTx = res.Docs[0].ID
	}
	return m, nil
}

// LastTx reports the newest committed transaction id seen by this process.
func (m *sessionTracker) LastTx() core.Ref {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTx
}

func (m *sessionTracker) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if res.LastTx > m.lastTx {
		m.lastTx = res.LastTx
	}
	if res.LastTx == "" {
		res.LastTx = m.lastTx
	}
	m.mu.Unlock()
	return res, nil
}

func (m *sessionTracker) LoadModel(ctx context.Context, s *pipeline.Session, hash string, ts core.Timestamp) (*core.ModelResponse, error) {
	res, err := m.Base.LoadModel(ctx, s, hash, ts)
	if err != nil {
		return nil, err
	}
	res.LastTx = m.LastTx()
	return res, nil
}
