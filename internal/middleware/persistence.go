package middleware

import (
	"context"
	"sync"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// persistence finalizes committed batches: it appends the transaction
// records themselves to the tx domain, records the highest transaction id as
// the workspace's last transaction and queues the committed transactions
// plus a last-tx workspace event for broadcast.
type persistence struct {
	pipeline.Base
	pctx *pipeline.Context

	mu     sync.Mutex
	lastTx core.Ref
}

func NewPersistence(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &persistence{Base: pipeline.NewBase(next), pctx: pctx}, nil
}

func (m *persistence) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}

	adapter, err := m.pctx.Adapters.Adapter(core.DomainTx)
	if err != nil {
		return nil, err
	}

	var records []*core.Doc
	var last core.Ref
	for _, tx := range batch {
		if !tx.Kind.IsCUD() {
			continue
		}
		doc, err := TxToDoc(tx)
		if err != nil {
			return nil, err
		}
		records = append(records, doc)
		if tx.ID > last {
			last = tx.ID
		}
	}
	if len(records) > 0 {
		if err := adapter.Upload(ctx, records); err != nil {
			return nil, err
		}
	}

	for _, tx := range batch {
		if m.broadcastWorthy(tx) {
			s.QueueBroadcast(tx)
		}
	}

	if last != "" {
		m.mu.Lock()
		if last > m.lastTx {
			m.lastTx = last
		}
		m.mu.Unlock()
		res.LastTx = last
		s.QueueBroadcast(core.NewWorkspaceEventTx(core.EventLastTx, string(last)))
	}
	return res, nil
}

// broadcastWorthy excludes records of read-model classes: the tx domain's
// own documents are bookkeeping, sessions never subscribe to them.
func (m *persistence) broadcastWorthy(tx *core.Tx) bool {
	if tx.Kind == core.TxKindWorkspaceEvent {
		return true
	}
	if !tx.Kind.IsCUD() {
		return false
	}
	domain, err := m.pctx.Hierarchy.Domain(tx.ObjectClass)
	if err != nil {
		return false
	}
	return domain != core.DomainTx
}
