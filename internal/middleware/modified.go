package middleware

import (
	"context"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// modified stamps ModifiedOn and CreatedOn at ingress, once, by the server.
// The system identity keeps its own timestamps so that replication and
// derived transactions preserve their original clock readings.
type modified struct {
	pipeline.Base
}

func NewModified(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &modified{Base: pipeline.NewBase(next)}, nil
}

func (m *modified) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	stampBatch(batch)
	return m.Base.Tx(ctx, s, batch)
}

func stampBatch(batch []*core.Tx) {
	for _, tx := range batch {
		stamp(tx)
		// Conditional wrappers carry their inner batch inline; stamp it in
		// the same pass.
		if tx.Kind == core.TxKindApplyIf {
			stampBatch(tx.Txes)
		}
	}
}

func stamp(tx *core.Tx) {
	now := core.Now()
	if tx.Modifier == core.SystemIdentity {
		if tx.ModifiedOn == 0 {
			tx.ModifiedOn = now
		}
		if tx.CreatedOn == 0 {
			tx.CreatedOn = tx.ModifiedOn
		}
		return
	}
	tx.ModifiedOn = now
	if tx.Kind == core.TxKindCreate || tx.CreatedOn == 0 {
		tx.CreatedOn = now
	}
}
