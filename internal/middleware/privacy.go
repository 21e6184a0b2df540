package middleware

import (
	"context"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// privacy confines notification-domain documents to the identity they were
// produced for: reads are constrained to the caller's own documents and
// writes against someone else's are rejected. The system identity is exempt
// on both paths.
type privacy struct {
	pipeline.Base
	pctx *pipeline.Context
}

func NewPrivacy(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &privacy{Base: pipeline.NewBase(next), pctx: pctx}, nil
}

func (m *privacy) personal(class core.ClassRef) bool {
	domain, err := m.pctx.Hierarchy.Domain(class)
	return err == nil && domain == core.DomainNotification
}

func (m *privacy) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	if !s.IsSystem() && m.personal(class) {
		query = query.Clone()
		query["createdBy"] = string(s.Identity)
	}
	return m.Base.FindAll(ctx, s, class, query, opts)
}

func (m *privacy) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	if !s.IsSystem() {
		for _, tx := range batch {
			if !tx.Kind.IsCUD() || !m.personal(tx.ObjectClass) {
				continue
			}
			if tx.Kind == core.TxKindCreate {
				continue
			}
			res, err := m.Base.FindAll(ctx, s, tx.ObjectClass,
				core.Query{"_id": string(tx.ObjectID), "createdBy": string(s.Identity)},
				&core.FindOptions{Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(res.Docs) == 0 {
				return nil, pipeline.Forbiddenf("identity %s may not modify personal document %s", s.Identity, tx.ObjectID)
			}
		}
	}
	return m.Base.Tx(ctx, s, batch)
}
