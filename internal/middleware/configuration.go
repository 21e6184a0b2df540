package middleware

import (
	"context"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// configuration guards the configuration domain: only the system identity
// and workspace admins may write configuration documents. Reads pass
// through untouched.
type configuration struct {
	pipeline.Base
	pctx *pipeline.Context
}

func NewConfiguration(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &configuration{Base: pipeline.NewBase(next), pctx: pctx}, nil
}

func (m *configuration) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	for _, tx := range batch {
		if !tx.Kind.IsCUD() {
			continue
		}
		domain, err := m.pctx.Hierarchy.Domain(tx.ObjectClass)
		if err != nil {
			return nil, err
		}
		if domain != core.DomainConfiguration {
			continue
		}
		if !s.IsSystem() && !s.Admin && s.DeriveDepth == 0 {
			return nil, pipeline.Forbiddenf("identity %s may not modify configuration", s.Identity)
		}
	}
	return m.Base.Tx(ctx, s, batch)
}
