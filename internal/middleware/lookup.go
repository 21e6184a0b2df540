package middleware

import (
	"context"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// lookup resolves the related documents a caller asked for alongside each
// result and compacts the resolution into one downstream query per target
// class. Resolution queries run through the rest of the chain, so security
// rewriting strips documents the caller cannot see before they ever reach a
// nested result.
type lookup struct {
	pipeline.Base
	pctx *pipeline.Context
}

func NewLookup(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	return &lookup{Base: pipeline.NewBase(next), pctx: pctx}, nil
}

func (m *lookup) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	if opts == nil || opts.Lookup == nil {
		return m.Base.FindAll(ctx, s, class, query, opts)
	}

	base := *opts
	base.Lookup = nil
	res, err := m.Base.FindAll(ctx, s, class, query, &base)
	if err != nil {
		return nil, err
	}
	if len(res.Docs) == 0 {
		return res, nil
	}

	if err := m.resolveFields(ctx, s, res.Docs, opts.Lookup.Fields); err != nil {
		return nil, err
	}
	if err := m.resolveReverse(ctx, s, res.Docs, opts.Lookup.Reverse); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveFields resolves forward lookups: one batched query per looked-up
// field, deduplicated over the referenced ids.
func (m *lookup) resolveFields(ctx context.Context, s *pipeline.Session, docs []*core.Doc, fields map[string]core.ClassRef) error {
	for field, class := range fields {
		refs := map[core.Ref]bool{}
		for _, doc := range docs {
			if ref, ok := doc.Attributes[field].(string); ok && ref != "" {
				refs[core.Ref(ref)] = true
			}
		}
		if len(refs) == 0 {
			continue
		}
		ids := make([]core.Ref, 0, len(refs))
		for id := range refs {
			ids = append(ids, id)
		}
		res, err := m.Base.FindAll(ctx, s, class, core.Query{"_id": core.In(ids...)}, nil)
		if err != nil {
			return err
		}
		byID := make(map[core.Ref]*core.Doc, len(res.Docs))
		for _, d := range res.Docs {
			byID[d.ID] = d
		}
		for _, doc := range docs {
			ref, _ := doc.Attributes[field].(string)
			if resolved, ok := byID[core.Ref(ref)]; ok {
				attachLookup(doc, field, resolved)
			}
		}
	}
	return nil
}

// resolveReverse resolves collection lookups: the attached documents of each
// result, fetched with one query per collection.
func (m *lookup) resolveReverse(ctx context.Context, s *pipeline.Session, docs []*core.Doc, reverse map[string]core.ClassRef) error {
	ids := make([]core.Ref, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	for collection, class := range reverse {
		res, err := m.Base.FindAll(ctx, s, class,
			core.Query{"attachedTo": core.In(ids...), "collection": collection}, nil)
		if err != nil {
			return err
		}
		byParent := map[core.Ref][]*core.Doc{}
		for _, child := range res.Docs {
			byParent[child.AttachedTo] = append(byParent[child.AttachedTo], child)
		}
		for _, doc := range docs {
			if children, ok := byParent[doc.ID]; ok {
				attachLookup(doc, collection, children)
			}
		}
	}
	return nil
}

func attachLookup(doc *core.Doc, field string, value any) {
	if doc.Lookups == nil {
		doc.Lookups = map[string]any{}
	}
	doc.Lookups[field] = value
}
