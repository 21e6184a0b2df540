package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// Built-in derivation passes of the trigger stage. All document probes run
// with the system identity: cascading effects must reach every space, not
// just the ones the caller can see.

// cascadeRemovals derives remove transactions for every document attached to
// a removed one: the schema's collection attributes of its class and of
// every mixin it carries, plus any registered dependent collector.
// Grandchildren are reached when the derived removes re-enter the pipeline.
func (m *triggers) cascadeRemovals(ctx context.Context, s *pipeline.Session, matched []*core.Tx) ([]*core.Tx, error) {
	sys := pipeline.NewSystemSession()
	var derived []*core.Tx

	for _, tx := range matched {
		if tx.Kind != core.TxKindRemove {
			continue
		}
		doc, ok := s.Removed(tx.ObjectID)
		if !ok {
			continue
		}

		classes := []core.ClassRef{doc.Class}
		for mixin := range doc.Mixins {
			classes = append(classes, mixin)
		}

		seen := map[core.Ref]bool{}
		for _, class := range classes {
			for _, attr := range m.pctx.Hierarchy.CollectionAttributes(class) {
				children, err := m.Base.FindAll(ctx, sys, attr.Of,
					core.Query{"attachedTo": string(doc.ID), "collection": attr.Name}, nil)
				if err != nil {
					return nil, err
				}
				for _, child := range children.Docs {
					if seen[child.ID] {
						continue
					}
					if _, gone := s.Removed(child.ID); gone {
						continue
					}
					seen[child.ID] = true
					derived = append(derived, removeOf(tx, child))
				}
			}

			collector, ok := m.collectors[class]
			if !ok {
				continue
			}
			dependents, err := collector(ctx, sys, doc)
			if err != nil {
				// One bad participant must not block deletion of the
				// rest of the batch.
				m.pctx.Logger.Warn("dependent collector failed",
					zap.String("class", string(class)), zap.String("doc", string(doc.ID)), zap.Error(err))
				continue
			}
			for _, dep := range dependents {
				if seen[dep.ID] {
					continue
				}
				if _, gone := s.Removed(dep.ID); gone {
					continue
				}
				seen[dep.ID] = true
				derived = append(derived, removeOf(tx, dep))
			}
		}
	}
	return derived, nil
}

func removeOf(src *core.Tx, doc *core.Doc) *core.Tx {
	rm := core.NewRemoveTx(src.Modifier, doc.Space, doc.Class, doc.ID)
	rm.ModifiedOn = src.ModifiedOn
	return rm
}

// collectionCounters keeps every parent's collection counter equal to the
// live count of attached children: +1 on create, -1 on remove, a paired
// decrement/increment when an update moves a child to a different parent or
// collection. Counters of parents removed in the same call are left alone.
func (m *triggers) collectionCounters(ctx context.Context, s *pipeline.Session, matched []*core.Tx) ([]*core.Tx, error) {
	sys := pipeline.NewSystemSession()
	var derived []*core.Tx

	bump := func(src *core.Tx, parentClass core.ClassRef, parent core.Ref, collection string, delta int) error {
		if parent == "" || collection == "" {
			return nil
		}
		if _, gone := s.Removed(parent); gone {
			return nil
		}
		res, err := m.Base.FindAll(ctx, sys, parentClass, core.Query{"_id": string(parent)}, &core.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(res.Docs) == 0 {
			return nil
		}
		p := res.Docs[0]
		inc := core.NewUpdateTx(src.Modifier, p.Space, p.Class, p.ID,
			core.UpdateOps{core.OpInc: map[string]any{collection: delta}})
		inc.ModifiedOn = src.ModifiedOn
		derived = append(derived, inc)
		return nil
	}

	for _, tx := range matched {
		switch tx.Kind {
		case core.TxKindCreate:
			parent := core.Ref(tx.Attributes.String("attachedTo"))
			parentClass := core.ClassRef(tx.Attributes.String("attachedToClass"))
			collection := tx.Attributes.String("collection")
			if err := bump(tx, parentClass, parent, collection, 1); err != nil {
				return nil, err
			}
		case core.TxKindRemove:
			doc, ok := s.Removed(tx.ObjectID)
			if !ok || !doc.IsAttached() {
				continue
			}
			if err := bump(tx, doc.AttachedToClass, doc.AttachedTo, doc.Collection, -1); err != nil {
				return nil, err
			}
		case core.TxKindUpdate:
			prior, ok := s.Prior(tx.ObjectID)
			if !ok || !prior.IsAttached() {
				continue
			}
			assigns := tx.Operations.Assignments()
			newParent, newCollection := prior.AttachedTo, prior.Collection
			if v, ok := assigns["attachedTo"].(string); ok {
				newParent = core.Ref(v)
			}
			if v, ok := assigns["collection"].(string); ok {
				newCollection = v
			}
			if newParent == prior.AttachedTo && newCollection == prior.Collection {
				continue
			}
			if err := bump(tx, prior.AttachedToClass, prior.AttachedTo, prior.Collection, -1); err != nil {
				return nil, err
			}
			newParentClass := prior.AttachedToClass
			if v, ok := assigns["attachedToClass"].(string); ok {
				newParentClass = core.ClassRef(v)
			}
			if err := bump(tx, newParentClass, newParent, newCollection, 1); err != nil {
				return nil, err
			}
		}
	}
	return derived, nil
}

// propagateSpaceMoves keeps attached children in the same space as their
// logical parent: an update that moves a document derives space updates for
// every attached child.
func (m *triggers) propagateSpaceMoves(ctx context.Context, s *pipeline.Session, matched []*core.Tx) ([]*core.Tx, error) {
	sys := pipeline.NewSystemSession()
	var derived []*core.Tx

	for _, tx := range matched {
		if tx.Kind != core.TxKindUpdate {
			continue
		}
		newSpace, ok := tx.Operations.Assignments()["space"].(string)
		if !ok {
			continue
		}
		prior, ok := s.Prior(tx.ObjectID)
		if ok && prior.Space == core.SpaceRef(newSpace) {
			continue
		}

		classes := []core.ClassRef{tx.ObjectClass}
		if prior != nil {
			for mixin := range prior.Mixins {
				classes = append(classes, mixin)
			}
		}
		for _, class := range classes {
			for _, attr := range m.pctx.Hierarchy.CollectionAttributes(class) {
				children, err := m.Base.FindAll(ctx, sys, attr.Of,
					core.Query{"attachedTo": string(tx.ObjectID), "collection": attr.Name}, nil)
				if err != nil {
					return nil, err
				}
				for _, child := range children.Docs {
					if child.Space == core.SpaceRef(newSpace) {
						continue
					}
					mv := core.NewUpdateTx(tx.Modifier, child.Space, child.Class, child.ID,
						core.UpdateOps{"space": newSpace})
					mv.ModifiedOn = tx.ModifiedOn
					derived = append(derived, mv)
				}
			}
		}
	}
	return derived, nil
}
