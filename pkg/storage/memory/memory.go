// Package memory provides an ephemeral, mutex-guarded storage adapter. It
// backs tests and single-node evaluation setups; production deployments
// register real database adapters instead.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/hierarchy"
	"github.com/corelay/corelay/pkg/storage"
)

type staticIterator struct {
	docs []*core.Doc
}

func (s *staticIterator) Next() (*core.Doc, error) {
	if len(s.docs) == 0 {
		return nil, storage.ErrIteratorDone
	}
	next := s.docs[0]
	s.docs = s.docs[1:]
	return next, nil
}

func (s *staticIterator) Stop() {}

// Adapter is an in-memory storage domain. Instances may be shared by
// multiple goroutines.
type Adapter struct {
	hierarchy *hierarchy.Hierarchy

	mu   sync.Mutex
	docs map[core.Ref]*core.Doc /* GUARDED_BY(mu) */
}

var _ storage.Adapter = (*Adapter)(nil)

func New(h *hierarchy.Hierarchy) *Adapter {
	return &Adapter{
		hierarchy: h,
		docs:      map[core.Ref]*core.Doc{},
	}
}

func (a *Adapter) FindAll(ctx context.Context, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []*core.Doc
	for _, doc := range a.docs {
		if !a.hierarchy.IsDerived(doc.Class, class) {
			continue
		}
		if !Match(doc, query) {
			continue
		}
		matched = append(matched, doc.Clone())
	}

	total := len(matched)
	sortDocs(matched, opts)
	if opts != nil && opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	res := &core.FindResult{Docs: matched}
	if opts != nil && opts.Total {
		res.Total = total
	}
	return res, nil
}

func (a *Adapter) Tx(ctx context.Context, txes ...*core.Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tx := range txes {
		switch tx.Kind {
		case core.TxKindCreate:
			a.docs[tx.ObjectID] = docFromCreate(tx)
		case core.TxKindUpdate:
			if doc, ok := a.docs[tx.ObjectID]; ok {
				ApplyUpdate(doc, tx)
			}
		case core.TxKindMixin:
			if doc, ok := a.docs[tx.ObjectID]; ok {
				applyMixin(doc, tx)
			}
		case core.TxKindRemove:
			delete(a.docs, tx.ObjectID)
		}
	}
	return nil
}

func (a *Adapter) Load(ctx context.Context, ids []core.Ref) ([]*core.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*core.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := a.docs[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (a *Adapter) Upload(ctx context.Context, docs []*core.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, doc := range docs {
		a.docs[doc.ID] = doc.Clone()
	}
	return nil
}

func (a *Adapter) Clean(ctx context.Context, ids []core.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		delete(a.docs, id)
	}
	return nil
}

func (a *Adapter) GroupBy(ctx context.Context, field string) (map[any]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[any]int{}
	for _, doc := range a.docs {
		out[fieldValue(doc, field)]++
	}
	return out, nil
}

func (a *Adapter) Iterate(ctx context.Context) (storage.DocIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	docs := make([]*core.Doc, 0, len(a.docs))
	for _, doc := range a.docs {
		docs = append(docs, doc.Clone())
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return &staticIterator{docs: docs}, nil
}

func (a *Adapter) Close() {}

func docFromCreate(tx *core.Tx) *core.Doc {
	doc := &core.Doc{
		ID:         tx.ObjectID,
		Class:      tx.ObjectClass,
		Space:      tx.ObjectSpace,
		ModifiedBy: tx.Modifier,
		ModifiedOn: tx.ModifiedOn,
		CreatedBy:  tx.Modifier,
		CreatedOn:  tx.CreatedOn,
		Attributes: core.Attributes{},
	}
	for k, v := range tx.Attributes {
		switch k {
		case "attachedTo":
			doc.AttachedTo = core.Ref(asString(v))
		case "attachedToClass":
			doc.AttachedToClass = core.ClassRef(asString(v))
		case "collection":
			doc.Collection = asString(v)
		default:
			doc.Attributes[k] = v
		}
	}
	return doc
}

// ApplyUpdate folds an update transaction into a document body: plain keys
// assign, $inc adjusts counters, $push/$pull edit list attributes.
func ApplyUpdate(doc *core.Doc, tx *core.Tx) {
	if doc.Attributes == nil {
		doc.Attributes = core.Attributes{}
	}
	for k, v := range tx.Operations.Assignments() {
		switch k {
		case "space":
			doc.Space = core.SpaceRef(asString(v))
		case "attachedTo":
			doc.AttachedTo = core.Ref(asString(v))
		case "collection":
			doc.Collection = asString(v)
		default:
			doc.Attributes[k] = v
		}
	}
	if inc, ok := tx.Operations.Operator(core.OpInc); ok {
		for k, v := range inc {
			doc.Attributes[k] = doc.Attributes.Int(k) + core.Attributes{"v": v}.Int("v")
		}
	}
	if push, ok := tx.Operations.Operator(core.OpPush); ok {
		for k, v := range push {
			doc.Attributes[k] = append(doc.Attributes.Strings(k), asString(v))
		}
	}
	if pull, ok := tx.Operations.Operator(core.OpPull); ok {
		for k, v := range pull {
			kept := doc.Attributes.Strings(k)[:0:0]
			for _, e := range doc.Attributes.Strings(k) {
				if e != asString(v) {
					kept = append(kept, e)
				}
			}
			doc.Attributes[k] = kept
		}
	}
	doc.ModifiedBy = tx.Modifier
	doc.ModifiedOn = tx.ModifiedOn
}

func applyMixin(doc *core.Doc, tx *core.Tx) {
	if doc.Mixins == nil {
		doc.Mixins = map[core.ClassRef]core.Attributes{}
	}
	attrs := doc.Mixins[tx.Mixin]
	if attrs == nil {
		attrs = core.Attributes{}
		doc.Mixins[tx.Mixin] = attrs
	}
	ops := core.UpdateOps(tx.MixinOps)
	for k, v := range ops.Assignments() {
		attrs[k] = v
	}
	if push, ok := ops.Operator(core.OpPush); ok {
		for k, v := range push {
			attrs[k] = append(attrs.Strings(k), asString(v))
		}
	}
	if pull, ok := ops.Operator(core.OpPull); ok {
		for k, v := range pull {
			kept := attrs.Strings(k)[:0:0]
			for _, e := range attrs.Strings(k) {
				if e != asString(v) {
					kept = append(kept, e)
				}
			}
			attrs[k] = kept
		}
	}
	doc.ModifiedBy = tx.Modifier
	doc.ModifiedOn = tx.ModifiedOn
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
