package hierarchy

import (
	"fmt"

	"github.com/corelay/corelay/pkg/core"
)

// ApplyTx folds one model-space transaction into the registry. Create and
// update transactions on Class/Mixin documents (re)define schema nodes,
// remove transactions retire them. Transactions on other classes are
// ignored: the model space may carry auxiliary documents the registry does
// not care about.
func (h *Hierarchy) ApplyTx(tx *core.Tx) error {
	if !h.IsDerived(tx.ObjectClass, core.ClassClass) {
		return nil
	}
	switch tx.Kind {
	case core.TxKindCreate:
		c, err := classFromAttributes(tx.ObjectID, tx.ObjectClass, tx.Attributes)
		if err != nil {
			return err
		}
		return h.Register(c)
	case core.TxKindUpdate:
		h.mu.Lock()
		defer h.mu.Unlock()
		existing, ok := h.classes[core.ClassRef(tx.ObjectID)]
		if !ok {
			return fmt.Errorf("update of class %q: %w", tx.ObjectID, ErrClassNotFound)
		}
		applyClassUpdate(existing, tx.Operations)
		return nil
	case core.TxKindRemove:
		h.Unregister(core.ClassRef(tx.ObjectID))
		return nil
	default:
		return nil
	}
}

func classFromAttributes(id core.Ref, objClass core.ClassRef, attrs core.Attributes) (*Class, error) {
	c := &Class{
		ID:      core.ClassRef(id),
		Extends: core.ClassRef(stringAttr(attrs, "extends")),
		Domain:  core.Domain(stringAttr(attrs, "domain")),
	}
	if objClass == core.ClassMixin {
		c.Kind = KindMixin
	}
	if c.Extends == "" {
		return nil, fmt.Errorf("class %q extends nothing", id)
	}
	c.Attributes = attributesFromPayload(attrs["attributes"])
	return c, nil
}

func applyClassUpdate(c *Class, ops core.UpdateOps) {
	assigns := ops.Assignments()
	if d, ok := assigns["domain"].(string); ok {
		c.Domain = core.Domain(d)
	}
	if e, ok := assigns["extends"].(string); ok {
		c.Extends = core.ClassRef(e)
	}
	if raw, ok := assigns["attributes"]; ok {
		c.Attributes = attributesFromPayload(raw)
	}
	if push, ok := ops.Operator(core.OpPush); ok {
		c.Attributes = append(c.Attributes, attributesFromPayload(push["attributes"])...)
	}
}

func attributesFromPayload(raw any) []Attribute {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Attribute, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Attribute{
			Name:       stringAttr(m, "name"),
			Type:       core.ClassRef(stringAttr(m, "type")),
			Of:         core.ClassRef(stringAttr(m, "of")),
			Collection: boolAttr(m, "collection"),
		})
	}
	return out
}

func stringAttr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolAttr(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
