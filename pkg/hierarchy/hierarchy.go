// Package hierarchy maintains the class registry: the schema every stage
// consults to route documents to domains, enumerate attributes and walk the
// ancestor and mixin structure. The registry is mutated only by the model
// stage in response to model-space transactions; all other stages read it.
package hierarchy

import (
	"fmt"
	"sync"

	"github.com/corelay/corelay/pkg/core"
)

// Kind distinguishes plain classes from mixins.
type Kind int

const (
	KindClass Kind = iota
	KindMixin
)

// Attribute describes one typed attribute of a class. A collection attribute
// counts attached documents of class Of under the collection named by the
// attribute itself.
type Attribute struct {
	Name       string
	Type       core.ClassRef
	Of         core.ClassRef
	Collection bool
}

// Class is one schema node.
type Class struct {
	ID         core.ClassRef
	Extends    core.ClassRef
	Kind       Kind
	Domain     core.Domain
	Attributes []Attribute
}

// Hierarchy is the registry. Safe for concurrent readers; writers are
// serialized by the model stage.
type Hierarchy struct {
	mu      sync.RWMutex
	classes map[core.ClassRef]*Class
}

func New() *Hierarchy {
	h := &Hierarchy{classes: map[core.ClassRef]*Class{}}
	h.bootstrap()
	return h
}

// bootstrap registers the built-in classes every workspace starts with.
func (h *Hierarchy) bootstrap() {
	builtin := []*Class{
		{ID: core.ClassObj},
		{ID: core.ClassDoc, Extends: core.ClassObj},
		{ID: core.ClassClass, Extends: core.ClassDoc, Domain: core.DomainModel},
		{ID: core.ClassMixin, Extends: core.ClassClass, Domain: core.DomainModel},
		{ID: core.ClassTx, Extends: core.ClassDoc, Domain: core.DomainTx},
		{ID: core.ClassAttachedDoc, Extends: core.ClassDoc},
		{ID: core.ClassSpace, Extends: core.ClassDoc, Domain: core.DomainSpace, Attributes: []Attribute{
			{Name: core.AttrPrivate},
			{Name: core.AttrMembers},
			{Name: core.AttrOwners},
			{Name: core.AttrArchived},
		}},
		{ID: core.MixinRoleAssignment, Extends: core.ClassSpace, Kind: KindMixin},
	}
	for _, c := range builtin {
		h.classes[c.ID] = c
	}
}

// Register adds or replaces a class definition.
func (h *Hierarchy) Register(c *Class) error {
	if c.ID == "" {
		return fmt.Errorf("class id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.classes[c.ID] = c
	return nil
}

// Unregister removes a class definition.
func (h *Hierarchy) Unregister(ref core.ClassRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.classes, ref)
}

// Class looks up one schema node.
func (h *Hierarchy) Class(ref core.ClassRef) (*Class, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.classes[ref]
	if !ok {
		return nil, fmt.Errorf("class %q: %w", ref, ErrClassNotFound)
	}
	return c, nil
}

// ErrClassNotFound reports a lookup of a class the schema does not define.
var ErrClassNotFound = fmt.Errorf("class not found")

// Domain resolves the storage domain of a class by walking its ancestry to
// the nearest domain-carrying node.
func (h *Hierarchy) Domain(ref core.ClassRef) (core.Domain, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cur := ref; cur != ""; {
		c, ok := h.classes[cur]
		if !ok {
			return "", fmt.Errorf("class %q: %w", cur, ErrClassNotFound)
		}
		if c.Domain != "" {
			return c.Domain, nil
		}
		cur = c.Extends
	}
	return "", fmt.Errorf("class %q has no domain: %w", ref, ErrClassNotFound)
}

// IsDerived reports whether child equals or descends from parent.
func (h *Hierarchy) IsDerived(child, parent core.ClassRef) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cur := child; cur != ""; {
		if cur == parent {
			return true
		}
		c, ok := h.classes[cur]
		if !ok {
			return false
		}
		cur = c.Extends
	}
	return false
}

// Ancestors returns the class and its ancestry, nearest first.
func (h *Hierarchy) Ancestors(ref core.ClassRef) []core.ClassRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []core.ClassRef
	for cur := ref; cur != ""; {
		out = append(out, cur)
		c, ok := h.classes[cur]
		if !ok {
			break
		}
		cur = c.Extends
	}
	return out
}

// Descendants returns every class equal to or derived from ref.
func (h *Hierarchy) Descendants(ref core.ClassRef) []core.ClassRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []core.ClassRef
	for id := range h.classes {
		if h.isDerivedLocked(id, ref) {
			out = append(out, id)
		}
	}
	return out
}

func (h *Hierarchy) isDerivedLocked(child, parent core.ClassRef) bool {
	for cur := child; cur != ""; {
		if cur == parent {
			return true
		}
		c, ok := h.classes[cur]
		if !ok {
			return false
		}
		cur = c.Extends
	}
	return false
}

// IsMixin reports whether ref names a mixin.
func (h *Hierarchy) IsMixin(ref core.ClassRef) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.classes[ref]
	return ok && c.Kind == KindMixin
}

// Attributes enumerates the attributes of a class including inherited ones,
// own attributes first.
func (h *Hierarchy) Attributes(ref core.ClassRef) []Attribute {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Attribute
	seen := map[string]bool{}
	for cur := ref; cur != ""; {
		c, ok := h.classes[cur]
		if !ok {
			break
		}
		for _, a := range c.Attributes {
			if !seen[a.Name] {
				seen[a.Name] = true
				out = append(out, a)
			}
		}
		cur = c.Extends
	}
	return out
}

// CollectionAttributes enumerates the collection-typed attributes of a class,
// inherited included. These drive cascading delete and counter triggers.
func (h *Hierarchy) CollectionAttributes(ref core.ClassRef) []Attribute {
	var out []Attribute
	for _, a := range h.Attributes(ref) {
		if a.Collection {
			out = append(out, a)
		}
	}
	return out
}
