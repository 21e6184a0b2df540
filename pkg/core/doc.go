package core

// Attributes is the attribute bag of a document. Collection counters are
// plain numeric attributes named after the collection.
type Attributes map[string]any

// Doc is the addressable entity transactions describe. A document lives in
// exactly one space and is physically stored in the domain its class maps to.
type Doc struct {
	ID         Ref
	Class      ClassRef
	Space      SpaceRef
	ModifiedBy Identity
	ModifiedOn Timestamp
	CreatedBy  Identity
	CreatedOn  Timestamp

	Attributes Attributes

	// Mixin state, keyed by mixin class.
	Mixins map[ClassRef]Attributes

	// Attachment fields. A document with a non-empty AttachedTo is an
	// attached document: it contributes to the named collection of its
	// parent and never outlives it.
	AttachedTo      Ref
	AttachedToClass ClassRef
	Collection      string

	// Lookups holds documents resolved by the lookup stage. Values are
	// *Doc for forward lookups and []*Doc for reverse (collection)
	// lookups. Never persisted.
	Lookups map[string]any
}

// Clone returns a deep-enough copy: attribute and mixin maps are copied so
// that stages may annotate or filter results without mutating stored state.
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = copyAttributes(d.Attributes)
	if d.Mixins != nil {
		c.Mixins = make(map[ClassRef]Attributes, len(d.Mixins))
		for m, attrs := range d.Mixins {
			c.Mixins[m] = copyAttributes(attrs)
		}
	}
	c.Lookups = nil
	return &c
}

// IsAttached reports whether the document participates in a parent's
// collection.
func (d *Doc) IsAttached() bool {
	return d.AttachedTo != ""
}

// Int reads a numeric attribute, tolerating the numeric types that survive
// JSON round-trips.
func (a Attributes) Int(name string) int {
	switch v := a[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// String reads a string attribute, absent values read as "".
func (a Attributes) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Bool reads a boolean attribute, absent values read as false.
func (a Attributes) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}

// Strings reads an attribute holding a list of strings. Both []string and
// []any payloads are accepted.
func (a Attributes) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func copyAttributes(a Attributes) Attributes {
	if a == nil {
		return nil
	}
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Identities converts a string list attribute into identities.
func (a Attributes) Identities(name string) []Identity {
	ss := a.Strings(name)
	out := make([]Identity, len(ss))
	for i, s := range ss {
		out[i] = Identity(s)
	}
	return out
}
