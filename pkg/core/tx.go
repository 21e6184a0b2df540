package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TxKind tags the transaction variants.
type TxKind int

const (
	TxKindCreate TxKind = iota + 1
	TxKindUpdate
	TxKindRemove
	TxKindMixin
	TxKindApplyIf
	TxKindWorkspaceEvent
)

func (k TxKind) String() string {
	switch k {
	case TxKindCreate:
		return "create"
	case TxKindUpdate:
		return "update"
	case TxKindRemove:
		return "remove"
	case TxKindMixin:
		return "mixin"
	case TxKindApplyIf:
		return "apply-if"
	case TxKindWorkspaceEvent:
		return "workspace-event"
	default:
		return "unknown"
	}
}

// IsCUD reports whether the kind describes a create/update/remove-shaped
// record that targets a concrete document.
func (k TxKind) IsCUD() bool {
	switch k {
	case TxKindCreate, TxKindUpdate, TxKindRemove, TxKindMixin:
		return true
	default:
		return false
	}
}

// WorkspaceEvent enumerates non-document workspace signals.
type WorkspaceEvent int

const (
	EventSecurityChange WorkspaceEvent = iota + 1
	EventLastTx
	EventBulkUpdate
)

// Tx is an immutable, append-only fact about the document set. The Kind tag
// selects which variant fields are meaningful; common header fields are
// always set for CUD kinds.
type Tx struct {
	ID          Ref
	Kind        TxKind
	ObjectID    Ref
	ObjectClass ClassRef
	ObjectSpace SpaceRef
	Modifier    Identity
	CreatedOn   Timestamp
	ModifiedOn  Timestamp

	// create
	Attributes Attributes

	// update
	Operations UpdateOps

	// mixin
	Mixin    ClassRef
	MixinOps Attributes

	// apply-if
	ScopeID  string
	Match    []Predicate
	NotMatch []Predicate
	Txes     []*Tx

	// workspace event
	Event       WorkspaceEvent
	EventParams any
}

// Predicate is one apply-if probe: the query runs against Class and the
// wrapper applies only if the match/not-match cardinality holds.
type Predicate struct {
	Class ClassRef
	Query Query
}

// UpdateOps carries the mutation payload of an update transaction. Plain
// keys assign attributes; operator keys ($push, $pull, $inc) mutate list and
// counter attributes.
type UpdateOps map[string]any

// Update operators.
const (
	OpPush = "$push"
	OpPull = "$pull"
	OpInc  = "$inc"
)

// Assignments returns the plain attribute assignments of the update payload.
func (u UpdateOps) Assignments() Attributes {
	out := Attributes{}
	for k, v := range u {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		out[k] = v
	}
	return out
}

// Operator returns the payload of the named operator, if present.
func (u UpdateOps) Operator(name string) (Attributes, bool) {
	v, ok := u[name]
	if !ok {
		return nil, false
	}
	attrs, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Attributes(attrs), true
}

// TxApplyResult is the outcome of one apply-if wrapper, returned in the
// position the wrapper occupied in the submitted batch.
type TxApplyResult struct {
	Success    bool
	ServerTime time.Duration
}

// TxResult is the response of a Tx invocation.
type TxResult struct {
	// Apply holds one entry per apply-if wrapper, in submission order.
	Apply []TxApplyResult
	// LastTx is the highest transaction id persisted by this call.
	LastTx Ref
}

// Merge folds another result (an inner apply-if batch, a derived batch) into
// the receiver, preserving wrapper order.
func (r *TxResult) Merge(other *TxResult) {
	if other == nil {
		return
	}
	r.Apply = append(r.Apply, other.Apply...)
	if other.LastTx > r.LastTx {
		r.LastTx = other.LastTx
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID returns a new time-ordered ref. Transaction ids from the same
// process sort by creation order.
func GenerateID() Ref {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return Ref(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Now returns the current wall clock as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// NewCreateTx builds a create transaction for the given document body.
func NewCreateTx(modifier Identity, space SpaceRef, class ClassRef, id Ref, attrs Attributes) *Tx {
	if id == "" {
		id = GenerateID()
	}
	return &Tx{
		ID:          GenerateID(),
		Kind:        TxKindCreate,
		ObjectID:    id,
		ObjectClass: class,
		ObjectSpace: space,
		Modifier:    modifier,
		Attributes:  attrs,
	}
}

// NewUpdateTx builds an update transaction.
func NewUpdateTx(modifier Identity, space SpaceRef, class ClassRef, id Ref, ops UpdateOps) *Tx {
	return &Tx{
		ID:          GenerateID(),
		Kind:        TxKindUpdate,
		ObjectID:    id,
		ObjectClass: class,
		ObjectSpace: space,
		Modifier:    modifier,
		Operations:  ops,
	}
}

// NewRemoveTx builds a remove transaction.
func NewRemoveTx(modifier Identity, space SpaceRef, class ClassRef, id Ref) *Tx {
	return &Tx{
		ID:          GenerateID(),
		Kind:        TxKindRemove,
		ObjectID:    id,
		ObjectClass: class,
		ObjectSpace: space,
		Modifier:    modifier,
	}
}

// NewMixinTx builds a mixin-apply transaction.
func NewMixinTx(modifier Identity, space SpaceRef, class ClassRef, id Ref, mixin ClassRef, ops Attributes) *Tx {
	return &Tx{
		ID:          GenerateID(),
		Kind:        TxKindMixin,
		ObjectID:    id,
		ObjectClass: class,
		ObjectSpace: space,
		Modifier:    modifier,
		Mixin:       mixin,
		MixinOps:    ops,
	}
}

// NewWorkspaceEventTx builds a non-document workspace signal.
func NewWorkspaceEventTx(event WorkspaceEvent, params any) *Tx {
	return &Tx{
		ID:          GenerateID(),
		Kind:        TxKindWorkspaceEvent,
		ObjectSpace: SpaceWorkspace,
		Modifier:    SystemIdentity,
		Event:       event,
		EventParams: params,
	}
}
