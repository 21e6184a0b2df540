package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/corelay/corelay/pkg/core"
)

// sessionState is the mutable per-call state shared between a session and
// its derived views: the removed-document map populated by persistence and
// consulted by triggers, and the pending broadcast accumulator.
type sessionState struct {
	mu      sync.Mutex
	removed map[core.Ref]*core.Doc
	prior   map[core.Ref]*core.Doc
	pending []*core.Tx
}

// Session carries the per-call data of one pipeline invocation. One Session
// is never shared by concurrent client calls; trigger re-entry derives a
// view with the same underlying state and an incremented depth.
type Session struct {
	ID       uuid.UUID
	Identity core.Identity
	Admin    bool

	// DeriveDepth counts trigger re-entries. Zero for the client's own
	// call.
	DeriveDepth int

	state *sessionState
}

// NewSession builds the call context of one client invocation.
func NewSession(identity core.Identity) *Session {
	return &Session{
		ID:       uuid.New(),
		Identity: identity,
		state: &sessionState{
			removed: map[core.Ref]*core.Doc{},
			prior:   map[core.Ref]*core.Doc{},
		},
	}
}

// NewSystemSession builds a call context acting with the system identity,
// used by triggers and boot-time scans.
func NewSystemSession() *Session {
	return NewSession(core.SystemIdentity)
}

// IsSystem reports whether the call acts with the system identity.
func (s *Session) IsSystem() bool {
	return s.Identity == core.SystemIdentity
}

// RememberRemoved stores the last-known body of a removed document so that
// same-batch derived logic (cascading delete, counters) can still see it.
func (s *Session) RememberRemoved(doc *core.Doc) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.removed[doc.ID] = doc
}

// Removed returns the last-known body of a document removed earlier in this
// call.
func (s *Session) Removed(id core.Ref) (*core.Doc, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	doc, ok := s.state.removed[id]
	return doc, ok
}

// RememberPrior stores the body of a document an update is about to
// reattach or move, so counter triggers can see the old parent.
func (s *Session) RememberPrior(doc *core.Doc) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.prior[doc.ID] = doc
}

// Prior returns the pre-update body captured for a reattached document.
func (s *Session) Prior(id core.Ref) (*core.Doc, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	doc, ok := s.state.prior[id]
	return doc, ok
}

// QueueBroadcast appends committed transactions to the pending broadcast
// accumulator.
func (s *Session) QueueBroadcast(txes ...*core.Tx) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.pending = append(s.state.pending, txes...)
}

// TakeBroadcast drains the pending broadcast accumulator, preserving commit
// order.
func (s *Session) TakeBroadcast() []*core.Tx {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	pending := s.state.pending
	s.state.pending = nil
	return pending
}

// Derive returns a view of the session for one trigger re-entry. The view
// shares the removed map and the broadcast accumulator with its parent.
func (s *Session) Derive() *Session {
	return &Session{
		ID:          s.ID,
		Identity:    s.Identity,
		Admin:       s.Admin,
		DeriveDepth: s.DeriveDepth + 1,
		state:       s.state,
	}
}
