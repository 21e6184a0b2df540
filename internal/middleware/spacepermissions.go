package middleware

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
	"github.com/corelay/corelay/pkg/storage"
)

// DefaultRolePermissions maps the built-in role names of a role assignment
// to the permissions they grant. Deployments override the table through
// WithRolePermissions.
var DefaultRolePermissions = map[string][]string{
	"owner":  {core.PermissionDeleteObject, core.PermissionUpdateSpace},
	"admin":  {core.PermissionDeleteObject, core.PermissionUpdateSpace},
	"member": {},
	"guest":  {core.PermissionForbidDeleteObject},
}

// spacePermissions maintains, per typed space and identity, the set of
// fine-grained permissions granted through the space's role assignment
// mixin. The index is derived state: it is seeded by a full scan at boot and
// kept consistent by the transaction stream, never by re-querying storage
// per transaction.
type spacePermissions struct {
	pipeline.Base
	pctx  *pipeline.Context
	roles map[string][]string

	mu sync.RWMutex
	// assignments: space -> role -> member identities.
	assignments map[core.SpaceRef]map[string]*hashset.Set
	// permissions: space -> identity -> granted permission names.
	permissions map[core.SpaceRef]map[core.Identity]*hashset.Set
}

// SpacePermissionsOption tunes the stage.
type SpacePermissionsOption func(*spacePermissions)

// WithRolePermissions replaces the role to permission-set table.
func WithRolePermissions(roles map[string][]string) SpacePermissionsOption {
	return func(m *spacePermissions) {
		m.roles = roles
	}
}

// NewSpacePermissions constructs the permission cache stage, seeding it with
// a scan of the space domain.
func NewSpacePermissions(opts ...SpacePermissionsOption) pipeline.Constructor {
	return func(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
		m := &spacePermissions{
			Base:        pipeline.NewBase(next),
			pctx:        pctx,
			roles:       DefaultRolePermissions,
			assignments: map[core.SpaceRef]map[string]*hashset.Set{},
			permissions: map[core.SpaceRef]map[core.Identity]*hashset.Set{},
		}
		for _, o := range opts {
			o(m)
		}
		if err := m.scan(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (m *spacePermissions) scan(ctx context.Context) error {
	adapter, err := m.pctx.Adapters.Adapter(core.DomainSpace)
	if err != nil {
		return err
	}
	it, err := adapter.Iterate(ctx)
	if err != nil {
		return err
	}
	defer it.Stop()
	for {
		doc, err := it.Next()
		if err == storage.ErrIteratorDone {
			return nil
		}
		if err != nil {
			return err
		}
		if assignment, ok := doc.Mixins[core.MixinRoleAssignment]; ok {
			m.setAssignment(core.SpaceRef(doc.ID), assignment)
		}
	}
}

// setAssignment replaces the role membership of one space and recomputes its
// permission sets.
func (m *spacePermissions) setAssignment(space core.SpaceRef, assignment core.Attributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole := map[string]*hashset.Set{}
	for role := range assignment {
		members := hashset.New()
		for _, id := range assignment.Identities(role) {
			members.Add(id)
		}
		byRole[role] = members
	}
	m.assignments[space] = byRole
	m.recomputeLocked(space)
}

func (m *spacePermissions) recomputeLocked(space core.SpaceRef) {
	perms := map[core.Identity]*hashset.Set{}
	for role, members := range m.assignments[space] {
		granted := m.roles[role]
		for _, v := range members.Values() {
			id := v.(core.Identity)
			set := perms[id]
			if set == nil {
				set = hashset.New()
				perms[id] = set
			}
			for _, p := range granted {
				set.Add(p)
			}
		}
	}
	m.permissions[space] = perms
}

// Typed reports whether a space carries a role assignment at all.
func (m *spacePermissions) typed(space core.SpaceRef) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.assignments[space]
	return ok
}

// HasPermission reports whether the identity holds the named permission in
// the space.
func (m *spacePermissions) hasPermission(space core.SpaceRef, id core.Identity, permission string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms, ok := m.permissions[space]
	if !ok {
		return false
	}
	set, ok := perms[id]
	return ok && set.Contains(permission)
}

func (m *spacePermissions) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	if !s.IsSystem() && s.DeriveDepth == 0 {
		for _, tx := range batch {
			if err := m.check(ctx, s, tx); err != nil {
				return nil, err
			}
		}
	}

	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}

	// Fold role assignment changes in after commit, on the same sequence
	// point as the triggering transaction.
	for _, tx := range batch {
		if tx.Kind == core.TxKindMixin && tx.Mixin == core.MixinRoleAssignment {
			m.applyMixinTx(tx)
		}
		if tx.Kind == core.TxKindRemove && m.typed(core.SpaceRef(tx.ObjectID)) {
			m.drop(core.SpaceRef(tx.ObjectID))
		}
	}
	return res, nil
}

func (m *spacePermissions) check(ctx context.Context, s *pipeline.Session, tx *core.Tx) error {
	switch tx.Kind {
	case core.TxKindRemove:
		if !m.typed(tx.ObjectSpace) {
			return nil
		}
		// A forbid grant wins over everything, including the creator rule.
		if m.hasPermission(tx.ObjectSpace, s.Identity, core.PermissionForbidDeleteObject) {
			return pipeline.Forbiddenf("identity %s may not delete %s in space %s", s.Identity, tx.ObjectID, tx.ObjectSpace)
		}
		if m.hasPermission(tx.ObjectSpace, s.Identity, core.PermissionDeleteObject) {
			return nil
		}
		// Creators may always retract their own documents.
		res, err := m.Base.FindAll(ctx, s, tx.ObjectClass,
			core.Query{"_id": string(tx.ObjectID)}, &core.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(res.Docs) == 1 && res.Docs[0].CreatedBy == s.Identity {
			return nil
		}
		return pipeline.Forbiddenf("identity %s may not delete %s in space %s", s.Identity, tx.ObjectID, tx.ObjectSpace)
	case core.TxKindUpdate:
		// Updating a typed space document itself is gated.
		space := core.SpaceRef(tx.ObjectID)
		if !m.pctx.Hierarchy.IsDerived(tx.ObjectClass, core.ClassSpace) || !m.typed(space) {
			return nil
		}
		if !m.hasPermission(space, s.Identity, core.PermissionUpdateSpace) {
			return pipeline.Forbiddenf("identity %s may not update space %s", s.Identity, space)
		}
	}
	return nil
}

func (m *spacePermissions) applyMixinTx(tx *core.Tx) {
	space := core.SpaceRef(tx.ObjectID)
	ops := core.UpdateOps(tx.MixinOps)

	m.mu.Lock()
	defer m.mu.Unlock()
	byRole := m.assignments[space]
	if byRole == nil {
		byRole = map[string]*hashset.Set{}
		m.assignments[space] = byRole
	}
	for role, v := range ops.Assignments() {
		members := hashset.New()
		for _, id := range (core.Attributes{role: v}).Identities(role) {
			members.Add(id)
		}
		byRole[role] = members
	}
	if push, ok := ops.Operator(core.OpPush); ok {
		for role, v := range push {
			if byRole[role] == nil {
				byRole[role] = hashset.New()
			}
			if id, ok := v.(string); ok {
				byRole[role].Add(core.Identity(id))
			}
		}
	}
	if pull, ok := ops.Operator(core.OpPull); ok {
		for role, v := range pull {
			if byRole[role] == nil {
				continue
			}
			if id, ok := v.(string); ok {
				byRole[role].Remove(core.Identity(id))
			}
		}
	}
	m.recomputeLocked(space)
}

func (m *spacePermissions) drop(space core.SpaceRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, space)
	delete(m.permissions, space)
}
