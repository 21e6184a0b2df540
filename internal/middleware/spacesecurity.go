package middleware

import (
	"context"
	"time"

	"sync"

	"github.com/Yiling-J/theine-go"
	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
	"github.com/corelay/corelay/pkg/storage"
)

const (
	accountCacheSize = 4096
	accountCacheTTL  = 5 * time.Minute

	// RoleOwner identities bypass space visibility rewriting entirely.
	RoleOwner = "owner"
)

// securityEventParams targets one security-changed workspace event.
type securityEventParams struct {
	include []core.Identity
	exclude []core.Identity
}

// spaceSecurity maintains which spaces are private and who is a member, and
// applies that knowledge to every read and write. The index is seeded by a
// full scan of the space domain at boot and kept consistent incrementally by
// the transaction stream.
type spaceSecurity struct {
	pipeline.Base
	pctx *pipeline.Context

	accounts *theine.LoadingCache[string, *pipeline.Account]

	mu sync.RWMutex
	// private: space -> member identities. Spaces absent from the map are
	// public.
	private map[core.SpaceRef]*hashset.Set
	// owners: space -> owner identities. Owners count as members of their
	// space without appearing in the member list.
	owners map[core.SpaceRef]*hashset.Set
	public *hashset.Set
}

// NewSpaceSecurity constructs the space security cache stage.
func NewSpaceSecurity(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	m := &spaceSecurity{
		Base:    pipeline.NewBase(next),
		pctx:    pctx,
		private: map[core.SpaceRef]*hashset.Set{},
		owners:  map[core.SpaceRef]*hashset.Set{},
		public:  hashset.New(),
	}

	if pctx.Directory != nil {
		cache, err := theine.NewBuilder[string, *pipeline.Account](accountCacheSize).
			Loading(func(ctx context.Context, key string) (theine.Loaded[*pipeline.Account], error) {
				account, err := pctx.Directory.Account(ctx, core.Identity(key))
				if err != nil {
					return theine.Loaded[*pipeline.Account]{}, err
				}
				return theine.Loaded[*pipeline.Account]{Value: account, Cost: 1, TTL: accountCacheTTL}, nil
			}).Build()
		if err != nil {
			return nil, err
		}
		m.accounts = cache
	}

	if err := m.scan(ctx); err != nil {
		return nil, err
	}

	pctx.RegisterTargetResolver(m.resolveSecurityEvent)
	pctx.RegisterTargetResolver(m.resolvePrivateSpaceTx)
	return m, nil
}

func (m *spaceSecurity) scan(ctx context.Context) error {
	adapter, err := m.pctx.Adapters.Adapter(core.DomainSpace)
	if err != nil {
		return err
	}
	it, err := adapter.Iterate(ctx)
	if err != nil {
		return err
	}
	defer it.Stop()
	count := 0
	for {
		doc, err := it.Next()
		if err == storage.ErrIteratorDone {
			break
		}
		if err != nil {
			return err
		}
		m.indexSpace(doc)
		count++
	}
	m.pctx.Logger.Info("space security index built", zap.Int("spaces", count))
	return nil
}

func (m *spaceSecurity) indexSpace(doc *core.Doc) {
	space := core.SpaceRef(doc.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := hashset.New()
	for _, id := range doc.Attributes.Identities(core.AttrOwners) {
		owners.Add(id)
	}
	m.owners[space] = owners
	if doc.Attributes.Bool(core.AttrPrivate) {
		members := hashset.New()
		for _, id := range doc.Attributes.Identities(core.AttrMembers) {
			members.Add(id)
		}
		m.private[space] = members
		m.public.Remove(space)
	} else {
		delete(m.private, space)
		m.public.Add(space)
	}
}

// belongsLocked reports membership including ownership. Callers hold mu.
func (m *spaceSecurity) belongsLocked(members *hashset.Set, space core.SpaceRef, id core.Identity) bool {
	if members.Contains(id) {
		return true
	}
	owners, ok := m.owners[space]
	return ok && owners.Contains(id)
}

func (m *spaceSecurity) members(space core.SpaceRef) []core.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.private[space]
	if !ok {
		return nil
	}
	all := hashset.New(members.Values()...)
	if owners, ok := m.owners[space]; ok {
		all.Add(owners.Values()...)
	}
	out := make([]core.Identity, 0, all.Size())
	for _, v := range all.Values() {
		out = append(out, v.(core.Identity))
	}
	return out
}

// visible reports whether the identity can see documents of the space.
func (m *spaceSecurity) visible(space core.SpaceRef, id core.Identity) bool {
	if isSystemSpace(space) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, private := m.private[space]
	if !private {
		return true
	}
	return m.belongsLocked(members, space, id)
}

// allowedSpaces returns every space the identity may read: public spaces,
// system spaces and the private spaces it belongs to.
func (m *spaceSecurity) allowedSpaces(id core.Identity) []core.SpaceRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []core.SpaceRef{core.SpaceModel, core.SpaceTx, core.SpaceConfiguration, core.SpaceWorkspace}
	for _, v := range m.public.Values() {
		out = append(out, v.(core.SpaceRef))
	}
	for space, members := range m.private {
		if m.belongsLocked(members, space, id) {
			out = append(out, space)
		}
	}
	return out
}

// barred reports whether the space is private and the identity neither a
// member nor an owner of it.
func (m *spaceSecurity) barred(space core.SpaceRef, id core.Identity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, private := m.private[space]
	return private && !m.belongsLocked(members, space, id)
}

func isSystemSpace(space core.SpaceRef) bool {
	switch space {
	case core.SpaceModel, core.SpaceTx, core.SpaceConfiguration, core.SpaceWorkspace:
		return true
	default:
		return false
	}
}

// bypass reports whether the caller sees everything: the system identity and
// directory owners are unrestricted.
func (m *spaceSecurity) bypass(ctx context.Context, s *pipeline.Session) bool {
	if s.IsSystem() || s.Admin {
		return true
	}
	if m.accounts == nil {
		return false
	}
	account, err := m.accounts.Get(ctx, string(s.Identity))
	if err != nil {
		m.pctx.Logger.Warn("account lookup failed", zap.String("identity", string(s.Identity)), zap.Error(err))
		return false
	}
	return account != nil && account.Role == RoleOwner
}

func (m *spaceSecurity) FindAll(ctx context.Context, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) (*core.FindResult, error) {
	if m.bypass(ctx, s) {
		return m.Base.FindAll(ctx, s, class, query, opts)
	}
	allowed := m.allowedSpaces(s.Identity)
	rewritten := query.Clone()
	if m.pctx.Hierarchy.IsDerived(class, core.ClassSpace) {
		// Querying spaces themselves: visibility is keyed on the space
		// document id.
		rewritten["_id"] = restrictRefs(query["_id"], allowed)
	} else {
		rewritten["space"] = restrictRefs(query["space"], allowed)
	}
	res, err := m.Base.FindAll(ctx, s, class, rewritten, opts)
	if err != nil {
		return nil, err
	}
	m.filterLookups(s, res)
	return res, nil
}

// filterLookups strips resolved nested documents the caller cannot see, so
// an invisible document never leaks through a lookup on a visible one.
func (m *spaceSecurity) filterLookups(s *pipeline.Session, res *core.FindResult) {
	for _, doc := range res.Docs {
		for field, v := range doc.Lookups {
			switch nested := v.(type) {
			case *core.Doc:
				if !m.visible(nested.Space, s.Identity) {
					delete(doc.Lookups, field)
				}
			case []*core.Doc:
				kept := nested[:0:0]
				for _, n := range nested {
					if m.visible(n.Space, s.Identity) {
						kept = append(kept, n)
					}
				}
				doc.Lookups[field] = kept
			}
		}
	}
}

func (m *spaceSecurity) SearchFulltext(ctx context.Context, s *pipeline.Session, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error) {
	if !m.bypass(ctx, s) {
		query.Spaces = m.allowedSpaces(s.Identity)
	}
	return m.Base.SearchFulltext(ctx, s, query, opts)
}

func (m *spaceSecurity) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	// Derived transactions are server-synthesized; they are not re-checked
	// against the caller's visibility.
	if s.DeriveDepth == 0 && !m.bypass(ctx, s) {
		for _, tx := range batch {
			if !tx.Kind.IsCUD() {
				continue
			}
			// Space documents live in the workspace space; mutating one is
			// gated on membership of the space it describes, not of the
			// space it is stored in.
			if m.pctx.Hierarchy.IsDerived(tx.ObjectClass, core.ClassSpace) {
				space := core.SpaceRef(tx.ObjectID)
				if m.barred(space, s.Identity) {
					return nil, pipeline.Forbiddenf("identity %s is not a member of space %s", s.Identity, space)
				}
				continue
			}
			if isSystemSpace(tx.ObjectSpace) {
				continue
			}
			if m.barred(tx.ObjectSpace, s.Identity) {
				return nil, pipeline.Forbiddenf("identity %s is not a member of space %s", s.Identity, tx.ObjectSpace)
			}
		}
	}

	res, err := m.Base.Tx(ctx, s, batch)
	if err != nil {
		return nil, err
	}

	// Cache maintenance happens on the same sequence point as the commit,
	// never lazily on the next read.
	for _, tx := range batch {
		if m.pctx.Hierarchy.IsDerived(tx.ObjectClass, core.ClassSpace) {
			m.applySpaceTx(s, tx)
		}
	}
	return res, nil
}

func (m *spaceSecurity) applySpaceTx(s *pipeline.Session, tx *core.Tx) {
	space := core.SpaceRef(tx.ObjectID)
	switch tx.Kind {
	case core.TxKindCreate:
		m.indexSpace(&core.Doc{ID: tx.ObjectID, Attributes: tx.Attributes})
		if tx.Attributes.Bool(core.AttrPrivate) {
			include := append(tx.Attributes.Identities(core.AttrMembers), tx.Attributes.Identities(core.AttrOwners)...)
			m.queueSecurityEvent(s, space, securityEventParams{include: include})
		}
	case core.TxKindRemove:
		m.mu.Lock()
		delete(m.private, space)
		delete(m.owners, space)
		m.public.Remove(space)
		m.mu.Unlock()
	case core.TxKindUpdate:
		m.applySpaceUpdate(s, space, tx.Operations)
	}
}

func (m *spaceSecurity) applySpaceUpdate(s *pipeline.Session, space core.SpaceRef, ops core.UpdateOps) {
	assigns := ops.Assignments()

	if v, ok := assigns[core.AttrPrivate]; ok {
		private, _ := v.(bool)
		m.mu.Lock()
		if private {
			if _, ok := m.private[space]; !ok {
				m.private[space] = hashset.New()
			}
			m.public.Remove(space)
		} else {
			delete(m.private, space)
			m.public.Add(space)
		}
		m.mu.Unlock()
		// Visibility just changed for everyone outside the member list.
		m.queueSecurityEvent(s, space, securityEventParams{exclude: m.members(space)})
	}

	if v, ok := assigns[core.AttrOwners]; ok {
		owners := (core.Attributes{core.AttrOwners: v}).Identities(core.AttrOwners)
		set := hashset.New()
		for _, id := range owners {
			set.Add(id)
		}
		m.mu.Lock()
		m.owners[space] = set
		m.mu.Unlock()
		m.queueSecurityEvent(s, space, securityEventParams{include: owners})
	}

	if v, ok := assigns[core.AttrMembers]; ok {
		members := (core.Attributes{core.AttrMembers: v}).Identities(core.AttrMembers)
		m.mu.Lock()
		if set, ok := m.private[space]; ok {
			set.Clear()
			for _, id := range members {
				set.Add(id)
			}
		}
		m.mu.Unlock()
		m.queueSecurityEvent(s, space, securityEventParams{include: members})
	}

	if push, ok := ops.Operator(core.OpPush); ok {
		if v, ok := push[core.AttrMembers]; ok {
			if id, ok := v.(string); ok {
				m.mu.Lock()
				if set, ok := m.private[space]; ok {
					set.Add(core.Identity(id))
				}
				m.mu.Unlock()
				m.queueSecurityEvent(s, space, securityEventParams{include: []core.Identity{core.Identity(id)}})
			}
		}
	}
	if pull, ok := ops.Operator(core.OpPull); ok {
		if v, ok := pull[core.AttrMembers]; ok {
			if id, ok := v.(string); ok {
				m.mu.Lock()
				if set, ok := m.private[space]; ok {
					set.Remove(core.Identity(id))
				}
				m.mu.Unlock()
				m.queueSecurityEvent(s, space, securityEventParams{include: []core.Identity{core.Identity(id)}})
			}
		}
	}
}

func (m *spaceSecurity) queueSecurityEvent(s *pipeline.Session, space core.SpaceRef, params securityEventParams) {
	ev := core.NewWorkspaceEventTx(core.EventSecurityChange, string(space))
	ev.EventParams = &params
	s.QueueBroadcast(ev)
}

// resolveSecurityEvent targets security-changed events at the identities the
// change affects.
func (m *spaceSecurity) resolveSecurityEvent(ctx context.Context, s *pipeline.Session, tx *core.Tx) (*pipeline.BroadcastTarget, error) {
	if tx.Kind != core.TxKindWorkspaceEvent || tx.Event != core.EventSecurityChange {
		return nil, nil
	}
	params, ok := tx.EventParams.(*securityEventParams)
	if !ok {
		return &pipeline.BroadcastTarget{Everyone: true}, nil
	}
	if len(params.exclude) > 0 {
		return &pipeline.BroadcastTarget{Exclude: params.exclude}, nil
	}
	return &pipeline.BroadcastTarget{Include: params.include}, nil
}

// resolvePrivateSpaceTx confines transactions of a private space to its
// members.
func (m *spaceSecurity) resolvePrivateSpaceTx(ctx context.Context, s *pipeline.Session, tx *core.Tx) (*pipeline.BroadcastTarget, error) {
	if !tx.Kind.IsCUD() || isSystemSpace(tx.ObjectSpace) {
		return nil, nil
	}
	m.mu.RLock()
	_, private := m.private[tx.ObjectSpace]
	m.mu.RUnlock()
	if !private {
		return nil, nil
	}
	return &pipeline.BroadcastTarget{Include: m.members(tx.ObjectSpace)}, nil
}

// restrictRefs intersects an existing query constraint on a ref-valued field
// with the allowed set, never widening what the caller asked for.
func restrictRefs(existing any, allowed []core.SpaceRef) any {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[string(a)] = true
	}
	switch c := existing.(type) {
	case nil:
		return core.In(allowed...)
	case string:
		if allowedSet[c] {
			return c
		}
		return core.In[core.SpaceRef]()
	case map[string]any:
		if in, ok := c[core.QueryIn]; ok {
			var kept []string
			switch vs := in.(type) {
			case []string:
				for _, v := range vs {
					if allowedSet[v] {
						kept = append(kept, v)
					}
				}
			case []any:
				for _, v := range vs {
					if sv, ok := v.(string); ok && allowedSet[sv] {
						kept = append(kept, sv)
					}
				}
			}
			return map[string]any{core.QueryIn: kept}
		}
		return core.In(allowed...)
	default:
		return core.In(allowed...)
	}
}
