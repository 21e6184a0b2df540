package pipeline

import (
	"context"
	"sync"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/hierarchy"
	"github.com/corelay/corelay/pkg/logger"
	"github.com/corelay/corelay/pkg/storage"
)

// BroadcastBucket is one resolved fan-out unit handed to the transport.
// An empty Identity with no Exclude list addresses every active session; a
// non-empty Exclude list addresses everyone but the listed identities.
type BroadcastBucket struct {
	Identity core.Identity
	Exclude  []core.Identity
	Txes     []*core.Tx
}

// SessionBroadcaster is the external transport the pipeline pushes resolved
// buckets to. The pipeline does not know about sockets.
type SessionBroadcaster interface {
	BroadcastSessions(ctx context.Context, buckets []BroadcastBucket)
}

// TargetResolver decides which identities one transaction must reach. A nil
// target means no decision; Everyone, Exclude and Include select the
// broadcast shape. Resolvers run in registration order and the first
// non-nil decision wins.
type TargetResolver func(ctx context.Context, s *Session, tx *core.Tx) (*BroadcastTarget, error)

// BroadcastTarget is one resolver decision.
type BroadcastTarget struct {
	Everyone bool
	Include  []core.Identity
	Exclude  []core.Identity
}

// Account is the directory's view of an identity.
type Account struct {
	Identity  core.Identity
	Role      string
	SocialIDs []string
}

// AccountDirectory is the external identity service consulted by the
// security caches at cold start.
type AccountDirectory interface {
	Account(ctx context.Context, id core.Identity) (*Account, error)
}

// FulltextClient is the external full-text index. Best effort: transport
// failures degrade to empty results and never abort the caller's request.
type FulltextClient interface {
	FulltextSearch(ctx context.Context, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error)
	Warmup(ctx context.Context)
}

// Context is the state shared by every stage of one workspace pipeline.
// Stages communicate indirectly through its well-known fields rather than by
// holding references to each other.
type Context struct {
	Workspace string
	Hierarchy *hierarchy.Hierarchy
	Adapters  *storage.Registry
	Logger    logger.Logger

	Broadcaster SessionBroadcaster
	Directory   AccountDirectory
	Fulltext    FulltextClient

	head Middleware

	mu        sync.Mutex
	resolvers []TargetResolver
}

// Head is the outermost stage, the entry point client calls and re-entered
// derived batches go through. Set by Build.
func (c *Context) Head() Middleware {
	return c.head
}

// RegisterTargetResolver appends a broadcast target resolver. Stages
// register during construction; registration order is evaluation order.
func (c *Context) RegisterTargetResolver(r TargetResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers = append(c.resolvers, r)
}

// TargetResolvers returns the registered resolvers in registration order.
func (c *Context) TargetResolvers() []TargetResolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TargetResolver, len(c.resolvers))
	copy(out, c.resolvers)
	return out
}
