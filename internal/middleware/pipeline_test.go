package middleware

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/hierarchy"
	"github.com/corelay/corelay/pkg/logger"
	"github.com/corelay/corelay/pkg/pipeline"
	"github.com/corelay/corelay/pkg/storage"
	"github.com/corelay/corelay/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Test schema.
const (
	classTask    = core.ClassRef("tracker:class:Task")
	classComment = core.ClassRef("tracker:class:Comment")
	classProject = core.ClassRef("tracker:class:Project")
	classMessage = core.ClassRef("inbox:class:Message")

	alice = core.Identity("account:alice")
	bob   = core.Identity("account:bob")
)

func testHierarchy(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h := hierarchy.New()
	require.NoError(t, h.Register(&hierarchy.Class{
		ID: classTask, Extends: core.ClassDoc, Domain: core.DomainDoc,
		Attributes: []hierarchy.Attribute{{Name: "comments", Of: classComment, Collection: true}},
	}))
	require.NoError(t, h.Register(&hierarchy.Class{ID: classComment, Extends: core.ClassAttachedDoc, Domain: core.DomainDoc}))
	require.NoError(t, h.Register(&hierarchy.Class{ID: classProject, Extends: core.ClassSpace}))
	require.NoError(t, h.Register(&hierarchy.Class{ID: classMessage, Extends: core.ClassDoc, Domain: core.DomainNotification}))
	return h
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	flushes [][]pipeline.BroadcastBucket
}

func (b *recordingBroadcaster) BroadcastSessions(_ context.Context, buckets []pipeline.BroadcastBucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes = append(b.flushes, buckets)
}

func (b *recordingBroadcaster) Flushes() [][]pipeline.BroadcastBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]pipeline.BroadcastBucket(nil), b.flushes...)
}

func (b *recordingBroadcaster) Last(t *testing.T) []pipeline.BroadcastBucket {
	t.Helper()
	flushes := b.Flushes()
	require.NotEmpty(t, flushes)
	return flushes[len(flushes)-1]
}

type testEnv struct {
	pctx        *pipeline.Context
	head        pipeline.Middleware
	adapters    *storage.Registry
	broadcaster *recordingBroadcaster
}

func newTestEnv(t *testing.T, constructors ...pipeline.Constructor) *testEnv {
	t.Helper()
	return buildTestEnv(t, nil, constructors...)
}

func buildTestEnv(t *testing.T, setup func(*pipeline.Context), constructors ...pipeline.Constructor) *testEnv {
	t.Helper()

	h := testHierarchy(t)
	adapters := storage.NewRegistry()
	for _, d := range []core.Domain{
		core.DomainModel, core.DomainTx, core.DomainSpace,
		core.DomainConfiguration, core.DomainNotification, core.DomainDoc,
	} {
		adapters.Register(d, memory.New(h))
	}
	adapters.SetDefault(core.DomainDoc)

	broadcaster := &recordingBroadcaster{}
	pctx := &pipeline.Context{
		Workspace:   "test-workspace",
		Hierarchy:   h,
		Adapters:    adapters,
		Logger:      logger.NewNoopLogger(),
		Broadcaster: broadcaster,
	}
	if setup != nil {
		setup(pctx)
	}

	if len(constructors) == 0 {
		constructors = DefaultConstructors()
	}
	head, err := pipeline.Build(context.Background(), pctx, constructors)
	require.NoError(t, err)
	t.Cleanup(head.Close)

	return &testEnv{pctx: pctx, head: head, adapters: adapters, broadcaster: broadcaster}
}

func (e *testEnv) tx(t *testing.T, s *pipeline.Session, txes ...*core.Tx) *core.TxResult {
	t.Helper()
	res, err := e.head.Tx(context.Background(), s, txes)
	require.NoError(t, err)
	return res
}

func (e *testEnv) find(t *testing.T, s *pipeline.Session, class core.ClassRef, query core.Query, opts *core.FindOptions) []*core.Doc {
	t.Helper()
	res, err := e.head.FindAll(context.Background(), s, class, query, opts)
	require.NoError(t, err)
	return res.Docs
}

func projectTx(modifier core.Identity, id core.Ref, private bool, members ...core.Identity) *core.Tx {
	ms := make([]string, len(members))
	for i, m := range members {
		ms[i] = string(m)
	}
	return core.NewCreateTx(modifier, core.SpaceWorkspace, classProject, id, core.Attributes{
		core.AttrPrivate: private,
		core.AttrMembers: ms,
	})
}

func taskTx(modifier core.Identity, space core.SpaceRef, id core.Ref, title string) *core.Tx {
	return core.NewCreateTx(modifier, space, classTask, id, core.Attributes{"title": title})
}

func commentTx(modifier core.Identity, space core.SpaceRef, id, task core.Ref, text string) *core.Tx {
	return core.NewCreateTx(modifier, space, classComment, id, core.Attributes{
		"text":            text,
		"attachedTo":      string(task),
		"attachedToClass": string(classTask),
		"collection":      "comments",
	})
}

// The whole chain on a realistic flow: a project, a task, comments, counter
// maintenance, cascading delete and the broadcasts each step produces.
func TestPipelineTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := pipeline.NewSession(alice)

	env.tx(t, s, projectTx(alice, "proj-1", false))
	res := env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "write the report"))
	require.NotEmpty(t, res.LastTx)

	env.tx(t, pipeline.NewSession(alice),
		commentTx(alice, "proj-1", "c-1", "task-1", "first draft attached"),
		commentTx(bob, "proj-1", "c-2", "task-1", "looks good"),
	)

	tasks := env.find(t, pipeline.NewSession(alice), classTask, core.Query{"_id": "task-1"}, nil)
	require.Len(t, tasks, 1)
	require.Equal(t, 2, tasks[0].Attributes.Int("comments"))

	// Reverse lookup pulls the comments in with the task.
	withComments := env.find(t, pipeline.NewSession(alice), classTask, core.Query{"_id": "task-1"},
		&core.FindOptions{Lookup: &core.Lookup{Reverse: map[string]core.ClassRef{"comments": classComment}}})
	require.Len(t, withComments, 1)
	attached, ok := withComments[0].Lookups["comments"].([]*core.Doc)
	require.True(t, ok)
	require.Len(t, attached, 2)

	// Removing the task cascades to its comments.
	env.tx(t, pipeline.NewSession(alice), core.NewRemoveTx(alice, "proj-1", classTask, "task-1"))
	require.Empty(t, env.find(t, pipeline.NewSession(alice), classComment, core.Query{"attachedTo": "task-1"}, nil))
	require.Empty(t, env.find(t, pipeline.NewSession(alice), classTask, core.Query{"_id": "task-1"}, nil))
}

func TestPipelineCounterFollowsMove(t *testing.T) {
	env := newTestEnv(t)

	env.tx(t, pipeline.NewSession(alice),
		projectTx(alice, "proj-1", false),
		taskTx(alice, "proj-1", "task-a", "a"),
		taskTx(alice, "proj-1", "task-b", "b"),
	)
	env.tx(t, pipeline.NewSession(alice), commentTx(alice, "proj-1", "c-1", "task-a", "hello"))

	byID := func(id core.Ref) *core.Doc {
		docs := env.find(t, pipeline.NewSession(alice), classTask, core.Query{"_id": string(id)}, nil)
		require.Len(t, docs, 1)
		return docs[0]
	}
	require.Equal(t, 1, byID("task-a").Attributes.Int("comments"))
	require.Equal(t, 0, byID("task-b").Attributes.Int("comments"))

	// Reattach the comment: the old parent decrements, the new one
	// increments.
	env.tx(t, pipeline.NewSession(alice),
		core.NewUpdateTx(alice, "proj-1", classComment, "c-1", core.UpdateOps{"attachedTo": "task-b"}))

	require.Equal(t, 0, byID("task-a").Attributes.Int("comments"))
	require.Equal(t, 1, byID("task-b").Attributes.Int("comments"))
}

func TestPipelineLastTxTracking(t *testing.T) {
	env := newTestEnv(t)

	res := env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	require.NotEmpty(t, res.LastTx)

	// A batch with nothing to persist still reports the newest known tx.
	empty := env.tx(t, pipeline.NewSession(alice))
	require.Equal(t, res.LastTx, empty.LastTx)

	model, err := env.head.LoadModel(context.Background(), pipeline.NewSession(alice), "", 0)
	require.NoError(t, err)
	require.Equal(t, res.LastTx, model.LastTx)
}

func TestPipelineNotificationPrivacy(t *testing.T) {
	env := newTestEnv(t)

	env.tx(t, pipeline.NewSession(alice),
		core.NewCreateTx(alice, core.SpaceWorkspace, classMessage, "msg-1", core.Attributes{"text": "for alice"}))

	require.Len(t, env.find(t, pipeline.NewSession(alice), classMessage, core.Query{}, nil), 1)
	require.Empty(t, env.find(t, pipeline.NewSession(bob), classMessage, core.Query{}, nil))

	_, err := env.head.Tx(context.Background(), pipeline.NewSession(bob),
		[]*core.Tx{core.NewRemoveTx(bob, core.SpaceWorkspace, classMessage, "msg-1")})
	require.ErrorIs(t, err, pipeline.ErrForbidden)
}

func TestPipelineConfigurationGuard(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.pctx.Hierarchy.Register(&hierarchy.Class{
		ID: "config:class:Setting", Extends: core.ClassDoc, Domain: core.DomainConfiguration,
	}))

	settingTx := func(modifier core.Identity) *core.Tx {
		return core.NewCreateTx(modifier, core.SpaceConfiguration, "config:class:Setting", "", core.Attributes{"theme": "dark"})
	}

	_, err := env.head.Tx(context.Background(), pipeline.NewSession(alice), []*core.Tx{settingTx(alice)})
	require.ErrorIs(t, err, pipeline.ErrForbidden)

	admin := pipeline.NewSession(alice)
	admin.Admin = true
	env.tx(t, admin, settingTx(alice))
	env.tx(t, pipeline.NewSystemSession(), settingTx(core.SystemIdentity))
}
