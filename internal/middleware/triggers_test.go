package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

func withTriggers(opts ...TriggersOption) []pipeline.Constructor {
	constructors := DefaultConstructors()
	constructors[len(constructors)-4] = NewTriggers(opts...)
	return constructors
}

// A removed document takes its whole attachment closure with it, across
// levels: the task's comments go when the task goes.
func TestTriggersCascadeClosure(t *testing.T) {
	env := newTestEnv(t)
	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice),
		taskTx(alice, "proj-1", "task-1", "doomed"),
	)
	env.tx(t, pipeline.NewSession(alice),
		commentTx(alice, "proj-1", "c-1", "task-1", "one"),
		commentTx(alice, "proj-1", "c-2", "task-1", "two"),
	)

	env.tx(t, pipeline.NewSession(alice), core.NewRemoveTx(alice, "proj-1", classTask, "task-1"))

	sys := pipeline.NewSystemSession()
	require.Empty(t, env.find(t, sys, classComment, core.Query{}, nil))
	require.Empty(t, env.find(t, sys, classTask, core.Query{}, nil))
}

// Registered dependent collectors extend the closure beyond the schema.
func TestTriggersDependentCollector(t *testing.T) {
	env := newTestEnv(t, withTriggers(
		WithDependentCollector(classTask, func(ctx context.Context, s *pipeline.Session, doc *core.Doc) ([]*core.Doc, error) {
			// Every message mentioning the task dies with it.
			return []*core.Doc{{ID: "msg-1", Class: classMessage, Space: core.SpaceWorkspace}}, nil
		}),
	)...)

	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice),
		taskTx(alice, "proj-1", "task-1", "watched"),
		core.NewCreateTx(alice, core.SpaceWorkspace, classMessage, "msg-1", core.Attributes{"text": "about task-1"}),
	)

	env.tx(t, pipeline.NewSession(alice), core.NewRemoveTx(alice, "proj-1", classTask, "task-1"))
	require.Empty(t, env.find(t, pipeline.NewSystemSession(), classMessage, core.Query{}, nil))
}

func TestTriggersSyncTrigger(t *testing.T) {
	env := newTestEnv(t, withTriggers(
		WithSyncTrigger(classTask, func(ctx context.Context, s *pipeline.Session, txes []*core.Tx) ([]*core.Tx, error) {
			var out []*core.Tx
			for _, tx := range txes {
				if tx.Kind != core.TxKindCreate {
					continue
				}
				out = append(out, core.NewCreateTx(core.SystemIdentity, core.SpaceWorkspace, classMessage, "",
					core.Attributes{"text": "task created", "task": string(tx.ObjectID)}))
			}
			return out, nil
		}),
	)...)

	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "announce me"))

	msgs := env.find(t, pipeline.NewSystemSession(), classMessage, core.Query{"task": "task-1"}, nil)
	require.Len(t, msgs, 1)
}

func TestTriggersAsyncTrigger(t *testing.T) {
	fired := make(chan core.Ref, 1)
	env := newTestEnv(t, withTriggers(
		WithAsyncTrigger(classTask, func(ctx context.Context, s *pipeline.Session, txes []*core.Tx) ([]*core.Tx, error) {
			fired <- txes[0].ObjectID
			return nil, nil
		}),
	)...)

	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "later"))

	select {
	case id := <-fired:
		require.Equal(t, core.Ref("task-1"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("async trigger never fired")
	}
}

// A trigger that keeps generating work for itself must hit the depth bound
// instead of spinning forever.
func TestTriggersDepthBound(t *testing.T) {
	env := newTestEnv(t, withTriggers(
		WithMaxDeriveDepth(3),
		WithSyncTrigger(classTask, func(ctx context.Context, s *pipeline.Session, txes []*core.Tx) ([]*core.Tx, error) {
			return []*core.Tx{taskTx(core.SystemIdentity, "proj-1", "", "again")}, nil
		}),
	)...)

	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	_, err := env.head.Tx(context.Background(), pipeline.NewSession(alice),
		[]*core.Tx{taskTx(alice, "proj-1", "task-1", "spark")})
	require.ErrorIs(t, err, pipeline.ErrTriggerDepthExceeded)
}

// Moving a parent to another space drags its attached children along.
func TestTriggersSpaceMovePropagation(t *testing.T) {
	env := newTestEnv(t)
	env.tx(t, pipeline.NewSession(alice),
		projectTx(alice, "proj-1", false),
		projectTx(alice, "proj-2", false),
	)
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "migrating"))
	env.tx(t, pipeline.NewSession(alice), commentTx(alice, "proj-1", "c-1", "task-1", "tag-along"))

	env.tx(t, pipeline.NewSession(alice),
		core.NewUpdateTx(alice, "proj-1", classTask, "task-1", core.UpdateOps{"space": "proj-2"}))

	comments := env.find(t, pipeline.NewSystemSession(), classComment, core.Query{"_id": "c-1"}, nil)
	require.Len(t, comments, 1)
	require.Equal(t, core.SpaceRef("proj-2"), comments[0].Space)
}

// Derived work runs with the server's authority: a counter update on a
// parent the caller cannot see must still commit.
func TestTriggersDerivedBypassesCallerVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "shared"))

	env.tx(t, pipeline.NewSession(bob), commentTx(bob, "proj-1", "c-1", "task-1", "drive-by"))

	tasks := env.find(t, pipeline.NewSystemSession(), classTask, core.Query{"_id": "task-1"}, nil)
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].Attributes.Int("comments"))
}

// Concurrent batches over disjoint documents keep every counter exact.
func TestTriggersCounterUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.tx(t, pipeline.NewSession(alice), projectTx(alice, "proj-1", false))
	env.tx(t, pipeline.NewSession(alice), taskTx(alice, "proj-1", "task-1", "busy"))

	const writers = 6
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.Ref(core.GenerateID())
			_, errs[i] = env.head.Tx(context.Background(), pipeline.NewSession(alice),
				[]*core.Tx{commentTx(alice, "proj-1", id, "task-1", "ping")})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	tasks := env.find(t, pipeline.NewSystemSession(), classTask, core.Query{"_id": "task-1"}, nil)
	require.Len(t, tasks, 1)
	require.Equal(t, writers, tasks[0].Attributes.Int("comments"))
}
