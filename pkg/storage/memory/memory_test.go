package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/hierarchy"
	"github.com/corelay/corelay/pkg/storage"
)

const (
	classItem = core.ClassRef("shop:class:Item")
	classBook = core.ClassRef("shop:class:Book")
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	h := hierarchy.New()
	require.NoError(t, h.Register(&hierarchy.Class{ID: classItem, Extends: core.ClassDoc, Domain: core.DomainDoc}))
	require.NoError(t, h.Register(&hierarchy.Class{ID: classBook, Extends: classItem}))
	return New(h)
}

func itemTx(id core.Ref, attrs core.Attributes) *core.Tx {
	tx := core.NewCreateTx("account:alice", "shop-1", classItem, id, attrs)
	tx.ModifiedOn = core.Now()
	return tx
}

func TestFindAllMatchesSubclasses(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx,
		itemTx("i-1", core.Attributes{"price": 5}),
		core.NewCreateTx("account:alice", "shop-1", classBook, "b-1", core.Attributes{"price": 12}),
	))

	res, err := a.FindAll(ctx, classItem, core.Query{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 2)

	res, err = a.FindAll(ctx, classBook, core.Query{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	require.Equal(t, core.Ref("b-1"), res.Docs[0].ID)
}

func TestMatchOperators(t *testing.T) {
	doc := &core.Doc{
		ID:    "i-1",
		Class: classItem,
		Space: "shop-1",
		Attributes: core.Attributes{
			"price": 5,
			"tag":   "sale",
		},
	}

	tests := []struct {
		name  string
		query core.Query
		want  bool
	}{
		{"equality on attribute", core.Query{"tag": "sale"}, true},
		{"equality miss", core.Query{"tag": "new"}, false},
		{"equality on header", core.Query{"space": "shop-1"}, true},
		{"in", core.Query{"tag": core.In("sale", "clearance")}, true},
		{"in miss", core.Query{"tag": core.In("clearance")}, false},
		{"nin", core.Query{"tag": map[string]any{core.QueryNin: []string{"clearance"}}}, true},
		{"ne", core.Query{"tag": map[string]any{core.QueryNe: "sale"}}, false},
		{"lt numeric", core.Query{"price": map[string]any{core.QueryLt: 10}}, true},
		{"gt numeric", core.Query{"price": map[string]any{core.QueryGt: 10}}, false},
		{"missing attribute", core.Query{"color": "red"}, false},
		{"search key ignored", core.Query{core.QuerySearch: "anything"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Match(doc, tt.query))
		})
	}
}

// Numeric comparison must not degrade to lexicographic: 9 < 12.
func TestMatchNumericOrdering(t *testing.T) {
	doc := &core.Doc{ID: "i-1", Attributes: core.Attributes{"price": 9}}
	require.True(t, Match(doc, core.Query{"price": map[string]any{core.QueryLt: 12}}))
	require.False(t, Match(doc, core.Query{"price": map[string]any{core.QueryGt: 12}}))
}

func TestFindAllSortLimitTotal(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx,
		itemTx("i-1", core.Attributes{"price": 30}),
		itemTx("i-2", core.Attributes{"price": 10}),
		itemTx("i-3", core.Attributes{"price": 20}),
	))

	res, err := a.FindAll(ctx, classItem, core.Query{}, &core.FindOptions{
		Sort:  map[string]core.SortOrder{"price": core.SortDescending},
		Limit: 2,
		Total: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Docs, 2)
	require.Equal(t, 3, res.Total)
	require.Equal(t, core.Ref("i-1"), res.Docs[0].ID)
	require.Equal(t, core.Ref("i-3"), res.Docs[1].ID)
}

func TestApplyUpdateOperators(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx, itemTx("i-1", core.Attributes{"price": 5, "tags": []string{"sale"}})))
	require.NoError(t, a.Tx(ctx,
		core.NewUpdateTx("account:alice", "shop-1", classItem, "i-1", core.UpdateOps{
			"name":     "lamp",
			core.OpInc: map[string]any{"price": 3},
			core.OpPush: map[string]any{
				"tags": "clearance",
			},
		}),
		core.NewUpdateTx("account:alice", "shop-1", classItem, "i-1", core.UpdateOps{
			core.OpPull: map[string]any{"tags": "sale"},
		}),
	))

	docs, err := a.Load(ctx, []core.Ref{"i-1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "lamp", docs[0].Attributes.String("name"))
	require.Equal(t, 8, docs[0].Attributes.Int("price"))
	require.Equal(t, []string{"clearance"}, docs[0].Attributes.Strings("tags"))
}

func TestTxCreateExtractsHeaders(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx, core.NewCreateTx("account:alice", "shop-1", classItem, "i-1", core.Attributes{
		"attachedTo":      "parent-1",
		"attachedToClass": string(classItem),
		"collection":      "parts",
		"name":            "bolt",
	})))

	docs, err := a.Load(ctx, []core.Ref{"i-1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	require.Equal(t, core.Ref("parent-1"), doc.AttachedTo)
	require.Equal(t, classItem, doc.AttachedToClass)
	require.Equal(t, "parts", doc.Collection)
	// Header values do not leak into the attribute map.
	require.NotContains(t, doc.Attributes, "attachedTo")
	require.Equal(t, "bolt", doc.Attributes.String("name"))
}

func TestFindAllReturnsClones(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx, itemTx("i-1", core.Attributes{"name": "lamp"})))

	res, err := a.FindAll(ctx, classItem, core.Query{}, nil)
	require.NoError(t, err)
	res.Docs[0].Attributes["name"] = "mangled"

	again, err := a.FindAll(ctx, classItem, core.Query{}, nil)
	require.NoError(t, err)
	require.Equal(t, "lamp", again.Docs[0].Attributes.String("name"))
}

func TestIterateSnapshot(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx,
		itemTx("i-2", nil),
		itemTx("i-1", nil),
	))

	it, err := a.Iterate(ctx)
	require.NoError(t, err)
	defer it.Stop()

	var ids []core.Ref
	for {
		doc, err := it.Next()
		if err == storage.ErrIteratorDone {
			break
		}
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}
	require.Equal(t, []core.Ref{"i-1", "i-2"}, ids)
}

func TestRemoveAndClean(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Tx(ctx, itemTx("i-1", nil), itemTx("i-2", nil)))
	require.NoError(t, a.Tx(ctx, core.NewRemoveTx("account:alice", "shop-1", classItem, "i-1")))
	require.NoError(t, a.Clean(ctx, []core.Ref{"i-2"}))

	res, err := a.FindAll(ctx, classItem, core.Query{}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Docs)
}
