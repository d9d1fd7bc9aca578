package relation

import (
	"context"
	"testing"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAndRepairIndex(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1", "p2"))

	// Drift: a lost index entry, an orphan entry and a dangling id.
	require.NoError(t, fx.Store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.RemoveRef(ctx, store.RelationRef{TargetRowID: "p1", PropertyID: "prop_project", SourceRowID: "t1"}); err != nil {
			return err
		}
		if err := tx.AddRef(ctx, store.RelationRef{TargetRowID: "p3", PropertyID: "prop_project", SourceRowID: "t3"}); err != nil {
			return err
		}
		return tx.PutCell(ctx, store.RelationCell{RowID: "t2", PropertyID: "prop_project", LinkedRowIDs: []string{"p_gone"}})
	}))

	report, err := fx.engine.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Len(t, report.Orphaned, 1)
	assert.Equal(t, 1, report.StaleIDs)
	// p1<-t1 is lost and p_gone<-t2 was never indexed.
	assert.Len(t, report.Missing, 2)

	repaired, err := fx.engine.RepairIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, report, repaired)

	after, err := fx.engine.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.True(t, after.Clean(), "%+v", after)
	assert.Empty(t, fx.Linked("t2", "prop_project"))

	again, err := fx.engine.RepairIndex(ctx)
	require.NoError(t, err)
	assert.True(t, again.Clean())
}

func TestVerifyAndRepairSymmetry(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitOne)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1"))

	require.NoError(t, fx.Store.InTx(ctx, func(tx store.Tx) error {
		// t2 -> p2 without a mirror, t3 -> p1 where p1 is already full.
		if err := tx.PutCell(ctx, store.RelationCell{RowID: "t2", PropertyID: "prop_project", LinkedRowIDs: []string{"p2"}}); err != nil {
			return err
		}
		if err := tx.AddRef(ctx, store.RelationRef{TargetRowID: "p2", PropertyID: "prop_project", SourceRowID: "t2"}); err != nil {
			return err
		}
		if err := tx.PutCell(ctx, store.RelationCell{RowID: "t3", PropertyID: "prop_project", LinkedRowIDs: []string{"p1"}}); err != nil {
			return err
		}
		return tx.AddRef(ctx, store.RelationRef{TargetRowID: "p1", PropertyID: "prop_project", SourceRowID: "t3"})
	}))

	found, err := fx.engine.VerifySymmetry(ctx)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	repaired, unresolved, err := fx.engine.RepairSymmetry(ctx)
	require.NoError(t, err)
	require.Len(t, repaired, 1)
	assert.Equal(t, "t2", repaired[0].RowID)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "t3", unresolved[0].RowID)
	assert.Equal(t, []string{"t2"}, fx.Linked("p2", "prop_tasks"))

	report, err := fx.engine.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
