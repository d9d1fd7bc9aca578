package relation

import (
	"context"
	"testing"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePropertyBidirectional(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()

	forward, reverse, err := fx.engine.CreateProperty(ctx, CreateInput{
		DatabaseID: "db_tasks", Name: "Owner project", TargetDatabaseID: "db_projects",
		LimitType: store.LimitOne, Bidirectional: true,
	})
	require.NoError(t, err)
	require.NotNil(t, reverse)
	assert.Equal(t, reverse.ID, *forward.Relation.ReversePropertyID)
	assert.Equal(t, forward.ID, *reverse.Relation.ReversePropertyID)
	assert.Equal(t, "db_projects", reverse.DatabaseID)
	assert.Equal(t, "Related to Owner project", reverse.Name)
	assert.Equal(t, store.LimitNone, reverse.Relation.LimitType)

	stored := fx.GetProperty(forward.ID)
	assert.Equal(t, store.LimitOne, stored.Relation.LimitType)
	assert.True(t, stored.Relation.Bidirectional)

	_, err = fx.engine.LinkRows(ctx, LinkInput{PropertyID: forward.ID, SourceRowID: "t1", TargetRowIDs: []string{"p1"}, Bidirectional: true, ReversePropertyID: &reverse.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", reverse.ID))
}

func TestCreatePropertyValidation(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()

	_, _, err := fx.engine.CreateProperty(ctx, CreateInput{DatabaseID: "db_tasks", Name: "x", TargetDatabaseID: "db_missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = fx.engine.CreateProperty(ctx, CreateInput{DatabaseID: "db_tasks", Name: " ", TargetDatabaseID: "db_projects"})
	assert.ErrorIs(t, err, ErrRelationMismatch)

	_, _, err = fx.engine.CreateProperty(ctx, CreateInput{DatabaseID: "db_tasks", Name: "x", TargetDatabaseID: "db_projects", LimitType: "two"})
	assert.ErrorIs(t, err, ErrRelationMismatch)
}

func TestUpdateSchemaDisableKeepsData(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1", "p2"))

	updated, err := fx.engine.UpdateSchema(ctx, "prop_project", SchemaUpdate{Bidirectional: false})
	require.NoError(t, err)
	assert.False(t, updated.Relation.Bidirectional)
	assert.Nil(t, updated.Relation.ReversePropertyID)

	reverse := fx.GetProperty("prop_tasks")
	assert.False(t, reverse.Relation.Bidirectional)
	assert.Nil(t, reverse.Relation.ReversePropertyID)

	// Both sides keep their data as ordinary one-way links.
	assert.Equal(t, []string{"p1", "p2"}, fx.Linked("t1", "prop_project"))
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", "prop_tasks"))

	// Going forward the reverse side is no longer maintained.
	_, err = fx.engine.LinkRows(ctx, LinkInput{PropertyID: "prop_project", SourceRowID: "t2", TargetRowIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", "prop_tasks"))
	fx.assertConsistent(t)
}

func TestUpdateSchemaSwapReverse(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	fx.Relation("prop_lead_of", "db_projects", "db_tasks", store.LimitNone, false, "")
	require.NoError(t, fx.link("t1", "p1"))

	_, err := fx.engine.LinkRows(ctx, LinkInput{PropertyID: "prop_lead_of", SourceRowID: "p2", TargetRowIDs: []string{"t2"}})
	require.NoError(t, err)

	updated, err := fx.engine.UpdateSchema(ctx, "prop_project", SchemaUpdate{Bidirectional: true, ReversePropertyID: ptr("prop_lead_of")})
	require.NoError(t, err)
	assert.Equal(t, "prop_lead_of", *updated.Relation.ReversePropertyID)

	oldReverse := fx.GetProperty("prop_tasks")
	assert.False(t, oldReverse.Relation.Bidirectional)
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", "prop_tasks"))

	newReverse := fx.GetProperty("prop_lead_of")
	assert.True(t, newReverse.Relation.Bidirectional)
	assert.Equal(t, "prop_project", *newReverse.Relation.ReversePropertyID)

	// Both directions are merged.
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", "prop_lead_of"))
	assert.Equal(t, []string{"p2"}, fx.Linked("t2", "prop_project"))
	fx.assertConsistent(t)
}

func TestUpdateSchemaRejectsUnrelatedReverse(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	fx.Relation("prop_self", "db_tasks", "db_tasks", store.LimitNone, false, "")

	_, err := fx.engine.UpdateSchema(context.Background(), "prop_project", SchemaUpdate{Bidirectional: true, ReversePropertyID: ptr("prop_self")})
	assert.ErrorIs(t, err, ErrRelationMismatch)

	_, err = fx.engine.UpdateSchema(context.Background(), "prop_project", SchemaUpdate{Bidirectional: true})
	assert.ErrorIs(t, err, ErrRelationMismatch)

	// Nothing changed.
	assert.True(t, fx.GetProperty("prop_project").Relation.Bidirectional)
	assert.True(t, fx.GetProperty("prop_tasks").Relation.Bidirectional)
}

func TestUpdateSchemaLimitOneRequiresSingleLinks(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1", "p2"))

	one := store.LimitOne
	_, err := fx.engine.UpdateSchema(ctx, "prop_project", SchemaUpdate{Bidirectional: true, ReversePropertyID: ptr("prop_tasks"), LimitType: &one})
	assert.ErrorIs(t, err, ErrCardinalityViolation)

	require.NoError(t, fx.unlink("t1", "p2"))
	updated, err := fx.engine.UpdateSchema(ctx, "prop_project", SchemaUpdate{Bidirectional: true, ReversePropertyID: ptr("prop_tasks"), LimitType: &one})
	require.NoError(t, err)
	assert.Equal(t, store.LimitOne, updated.Relation.LimitType)
}

func TestUpdateSchemaReconcileRespectsReverseLimit(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	fx.Relation("prop_single", "db_projects", "db_tasks", store.LimitOne, false, "")
	require.NoError(t, fx.link("t1", "p1"))
	require.NoError(t, fx.link("t2", "p1"))

	_, err := fx.engine.UpdateSchema(ctx, "prop_project", SchemaUpdate{Bidirectional: true, ReversePropertyID: ptr("prop_single")})
	assert.ErrorIs(t, err, ErrCardinalityViolation)
	assert.Equal(t, "prop_tasks", *fx.GetProperty("prop_project").Relation.ReversePropertyID)
}

func TestDetachDatabasesDemotesIncomingRelations(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1"))

	var demoted []store.Property
	require.NoError(t, fx.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		demoted, err = DetachDatabasesTx(ctx, tx, []string{"db_projects"})
		return err
	}))
	require.Len(t, demoted, 1)
	assert.Equal(t, "prop_project", demoted[0].ID)

	prop := fx.GetProperty("prop_project")
	assert.False(t, prop.Relation.Bidirectional)
	assert.Equal(t, "db_projects", prop.Relation.TargetDatabaseID)
	assert.Equal(t, []string{"p1"}, fx.Linked("t1", "prop_project"))
}
