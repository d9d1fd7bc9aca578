package relation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/store/storetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string {
	return &s
}

type fixture struct {
	*storetest.Fixture
	engine   *Engine
	recorder *notify.Recorder
}

// newFixture seeds a tasks database and a projects database with three rows
// each. prop_project (tasks -> projects) and prop_tasks (projects -> tasks)
// form a bidirectional pair with the given limits.
func newFixture(t *testing.T, projectLimit, tasksLimit store.LimitType) fixture {
	f := storetest.New(t)
	f.Page("pg_tasks", "")
	f.Page("pg_projects", "")
	f.Database("db_tasks", "pg_tasks")
	f.Database("db_projects", "pg_projects")
	f.BidirectionalPair("prop_project", "db_tasks", projectLimit, "prop_tasks", "db_projects", tasksLimit)
	for i := 1; i <= 3; i++ {
		f.Row(fmt.Sprintf("t%d", i), "db_tasks")
		f.Row(fmt.Sprintf("p%d", i), "db_projects")
	}
	recorder := notify.NewRecorder()
	return fixture{Fixture: f, engine: New(f.Store, recorder, zerolog.Nop()), recorder: recorder}
}

func (fx fixture) link(source string, targets ...string) error {
	_, err := fx.engine.LinkRows(context.Background(), LinkInput{
		PropertyID: "prop_project", SourceRowID: source, TargetRowIDs: targets,
		Bidirectional: true, ReversePropertyID: ptr("prop_tasks"),
	})
	return err
}

func (fx fixture) linkFromProject(source string, targets ...string) error {
	_, err := fx.engine.LinkRows(context.Background(), LinkInput{
		PropertyID: "prop_tasks", SourceRowID: source, TargetRowIDs: targets,
		Bidirectional: true, ReversePropertyID: ptr("prop_project"),
	})
	return err
}

func (fx fixture) unlink(source, target string) error {
	return fx.engine.UnlinkRow(context.Background(), UnlinkInput{
		PropertyID: "prop_project", SourceRowID: source, TargetRowID: target,
		Bidirectional: true, ReversePropertyID: ptr("prop_tasks"),
	})
}

// assertConsistent checks symmetry of the pair and that the index mirrors the cells.
func (fx fixture) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	report, err := fx.engine.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "index drift: %+v", report)

	asym, err := fx.engine.VerifySymmetry(ctx)
	require.NoError(t, err)
	assert.Empty(t, asym)
}

func TestLinkRowsBidirectional(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)

	require.NoError(t, fx.link("t1", "p1", "p2", "p1"))

	assert.Equal(t, []string{"p1", "p2"}, fx.Linked("t1", "prop_project"))
	assert.Equal(t, []string{"t1"}, fx.Linked("p1", "prop_tasks"))
	assert.Equal(t, []string{"t1"}, fx.Linked("p2", "prop_tasks"))
	fx.assertConsistent(t)

	events := fx.recorder.Named(notify.EventRelationUpdated)
	channels := map[string]int{}
	for _, e := range events {
		channels[e.Channel]++
	}
	assert.Equal(t, 1, channels[notify.PageChannel("pg_tasks")])
	assert.Equal(t, 2, channels[notify.PageChannel("pg_projects")])

	// Linking again is a no-op.
	fx.recorder.Reset()
	require.NoError(t, fx.link("t1", "p1"))
	assert.Equal(t, []string{"p1", "p2"}, fx.Linked("t1", "prop_project"))
	assert.Empty(t, fx.recorder.Events())
}

func TestUnlinkRowIsSymmetricAndIdempotent(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	require.NoError(t, fx.link("t1", "p1", "p2"))

	require.NoError(t, fx.unlink("t1", "p1"))
	assert.Equal(t, []string{"p2"}, fx.Linked("t1", "prop_project"))
	assert.Empty(t, fx.Linked("p1", "prop_tasks"))
	fx.assertConsistent(t)

	require.NoError(t, fx.unlink("t1", "p1"))
	require.NoError(t, fx.unlink("t1", "missing"))
	require.NoError(t, fx.unlink("missing", "p1"))
	fx.assertConsistent(t)

	err := fx.engine.UnlinkRow(context.Background(), UnlinkInput{PropertyID: "prop_missing", SourceRowID: "t1", TargetRowID: "p1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLinkRowsSourceLimitOne(t *testing.T) {
	fx := newFixture(t, store.LimitOne, store.LimitNone)

	err := fx.link("t1", "p1", "p2")
	assert.ErrorIs(t, err, ErrCardinalityViolation)
	assert.Empty(t, fx.Linked("t1", "prop_project"))

	require.NoError(t, fx.link("t1", "p1"))
	require.NoError(t, fx.link("t1", "p1"))

	err = fx.link("t1", "p2")
	assert.ErrorIs(t, err, ErrCardinalityViolation)
	assert.Equal(t, []string{"p1"}, fx.Linked("t1", "prop_project"))

	_, err = fx.engine.LinkRows(context.Background(), LinkInput{
		PropertyID: "prop_project", SourceRowID: "t1", TargetRowIDs: []string{"p2"},
		Bidirectional: true, ReversePropertyID: ptr("prop_tasks"), Replace: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, fx.Linked("t1", "prop_project"))
	assert.Empty(t, fx.Linked("p1", "prop_tasks"))
	assert.Equal(t, []string{"t1"}, fx.Linked("p2", "prop_tasks"))
	fx.assertConsistent(t)
}

func TestLinkRowsReverseLimitOneNeverDisplaces(t *testing.T) {
	// Each task belongs to at most one project; linking is done from the
	// project side.
	fx := newFixture(t, store.LimitOne, store.LimitNone)

	require.NoError(t, fx.linkFromProject("p1", "t1", "t2"))
	assert.Equal(t, []string{"p1"}, fx.Linked("t1", "prop_project"))

	err := fx.linkFromProject("p2", "t3", "t1")
	assert.ErrorIs(t, err, ErrCardinalityViolation)
	// The whole call is rejected, including t3.
	assert.Empty(t, fx.Linked("p2", "prop_tasks"))
	assert.Empty(t, fx.Linked("t3", "prop_project"))
	assert.Equal(t, []string{"p1"}, fx.Linked("t1", "prop_project"))
	fx.assertConsistent(t)
}

func TestLinkRowsValidation(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()

	cases := []struct {
		name string
		in   LinkInput
		want error
	}{
		{"missing property", LinkInput{PropertyID: "nope", SourceRowID: "t1", TargetRowIDs: []string{"p1"}}, store.ErrNotFound},
		{"mode mismatch", LinkInput{PropertyID: "prop_project", SourceRowID: "t1", TargetRowIDs: []string{"p1"}}, ErrRelationMismatch},
		{"wrong reverse", LinkInput{PropertyID: "prop_project", SourceRowID: "t1", TargetRowIDs: []string{"p1"}, Bidirectional: true, ReversePropertyID: ptr("prop_project")}, ErrRelationMismatch},
		{"missing source", LinkInput{PropertyID: "prop_project", SourceRowID: "t9", TargetRowIDs: []string{"p1"}, Bidirectional: true, ReversePropertyID: ptr("prop_tasks")}, store.ErrNotFound},
		{"source in wrong database", LinkInput{PropertyID: "prop_project", SourceRowID: "p1", TargetRowIDs: []string{"p2"}, Bidirectional: true, ReversePropertyID: ptr("prop_tasks")}, store.ErrNotFound},
		{"target in wrong database", LinkInput{PropertyID: "prop_project", SourceRowID: "t1", TargetRowIDs: []string{"t2"}, Bidirectional: true, ReversePropertyID: ptr("prop_tasks")}, store.ErrNotFound},
		{"missing target", LinkInput{PropertyID: "prop_project", SourceRowID: "t1", TargetRowIDs: []string{"p1", "p9"}, Bidirectional: true, ReversePropertyID: ptr("prop_tasks")}, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.engine.LinkRows(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, fx.Cells())
	assert.Empty(t, fx.Refs())
}

func TestLinkRowsOneWay(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	fx.Relation("prop_blocked_by", "db_tasks", "db_tasks", store.LimitNone, false, "")

	_, err := fx.engine.LinkRows(context.Background(), LinkInput{PropertyID: "prop_blocked_by", SourceRowID: "t1", TargetRowIDs: []string{"t2", "t3"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3"}, fx.Linked("t1", "prop_blocked_by"))
	assert.Empty(t, fx.Linked("t2", "prop_blocked_by"))
	fx.assertConsistent(t)

	_, err = fx.engine.LinkRows(context.Background(), LinkInput{PropertyID: "prop_blocked_by", SourceRowID: "t1", TargetRowIDs: []string{"t2"}, ReversePropertyID: ptr("prop_tasks")})
	assert.ErrorIs(t, err, ErrRelationMismatch)
}

func TestGetLinkedRows(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	ctx := context.Background()

	rows, err := fx.engine.GetLinkedRows(ctx, "db_projects", []string{"p3", "gone", "p1", "t1", "p3"})
	require.NoError(t, err)
	got := make([]string, 0, len(rows))
	for _, row := range rows {
		got = append(got, row.ID)
	}
	assert.Equal(t, []string{"p3", "p1"}, got)

	rows, err = fx.engine.GetLinkedRows(ctx, "db_projects", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteRowCleansEveryReference(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitNone)
	fx.Relation("prop_blocked_by", "db_tasks", "db_projects", store.LimitNone, false, "")
	ctx := context.Background()

	require.NoError(t, fx.link("t1", "p1", "p2"))
	require.NoError(t, fx.link("t2", "p1"))
	_, err := fx.engine.LinkRows(ctx, LinkInput{PropertyID: "prop_blocked_by", SourceRowID: "t3", TargetRowIDs: []string{"p1"}})
	require.NoError(t, err)
	fx.recorder.Reset()

	require.NoError(t, fx.engine.DeleteRow(ctx, "p1"))

	assert.False(t, fx.RowExists("p1"))
	assert.Equal(t, []string{"p2"}, fx.Linked("t1", "prop_project"))
	assert.Empty(t, fx.Linked("t2", "prop_project"))
	assert.Empty(t, fx.Linked("t3", "prop_blocked_by"))
	for _, ref := range fx.Refs() {
		assert.NotEqual(t, "p1", ref.TargetRowID)
		assert.NotEqual(t, "p1", ref.SourceRowID)
	}
	fx.assertConsistent(t)
	assert.Len(t, fx.recorder.Named(notify.EventRelationUpdated), 3)

	assert.ErrorIs(t, fx.engine.DeleteRow(ctx, "p1"), store.ErrNotFound)
}

func TestStaleIDsArePrunedOnWrite(t *testing.T) {
	fx := newFixture(t, store.LimitOne, store.LimitNone)
	ctx := context.Background()
	require.NoError(t, fx.link("t1", "p1"))

	// Drop p1 behind the engine's back.
	require.NoError(t, fx.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteRows(ctx, []string{"p1"})
	}))
	rows, err := fx.engine.GetLinkedRows(ctx, "db_projects", fx.Linked("t1", "prop_project"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The limit-one cell accepts a new link once the stale id is pruned.
	require.NoError(t, fx.link("t1", "p2"))
	assert.Equal(t, []string{"p2"}, fx.Linked("t1", "prop_project"))
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	fx := newFixture(t, store.LimitNone, store.LimitOne)
	rng := rand.New(rand.NewSource(42))
	tasks := []string{"t1", "t2", "t3"}
	projects := []string{"p1", "p2", "p3"}

	for i := 0; i < 300; i++ {
		task := tasks[rng.Intn(len(tasks))]
		project := projects[rng.Intn(len(projects))]
		var err error
		switch rng.Intn(4) {
		case 0, 1:
			err = fx.link(task, project)
		case 2:
			err = fx.unlink(task, project)
		case 3:
			err = fx.linkFromProject(project, task)
		}
		if err != nil {
			require.ErrorIs(t, err, ErrCardinalityViolation)
		}
		for _, p := range projects {
			require.LessOrEqual(t, len(fx.Linked(p, "prop_tasks")), 1)
		}
	}
	fx.assertConsistent(t)
}

func TestConcurrentLinksRespectLimitOne(t *testing.T) {
	fx := newFixture(t, store.LimitOne, store.LimitNone)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, project := range []string{"p1", "p2", "p3"} {
		wg.Add(1)
		go func(i int, project string) {
			defer wg.Done()
			errs[i] = fx.link("t1", project)
		}(i, project)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrCardinalityViolation)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, fx.Linked("t1", "prop_project"), 1)
	fx.assertConsistent(t)
}
