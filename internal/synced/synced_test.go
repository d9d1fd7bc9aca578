package synced

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/erdodo/notion-sub004/internal/blocks"
	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/store/storetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPropagator(t *testing.T, maxHops int) (*storetest.Fixture, *Propagator, *notify.Recorder) {
	f := storetest.New(t)
	f.Page("pg_src", "")
	f.Page("pg_a", "")
	f.Page("pg_b", "")
	f.Block("blk_src", "pg_src", blocks.TypeParagraph, `{"text":"v1"}`)
	recorder := notify.NewRecorder()
	return f, New(f.Store, blocks.Default(), recorder, zerolog.Nop(), maxHops), recorder
}

func TestResolveFollowsChains(t *testing.T) {
	f, p, _ := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	f.Mirror("blk_m2", "pg_b", "blk_m1")
	ctx := context.Background()

	resolved, err := p.Resolve(ctx, "blk_m2")
	require.NoError(t, err)
	assert.Equal(t, "blk_src", resolved.Canonical.ID)
	assert.Equal(t, 2, resolved.Hops)
	assert.JSONEq(t, `{"text":"v1"}`, string(resolved.Content()))

	canonical, err := p.Resolve(ctx, "blk_src")
	require.NoError(t, err)
	assert.Equal(t, 0, canonical.Hops)

	_, err = p.Resolve(ctx, "blk_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveDetectsCyclesAndLongChains(t *testing.T) {
	f, p, _ := newPropagator(t, 4)
	f.Page("pg_c", "")
	f.Mirror("blk_x", "pg_a", "blk_y")
	f.Mirror("blk_y", "pg_b", "blk_x")

	_, err := p.Resolve(context.Background(), "blk_x")
	assert.ErrorIs(t, err, ErrSyncCycle)

	prev := "blk_src"
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("blk_chain%d", i)
		f.Mirror(id, "pg_c", prev)
		prev = id
	}
	_, err = p.Resolve(context.Background(), "blk_chain3")
	require.NoError(t, err)
	_, err = p.Resolve(context.Background(), "blk_chain4")
	assert.ErrorIs(t, err, ErrSyncCycle)
}

func TestPropagateEditFansOutPerPage(t *testing.T) {
	f, p, recorder := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	f.Mirror("blk_m2", "pg_a", "blk_src")
	f.Mirror("blk_m3", "pg_b", "blk_m1")
	ctx := context.Background()

	updated, err := p.PropagateEdit(ctx, "blk_src", json.RawMessage(`{"text": "v2"}`))
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.PlainText)

	for _, id := range []string{"blk_m1", "blk_m2", "blk_m3"} {
		resolved, err := p.Resolve(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"v2"}`, string(resolved.Content()), id)
		assert.JSONEq(t, `{"text":"v2"}`, string(f.GetBlock(id).ChildrenJSON), id)
	}

	events := recorder.Named(notify.EventBlockUpdated)
	channels := make([]string, 0, len(events))
	for _, e := range events {
		channels = append(channels, e.Channel)
		payload := e.Payload.(notify.BlockUpdated)
		assert.Equal(t, "blk_src", payload.BlockID)
	}
	assert.ElementsMatch(t, []string{"page:pg_src", "page:pg_a", "page:pg_b"}, channels)
}

func TestPropagateEditRejectsMirrorsAndBadContent(t *testing.T) {
	f, p, recorder := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	ctx := context.Background()

	_, err := p.PropagateEdit(ctx, "blk_m1", json.RawMessage(`{"text":"nope"}`))
	assert.ErrorIs(t, err, ErrReadOnlyMirror)

	_, err = p.PropagateEdit(ctx, "blk_src", json.RawMessage(`[1]`))
	assert.ErrorIs(t, err, blocks.ErrInvalidContent)

	_, err = p.PropagateEdit(ctx, "blk_missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.JSONEq(t, `{"text":"v1"}`, string(f.GetBlock("blk_src").Content))
	assert.Empty(t, recorder.Events())
}

func TestDeleteCanonicalLeavesPlaceholders(t *testing.T) {
	f, p, recorder := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	f.Mirror("blk_m2", "pg_b", "blk_m1")
	ctx := context.Background()

	require.NoError(t, p.DeleteBlock(ctx, "blk_src"))
	assert.False(t, f.BlockExists("blk_src"))

	for _, id := range []string{"blk_m1", "blk_m2"} {
		block := f.GetBlock(id)
		assert.Equal(t, blocks.TypePlaceholder, block.Type)
		assert.False(t, block.IsMirror())
		var payload blocks.PlaceholderPayload
		require.NoError(t, json.Unmarshal(block.Content, &payload))
		assert.Equal(t, "source deleted", payload.Reason)
	}

	// Placeholders are inert.
	_, err := p.PropagateEdit(ctx, "blk_m1", json.RawMessage(`{"text":"x"}`))
	assert.ErrorIs(t, err, blocks.ErrReservedType)
	_, err = p.CreateMirror(ctx, "blk_m1", "pg_b", "")
	assert.ErrorIs(t, err, blocks.ErrReservedType)

	assert.Len(t, recorder.Named(notify.EventBlockDeleted), 1)
	assert.Len(t, recorder.Named(notify.EventBlockUpdated), 2)
}

func TestDeleteMirrorOnlyRemovesMirror(t *testing.T) {
	f, p, _ := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")

	require.NoError(t, p.DeleteBlock(context.Background(), "blk_m1"))
	assert.False(t, f.BlockExists("blk_m1"))
	assert.True(t, f.BlockExists("blk_src"))
}

func TestCreateMirrorPointsAtCanonical(t *testing.T) {
	f, p, _ := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	ctx := context.Background()

	mirror, err := p.CreateMirror(ctx, "blk_m1", "pg_b", "k1")
	require.NoError(t, err)
	assert.Equal(t, "blk_src", *mirror.SourceBlockID)
	assert.Equal(t, blocks.TypeSyncedBlock, mirror.Type)
	assert.JSONEq(t, `{"text":"v1"}`, string(mirror.ChildrenJSON))

	_, err = p.CreateMirror(ctx, "blk_src", "pg_missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAndMoveBlocks(t *testing.T) {
	f, p, recorder := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	ctx := context.Background()

	created, err := p.CreateBlock(ctx, CreateInput{PageID: "pg_a", Type: blocks.TypeHeading, Content: json.RawMessage(`{"text":"Title","level":1}`), OrderKey: "a0"})
	require.NoError(t, err)
	assert.Equal(t, "Title", created.PlainText)

	_, err = p.CreateBlock(ctx, CreateInput{PageID: "pg_a", Type: blocks.TypeSyncedBlock})
	assert.ErrorIs(t, err, blocks.ErrReservedType)
	_, err = p.CreateBlock(ctx, CreateInput{PageID: "pg_missing", Type: blocks.TypeParagraph})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Mirrors accept placement changes.
	moved, err := p.MoveBlock(ctx, "blk_m1", MoveInput{PageID: ptr("pg_b"), OrderKey: "z9"})
	require.NoError(t, err)
	assert.Equal(t, "pg_b", moved.PageID)
	assert.Equal(t, "z9", moved.OrderKey)
	assert.True(t, moved.IsMirror())
	assert.Len(t, recorder.Named(notify.EventBlockMoved), 2)

	rendered, err := p.ListPageBlocks(ctx, "pg_a")
	require.NoError(t, err)
	require.Len(t, rendered, 1)
	assert.Equal(t, created.ID, rendered[0].Block.ID)
}

func TestListPageBlocksResolvesMirrors(t *testing.T) {
	f, p, _ := newPropagator(t, 2)
	f.Block("blk_local", "pg_a", blocks.TypeParagraph, `{"text":"local"}`)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	f.Mirror("blk_loop1", "pg_a", "blk_loop2")
	f.Mirror("blk_loop2", "pg_b", "blk_loop1")

	rendered, err := p.ListPageBlocks(context.Background(), "pg_a")
	require.NoError(t, err)
	byID := map[string]Rendered{}
	for _, r := range rendered {
		byID[r.Block.ID] = r
	}
	assert.JSONEq(t, `{"text":"local"}`, string(byID["blk_local"].Content))
	assert.JSONEq(t, `{"text":"v1"}`, string(byID["blk_m1"].Content))
	assert.False(t, byID["blk_m1"].Stale)
	assert.True(t, byID["blk_loop1"].Stale)
}

func TestDetachMirrorsSkipsPurgedPages(t *testing.T) {
	f, _, _ := newPropagator(t, 0)
	f.Mirror("blk_m1", "pg_a", "blk_src")
	f.Mirror("blk_m2", "pg_b", "blk_src")
	ctx := context.Background()

	var converted []store.Block
	require.NoError(t, f.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		converted, err = DetachMirrorsTx(ctx, tx, []string{"blk_src"}, map[string]struct{}{"pg_a": {}}, 0)
		return err
	}))
	require.Len(t, converted, 1)
	assert.Equal(t, "blk_m2", converted[0].ID)
	assert.True(t, f.GetBlock("blk_m1").IsMirror())
	assert.Equal(t, blocks.TypePlaceholder, f.GetBlock("blk_m2").Type)
}

func ptr(s string) *string {
	return &s
}
