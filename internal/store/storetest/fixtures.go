// Package storetest seeds an in-memory store for package tests.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/stretchr/testify/require"
)

const Owner = "usr_owner"

type Fixture struct {
	t     testing.TB
	Store *store.MemoryStore
	clock time.Time
}

func New(t testing.TB) *Fixture {
	return &Fixture{t: t, Store: store.NewMemoryStore(), clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *Fixture) write(fn func(ctx context.Context, tx store.Tx) error) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.Store.InTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

// Page inserts an active page; an empty parent makes it top-level.
func (f *Fixture) Page(id, parent string) store.Page {
	f.t.Helper()
	now := f.tick()
	page := store.Page{ID: id, OwnerID: Owner, Title: id, Version: 1, CreatedAt: now, UpdatedAt: now}
	if parent != "" {
		page.ParentID = &parent
	}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertPage(ctx, page) })
	return page
}

// SetParent rewrites a parent link without any validation.
func (f *Fixture) SetParent(id, parent string) {
	f.t.Helper()
	f.write(func(ctx context.Context, tx store.Tx) error {
		page, err := tx.GetPage(ctx, id)
		if err != nil {
			return err
		}
		page.ParentID = &parent
		_, err = tx.UpdatePage(ctx, page)
		return err
	})
}

func (f *Fixture) Block(id, pageID, blockType, content string) store.Block {
	f.t.Helper()
	now := f.tick()
	block := store.Block{ID: id, PageID: pageID, Type: blockType, OrderKey: id, Content: json.RawMessage(content), CreatedAt: now, UpdatedAt: now}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertBlock(ctx, block) })
	return block
}

func (f *Fixture) Mirror(id, pageID, sourceID string) store.Block {
	f.t.Helper()
	now := f.tick()
	block := store.Block{ID: id, PageID: pageID, Type: "synced_block", OrderKey: id, Content: json.RawMessage(`{}`), SourceBlockID: &sourceID, CreatedAt: now, UpdatedAt: now}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertBlock(ctx, block) })
	return block
}

func (f *Fixture) Database(id, pageID string) store.Database {
	f.t.Helper()
	db := store.Database{ID: id, PageID: pageID, Title: id, CreatedAt: f.tick()}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertDatabase(ctx, db) })
	return db
}

// Relation inserts a relation property. reverse may be empty.
func (f *Fixture) Relation(id, databaseID, targetDatabaseID string, limit store.LimitType, bidirectional bool, reverse string) store.Property {
	f.t.Helper()
	cfg := &store.RelationConfig{TargetDatabaseID: targetDatabaseID, Bidirectional: bidirectional, LimitType: limit}
	if reverse != "" {
		cfg.ReversePropertyID = &reverse
	}
	prop := store.Property{ID: id, DatabaseID: databaseID, Name: id, Type: store.PropertyRelation, Relation: cfg, CreatedAt: f.tick()}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertProperty(ctx, prop) })
	return prop
}

// BidirectionalPair inserts two relation properties mirroring each other.
func (f *Fixture) BidirectionalPair(forwardID, forwardDB string, forwardLimit store.LimitType, reverseID, reverseDB string, reverseLimit store.LimitType) (store.Property, store.Property) {
	f.t.Helper()
	forward := f.Relation(forwardID, forwardDB, reverseDB, forwardLimit, true, reverseID)
	reverse := f.Relation(reverseID, reverseDB, forwardDB, reverseLimit, true, forwardID)
	return forward, reverse
}

func (f *Fixture) Row(id, databaseID string) store.Row {
	f.t.Helper()
	now := f.tick()
	row := store.Row{ID: id, DatabaseID: databaseID, Values: map[string]any{"name": id}, CreatedAt: now, UpdatedAt: now}
	f.write(func(ctx context.Context, tx store.Tx) error { return tx.InsertRow(ctx, row) })
	return row
}

func (f *Fixture) read(fn func(ctx context.Context, tx store.Tx) error) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.Store.View(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func (f *Fixture) GetPage(id string) store.Page {
	f.t.Helper()
	var page store.Page
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		page, err = tx.GetPage(ctx, id)
		return err
	})
	return page
}

func (f *Fixture) GetBlock(id string) store.Block {
	f.t.Helper()
	var block store.Block
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		block, err = tx.GetBlock(ctx, id)
		return err
	})
	return block
}

func (f *Fixture) GetProperty(id string) store.Property {
	f.t.Helper()
	var prop store.Property
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		prop, err = tx.GetProperty(ctx, id)
		return err
	})
	return prop
}

// Linked returns the cell contents of rowID for propertyID.
func (f *Fixture) Linked(rowID, propertyID string) []string {
	f.t.Helper()
	var cell store.RelationCell
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		cell, err = tx.GetCell(ctx, rowID, propertyID)
		return err
	})
	return cell.LinkedRowIDs
}

func (f *Fixture) Refs() []store.RelationRef {
	f.t.Helper()
	var refs []store.RelationRef
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		refs, err = tx.ListRefs(ctx)
		return err
	})
	return refs
}

func (f *Fixture) Cells() []store.RelationCell {
	f.t.Helper()
	var cells []store.RelationCell
	f.read(func(ctx context.Context, tx store.Tx) error {
		var err error
		cells, err = tx.ListCells(ctx)
		return err
	})
	return cells
}

// Exists reports whether the entity lookup succeeds.
func (f *Fixture) Exists(lookup func(ctx context.Context, tx store.Tx) error) bool {
	f.t.Helper()
	ctx := context.Background()
	err := f.Store.View(ctx, func(tx store.Tx) error { return lookup(ctx, tx) })
	if store.IsNotFound(err) {
		return false
	}
	require.NoError(f.t, err)
	return true
}

func (f *Fixture) PageExists(id string) bool {
	return f.Exists(func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetPage(ctx, id)
		return err
	})
}

func (f *Fixture) RowExists(id string) bool {
	return f.Exists(func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetRow(ctx, id)
		return err
	})
}

func (f *Fixture) BlockExists(id string) bool {
	return f.Exists(func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetBlock(ctx, id)
		return err
	})
}
