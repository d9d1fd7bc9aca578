package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string {
	return &s
}

func mustInTx(t *testing.T, s Store, fn func(Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("in tx: %v", err)
	}
}

func seedPage(t *testing.T, s Store, id string, parent *string) Page {
	t.Helper()
	now := time.Now().UTC()
	page := Page{ID: id, ParentID: parent, OwnerID: "usr_1", Title: id, Version: 1, CreatedAt: now, UpdatedAt: now}
	mustInTx(t, s, func(tx Tx) error {
		return tx.InsertPage(context.Background(), page)
	})
	return page
}

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("page versions", func(t *testing.T) {
		s := newStore(t)
		page := seedPage(t, s, "pg_root", nil)

		var updated Page
		mustInTx(t, s, func(tx Tx) error {
			page.Title = "Renamed"
			var err error
			updated, err = tx.UpdatePage(ctx, page)
			return err
		})
		if updated.Version != 2 || updated.Title != "Renamed" {
			t.Fatalf("unexpected updated page: %+v", updated)
		}

		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.UpdatePage(ctx, page)
			return err
		})
		if !errors.Is(err, ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification for stale version, got %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.UpdatePage(ctx, Page{ID: "pg_missing", Version: 1})
			return err
		})
		if !IsNotFound(err) {
			t.Fatalf("expected not found for missing page, got %v", err)
		}
	})

	t.Run("children and roots", func(t *testing.T) {
		s := newStore(t)
		seedPage(t, s, "pg_a", nil)
		seedPage(t, s, "pg_b", strPtr("pg_a"))
		seedPage(t, s, "pg_c", strPtr("pg_a"))
		seedPage(t, s, "pg_d", strPtr("pg_b"))

		err := s.View(ctx, func(tx Tx) error {
			children, err := tx.ListChildren(ctx, []string{"pg_a"})
			if err != nil {
				return err
			}
			if len(children) != 2 {
				t.Fatalf("expected 2 children, got %d", len(children))
			}
			level, err := tx.ListChildren(ctx, []string{"pg_b", "pg_c"})
			if err != nil {
				return err
			}
			if len(level) != 1 || level[0].ID != "pg_d" {
				t.Fatalf("unexpected second level: %+v", level)
			}
			roots, err := tx.ListRootPages(ctx, "usr_1")
			if err != nil {
				return err
			}
			if len(roots) != 1 || roots[0].ID != "pg_a" {
				t.Fatalf("unexpected roots: %+v", roots)
			}
			count, err := tx.CountPages(ctx)
			if err != nil {
				return err
			}
			if count != 4 {
				t.Fatalf("expected 4 pages, got %d", count)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})

	t.Run("archived pages newest first", func(t *testing.T) {
		s := newStore(t)
		older := seedPage(t, s, "pg_old", nil)
		newer := seedPage(t, s, "pg_new", nil)
		base := time.Now().UTC().Add(-time.Hour)

		mustInTx(t, s, func(tx Tx) error {
			for i, page := range []Page{older, newer} {
				at := base.Add(time.Duration(i) * time.Minute)
				page.IsArchived = true
				page.ArchivedAt = &at
				if _, err := tx.UpdatePage(ctx, page); err != nil {
					return err
				}
			}
			return nil
		})

		err := s.View(ctx, func(tx Tx) error {
			archived, err := tx.ListArchivedPages(ctx, "usr_1")
			if err != nil {
				return err
			}
			if len(archived) != 2 || archived[0].ID != "pg_new" || archived[1].ID != "pg_old" {
				t.Fatalf("unexpected archive order: %+v", archived)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})

	t.Run("failed unit writes nothing", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			now := time.Now().UTC()
			if err := tx.InsertPage(ctx, Page{ID: "pg_tmp", OwnerID: "usr_1", Version: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		err = s.View(ctx, func(tx Tx) error {
			_, err := tx.GetPage(ctx, "pg_tmp")
			return err
		})
		if !IsNotFound(err) {
			t.Fatalf("expected rolled back page to be absent, got %v", err)
		}
	})

	t.Run("blocks and mirrors", func(t *testing.T) {
		s := newStore(t)
		seedPage(t, s, "pg_src", nil)
		seedPage(t, s, "pg_host", nil)
		now := time.Now().UTC()

		mustInTx(t, s, func(tx Tx) error {
			if err := tx.InsertBlock(ctx, Block{ID: "blk_src", PageID: "pg_src", Type: "paragraph", OrderKey: "a", Content: json.RawMessage(`{"text":"hi"}`), PlainText: "hi", CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
			return tx.InsertBlock(ctx, Block{ID: "blk_mirror", PageID: "pg_host", Type: "synced_block", OrderKey: "a", Content: json.RawMessage(`{}`), SourceBlockID: strPtr("blk_src"), ChildrenJSON: json.RawMessage(`{"text":"hi"}`), CreatedAt: now, UpdatedAt: now})
		})

		err := s.View(ctx, func(tx Tx) error {
			mirrors, err := tx.ListMirrors(ctx, []string{"blk_src"})
			if err != nil {
				return err
			}
			if len(mirrors) != 1 || mirrors[0].ID != "blk_mirror" || !mirrors[0].IsMirror() {
				t.Fatalf("unexpected mirrors: %+v", mirrors)
			}
			blocks, err := tx.ListBlocksByPages(ctx, []string{"pg_src", "pg_host"})
			if err != nil {
				return err
			}
			if len(blocks) != 2 {
				t.Fatalf("expected 2 blocks, got %d", len(blocks))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}

		mustInTx(t, s, func(tx Tx) error {
			return tx.DeleteBlocks(ctx, []string{"blk_src"})
		})
		err = s.View(ctx, func(tx Tx) error {
			_, err := tx.GetBlock(ctx, "blk_src")
			return err
		})
		if !IsNotFound(err) {
			t.Fatalf("expected deleted block to be absent, got %v", err)
		}
	})

	t.Run("relation cells and refs", func(t *testing.T) {
		s := newStore(t)
		seedPage(t, s, "pg_tasks", nil)
		seedPage(t, s, "pg_projects", nil)
		now := time.Now().UTC()

		mustInTx(t, s, func(tx Tx) error {
			for _, db := range []Database{{ID: "db_tasks", PageID: "pg_tasks", CreatedAt: now}, {ID: "db_projects", PageID: "pg_projects", CreatedAt: now}} {
				if err := tx.InsertDatabase(ctx, db); err != nil {
					return err
				}
			}
			prop := Property{ID: "prop_project", DatabaseID: "db_tasks", Name: "Project", Type: PropertyRelation, CreatedAt: now,
				Relation: &RelationConfig{TargetDatabaseID: "db_projects", LimitType: LimitOne}}
			if err := tx.InsertProperty(ctx, prop); err != nil {
				return err
			}
			for _, row := range []Row{{ID: "row_t1", DatabaseID: "db_tasks"}, {ID: "row_p1", DatabaseID: "db_projects"}} {
				row.CreatedAt, row.UpdatedAt = now, now
				row.Values = map[string]any{"name": row.ID}
				if err := tx.InsertRow(ctx, row); err != nil {
					return err
				}
			}
			if err := tx.PutCell(ctx, RelationCell{RowID: "row_t1", PropertyID: "prop_project", LinkedRowIDs: []string{"row_p1"}}); err != nil {
				return err
			}
			return tx.AddRef(ctx, RelationRef{TargetRowID: "row_p1", PropertyID: "prop_project", SourceRowID: "row_t1"})
		})

		err := s.View(ctx, func(tx Tx) error {
			prop, err := tx.GetProperty(ctx, "prop_project")
			if err != nil {
				return err
			}
			if !prop.IsRelation() || prop.Relation.LimitType != LimitOne || prop.Relation.ReversePropertyID != nil {
				t.Fatalf("unexpected property: %+v", prop)
			}
			targeting, err := tx.ListPropertiesTargeting(ctx, []string{"db_projects"})
			if err != nil {
				return err
			}
			if len(targeting) != 1 {
				t.Fatalf("expected one targeting property, got %d", len(targeting))
			}
			cell, err := tx.GetCell(ctx, "row_t1", "prop_project")
			if err != nil {
				return err
			}
			if !cell.Contains("row_p1") {
				t.Fatalf("unexpected cell: %+v", cell)
			}
			empty, err := tx.GetCell(ctx, "row_p1", "prop_project")
			if err != nil {
				return err
			}
			if len(empty.LinkedRowIDs) != 0 {
				t.Fatalf("expected empty cell, got %+v", empty)
			}
			refs, err := tx.ListRefsTo(ctx, []string{"row_p1"})
			if err != nil {
				return err
			}
			if len(refs) != 1 || refs[0].SourceRowID != "row_t1" {
				t.Fatalf("unexpected refs: %+v", refs)
			}
			row, err := tx.GetRow(ctx, "row_t1")
			if err != nil {
				return err
			}
			if row.Values["name"] != "row_t1" {
				t.Fatalf("unexpected row values: %+v", row.Values)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}

		mustInTx(t, s, func(tx Tx) error {
			if err := tx.DeleteRefsInvolving(ctx, []string{"row_t1"}); err != nil {
				return err
			}
			return tx.PutCell(ctx, RelationCell{RowID: "row_t1", PropertyID: "prop_project"})
		})
		err = s.View(ctx, func(tx Tx) error {
			refs, err := tx.ListRefs(ctx)
			if err != nil {
				return err
			}
			cells, err := tx.ListCells(ctx)
			if err != nil {
				return err
			}
			if len(refs) != 0 || len(cells) != 0 {
				t.Fatalf("expected empty index and cells, got %+v %+v", refs, cells)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPostgresStore(openTestDatabase(t))
	})
}

func TestMemoryStoreViewRejectsWrites(t *testing.T) {
	s := NewMemoryStore()
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.InsertPage(context.Background(), Page{ID: "pg_x", OwnerID: "usr_1"})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestPostgresStoreViewRejectsWrites(t *testing.T) {
	s := NewPostgresStore(openTestDatabase(t))
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.InsertPage(context.Background(), Page{ID: "pg_x", OwnerID: "usr_1", Version: 1})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestPostgresStoreViewReadsOneSnapshot(t *testing.T) {
	s := NewPostgresStore(openTestDatabase(t))
	ctx := context.Background()
	seedPage(t, s, "pg_a", nil)

	err := s.View(ctx, func(tx Tx) error {
		before, err := tx.GetPage(ctx, "pg_a")
		if err != nil {
			return err
		}

		mustInTx(t, s, func(w Tx) error {
			page, err := w.GetPage(ctx, "pg_a")
			if err != nil {
				return err
			}
			page.Title = "renamed"
			_, err = w.UpdatePage(ctx, page)
			return err
		})

		after, err := tx.GetPage(ctx, "pg_a")
		if err != nil {
			return err
		}
		if after.Title != before.Title || after.Version != before.Version {
			t.Errorf("view saw a concurrent commit: before %+v, after %+v", before, after)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMemoryStoreRefsAreKeyedByTarget(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustInTx(t, s, func(tx Tx) error {
		for _, ref := range []RelationRef{
			{TargetRowID: "row_a", PropertyID: "prop_1", SourceRowID: "row_x"},
			{TargetRowID: "row_a", PropertyID: "prop_1", SourceRowID: "row_y"},
			{TargetRowID: "row_b", PropertyID: "prop_1", SourceRowID: "row_x"},
		} {
			if err := tx.AddRef(ctx, ref); err != nil {
				return err
			}
		}
		return nil
	})

	if got := len(s.state.refsTo["row_a"]); got != 2 {
		t.Fatalf("expected 2 refs under row_a, got %d", got)
	}
	if got := len(s.state.refsFrom["row_x"]); got != 2 {
		t.Fatalf("expected 2 refs from row_x, got %d", got)
	}

	mustInTx(t, s, func(tx Tx) error {
		if err := tx.RemoveRef(ctx, RelationRef{TargetRowID: "row_b", PropertyID: "prop_1", SourceRowID: "row_x"}); err != nil {
			return err
		}
		return tx.DeleteRefsInvolving(ctx, []string{"row_y"})
	})

	if _, ok := s.state.refsTo["row_b"]; ok {
		t.Fatalf("expected empty target bucket to be dropped")
	}
	err := s.View(ctx, func(tx Tx) error {
		refs, err := tx.ListRefsTo(ctx, []string{"row_a", "row_b", "row_a"})
		if err != nil {
			return err
		}
		if len(refs) != 1 || refs[0].SourceRowID != "row_x" {
			t.Fatalf("unexpected refs: %+v", refs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMemoryStoreDeletePagesDetachesChildren(t *testing.T) {
	s := NewMemoryStore()
	seedPage(t, s, "pg_parent", nil)
	seedPage(t, s, "pg_child", strPtr("pg_parent"))

	mustInTx(t, s, func(tx Tx) error {
		return tx.DeletePages(context.Background(), []string{"pg_parent"})
	})
	err := s.View(context.Background(), func(tx Tx) error {
		child, err := tx.GetPage(context.Background(), "pg_child")
		if err != nil {
			return err
		}
		if child.ParentID != nil {
			t.Fatalf("expected parent cleared, got %v", *child.ParentID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
