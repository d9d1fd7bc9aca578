// Package archive moves page subtrees through Active, Archived and Purged.
// Archive cascades down the tree; restore applies to one page at a time.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/pagetree"
	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/synced"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotArchived is returned when a purge targets an active page.
	ErrNotArchived = errors.New("page is not archived")
	// ErrParentArchived is returned when a page would be placed under an
	// archived parent.
	ErrParentArchived = errors.New("parent page is archived")
)

// Indexer keeps the search index in line with archive state.
type Indexer interface {
	IndexPages(ctx context.Context, pages []store.Page, blocks []store.Block)
	RemovePages(ctx context.Context, pageIDs, blockIDs []string)
}

// Assets removes the stored objects that belong to a page.
type Assets interface {
	DeletePage(ctx context.Context, pageID string) error
}

type Options struct {
	Index  Indexer
	Assets Assets
	// PurgeWorkers bounds concurrent asset cleanup after a purge.
	PurgeWorkers int
}

type Controller struct {
	store     store.Store
	synced    *synced.Propagator
	relations *relation.Engine
	publisher notify.Publisher
	index     Indexer
	assets    Assets
	workers   int
	logger    zerolog.Logger
	now       func() time.Time
}

func New(s store.Store, propagator *synced.Propagator, relations *relation.Engine, publisher notify.Publisher, logger zerolog.Logger, opts Options) *Controller {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if opts.PurgeWorkers <= 0 {
		opts.PurgeWorkers = 4
	}
	return &Controller{
		store:     s,
		synced:    propagator,
		relations: relations,
		publisher: publisher,
		index:     opts.Index,
		assets:    opts.Assets,
		workers:   opts.PurgeWorkers,
		logger:    logger.With().Str("component", "archive").Logger(),
		now:       time.Now,
	}
}

// Archive marks pageID and every descendant archived. Pages already archived
// keep their original archivedAt. Archiving an archived page is a no-op.
func (c *Controller) Archive(ctx context.Context, pageID string) ([]store.Page, error) {
	var archived []store.Page
	var blockIDs []string
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		archived, blockIDs = nil, nil
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		if page.IsArchived {
			return nil
		}
		descendants, err := pagetree.DescendantsTx(ctx, tx, pageID)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		ids := make([]string, 0, len(descendants)+1)
		for _, p := range append([]store.Page{page}, descendants...) {
			ids = append(ids, p.ID)
			if p.IsArchived {
				continue
			}
			p.IsArchived = true
			p.ArchivedAt = &now
			updated, err := tx.UpdatePage(ctx, p)
			if err != nil {
				return err
			}
			archived = append(archived, updated)
		}
		blocks, err := tx.ListBlocksByPages(ctx, ids)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			blockIDs = append(blockIDs, b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, c.logCorrupt(err, pageID)
	}
	if len(archived) == 0 {
		return archived, nil
	}

	pageIDs := make([]string, 0, len(archived))
	for _, p := range archived {
		pageIDs = append(pageIDs, p.ID)
		c.publisher.Publish(ctx, notify.PageChannel(p.ID), notify.EventPageArchived, notify.PageEvent{PageID: p.ID, ParentID: p.ParentID})
	}
	if c.index != nil {
		c.index.RemovePages(ctx, pageIDs, blockIDs)
	}
	c.logger.Info().Str("page_id", pageID).Int("pages", len(archived)).Msg("subtree archived")
	return archived, nil
}

// Restore un-archives pageID alone. When its parent is still archived the page
// comes back top-level. Restoring an active page is a no-op.
func (c *Controller) Restore(ctx context.Context, pageID string) (store.Page, error) {
	var restored store.Page
	var blocks []store.Block
	changed := false
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		changed = false
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		if !page.IsArchived {
			restored = page
			return nil
		}
		if page.ParentID != nil {
			parent, err := tx.GetPage(ctx, *page.ParentID)
			switch {
			case store.IsNotFound(err):
				page.ParentID = nil
			case err != nil:
				return err
			case parent.IsArchived:
				page.ParentID = nil
			}
		}
		page.IsArchived = false
		page.ArchivedAt = nil
		if restored, err = tx.UpdatePage(ctx, page); err != nil {
			return err
		}
		if blocks, err = tx.ListBlocksByPages(ctx, []string{page.ID}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return store.Page{}, err
	}
	if !changed {
		return restored, nil
	}

	c.publisher.Publish(ctx, notify.PageChannel(restored.ID), notify.EventPageRestored, notify.PageEvent{PageID: restored.ID, ParentID: restored.ParentID})
	if c.index != nil {
		c.index.IndexPages(ctx, []store.Page{restored}, blocks)
	}
	c.logger.Info().Str("page_id", restored.ID).Bool("top_level", restored.ParentID == nil).Msg("page restored")
	return restored, nil
}

// ListArchived returns ownerID's archived pages, newest-archived first.
func (c *Controller) ListArchived(ctx context.Context, ownerID string) ([]store.Page, error) {
	var pages []store.Page
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		pages, err = tx.ListArchivedPages(ctx, ownerID)
		return err
	})
	return pages, err
}

// RequireActiveParentTx fails with ErrParentArchived when parentID names an
// archived page.
func RequireActiveParentTx(ctx context.Context, tx store.Tx, parentID *string) error {
	if parentID == nil {
		return nil
	}
	parent, err := tx.GetPage(ctx, *parentID)
	if err != nil {
		return err
	}
	if parent.IsArchived {
		return fmt.Errorf("%w: %s", ErrParentArchived, parent.ID)
	}
	return nil
}

func (c *Controller) logCorrupt(err error, pageID string) error {
	if errors.Is(err, pagetree.ErrCorruptHierarchy) {
		c.logger.Error().Err(err).Str("page_id", pageID).Msg("page hierarchy is corrupt")
	}
	return err
}

// PurgeReport summarizes what one purge removed.
type PurgeReport struct {
	PageIDs           []string `json:"pageIds"`
	BlocksDeleted     int      `json:"blocksDeleted"`
	RowsDeleted       int      `json:"rowsDeleted"`
	DatabasesDeleted  int      `json:"databasesDeleted"`
	Placeholders      int      `json:"placeholders"`
	CellsUpdated      int      `json:"cellsUpdated"`
	DemotedProperties []string `json:"demotedProperties"`
}

// Delete permanently removes an archived page, its descendants and everything
// they own. Relations held by surviving rows are cleaned through the
// back-reference index and mirrors elsewhere become placeholders.
func (c *Controller) Delete(ctx context.Context, pageID string) (PurgeReport, error) {
	var report PurgeReport
	var blockIDs []string
	var placeholders []store.Block
	var changes *relation.Changes
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		report = PurgeReport{}
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		if !page.IsArchived {
			return fmt.Errorf("%w: %s", ErrNotArchived, page.ID)
		}
		descendants, err := pagetree.DescendantsTx(ctx, tx, pageID)
		if err != nil {
			return err
		}
		pageIDs := []string{page.ID}
		purged := map[string]struct{}{page.ID: {}}
		for _, d := range descendants {
			pageIDs = append(pageIDs, d.ID)
			purged[d.ID] = struct{}{}
		}

		blocks, err := tx.ListBlocksByPages(ctx, pageIDs)
		if err != nil {
			return err
		}
		blockIDs = make([]string, 0, len(blocks))
		for _, b := range blocks {
			blockIDs = append(blockIDs, b.ID)
		}
		if placeholders, err = synced.DetachMirrorsTx(ctx, tx, blockIDs, purged, c.synced.MaxHops()); err != nil {
			return err
		}

		databases, err := tx.ListDatabasesByPages(ctx, pageIDs)
		if err != nil {
			return err
		}
		databaseIDs := make([]string, 0, len(databases))
		for _, db := range databases {
			databaseIDs = append(databaseIDs, db.ID)
		}
		rowIDs, err := tx.ListRowIDsByDatabases(ctx, databaseIDs)
		if err != nil {
			return err
		}
		if changes, err = relation.PurgeRowsTx(ctx, tx, rowIDs); err != nil {
			return err
		}
		demoted, err := relation.DetachDatabasesTx(ctx, tx, databaseIDs)
		if err != nil {
			return err
		}

		if err := tx.DeleteBlocks(ctx, blockIDs); err != nil {
			return err
		}
		if err := tx.DeleteRows(ctx, rowIDs); err != nil {
			return err
		}
		if err := tx.DeletePropertiesByDatabases(ctx, databaseIDs); err != nil {
			return err
		}
		if err := tx.DeleteDatabases(ctx, databaseIDs); err != nil {
			return err
		}
		if err := tx.DeletePages(ctx, pageIDs); err != nil {
			return err
		}

		report.PageIDs = pageIDs
		report.BlocksDeleted = len(blockIDs)
		report.RowsDeleted = len(rowIDs)
		report.DatabasesDeleted = len(databaseIDs)
		report.Placeholders = len(placeholders)
		report.CellsUpdated = changes.Len()
		for _, prop := range demoted {
			report.DemotedProperties = append(report.DemotedProperties, prop.ID)
		}
		return nil
	})
	if err != nil {
		return PurgeReport{}, c.logCorrupt(err, pageID)
	}

	for _, id := range report.PageIDs {
		c.publisher.Publish(ctx, notify.PageChannel(id), notify.EventPageDeleted, notify.PageEvent{PageID: id})
	}
	c.synced.PublishPlaceholders(ctx, placeholders)
	c.relations.PublishChanges(ctx, changes)
	if c.index != nil {
		c.index.RemovePages(ctx, report.PageIDs, blockIDs)
	}
	c.cleanupAssets(ctx, report.PageIDs)

	c.logger.Info().
		Str("page_id", pageID).
		Int("pages", len(report.PageIDs)).
		Int("rows", report.RowsDeleted).
		Int("cells_updated", report.CellsUpdated).
		Msg("subtree purged")
	return report, nil
}

// cleanupAssets runs after commit. Failures leave orphaned objects behind and
// are only logged.
func (c *Controller) cleanupAssets(ctx context.Context, pageIDs []string) {
	if c.assets == nil || len(pageIDs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, id := range pageIDs {
		id := id
		g.Go(func() error {
			if err := c.assets.DeletePage(gctx, id); err != nil {
				return fmt.Errorf("delete assets of %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Msg("asset cleanup incomplete")
	}
}
