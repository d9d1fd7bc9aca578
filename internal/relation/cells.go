package relation

import (
	"context"

	"github.com/erdodo/notion-sub004/internal/store"
)

// Changes collects the relation cells rewritten by one mutation unit, with the
// page channel of each row's database, so events go out after commit.
type Changes struct {
	cells    map[cellID]store.RelationCell
	order    []cellID
	channels map[string]string
}

type cellID struct {
	row      string
	property string
}

func newChanges() *Changes {
	return &Changes{cells: map[cellID]store.RelationCell{}, channels: map[string]string{}}
}

func (c *Changes) record(cell store.RelationCell) {
	key := cellID{row: cell.RowID, property: cell.PropertyID}
	if _, seen := c.cells[key]; !seen {
		c.order = append(c.order, key)
	}
	cell.LinkedRowIDs = append([]string{}, cell.LinkedRowIDs...)
	c.cells[key] = cell
}

// Cells returns the final state of every touched cell, in first-touch order.
func (c *Changes) Cells() []store.RelationCell {
	if c == nil {
		return nil
	}
	out := make([]store.RelationCell, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.cells[key])
	}
	return out
}

func (c *Changes) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// resolveChannels maps each touched row to its database's page. Rows gone
// within the same unit are skipped.
func (c *Changes) resolveChannels(ctx context.Context, tx store.Tx) error {
	databases := map[string]string{}
	for _, key := range c.order {
		if _, done := c.channels[key.row]; done {
			continue
		}
		row, err := tx.GetRow(ctx, key.row)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		pageID, ok := databases[row.DatabaseID]
		if !ok {
			db, err := tx.GetDatabase(ctx, row.DatabaseID)
			if err != nil {
				return err
			}
			pageID = db.PageID
			databases[row.DatabaseID] = pageID
		}
		c.channels[key.row] = pageID
	}
	return nil
}

// addLink appends targetID to the cell and records the back-reference in the
// same unit. Already-present links are left alone.
func addLink(ctx context.Context, tx store.Tx, rowID, propertyID, targetID string, changes *Changes) error {
	cell, err := tx.GetCell(ctx, rowID, propertyID)
	if err != nil {
		return err
	}
	if cell.Contains(targetID) {
		return nil
	}
	cell.LinkedRowIDs = append(cell.LinkedRowIDs, targetID)
	if err := tx.PutCell(ctx, cell); err != nil {
		return err
	}
	if err := tx.AddRef(ctx, store.RelationRef{TargetRowID: targetID, PropertyID: propertyID, SourceRowID: rowID}); err != nil {
		return err
	}
	changes.record(cell)
	return nil
}

// removeLink drops targetID from the cell together with its back-reference.
func removeLink(ctx context.Context, tx store.Tx, rowID, propertyID, targetID string, changes *Changes) error {
	cell, err := tx.GetCell(ctx, rowID, propertyID)
	if err != nil {
		return err
	}
	if !cell.Contains(targetID) {
		return tx.RemoveRef(ctx, store.RelationRef{TargetRowID: targetID, PropertyID: propertyID, SourceRowID: rowID})
	}
	cell.LinkedRowIDs = without(cell.LinkedRowIDs, targetID)
	if err := tx.PutCell(ctx, cell); err != nil {
		return err
	}
	if err := tx.RemoveRef(ctx, store.RelationRef{TargetRowID: targetID, PropertyID: propertyID, SourceRowID: rowID}); err != nil {
		return err
	}
	changes.record(cell)
	return nil
}

// pruneCell removes ids of rows that no longer exist and returns the cleaned cell.
func pruneCell(ctx context.Context, tx store.Tx, rowID, propertyID string, changes *Changes) (store.RelationCell, error) {
	cell, err := tx.GetCell(ctx, rowID, propertyID)
	if err != nil {
		return store.RelationCell{}, err
	}
	if len(cell.LinkedRowIDs) == 0 {
		return cell, nil
	}
	rows, err := tx.GetRows(ctx, cell.LinkedRowIDs)
	if err != nil {
		return store.RelationCell{}, err
	}
	if len(rows) == len(cell.LinkedRowIDs) {
		return cell, nil
	}
	alive := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		alive[row.ID] = struct{}{}
	}
	for _, id := range cell.LinkedRowIDs {
		if _, ok := alive[id]; ok {
			continue
		}
		if err := removeLink(ctx, tx, rowID, propertyID, id, changes); err != nil {
			return store.RelationCell{}, err
		}
	}
	return tx.GetCell(ctx, rowID, propertyID)
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
