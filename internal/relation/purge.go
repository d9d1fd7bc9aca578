package relation

import (
	"context"

	"github.com/erdodo/notion-sub004/internal/store"
)

// PurgeRowsTx is the row-deletion hook. It removes every reference to rowIDs
// held by surviving rows, found through the back-reference index, then drops
// the purged rows' own cells and index entries. The rows themselves are left
// for the caller to delete in the same unit.
func PurgeRowsTx(ctx context.Context, tx store.Tx, rowIDs []string) (*Changes, error) {
	changes := newChanges()
	if len(rowIDs) == 0 {
		return changes, nil
	}
	purged := make(map[string]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		purged[id] = struct{}{}
	}

	refs, err := tx.ListRefsTo(ctx, rowIDs)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if _, gone := purged[ref.SourceRowID]; gone {
			continue
		}
		if err := removeLink(ctx, tx, ref.SourceRowID, ref.PropertyID, ref.TargetRowID, changes); err != nil {
			return nil, err
		}
	}

	if err := tx.DeleteRefsInvolving(ctx, rowIDs); err != nil {
		return nil, err
	}
	if err := tx.DeleteCellsByRows(ctx, rowIDs); err != nil {
		return nil, err
	}
	if err := changes.resolveChannels(ctx, tx); err != nil {
		return nil, err
	}
	return changes, nil
}

// DetachDatabasesTx demotes relation properties outside databaseIDs that
// target or mirror a database being purged. Their cell data is kept.
func DetachDatabasesTx(ctx context.Context, tx store.Tx, databaseIDs []string) ([]store.Property, error) {
	purged := make(map[string]struct{}, len(databaseIDs))
	for _, id := range databaseIDs {
		purged[id] = struct{}{}
	}
	props, err := tx.ListPropertiesTargeting(ctx, databaseIDs)
	if err != nil {
		return nil, err
	}
	demoted := make([]store.Property, 0, len(props))
	for _, prop := range props {
		if _, gone := purged[prop.DatabaseID]; gone {
			continue
		}
		if !prop.Relation.Bidirectional && prop.Relation.ReversePropertyID == nil {
			continue
		}
		prop.Relation.Bidirectional = false
		prop.Relation.ReversePropertyID = nil
		if err := tx.UpdateProperty(ctx, prop); err != nil {
			return nil, err
		}
		demoted = append(demoted, prop)
	}
	return demoted, nil
}

// DeleteRow removes one row and every reference to it.
func (e *Engine) DeleteRow(ctx context.Context, rowID string) error {
	var changes *Changes
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRow(ctx, rowID); err != nil {
			return err
		}
		var err error
		if changes, err = PurgeRowsTx(ctx, tx, []string{rowID}); err != nil {
			return err
		}
		return tx.DeleteRows(ctx, []string{rowID})
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("row_id", rowID).Int("cells_updated", changes.Len()).Msg("row deleted")
	e.PublishChanges(ctx, changes)
	return nil
}
