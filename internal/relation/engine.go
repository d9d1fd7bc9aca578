// Package relation keeps row-to-row links between databases consistent. Every
// cell write is paired with the matching back-reference index write inside
// the same store unit, so deleting a row never needs a scan.
package relation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrCardinalityViolation = errors.New("cardinality violation")
	// ErrRelationMismatch is returned when the caller's view of a relation, or a
	// schema edit, disagrees with the stored relation schema.
	ErrRelationMismatch = errors.New("relation mismatch")
	ErrNotRelation      = errors.New("property is not a relation")
)

type Engine struct {
	store     store.Store
	publisher notify.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func New(s store.Store, publisher notify.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Engine{
		store:     s,
		publisher: publisher,
		logger:    logger.With().Str("component", "relation").Logger(),
		now:       time.Now,
	}
}

// LinkInput adds TargetRowIDs to the source row's cell. With Replace the cell
// ends up holding exactly TargetRowIDs.
type LinkInput struct {
	PropertyID        string
	SourceRowID       string
	TargetRowIDs      []string
	Bidirectional     bool
	ReversePropertyID *string
	Replace           bool
}

type UnlinkInput struct {
	PropertyID        string
	SourceRowID       string
	TargetRowID       string
	Bidirectional     bool
	ReversePropertyID *string
}

func (e *Engine) LinkRows(ctx context.Context, in LinkInput) (store.RelationCell, error) {
	var cell store.RelationCell
	changes := newChanges()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		cell, err = linkTx(ctx, tx, in, changes)
		if err != nil {
			return err
		}
		return changes.resolveChannels(ctx, tx)
	})
	if err != nil {
		return store.RelationCell{}, err
	}
	e.PublishChanges(ctx, changes)
	return cell, nil
}

func (e *Engine) UnlinkRow(ctx context.Context, in UnlinkInput) error {
	changes := newChanges()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := unlinkTx(ctx, tx, in, changes); err != nil {
			return err
		}
		return changes.resolveChannels(ctx, tx)
	})
	if err != nil {
		return err
	}
	e.PublishChanges(ctx, changes)
	return nil
}

// GetLinkedRows returns the rows of targetDatabaseID named by linkedRowIDs, in
// input order. Ids of rows that are gone or live elsewhere are skipped.
func (e *Engine) GetLinkedRows(ctx context.Context, targetDatabaseID string, linkedRowIDs []string) ([]store.Row, error) {
	ids := dedupe(linkedRowIDs)
	out := make([]store.Row, 0, len(ids))
	err := e.store.View(ctx, func(tx store.Tx) error {
		rows, err := tx.GetRows(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[string]store.Row, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}
		for _, id := range ids {
			if row, ok := byID[id]; ok && row.DatabaseID == targetDatabaseID {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

// PublishChanges emits relation.updated for every touched cell whose row still
// exists.
func (e *Engine) PublishChanges(ctx context.Context, changes *Changes) {
	for _, cell := range changes.Cells() {
		pageID, ok := changes.channels[cell.RowID]
		if !ok {
			continue
		}
		e.publisher.Publish(ctx, notify.PageChannel(pageID), notify.EventRelationUpdated, notify.RelationUpdated{
			RowID:        cell.RowID,
			PropertyID:   cell.PropertyID,
			LinkedRowIDs: cell.LinkedRowIDs,
		})
	}
}

func loadRelation(ctx context.Context, tx store.Tx, propertyID string) (store.Property, error) {
	prop, err := tx.GetProperty(ctx, propertyID)
	if err != nil {
		return store.Property{}, err
	}
	if !prop.IsRelation() {
		return store.Property{}, fmt.Errorf("%w: %s", ErrNotRelation, propertyID)
	}
	return prop, nil
}

// checkMode compares the caller's bidirectional flag and reverse property with
// the stored schema.
func checkMode(prop store.Property, bidirectional bool, reversePropertyID *string) error {
	cfg := prop.Relation
	if bidirectional != cfg.Bidirectional {
		return fmt.Errorf("%w: property %s bidirectional=%t", ErrRelationMismatch, prop.ID, cfg.Bidirectional)
	}
	if !bidirectional {
		if reversePropertyID != nil && *reversePropertyID != "" {
			return fmt.Errorf("%w: property %s has no reverse property", ErrRelationMismatch, prop.ID)
		}
		return nil
	}
	if reversePropertyID == nil || cfg.ReversePropertyID == nil || *reversePropertyID != *cfg.ReversePropertyID {
		return fmt.Errorf("%w: reverse property of %s does not match", ErrRelationMismatch, prop.ID)
	}
	return nil
}

// loadReverse returns the reverse property of a bidirectional relation after
// checking that it points back.
func loadReverse(ctx context.Context, tx store.Tx, prop store.Property) (store.Property, error) {
	reverse, err := loadRelation(ctx, tx, *prop.Relation.ReversePropertyID)
	if err != nil {
		return store.Property{}, err
	}
	cfg := reverse.Relation
	if reverse.DatabaseID != prop.Relation.TargetDatabaseID ||
		cfg.TargetDatabaseID != prop.DatabaseID ||
		!cfg.Bidirectional ||
		cfg.ReversePropertyID == nil || *cfg.ReversePropertyID != prop.ID {
		return store.Property{}, fmt.Errorf("%w: %s and %s are not a bidirectional pair", ErrRelationMismatch, prop.ID, reverse.ID)
	}
	return reverse, nil
}

func requireRowIn(ctx context.Context, tx store.Tx, rowID, databaseID string) error {
	row, err := tx.GetRow(ctx, rowID)
	if err != nil {
		return err
	}
	if row.DatabaseID != databaseID {
		return fmt.Errorf("row %s in database %s: %w", rowID, databaseID, store.ErrNotFound)
	}
	return nil
}

func linkTx(ctx context.Context, tx store.Tx, in LinkInput, changes *Changes) (store.RelationCell, error) {
	prop, err := loadRelation(ctx, tx, in.PropertyID)
	if err != nil {
		return store.RelationCell{}, err
	}
	if err := checkMode(prop, in.Bidirectional, in.ReversePropertyID); err != nil {
		return store.RelationCell{}, err
	}
	var reverse store.Property
	if prop.Relation.Bidirectional {
		if reverse, err = loadReverse(ctx, tx, prop); err != nil {
			return store.RelationCell{}, err
		}
	}

	if err := requireRowIn(ctx, tx, in.SourceRowID, prop.DatabaseID); err != nil {
		return store.RelationCell{}, err
	}
	targets := dedupe(in.TargetRowIDs)
	for _, id := range targets {
		if err := requireRowIn(ctx, tx, id, prop.Relation.TargetDatabaseID); err != nil {
			return store.RelationCell{}, err
		}
	}

	current, err := pruneCell(ctx, tx, in.SourceRowID, prop.ID, changes)
	if err != nil {
		return store.RelationCell{}, err
	}

	wanted := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		wanted[id] = struct{}{}
	}
	var removed []string
	final := len(targets)
	for _, id := range current.LinkedRowIDs {
		if _, ok := wanted[id]; ok {
			continue
		}
		if in.Replace {
			removed = append(removed, id)
		} else {
			final++
		}
	}
	if prop.Relation.LimitType == store.LimitOne && final > 1 {
		return store.RelationCell{}, fmt.Errorf("%w: property %s holds at most one row", ErrCardinalityViolation, prop.ID)
	}

	for _, id := range removed {
		if err := removeLink(ctx, tx, in.SourceRowID, prop.ID, id, changes); err != nil {
			return store.RelationCell{}, err
		}
		if prop.Relation.Bidirectional {
			if err := removeLink(ctx, tx, id, reverse.ID, in.SourceRowID, changes); err != nil {
				return store.RelationCell{}, err
			}
		}
	}

	for _, id := range targets {
		if prop.Relation.Bidirectional {
			mirror, err := pruneCell(ctx, tx, id, reverse.ID, changes)
			if err != nil {
				return store.RelationCell{}, err
			}
			if reverse.Relation.LimitType == store.LimitOne && len(mirror.LinkedRowIDs) > 0 && !mirror.Contains(in.SourceRowID) {
				return store.RelationCell{}, fmt.Errorf("%w: row %s already has a %s link", ErrCardinalityViolation, id, reverse.ID)
			}
			if err := addLink(ctx, tx, id, reverse.ID, in.SourceRowID, changes); err != nil {
				return store.RelationCell{}, err
			}
		}
		if err := addLink(ctx, tx, in.SourceRowID, prop.ID, id, changes); err != nil {
			return store.RelationCell{}, err
		}
	}

	return tx.GetCell(ctx, in.SourceRowID, prop.ID)
}

func unlinkTx(ctx context.Context, tx store.Tx, in UnlinkInput, changes *Changes) error {
	prop, err := loadRelation(ctx, tx, in.PropertyID)
	if err != nil {
		return err
	}
	if err := checkMode(prop, in.Bidirectional, in.ReversePropertyID); err != nil {
		return err
	}
	if err := removeLink(ctx, tx, in.SourceRowID, prop.ID, in.TargetRowID, changes); err != nil {
		return err
	}
	if prop.Relation.Bidirectional {
		return removeLink(ctx, tx, in.TargetRowID, *prop.Relation.ReversePropertyID, in.SourceRowID, changes)
	}
	return nil
}
