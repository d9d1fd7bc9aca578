package relation

import (
	"context"
	"fmt"
	"strings"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/util"
)

type CreateInput struct {
	DatabaseID       string
	Name             string
	TargetDatabaseID string
	LimitType        store.LimitType
	Bidirectional    bool
	// ReverseName and ReverseLimitType describe the property created on the
	// target database when Bidirectional is set.
	ReverseName      string
	ReverseLimitType store.LimitType
}

// SchemaUpdate changes the mirroring of an existing relation. LimitType is
// left unchanged when nil.
type SchemaUpdate struct {
	Bidirectional     bool
	ReversePropertyID *string
	LimitType         *store.LimitType
}

func normalizeLimit(limit store.LimitType) (store.LimitType, error) {
	switch limit {
	case "":
		return store.LimitNone, nil
	case store.LimitNone, store.LimitOne:
		return limit, nil
	default:
		return "", fmt.Errorf("%w: unknown limit type %q", ErrRelationMismatch, limit)
	}
}

// CreateProperty adds a relation property, and its reverse when bidirectional.
func (e *Engine) CreateProperty(ctx context.Context, in CreateInput) (store.Property, *store.Property, error) {
	forwardLimit, err := normalizeLimit(in.LimitType)
	if err != nil {
		return store.Property{}, nil, err
	}
	reverseLimit, err := normalizeLimit(in.ReverseLimitType)
	if err != nil {
		return store.Property{}, nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Property{}, nil, fmt.Errorf("%w: property name is required", ErrRelationMismatch)
	}

	now := e.now().UTC()
	forward := store.Property{
		ID:         util.NewID("prop"),
		DatabaseID: in.DatabaseID,
		Name:       name,
		Type:       store.PropertyRelation,
		Relation:   &store.RelationConfig{TargetDatabaseID: in.TargetDatabaseID, LimitType: forwardLimit},
		CreatedAt:  now,
	}
	var reverse *store.Property
	if in.Bidirectional {
		reverseName := strings.TrimSpace(in.ReverseName)
		if reverseName == "" {
			reverseName = "Related to " + name
		}
		r := store.Property{
			ID:         util.NewID("prop"),
			DatabaseID: in.TargetDatabaseID,
			Name:       reverseName,
			Type:       store.PropertyRelation,
			Relation: &store.RelationConfig{
				TargetDatabaseID:  in.DatabaseID,
				Bidirectional:     true,
				ReversePropertyID: &forward.ID,
				LimitType:         reverseLimit,
			},
			CreatedAt: now,
		}
		forward.Relation.Bidirectional = true
		forward.Relation.ReversePropertyID = &r.ID
		reverse = &r
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetDatabase(ctx, in.DatabaseID); err != nil {
			return err
		}
		if _, err := tx.GetDatabase(ctx, in.TargetDatabaseID); err != nil {
			return err
		}
		if err := tx.InsertProperty(ctx, forward); err != nil {
			return err
		}
		if reverse != nil {
			return tx.InsertProperty(ctx, *reverse)
		}
		return nil
	})
	if err != nil {
		return store.Property{}, nil, err
	}
	return forward, reverse, nil
}

// UpdateSchema toggles mirroring or swaps the reverse property. Properties
// that lose their partner keep their cells as one-way data. Turning mirroring
// on merges both sides so every link is present in both directions.
func (e *Engine) UpdateSchema(ctx context.Context, propertyID string, in SchemaUpdate) (store.Property, error) {
	var updated store.Property
	changes := newChanges()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if updated, err = updateSchemaTx(ctx, tx, propertyID, in, changes); err != nil {
			return err
		}
		return changes.resolveChannels(ctx, tx)
	})
	if err != nil {
		return store.Property{}, err
	}
	e.logger.Info().Str("property_id", propertyID).Bool("bidirectional", updated.Relation.Bidirectional).Msg("relation schema updated")
	e.PublishChanges(ctx, changes)
	return updated, nil
}

func updateSchemaTx(ctx context.Context, tx store.Tx, propertyID string, in SchemaUpdate, changes *Changes) (store.Property, error) {
	prop, err := loadRelation(ctx, tx, propertyID)
	if err != nil {
		return store.Property{}, err
	}

	if in.LimitType != nil {
		limit, err := normalizeLimit(*in.LimitType)
		if err != nil {
			return store.Property{}, err
		}
		if limit == store.LimitOne {
			if err := requireSingleLinks(ctx, tx, prop); err != nil {
				return store.Property{}, err
			}
		}
		prop.Relation.LimitType = limit
	}

	oldReverse := prop.Relation.ReversePropertyID
	var newReverse *store.Property
	if in.Bidirectional {
		if in.ReversePropertyID == nil || *in.ReversePropertyID == "" {
			return store.Property{}, fmt.Errorf("%w: a reverse property is required", ErrRelationMismatch)
		}
		candidate, err := loadRelation(ctx, tx, *in.ReversePropertyID)
		if err != nil {
			return store.Property{}, err
		}
		if candidate.DatabaseID != prop.Relation.TargetDatabaseID || candidate.Relation.TargetDatabaseID != prop.DatabaseID {
			return store.Property{}, fmt.Errorf("%w: %s does not point back at %s", ErrRelationMismatch, candidate.ID, prop.DatabaseID)
		}
		newReverse = &candidate
	}

	if oldReverse != nil && (newReverse == nil || *oldReverse != newReverse.ID) {
		if err := demote(ctx, tx, *oldReverse, prop.ID); err != nil {
			return store.Property{}, err
		}
	}

	if newReverse == nil {
		prop.Relation.Bidirectional = false
		prop.Relation.ReversePropertyID = nil
		if err := tx.UpdateProperty(ctx, prop); err != nil {
			return store.Property{}, err
		}
		return prop, nil
	}

	if newReverse.ID != prop.ID {
		if previous := newReverse.Relation.ReversePropertyID; previous != nil && *previous != prop.ID {
			if err := demote(ctx, tx, *previous, newReverse.ID); err != nil {
				return store.Property{}, err
			}
		}
		newReverse.Relation.Bidirectional = true
		newReverse.Relation.ReversePropertyID = &prop.ID
		if err := tx.UpdateProperty(ctx, *newReverse); err != nil {
			return store.Property{}, err
		}
	}
	prop.Relation.Bidirectional = true
	prop.Relation.ReversePropertyID = &newReverse.ID
	if err := tx.UpdateProperty(ctx, prop); err != nil {
		return store.Property{}, err
	}

	if err := reconcilePair(ctx, tx, prop, *newReverse, changes); err != nil {
		return store.Property{}, err
	}
	return prop, nil
}

// demote turns propertyID into a one-way relation if it still mirrors partnerID.
func demote(ctx context.Context, tx store.Tx, propertyID, partnerID string) error {
	prop, err := tx.GetProperty(ctx, propertyID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !prop.IsRelation() || prop.Relation.ReversePropertyID == nil || *prop.Relation.ReversePropertyID != partnerID {
		return nil
	}
	prop.Relation.Bidirectional = false
	prop.Relation.ReversePropertyID = nil
	return tx.UpdateProperty(ctx, prop)
}

func propertyCells(ctx context.Context, tx store.Tx, prop store.Property) ([]store.RelationCell, error) {
	rowIDs, err := tx.ListRowIDsByDatabases(ctx, []string{prop.DatabaseID})
	if err != nil {
		return nil, err
	}
	cells, err := tx.ListCellsByRows(ctx, rowIDs)
	if err != nil {
		return nil, err
	}
	out := make([]store.RelationCell, 0, len(cells))
	for _, cell := range cells {
		if cell.PropertyID == prop.ID {
			out = append(out, cell)
		}
	}
	return out, nil
}

func requireSingleLinks(ctx context.Context, tx store.Tx, prop store.Property) error {
	cells, err := propertyCells(ctx, tx, prop)
	if err != nil {
		return err
	}
	for _, cell := range cells {
		if len(cell.LinkedRowIDs) > 1 {
			return fmt.Errorf("%w: row %s links %d rows through %s", ErrCardinalityViolation, cell.RowID, len(cell.LinkedRowIDs), prop.ID)
		}
	}
	return nil
}

// reconcilePair adds the missing mirror entry for every link on either side
// of a bidirectional pair.
func reconcilePair(ctx context.Context, tx store.Tx, forward, reverse store.Property, changes *Changes) error {
	for _, side := range []struct{ from, to store.Property }{{forward, reverse}, {reverse, forward}} {
		cells, err := propertyCells(ctx, tx, side.from)
		if err != nil {
			return err
		}
		for _, cell := range cells {
			for _, target := range cell.LinkedRowIDs {
				mirror, err := pruneCell(ctx, tx, target, side.to.ID, changes)
				if err != nil {
					return err
				}
				if mirror.Contains(cell.RowID) {
					continue
				}
				if _, err := tx.GetRow(ctx, target); store.IsNotFound(err) {
					continue
				} else if err != nil {
					return err
				}
				if side.to.Relation.LimitType == store.LimitOne && len(mirror.LinkedRowIDs) > 0 {
					return fmt.Errorf("%w: mirroring %s would give row %s a second %s link", ErrCardinalityViolation, side.from.ID, target, side.to.ID)
				}
				if err := addLink(ctx, tx, target, side.to.ID, cell.RowID, changes); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
