package relation

import (
	"context"
	"sort"

	"github.com/erdodo/notion-sub004/internal/store"
)

// IndexReport compares the back-reference index with the cells it mirrors.
type IndexReport struct {
	Missing  []store.RelationRef `json:"missing"`
	Orphaned []store.RelationRef `json:"orphaned"`
	// StaleIDs counts cell entries naming rows that no longer exist.
	StaleIDs int `json:"staleIds"`
}

func (r IndexReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0 && r.StaleIDs == 0
}

// Asymmetry is a link of a bidirectional relation missing its mirror entry.
type Asymmetry struct {
	RowID             string `json:"rowId"`
	PropertyID        string `json:"propertyId"`
	TargetRowID       string `json:"targetRowId"`
	ReversePropertyID string `json:"reversePropertyId"`
}

func (e *Engine) VerifyIndex(ctx context.Context) (IndexReport, error) {
	var report IndexReport
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		report, err = verifyIndexTx(ctx, tx)
		return err
	})
	return report, err
}

func verifyIndexTx(ctx context.Context, tx store.Tx) (IndexReport, error) {
	cells, err := tx.ListCells(ctx)
	if err != nil {
		return IndexReport{}, err
	}
	refs, err := tx.ListRefs(ctx)
	if err != nil {
		return IndexReport{}, err
	}

	expected := map[store.RelationRef]struct{}{}
	linked := make([]string, 0)
	for _, cell := range cells {
		for _, target := range cell.LinkedRowIDs {
			expected[store.RelationRef{TargetRowID: target, PropertyID: cell.PropertyID, SourceRowID: cell.RowID}] = struct{}{}
			linked = append(linked, target)
		}
	}

	var report IndexReport
	actual := make(map[store.RelationRef]struct{}, len(refs))
	for _, ref := range refs {
		actual[ref] = struct{}{}
		if _, ok := expected[ref]; !ok {
			report.Orphaned = append(report.Orphaned, ref)
		}
	}
	for ref := range expected {
		if _, ok := actual[ref]; !ok {
			report.Missing = append(report.Missing, ref)
		}
	}
	sortRefs(report.Missing)
	sortRefs(report.Orphaned)

	rows, err := tx.GetRows(ctx, dedupe(linked))
	if err != nil {
		return IndexReport{}, err
	}
	alive := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		alive[row.ID] = struct{}{}
	}
	for _, id := range linked {
		if _, ok := alive[id]; !ok {
			report.StaleIDs++
		}
	}
	return report, nil
}

// RepairIndex rebuilds the index from the cells after dropping ids of rows
// that no longer exist. It is safe to run repeatedly.
func (e *Engine) RepairIndex(ctx context.Context) (IndexReport, error) {
	var before IndexReport
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if before, err = verifyIndexTx(ctx, tx); err != nil {
			return err
		}
		if before.Clean() {
			return nil
		}
		cells, err := tx.ListCells(ctx)
		if err != nil {
			return err
		}
		if err := tx.DeleteAllRefs(ctx); err != nil {
			return err
		}
		for _, cell := range cells {
			rows, err := tx.GetRows(ctx, cell.LinkedRowIDs)
			if err != nil {
				return err
			}
			alive := make(map[string]struct{}, len(rows))
			for _, row := range rows {
				alive[row.ID] = struct{}{}
			}
			kept := make([]string, 0, len(cell.LinkedRowIDs))
			for _, id := range cell.LinkedRowIDs {
				if _, ok := alive[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) != len(cell.LinkedRowIDs) {
				cell.LinkedRowIDs = kept
				if err := tx.PutCell(ctx, cell); err != nil {
					return err
				}
			}
			for _, id := range kept {
				if err := tx.AddRef(ctx, store.RelationRef{TargetRowID: id, PropertyID: cell.PropertyID, SourceRowID: cell.RowID}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return IndexReport{}, err
	}
	if !before.Clean() {
		e.logger.Warn().Int("missing", len(before.Missing)).Int("orphaned", len(before.Orphaned)).Int("stale_ids", before.StaleIDs).Msg("relation index repaired")
	}
	return before, nil
}

func (e *Engine) VerifySymmetry(ctx context.Context) ([]Asymmetry, error) {
	var found []Asymmetry
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		found, err = symmetryTx(ctx, tx)
		return err
	})
	return found, err
}

func symmetryTx(ctx context.Context, tx store.Tx) ([]Asymmetry, error) {
	cells, err := tx.ListCells(ctx)
	if err != nil {
		return nil, err
	}
	props := map[string]*store.Property{}
	found := make([]Asymmetry, 0)
	for _, cell := range cells {
		prop, ok := props[cell.PropertyID]
		if !ok {
			loaded, err := tx.GetProperty(ctx, cell.PropertyID)
			switch {
			case store.IsNotFound(err):
				prop = nil
			case err != nil:
				return nil, err
			default:
				prop = &loaded
			}
			props[cell.PropertyID] = prop
		}
		if prop == nil || !prop.IsRelation() || !prop.Relation.Bidirectional || prop.Relation.ReversePropertyID == nil {
			continue
		}
		reverseID := *prop.Relation.ReversePropertyID
		for _, target := range cell.LinkedRowIDs {
			if _, err := tx.GetRow(ctx, target); store.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			mirror, err := tx.GetCell(ctx, target, reverseID)
			if err != nil {
				return nil, err
			}
			if !mirror.Contains(cell.RowID) {
				found = append(found, Asymmetry{RowID: cell.RowID, PropertyID: cell.PropertyID, TargetRowID: target, ReversePropertyID: reverseID})
			}
		}
	}
	return found, nil
}

// RepairSymmetry adds the missing mirror entries. Entries that would break a
// limit-one reverse property are left in place and returned.
func (e *Engine) RepairSymmetry(ctx context.Context) (repaired []Asymmetry, unresolved []Asymmetry, err error) {
	changes := newChanges()
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		found, err := symmetryTx(ctx, tx)
		if err != nil {
			return err
		}
		for _, a := range found {
			reverse, err := tx.GetProperty(ctx, a.ReversePropertyID)
			if store.IsNotFound(err) {
				unresolved = append(unresolved, a)
				continue
			}
			if err != nil {
				return err
			}
			mirror, err := tx.GetCell(ctx, a.TargetRowID, reverse.ID)
			if err != nil {
				return err
			}
			if reverse.IsRelation() && reverse.Relation.LimitType == store.LimitOne && len(mirror.LinkedRowIDs) > 0 {
				unresolved = append(unresolved, a)
				continue
			}
			if err := addLink(ctx, tx, a.TargetRowID, reverse.ID, a.RowID, changes); err != nil {
				return err
			}
			repaired = append(repaired, a)
		}
		return changes.resolveChannels(ctx, tx)
	})
	if err != nil {
		return nil, nil, err
	}
	e.PublishChanges(ctx, changes)
	return repaired, unresolved, nil
}

func sortRefs(refs []store.RelationRef) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.TargetRowID != b.TargetRowID {
			return a.TargetRowID < b.TargetRowID
		}
		if a.PropertyID != b.PropertyID {
			return a.PropertyID < b.PropertyID
		}
		return a.SourceRowID < b.SourceRowID
	})
}
