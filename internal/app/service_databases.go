package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/util"
)

var plainPropertyTypes = map[store.PropertyType]struct{}{
	store.PropertyText:     {},
	store.PropertyNumber:   {},
	store.PropertyCheckbox: {},
	store.PropertySelect:   {},
	store.PropertyDate:     {},
}

type CreateDatabaseInput struct {
	Title string `json:"title"`
}

// CreateDatabase attaches the single database a page may host.
func (s *Service) CreateDatabase(ctx context.Context, pageID string, input CreateDatabaseInput) (store.Database, error) {
	db := store.Database{
		ID:        util.NewID("db"),
		PageID:    pageID,
		Title:     strings.TrimSpace(input.Title),
		CreatedAt: s.now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		if page.IsArchived {
			return validationError("page is archived", map[string]any{"pageId": pageID})
		}
		return tx.InsertDatabase(ctx, db)
	})
	if err != nil {
		return store.Database{}, err
	}
	return db, nil
}

type DatabaseView struct {
	Database   store.Database
	Properties []store.Property
}

func (s *Service) GetDatabase(ctx context.Context, databaseID string) (DatabaseView, error) {
	var view DatabaseView
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		if view.Database, err = tx.GetDatabase(ctx, databaseID); err != nil {
			return err
		}
		view.Properties, err = tx.ListProperties(ctx, databaseID)
		return err
	})
	return view, err
}

type RelationInput struct {
	TargetDatabaseID string          `json:"targetDatabaseId"`
	LimitType        store.LimitType `json:"limitType"`
	Bidirectional    bool            `json:"bidirectional"`
	ReverseName      string          `json:"reverseName"`
	ReverseLimitType store.LimitType `json:"reverseLimitType"`
}

type AddPropertyInput struct {
	Name     string             `json:"name"`
	Type     store.PropertyType `json:"type"`
	Relation *RelationInput     `json:"relation"`
}

// AddProperty creates a plain property, or a relation property together with
// its reverse when bidirectional.
func (s *Service) AddProperty(ctx context.Context, databaseID string, input AddPropertyInput) ([]store.Property, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required", nil)
	}

	if input.Type == store.PropertyRelation {
		if input.Relation == nil {
			return nil, validationError("relation settings are required", nil)
		}
		if err := requireID("relation.targetDatabaseId", input.Relation.TargetDatabaseID); err != nil {
			return nil, err
		}
		forward, reverse, err := s.relations.CreateProperty(ctx, relation.CreateInput{
			DatabaseID:       databaseID,
			Name:             name,
			TargetDatabaseID: strings.TrimSpace(input.Relation.TargetDatabaseID),
			LimitType:        input.Relation.LimitType,
			Bidirectional:    input.Relation.Bidirectional,
			ReverseName:      input.Relation.ReverseName,
			ReverseLimitType: input.Relation.ReverseLimitType,
		})
		if err != nil {
			return nil, err
		}
		created := []store.Property{forward}
		if reverse != nil {
			created = append(created, *reverse)
		}
		return created, nil
	}

	if _, ok := plainPropertyTypes[input.Type]; !ok {
		return nil, validationError(fmt.Sprintf("unsupported property type %q", input.Type), nil)
	}
	prop := store.Property{
		ID:         util.NewID("prop"),
		DatabaseID: databaseID,
		Name:       name,
		Type:       input.Type,
		CreatedAt:  s.now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetDatabase(ctx, databaseID); err != nil {
			return err
		}
		return tx.InsertProperty(ctx, prop)
	})
	if err != nil {
		return nil, err
	}
	return []store.Property{prop}, nil
}

func (s *Service) UpdateRelationSchema(ctx context.Context, propertyID string, input relation.SchemaUpdate) (store.Property, error) {
	return s.relations.UpdateSchema(ctx, propertyID, input)
}

// RowView is a row with the relation cells it holds.
type RowView struct {
	Row       store.Row
	Relations map[string][]string
}

func (s *Service) ListRows(ctx context.Context, databaseID string) ([]RowView, error) {
	var out []RowView
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetDatabase(ctx, databaseID); err != nil {
			return err
		}
		rows, err := tx.ListRows(ctx, databaseID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		cells, err := tx.ListCellsByRows(ctx, ids)
		if err != nil {
			return err
		}
		byRow := make(map[string]map[string][]string, len(rows))
		for _, cell := range cells {
			if byRow[cell.RowID] == nil {
				byRow[cell.RowID] = map[string][]string{}
			}
			byRow[cell.RowID][cell.PropertyID] = cell.LinkedRowIDs
		}
		out = make([]RowView, 0, len(rows))
		for _, row := range rows {
			relations := byRow[row.ID]
			if relations == nil {
				relations = map[string][]string{}
			}
			out = append(out, RowView{Row: row, Relations: relations})
		}
		return nil
	})
	return out, err
}

type RowValuesInput struct {
	Values map[string]any `json:"values"`
}

func (s *Service) CreateRow(ctx context.Context, databaseID string, input RowValuesInput) (store.Row, error) {
	now := s.now().UTC()
	row := store.Row{ID: util.NewID("row"), DatabaseID: databaseID, CreatedAt: now, UpdatedAt: now}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetDatabase(ctx, databaseID); err != nil {
			return err
		}
		values, err := checkValues(ctx, tx, databaseID, nil, input.Values)
		if err != nil {
			return err
		}
		row.Values = values
		return tx.InsertRow(ctx, row)
	})
	if err != nil {
		return store.Row{}, err
	}
	return row, nil
}

// UpdateRow merges values into the row. A null value clears the property.
func (s *Service) UpdateRow(ctx context.Context, rowID string, input RowValuesInput) (store.Row, error) {
	var updated store.Row
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		row, err := tx.GetRow(ctx, rowID)
		if err != nil {
			return err
		}
		values, err := checkValues(ctx, tx, row.DatabaseID, row.Values, input.Values)
		if err != nil {
			return err
		}
		row.Values = values
		row.UpdatedAt = s.now().UTC()
		updated = row
		return tx.UpdateRow(ctx, row)
	})
	return updated, err
}

func (s *Service) DeleteRow(ctx context.Context, rowID string) error {
	return s.relations.DeleteRow(ctx, rowID)
}

// checkValues merges incoming into current. Keys must name plain properties
// of the database; relation cells are written through the relation endpoints.
func checkValues(ctx context.Context, tx store.Tx, databaseID string, current, incoming map[string]any) (map[string]any, error) {
	props, err := tx.ListProperties(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Property, len(props))
	for _, prop := range props {
		byID[prop.ID] = prop
	}

	merged := make(map[string]any, len(current)+len(incoming))
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range incoming {
		prop, ok := byID[key]
		if !ok {
			return nil, validationError(fmt.Sprintf("unknown property %q", key), nil)
		}
		if prop.Type == store.PropertyRelation {
			return nil, validationError(fmt.Sprintf("property %q is a relation; use the relation endpoints", key), nil)
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		if err := checkValue(prop, value); err != nil {
			return nil, err
		}
		merged[key] = value
	}
	return merged, nil
}

func checkValue(prop store.Property, value any) error {
	ok := true
	switch prop.Type {
	case store.PropertyText, store.PropertySelect:
		_, ok = value.(string)
	case store.PropertyNumber:
		_, ok = value.(float64)
	case store.PropertyCheckbox:
		_, ok = value.(bool)
	case store.PropertyDate:
		var raw string
		if raw, ok = value.(string); ok {
			_, err := time.Parse(time.RFC3339, raw)
			ok = err == nil
		}
	}
	if !ok {
		return validationError(fmt.Sprintf("invalid value for %s property %q", prop.Type, prop.ID), nil)
	}
	return nil
}

func (s *Service) LookupRows(ctx context.Context, databaseID string, rowIDs []string) ([]store.Row, error) {
	return s.relations.GetLinkedRows(ctx, databaseID, rowIDs)
}

type LinkRowsInput struct {
	PropertyID        string   `json:"propertyId"`
	SourceRowID       string   `json:"sourceRowId"`
	TargetRowIDs      []string `json:"targetRowIds"`
	Bidirectional     bool     `json:"bidirectional"`
	ReversePropertyID *string  `json:"reversePropertyId"`
	Replace           bool     `json:"replace"`
}

func (s *Service) LinkRows(ctx context.Context, input LinkRowsInput) (store.RelationCell, error) {
	if err := requireID("propertyId", input.PropertyID); err != nil {
		return store.RelationCell{}, err
	}
	if err := requireID("sourceRowId", input.SourceRowID); err != nil {
		return store.RelationCell{}, err
	}
	return s.relations.LinkRows(ctx, relation.LinkInput{
		PropertyID:        input.PropertyID,
		SourceRowID:       input.SourceRowID,
		TargetRowIDs:      input.TargetRowIDs,
		Bidirectional:     input.Bidirectional,
		ReversePropertyID: blankToNil(input.ReversePropertyID),
		Replace:           input.Replace,
	})
}

type UnlinkRowInput struct {
	PropertyID        string  `json:"propertyId"`
	SourceRowID       string  `json:"sourceRowId"`
	TargetRowID       string  `json:"targetRowId"`
	Bidirectional     bool    `json:"bidirectional"`
	ReversePropertyID *string `json:"reversePropertyId"`
}

func (s *Service) UnlinkRow(ctx context.Context, input UnlinkRowInput) error {
	for _, field := range [][2]string{{"propertyId", input.PropertyID}, {"sourceRowId", input.SourceRowID}, {"targetRowId", input.TargetRowID}} {
		if err := requireID(field[0], field[1]); err != nil {
			return err
		}
	}
	return s.relations.UnlinkRow(ctx, relation.UnlinkInput{
		PropertyID:        input.PropertyID,
		SourceRowID:       input.SourceRowID,
		TargetRowID:       input.TargetRowID,
		Bidirectional:     input.Bidirectional,
		ReversePropertyID: blankToNil(input.ReversePropertyID),
	})
}
