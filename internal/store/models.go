package store

import (
	"encoding/json"
	"time"
)

type Page struct {
	ID         string
	ParentID   *string
	OwnerID    string
	Title      string
	Icon       string
	IsArchived bool
	ArchivedAt *time.Time
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Block is a content unit owned by a page. A block with SourceBlockID set is a
// synced mirror: it owns only its placement and a cached snapshot of the
// canonical content in ChildrenJSON.
type Block struct {
	ID            string
	PageID        string
	Type          string
	OrderKey      string
	Content       json.RawMessage
	PlainText     string
	SourceBlockID *string
	ChildrenJSON  json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsMirror reports whether the block references a canonical block.
func (b Block) IsMirror() bool {
	return b.SourceBlockID != nil && *b.SourceBlockID != ""
}

type Database struct {
	ID        string
	PageID    string
	Title     string
	CreatedAt time.Time
}

type PropertyType string

const (
	PropertyText     PropertyType = "text"
	PropertyNumber   PropertyType = "number"
	PropertyCheckbox PropertyType = "checkbox"
	PropertySelect   PropertyType = "select"
	PropertyDate     PropertyType = "date"
	PropertyRelation PropertyType = "relation"
)

type LimitType string

const (
	LimitNone LimitType = "none"
	LimitOne  LimitType = "one"
)

// RelationConfig is the schema of a relation-typed property.
type RelationConfig struct {
	TargetDatabaseID  string
	Bidirectional     bool
	ReversePropertyID *string
	LimitType         LimitType
}

type Property struct {
	ID         string
	DatabaseID string
	Name       string
	Type       PropertyType
	Relation   *RelationConfig
	CreatedAt  time.Time
}

// IsRelation reports whether the property carries a relation config.
func (p Property) IsRelation() bool {
	return p.Type == PropertyRelation && p.Relation != nil
}

type Row struct {
	ID         string
	DatabaseID string
	Values     map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RelationCell is the row-level value of a relation property. LinkedRowIDs is
// an ordered set: ids are unique, order is display order.
type RelationCell struct {
	RowID        string
	PropertyID   string
	LinkedRowIDs []string
}

// Contains reports whether rowID is linked from the cell.
func (c RelationCell) Contains(rowID string) bool {
	for _, id := range c.LinkedRowIDs {
		if id == rowID {
			return true
		}
	}
	return false
}

// RelationRef is one entry of the back-reference index: SourceRowID's cell for
// PropertyID lists TargetRowID.
type RelationRef struct {
	TargetRowID string `json:"targetRowId"`
	PropertyID  string `json:"propertyId"`
	SourceRowID string `json:"sourceRowId"`
}

// PageTreeNode is a page with its loaded children.
type PageTreeNode struct {
	Page
	Children []PageTreeNode
	Depth    int
}
