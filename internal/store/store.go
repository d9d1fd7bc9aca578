// Package store is the entity store for pages, blocks, databases, rows and
// relation data. It holds no business rules: cascades, cardinality and
// tree shape are enforced by the packages built on top of it.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned when an optimistic version check
	// or a serializable transaction loses a race. Callers retry with fresh data.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrConflict is returned when a uniqueness rule is violated.
	ErrConflict = errors.New("conflict")
)

// Store runs reads and atomic mutation units against the persisted state.
type Store interface {
	// View runs fn against a consistent read view. Writes inside fn are not allowed.
	View(ctx context.Context, fn func(Tx) error) error
	// InTx runs fn as one atomic unit. Either every write inside fn commits or none does.
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the typed access surface available inside View and InTx.
type Tx interface {
	GetPage(ctx context.Context, id string) (Page, error)
	InsertPage(ctx context.Context, page Page) error
	// UpdatePage writes every mutable field of page. page.Version must equal the
	// stored version; the stored version is incremented on success.
	UpdatePage(ctx context.Context, page Page) (Page, error)
	ListChildren(ctx context.Context, parentIDs []string) ([]Page, error)
	ListRootPages(ctx context.Context, ownerID string) ([]Page, error)
	ListArchivedPages(ctx context.Context, ownerID string) ([]Page, error)
	CountPages(ctx context.Context) (int, error)
	DeletePages(ctx context.Context, ids []string) error

	GetBlock(ctx context.Context, id string) (Block, error)
	InsertBlock(ctx context.Context, block Block) error
	UpdateBlock(ctx context.Context, block Block) error
	ListBlocksByPages(ctx context.Context, pageIDs []string) ([]Block, error)
	ListMirrors(ctx context.Context, sourceIDs []string) ([]Block, error)
	DeleteBlocks(ctx context.Context, ids []string) error

	GetDatabase(ctx context.Context, id string) (Database, error)
	GetDatabaseByPage(ctx context.Context, pageID string) (Database, error)
	ListDatabasesByPages(ctx context.Context, pageIDs []string) ([]Database, error)
	InsertDatabase(ctx context.Context, db Database) error
	DeleteDatabases(ctx context.Context, ids []string) error

	GetProperty(ctx context.Context, id string) (Property, error)
	InsertProperty(ctx context.Context, prop Property) error
	UpdateProperty(ctx context.Context, prop Property) error
	ListProperties(ctx context.Context, databaseID string) ([]Property, error)
	ListPropertiesTargeting(ctx context.Context, databaseIDs []string) ([]Property, error)
	DeletePropertiesByDatabases(ctx context.Context, databaseIDs []string) error

	GetRow(ctx context.Context, id string) (Row, error)
	GetRows(ctx context.Context, ids []string) ([]Row, error)
	InsertRow(ctx context.Context, row Row) error
	UpdateRow(ctx context.Context, row Row) error
	ListRows(ctx context.Context, databaseID string) ([]Row, error)
	ListRowIDsByDatabases(ctx context.Context, databaseIDs []string) ([]string, error)
	DeleteRows(ctx context.Context, ids []string) error

	// GetCell returns an empty cell when none is stored.
	GetCell(ctx context.Context, rowID, propertyID string) (RelationCell, error)
	// PutCell stores the cell, removing it when LinkedRowIDs is empty.
	PutCell(ctx context.Context, cell RelationCell) error
	ListCellsByRows(ctx context.Context, rowIDs []string) ([]RelationCell, error)
	ListCells(ctx context.Context) ([]RelationCell, error)
	DeleteCellsByRows(ctx context.Context, rowIDs []string) error

	AddRef(ctx context.Context, ref RelationRef) error
	RemoveRef(ctx context.Context, ref RelationRef) error
	ListRefsTo(ctx context.Context, targetRowIDs []string) ([]RelationRef, error)
	ListRefs(ctx context.Context) ([]RelationRef, error)
	// DeleteRefsInvolving removes every index entry whose source or target is in rowIDs.
	DeleteRefsInvolving(ctx context.Context, rowIDs []string) error
	DeleteAllRefs(ctx context.Context) error
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
