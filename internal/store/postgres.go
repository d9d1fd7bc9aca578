package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// View runs fn in a read-only REPEATABLE READ transaction, so every query in
// fn sees the same snapshot. The transaction is always rolled back.
func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return translatePgError(fn(&pgTx{q: tx}))
}

// InTx runs fn inside a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as ErrConcurrentModification.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return translatePgError(err)
	}
	if err := tx.Commit(); err != nil {
		return translatePgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "25006":
			return fmt.Errorf("%w: %s", ErrReadOnly, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	q queryer
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// Pages

const pageColumns = `id, parent_id, owner_id, title, icon, is_archived, archived_at, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (Page, error) {
	var page Page
	var parentID sql.NullString
	var archivedAt sql.NullTime
	if err := row.Scan(&page.ID, &parentID, &page.OwnerID, &page.Title, &page.Icon, &page.IsArchived, &archivedAt, &page.Version, &page.CreatedAt, &page.UpdatedAt); err != nil {
		return Page{}, err
	}
	if parentID.Valid {
		page.ParentID = &parentID.String
	}
	if archivedAt.Valid {
		at := archivedAt.Time
		page.ArchivedAt = &at
	}
	return page, nil
}

func (t *pgTx) queryPages(ctx context.Context, query string, args ...any) ([]Page, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (t *pgTx) GetPage(ctx context.Context, id string) (Page, error) {
	page, err := scanPage(t.q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, id))
	if err != nil {
		return Page{}, notFound(err, "page "+id)
	}
	return page, nil
}

func (t *pgTx) InsertPage(ctx context.Context, page Page) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO pages (id, parent_id, owner_id, title, icon, is_archived, archived_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, page.ID, page.ParentID, page.OwnerID, page.Title, page.Icon, page.IsArchived, page.ArchivedAt, page.Version, page.CreatedAt, page.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePage(ctx context.Context, page Page) (Page, error) {
	updated, err := scanPage(t.q.QueryRowContext(ctx, `
		UPDATE pages
		SET parent_id=$3, title=$4, icon=$5, is_archived=$6, archived_at=$7, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+pageColumns,
		page.ID, page.Version, page.ParentID, page.Title, page.Icon, page.IsArchived, page.ArchivedAt))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Page{}, fmt.Errorf("update page: %w", err)
	}
	if _, getErr := t.GetPage(ctx, page.ID); getErr != nil {
		return Page{}, getErr
	}
	return Page{}, fmt.Errorf("page %s at version %d: %w", page.ID, page.Version, ErrConcurrentModification)
}

func (t *pgTx) ListChildren(ctx context.Context, parentIDs []string) ([]Page, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return t.queryPages(ctx, `SELECT `+pageColumns+` FROM pages WHERE parent_id = ANY($1) ORDER BY created_at, id`, parentIDs)
}

func (t *pgTx) ListRootPages(ctx context.Context, ownerID string) ([]Page, error) {
	return t.queryPages(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE owner_id=$1 AND parent_id IS NULL AND NOT is_archived
		ORDER BY created_at, id
	`, ownerID)
}

func (t *pgTx) ListArchivedPages(ctx context.Context, ownerID string) ([]Page, error) {
	return t.queryPages(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE owner_id=$1 AND is_archived
		ORDER BY archived_at DESC, id
	`, ownerID)
}

func (t *pgTx) CountPages(ctx context.Context) (int, error) {
	var count int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return count, nil
}

func (t *pgTx) DeletePages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM pages WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}

// Blocks

const blockColumns = `id, page_id, type, order_key, content, plain_text, source_block_id, children_json, created_at, updated_at`

func scanBlock(row rowScanner) (Block, error) {
	var block Block
	var content []byte
	var children []byte
	var sourceID sql.NullString
	if err := row.Scan(&block.ID, &block.PageID, &block.Type, &block.OrderKey, &content, &block.PlainText, &sourceID, &children, &block.CreatedAt, &block.UpdatedAt); err != nil {
		return Block{}, err
	}
	block.Content = json.RawMessage(content)
	if len(children) > 0 {
		block.ChildrenJSON = json.RawMessage(children)
	}
	if sourceID.Valid {
		block.SourceBlockID = &sourceID.String
	}
	return block, nil
}

func (t *pgTx) queryBlocks(ctx context.Context, query string, args ...any) ([]Block, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	items := make([]Block, 0)
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func (t *pgTx) GetBlock(ctx context.Context, id string) (Block, error) {
	block, err := scanBlock(t.q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=$1`, id))
	if err != nil {
		return Block{}, notFound(err, "block "+id)
	}
	return block, nil
}

func (t *pgTx) InsertBlock(ctx context.Context, block Block) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO blocks (id, page_id, type, order_key, content, plain_text, source_block_id, children_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, block.ID, block.PageID, block.Type, block.OrderKey, jsonOrEmpty(block.Content), block.PlainText, block.SourceBlockID, jsonOrNil(block.ChildrenJSON), block.CreatedAt, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBlock(ctx context.Context, block Block) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE blocks
		SET page_id=$2, type=$3, order_key=$4, content=$5, plain_text=$6, source_block_id=$7, children_json=$8, updated_at=NOW()
		WHERE id=$1
	`, block.ID, block.PageID, block.Type, block.OrderKey, jsonOrEmpty(block.Content), block.PlainText, block.SourceBlockID, jsonOrNil(block.ChildrenJSON))
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("block %s: %w", block.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListBlocksByPages(ctx context.Context, pageIDs []string) ([]Block, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	return t.queryBlocks(ctx, `SELECT `+blockColumns+` FROM blocks WHERE page_id = ANY($1) ORDER BY page_id, order_key, id`, pageIDs)
}

func (t *pgTx) ListMirrors(ctx context.Context, sourceIDs []string) ([]Block, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	return t.queryBlocks(ctx, `SELECT `+blockColumns+` FROM blocks WHERE source_block_id = ANY($1) ORDER BY page_id, order_key, id`, sourceIDs)
}

func (t *pgTx) DeleteBlocks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM blocks WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}
	return nil
}

// Databases

func (t *pgTx) queryDatabases(ctx context.Context, query string, args ...any) ([]Database, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query databases: %w", err)
	}
	defer rows.Close()

	items := make([]Database, 0)
	for rows.Next() {
		var item Database
		if err := rows.Scan(&item.ID, &item.PageID, &item.Title, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate databases: %w", err)
	}
	return items, nil
}

func (t *pgTx) GetDatabase(ctx context.Context, id string) (Database, error) {
	var item Database
	err := t.q.QueryRowContext(ctx, `SELECT id, page_id, title, created_at FROM databases WHERE id=$1`, id).
		Scan(&item.ID, &item.PageID, &item.Title, &item.CreatedAt)
	if err != nil {
		return Database{}, notFound(err, "database "+id)
	}
	return item, nil
}

func (t *pgTx) GetDatabaseByPage(ctx context.Context, pageID string) (Database, error) {
	var item Database
	err := t.q.QueryRowContext(ctx, `SELECT id, page_id, title, created_at FROM databases WHERE page_id=$1`, pageID).
		Scan(&item.ID, &item.PageID, &item.Title, &item.CreatedAt)
	if err != nil {
		return Database{}, notFound(err, "database for page "+pageID)
	}
	return item, nil
}

func (t *pgTx) ListDatabasesByPages(ctx context.Context, pageIDs []string) ([]Database, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	return t.queryDatabases(ctx, `SELECT id, page_id, title, created_at FROM databases WHERE page_id = ANY($1) ORDER BY id`, pageIDs)
}

func (t *pgTx) InsertDatabase(ctx context.Context, db Database) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO databases (id, page_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`, db.ID, db.PageID, db.Title, db.CreatedAt)
	if err != nil {
		return translatePgError(fmt.Errorf("insert database: %w", err))
	}
	return nil
}

func (t *pgTx) DeleteDatabases(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM databases WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete databases: %w", err)
	}
	return nil
}

// Properties

const propertyColumns = `id, database_id, name, type, target_database_id, bidirectional, reverse_property_id, limit_type, created_at`

func scanProperty(row rowScanner) (Property, error) {
	var prop Property
	var target, reverse sql.NullString
	var bidirectional bool
	var limit string
	if err := row.Scan(&prop.ID, &prop.DatabaseID, &prop.Name, &prop.Type, &target, &bidirectional, &reverse, &limit, &prop.CreatedAt); err != nil {
		return Property{}, err
	}
	if prop.Type == PropertyRelation {
		prop.Relation = &RelationConfig{
			TargetDatabaseID: target.String,
			Bidirectional:    bidirectional,
			LimitType:        LimitType(limit),
		}
		if reverse.Valid {
			prop.Relation.ReversePropertyID = &reverse.String
		}
	}
	return prop, nil
}

func (t *pgTx) queryProperties(ctx context.Context, query string, args ...any) ([]Property, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	defer rows.Close()

	items := make([]Property, 0)
	for rows.Next() {
		prop, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		items = append(items, prop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return items, nil
}

func relationColumns(prop Property) (target *string, bidirectional bool, reverse *string, limit LimitType) {
	limit = LimitNone
	if prop.Relation == nil {
		return nil, false, nil, limit
	}
	target = &prop.Relation.TargetDatabaseID
	if prop.Relation.LimitType != "" {
		limit = prop.Relation.LimitType
	}
	return target, prop.Relation.Bidirectional, prop.Relation.ReversePropertyID, limit
}

func (t *pgTx) GetProperty(ctx context.Context, id string) (Property, error) {
	prop, err := scanProperty(t.q.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id=$1`, id))
	if err != nil {
		return Property{}, notFound(err, "property "+id)
	}
	return prop, nil
}

func (t *pgTx) InsertProperty(ctx context.Context, prop Property) error {
	target, bidirectional, reverse, limit := relationColumns(prop)
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO properties (id, database_id, name, type, target_database_id, bidirectional, reverse_property_id, limit_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, prop.ID, prop.DatabaseID, prop.Name, string(prop.Type), target, bidirectional, reverse, string(limit), prop.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateProperty(ctx context.Context, prop Property) error {
	target, bidirectional, reverse, limit := relationColumns(prop)
	result, err := t.q.ExecContext(ctx, `
		UPDATE properties
		SET name=$2, type=$3, target_database_id=$4, bidirectional=$5, reverse_property_id=$6, limit_type=$7
		WHERE id=$1
	`, prop.ID, prop.Name, string(prop.Type), target, bidirectional, reverse, string(limit))
	if err != nil {
		return fmt.Errorf("update property: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("property %s: %w", prop.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListProperties(ctx context.Context, databaseID string) ([]Property, error) {
	return t.queryProperties(ctx, `SELECT `+propertyColumns+` FROM properties WHERE database_id=$1 ORDER BY created_at, id`, databaseID)
}

func (t *pgTx) ListPropertiesTargeting(ctx context.Context, databaseIDs []string) ([]Property, error) {
	if len(databaseIDs) == 0 {
		return nil, nil
	}
	return t.queryProperties(ctx, `SELECT `+propertyColumns+` FROM properties WHERE type='relation' AND target_database_id = ANY($1) ORDER BY id`, databaseIDs)
}

func (t *pgTx) DeletePropertiesByDatabases(ctx context.Context, databaseIDs []string) error {
	if len(databaseIDs) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM properties WHERE database_id = ANY($1)`, databaseIDs); err != nil {
		return fmt.Errorf("delete properties: %w", err)
	}
	return nil
}

// Rows

const rowColumns = `id, database_id, property_values, created_at, updated_at`

func scanRow(row rowScanner) (Row, error) {
	var item Row
	var values []byte
	if err := row.Scan(&item.ID, &item.DatabaseID, &values, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Row{}, err
	}
	item.Values = map[string]any{}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &item.Values); err != nil {
			return Row{}, fmt.Errorf("decode row values: %w", err)
		}
	}
	return item, nil
}

func (t *pgTx) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	items := make([]Row, 0)
	for rows.Next() {
		item, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

func encodeValues(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode row values: %w", err)
	}
	return encoded, nil
}

func (t *pgTx) GetRow(ctx context.Context, id string) (Row, error) {
	item, err := scanRow(t.q.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM database_rows WHERE id=$1`, id))
	if err != nil {
		return Row{}, notFound(err, "row "+id)
	}
	return item, nil
}

func (t *pgTx) GetRows(ctx context.Context, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryRows(ctx, `SELECT `+rowColumns+` FROM database_rows WHERE id = ANY($1)`, ids)
}

func (t *pgTx) InsertRow(ctx context.Context, row Row) error {
	values, err := encodeValues(row.Values)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO database_rows (id, database_id, property_values, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, row.ID, row.DatabaseID, values, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRow(ctx context.Context, row Row) error {
	values, err := encodeValues(row.Values)
	if err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `UPDATE database_rows SET property_values=$2, updated_at=NOW() WHERE id=$1`, row.ID, values)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("row %s: %w", row.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListRows(ctx context.Context, databaseID string) ([]Row, error) {
	return t.queryRows(ctx, `SELECT `+rowColumns+` FROM database_rows WHERE database_id=$1 ORDER BY created_at, id`, databaseID)
}

func (t *pgTx) ListRowIDsByDatabases(ctx context.Context, databaseIDs []string) ([]string, error) {
	if len(databaseIDs) == 0 {
		return nil, nil
	}
	rows, err := t.q.QueryContext(ctx, `SELECT id FROM database_rows WHERE database_id = ANY($1) ORDER BY id`, databaseIDs)
	if err != nil {
		return nil, fmt.Errorf("list row ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) DeleteRows(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM database_rows WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	return nil
}

// Relation cells

func (t *pgTx) queryCells(ctx context.Context, query string, args ...any) ([]RelationCell, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relation cells: %w", err)
	}
	defer rows.Close()

	items := make([]RelationCell, 0)
	for rows.Next() {
		var cell RelationCell
		var linked []byte
		if err := rows.Scan(&cell.RowID, &cell.PropertyID, &linked); err != nil {
			return nil, fmt.Errorf("scan relation cell: %w", err)
		}
		if err := json.Unmarshal(linked, &cell.LinkedRowIDs); err != nil {
			return nil, fmt.Errorf("decode relation cell: %w", err)
		}
		items = append(items, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation cells: %w", err)
	}
	return items, nil
}

func (t *pgTx) GetCell(ctx context.Context, rowID, propertyID string) (RelationCell, error) {
	cells, err := t.queryCells(ctx, `SELECT row_id, property_id, linked_row_ids FROM relation_cells WHERE row_id=$1 AND property_id=$2`, rowID, propertyID)
	if err != nil {
		return RelationCell{}, err
	}
	if len(cells) == 0 {
		return RelationCell{RowID: rowID, PropertyID: propertyID}, nil
	}
	return cells[0], nil
}

func (t *pgTx) PutCell(ctx context.Context, cell RelationCell) error {
	if len(cell.LinkedRowIDs) == 0 {
		if _, err := t.q.ExecContext(ctx, `DELETE FROM relation_cells WHERE row_id=$1 AND property_id=$2`, cell.RowID, cell.PropertyID); err != nil {
			return fmt.Errorf("clear relation cell: %w", err)
		}
		return nil
	}
	linked, err := json.Marshal(cell.LinkedRowIDs)
	if err != nil {
		return fmt.Errorf("encode relation cell: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO relation_cells (row_id, property_id, linked_row_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (row_id, property_id) DO UPDATE SET linked_row_ids=EXCLUDED.linked_row_ids
	`, cell.RowID, cell.PropertyID, linked)
	if err != nil {
		return fmt.Errorf("put relation cell: %w", err)
	}
	return nil
}

func (t *pgTx) ListCellsByRows(ctx context.Context, rowIDs []string) ([]RelationCell, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	return t.queryCells(ctx, `SELECT row_id, property_id, linked_row_ids FROM relation_cells WHERE row_id = ANY($1) ORDER BY row_id, property_id`, rowIDs)
}

func (t *pgTx) ListCells(ctx context.Context) ([]RelationCell, error) {
	return t.queryCells(ctx, `SELECT row_id, property_id, linked_row_ids FROM relation_cells ORDER BY row_id, property_id`)
}

func (t *pgTx) DeleteCellsByRows(ctx context.Context, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM relation_cells WHERE row_id = ANY($1)`, rowIDs); err != nil {
		return fmt.Errorf("delete relation cells: %w", err)
	}
	return nil
}

// Back-reference index

func (t *pgTx) queryRefs(ctx context.Context, query string, args ...any) ([]RelationRef, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relation refs: %w", err)
	}
	defer rows.Close()

	items := make([]RelationRef, 0)
	for rows.Next() {
		var ref RelationRef
		if err := rows.Scan(&ref.TargetRowID, &ref.PropertyID, &ref.SourceRowID); err != nil {
			return nil, fmt.Errorf("scan relation ref: %w", err)
		}
		items = append(items, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation refs: %w", err)
	}
	return items, nil
}

func (t *pgTx) AddRef(ctx context.Context, ref RelationRef) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO relation_refs (target_row_id, property_id, source_row_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, ref.TargetRowID, ref.PropertyID, ref.SourceRowID)
	if err != nil {
		return fmt.Errorf("add relation ref: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveRef(ctx context.Context, ref RelationRef) error {
	_, err := t.q.ExecContext(ctx, `
		DELETE FROM relation_refs
		WHERE target_row_id=$1 AND property_id=$2 AND source_row_id=$3
	`, ref.TargetRowID, ref.PropertyID, ref.SourceRowID)
	if err != nil {
		return fmt.Errorf("remove relation ref: %w", err)
	}
	return nil
}

func (t *pgTx) ListRefsTo(ctx context.Context, targetRowIDs []string) ([]RelationRef, error) {
	if len(targetRowIDs) == 0 {
		return nil, nil
	}
	return t.queryRefs(ctx, `
		SELECT target_row_id, property_id, source_row_id FROM relation_refs
		WHERE target_row_id = ANY($1)
		ORDER BY target_row_id, property_id, source_row_id
	`, targetRowIDs)
}

func (t *pgTx) ListRefs(ctx context.Context) ([]RelationRef, error) {
	return t.queryRefs(ctx, `
		SELECT target_row_id, property_id, source_row_id FROM relation_refs
		ORDER BY target_row_id, property_id, source_row_id
	`)
}

func (t *pgTx) DeleteRefsInvolving(ctx context.Context, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	_, err := t.q.ExecContext(ctx, `
		DELETE FROM relation_refs
		WHERE target_row_id = ANY($1) OR source_row_id = ANY($1)
	`, rowIDs)
	if err != nil {
		return fmt.Errorf("delete relation refs: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteAllRefs(ctx context.Context) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM relation_refs`); err != nil {
		return fmt.Errorf("clear relation refs: %w", err)
	}
	return nil
}
