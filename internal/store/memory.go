package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("write inside read-only view")

type refKey struct {
	target   string
	property string
	source   string
}

type cellKey struct {
	row      string
	property string
}

type memState struct {
	seq        int64
	order      map[string]int64
	pages      map[string]Page
	blocks     map[string]Block
	databases  map[string]Database
	properties map[string]Property
	rows       map[string]Row
	cells      map[cellKey][]string
	// Back-reference index keyed by target row, with a source-row mirror
	// for row deletion.
	refsTo   map[string]map[refKey]struct{}
	refsFrom map[string]map[refKey]struct{}
}

func newMemState() *memState {
	return &memState{
		order:      map[string]int64{},
		pages:      map[string]Page{},
		blocks:     map[string]Block{},
		databases:  map[string]Database{},
		properties: map[string]Property{},
		rows:       map[string]Row{},
		cells:      map[cellKey][]string{},
		refsTo:     map[string]map[refKey]struct{}{},
		refsFrom:   map[string]map[refKey]struct{}{},
	}
}

func (s *memState) clone() *memState {
	next := newMemState()
	next.seq = s.seq
	for k, v := range s.order {
		next.order[k] = v
	}
	for k, v := range s.pages {
		next.pages[k] = v
	}
	for k, v := range s.blocks {
		next.blocks[k] = v
	}
	for k, v := range s.databases {
		next.databases[k] = v
	}
	for k, v := range s.properties {
		next.properties[k] = copyProperty(v)
	}
	for k, v := range s.rows {
		next.rows[k] = copyRow(v)
	}
	for k, v := range s.cells {
		next.cells[k] = append([]string(nil), v...)
	}
	for _, keys := range s.refsTo {
		for k := range keys {
			next.addRef(k)
		}
	}
	return next
}

func (s *memState) addRef(k refKey) {
	if s.refsTo[k.target] == nil {
		s.refsTo[k.target] = map[refKey]struct{}{}
	}
	s.refsTo[k.target][k] = struct{}{}
	if s.refsFrom[k.source] == nil {
		s.refsFrom[k.source] = map[refKey]struct{}{}
	}
	s.refsFrom[k.source][k] = struct{}{}
}

func (s *memState) removeRef(k refKey) {
	if keys := s.refsTo[k.target]; keys != nil {
		delete(keys, k)
		if len(keys) == 0 {
			delete(s.refsTo, k.target)
		}
	}
	if keys := s.refsFrom[k.source]; keys != nil {
		delete(keys, k)
		if len(keys) == 0 {
			delete(s.refsFrom, k.source)
		}
	}
}

func (s *memState) touch(id string) {
	if _, ok := s.order[id]; ok {
		return
	}
	s.seq++
	s.order[id] = s.seq
}

func copyProperty(p Property) Property {
	if p.Relation != nil {
		cfg := *p.Relation
		if cfg.ReversePropertyID != nil {
			reverse := *cfg.ReversePropertyID
			cfg.ReversePropertyID = &reverse
		}
		p.Relation = &cfg
	}
	return p
}

func copyRow(r Row) Row {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	r.Values = values
	return r
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// MemoryStore keeps the whole workspace in process memory. InTx works on a
// private copy of the state and swaps it in only when fn succeeds, so a failed
// unit leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{state: s.state, readOnly: true, now: s.now})
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memTx{state: working, now: s.now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
	now      func() time.Time
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) sortByOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return t.state.order[ids[i]] < t.state.order[ids[j]]
	})
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Pages

func (t *memTx) GetPage(_ context.Context, id string) (Page, error) {
	page, ok := t.state.pages[id]
	if !ok {
		return Page{}, fmt.Errorf("page %s: %w", id, ErrNotFound)
	}
	return page, nil
}

func (t *memTx) InsertPage(_ context.Context, page Page) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.state.pages[page.ID]; exists {
		return fmt.Errorf("page %s: %w", page.ID, ErrConflict)
	}
	t.state.pages[page.ID] = page
	t.state.touch(page.ID)
	return nil
}

func (t *memTx) UpdatePage(_ context.Context, page Page) (Page, error) {
	if err := t.writable(); err != nil {
		return Page{}, err
	}
	current, ok := t.state.pages[page.ID]
	if !ok {
		return Page{}, fmt.Errorf("page %s: %w", page.ID, ErrNotFound)
	}
	if current.Version != page.Version {
		return Page{}, fmt.Errorf("page %s at version %d: %w", page.ID, page.Version, ErrConcurrentModification)
	}
	page.OwnerID = current.OwnerID
	page.CreatedAt = current.CreatedAt
	page.Version = current.Version + 1
	page.UpdatedAt = t.now().UTC()
	t.state.pages[page.ID] = page
	return page, nil
}

func (t *memTx) collectPages(match func(Page) bool) []Page {
	ids := make([]string, 0)
	for id, page := range t.state.pages {
		if match(page) {
			ids = append(ids, id)
		}
	}
	t.sortByOrder(ids)
	items := make([]Page, 0, len(ids))
	for _, id := range ids {
		items = append(items, t.state.pages[id])
	}
	return items
}

func (t *memTx) ListChildren(_ context.Context, parentIDs []string) ([]Page, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	parents := toSet(parentIDs)
	return t.collectPages(func(p Page) bool {
		if p.ParentID == nil {
			return false
		}
		_, ok := parents[*p.ParentID]
		return ok
	}), nil
}

func (t *memTx) ListRootPages(_ context.Context, ownerID string) ([]Page, error) {
	return t.collectPages(func(p Page) bool {
		return p.OwnerID == ownerID && p.ParentID == nil && !p.IsArchived
	}), nil
}

func (t *memTx) ListArchivedPages(_ context.Context, ownerID string) ([]Page, error) {
	items := t.collectPages(func(p Page) bool {
		return p.OwnerID == ownerID && p.IsArchived
	})
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].ArchivedAt, items[j].ArchivedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return items, nil
}

func (t *memTx) CountPages(context.Context) (int, error) {
	return len(t.state.pages), nil
}

func (t *memTx) DeletePages(_ context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	deleted := toSet(ids)
	for _, id := range ids {
		delete(t.state.pages, id)
		delete(t.state.order, id)
	}
	// parent_id is ON DELETE SET NULL in Postgres.
	for id, page := range t.state.pages {
		if page.ParentID == nil {
			continue
		}
		if _, gone := deleted[*page.ParentID]; gone {
			page.ParentID = nil
			t.state.pages[id] = page
		}
	}
	return nil
}

// Blocks

func (t *memTx) GetBlock(_ context.Context, id string) (Block, error) {
	block, ok := t.state.blocks[id]
	if !ok {
		return Block{}, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	return block, nil
}

func (t *memTx) InsertBlock(_ context.Context, block Block) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.pages[block.PageID]; !ok {
		return fmt.Errorf("page %s: %w", block.PageID, ErrNotFound)
	}
	if _, exists := t.state.blocks[block.ID]; exists {
		return fmt.Errorf("block %s: %w", block.ID, ErrConflict)
	}
	block.Content = copyRaw(block.Content)
	block.ChildrenJSON = copyRaw(block.ChildrenJSON)
	t.state.blocks[block.ID] = block
	t.state.touch(block.ID)
	return nil
}

func (t *memTx) UpdateBlock(_ context.Context, block Block) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, ok := t.state.blocks[block.ID]
	if !ok {
		return fmt.Errorf("block %s: %w", block.ID, ErrNotFound)
	}
	block.CreatedAt = current.CreatedAt
	block.UpdatedAt = t.now().UTC()
	block.Content = copyRaw(block.Content)
	block.ChildrenJSON = copyRaw(block.ChildrenJSON)
	t.state.blocks[block.ID] = block
	return nil
}

func (t *memTx) collectBlocks(match func(Block) bool) []Block {
	items := make([]Block, 0)
	for _, block := range t.state.blocks {
		if match(block) {
			items = append(items, block)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PageID != items[j].PageID {
			return items[i].PageID < items[j].PageID
		}
		if items[i].OrderKey != items[j].OrderKey {
			return items[i].OrderKey < items[j].OrderKey
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (t *memTx) ListBlocksByPages(_ context.Context, pageIDs []string) ([]Block, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	pages := toSet(pageIDs)
	return t.collectBlocks(func(b Block) bool {
		_, ok := pages[b.PageID]
		return ok
	}), nil
}

func (t *memTx) ListMirrors(_ context.Context, sourceIDs []string) ([]Block, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	sources := toSet(sourceIDs)
	return t.collectBlocks(func(b Block) bool {
		if !b.IsMirror() {
			return false
		}
		_, ok := sources[*b.SourceBlockID]
		return ok
	}), nil
}

func (t *memTx) DeleteBlocks(_ context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(t.state.blocks, id)
		delete(t.state.order, id)
	}
	return nil
}

// Databases

func (t *memTx) GetDatabase(_ context.Context, id string) (Database, error) {
	db, ok := t.state.databases[id]
	if !ok {
		return Database{}, fmt.Errorf("database %s: %w", id, ErrNotFound)
	}
	return db, nil
}

func (t *memTx) GetDatabaseByPage(_ context.Context, pageID string) (Database, error) {
	for _, db := range t.state.databases {
		if db.PageID == pageID {
			return db, nil
		}
	}
	return Database{}, fmt.Errorf("database for page %s: %w", pageID, ErrNotFound)
}

func (t *memTx) ListDatabasesByPages(_ context.Context, pageIDs []string) ([]Database, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	pages := toSet(pageIDs)
	items := make([]Database, 0)
	for _, db := range t.state.databases {
		if _, ok := pages[db.PageID]; ok {
			items = append(items, db)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (t *memTx) InsertDatabase(_ context.Context, db Database) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.pages[db.PageID]; !ok {
		return fmt.Errorf("page %s: %w", db.PageID, ErrNotFound)
	}
	for _, existing := range t.state.databases {
		if existing.PageID == db.PageID {
			return fmt.Errorf("page %s already has a database: %w", db.PageID, ErrConflict)
		}
	}
	t.state.databases[db.ID] = db
	t.state.touch(db.ID)
	return nil
}

func (t *memTx) DeleteDatabases(_ context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(t.state.databases, id)
		delete(t.state.order, id)
	}
	return nil
}

// Properties

func (t *memTx) GetProperty(_ context.Context, id string) (Property, error) {
	prop, ok := t.state.properties[id]
	if !ok {
		return Property{}, fmt.Errorf("property %s: %w", id, ErrNotFound)
	}
	return copyProperty(prop), nil
}

func (t *memTx) InsertProperty(_ context.Context, prop Property) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.databases[prop.DatabaseID]; !ok {
		return fmt.Errorf("database %s: %w", prop.DatabaseID, ErrNotFound)
	}
	t.state.properties[prop.ID] = copyProperty(prop)
	t.state.touch(prop.ID)
	return nil
}

func (t *memTx) UpdateProperty(_ context.Context, prop Property) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, ok := t.state.properties[prop.ID]
	if !ok {
		return fmt.Errorf("property %s: %w", prop.ID, ErrNotFound)
	}
	prop.DatabaseID = current.DatabaseID
	prop.CreatedAt = current.CreatedAt
	t.state.properties[prop.ID] = copyProperty(prop)
	return nil
}

func (t *memTx) collectProperties(match func(Property) bool) []Property {
	ids := make([]string, 0)
	for id, prop := range t.state.properties {
		if match(prop) {
			ids = append(ids, id)
		}
	}
	t.sortByOrder(ids)
	items := make([]Property, 0, len(ids))
	for _, id := range ids {
		items = append(items, copyProperty(t.state.properties[id]))
	}
	return items
}

func (t *memTx) ListProperties(_ context.Context, databaseID string) ([]Property, error) {
	return t.collectProperties(func(p Property) bool { return p.DatabaseID == databaseID }), nil
}

func (t *memTx) ListPropertiesTargeting(_ context.Context, databaseIDs []string) ([]Property, error) {
	if len(databaseIDs) == 0 {
		return nil, nil
	}
	targets := toSet(databaseIDs)
	return t.collectProperties(func(p Property) bool {
		if !p.IsRelation() {
			return false
		}
		_, ok := targets[p.Relation.TargetDatabaseID]
		return ok
	}), nil
}

func (t *memTx) DeletePropertiesByDatabases(_ context.Context, databaseIDs []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	dbs := toSet(databaseIDs)
	for id, prop := range t.state.properties {
		if _, ok := dbs[prop.DatabaseID]; ok {
			delete(t.state.properties, id)
			delete(t.state.order, id)
		}
	}
	return nil
}

// Rows

func (t *memTx) GetRow(_ context.Context, id string) (Row, error) {
	row, ok := t.state.rows[id]
	if !ok {
		return Row{}, fmt.Errorf("row %s: %w", id, ErrNotFound)
	}
	return copyRow(row), nil
}

func (t *memTx) GetRows(_ context.Context, ids []string) ([]Row, error) {
	items := make([]Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := t.state.rows[id]; ok {
			items = append(items, copyRow(row))
		}
	}
	return items, nil
}

func (t *memTx) InsertRow(_ context.Context, row Row) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.databases[row.DatabaseID]; !ok {
		return fmt.Errorf("database %s: %w", row.DatabaseID, ErrNotFound)
	}
	t.state.rows[row.ID] = copyRow(row)
	t.state.touch(row.ID)
	return nil
}

func (t *memTx) UpdateRow(_ context.Context, row Row) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, ok := t.state.rows[row.ID]
	if !ok {
		return fmt.Errorf("row %s: %w", row.ID, ErrNotFound)
	}
	current.Values = row.Values
	current.UpdatedAt = t.now().UTC()
	t.state.rows[row.ID] = copyRow(current)
	return nil
}

func (t *memTx) ListRows(_ context.Context, databaseID string) ([]Row, error) {
	ids, _ := t.ListRowIDsByDatabases(context.Background(), []string{databaseID})
	t.sortByOrder(ids)
	items := make([]Row, 0, len(ids))
	for _, id := range ids {
		items = append(items, copyRow(t.state.rows[id]))
	}
	return items, nil
}

func (t *memTx) ListRowIDsByDatabases(_ context.Context, databaseIDs []string) ([]string, error) {
	if len(databaseIDs) == 0 {
		return nil, nil
	}
	dbs := toSet(databaseIDs)
	ids := make([]string, 0)
	for id, row := range t.state.rows {
		if _, ok := dbs[row.DatabaseID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) DeleteRows(_ context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(t.state.rows, id)
		delete(t.state.order, id)
	}
	return nil
}

// Relation cells

func (t *memTx) GetCell(_ context.Context, rowID, propertyID string) (RelationCell, error) {
	linked := t.state.cells[cellKey{row: rowID, property: propertyID}]
	return RelationCell{RowID: rowID, PropertyID: propertyID, LinkedRowIDs: append([]string(nil), linked...)}, nil
}

func (t *memTx) PutCell(_ context.Context, cell RelationCell) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := cellKey{row: cell.RowID, property: cell.PropertyID}
	if len(cell.LinkedRowIDs) == 0 {
		delete(t.state.cells, key)
		return nil
	}
	t.state.cells[key] = append([]string(nil), cell.LinkedRowIDs...)
	return nil
}

func (t *memTx) collectCells(match func(cellKey) bool) []RelationCell {
	items := make([]RelationCell, 0)
	for key, linked := range t.state.cells {
		if match(key) {
			items = append(items, RelationCell{RowID: key.row, PropertyID: key.property, LinkedRowIDs: append([]string(nil), linked...)})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].RowID != items[j].RowID {
			return items[i].RowID < items[j].RowID
		}
		return items[i].PropertyID < items[j].PropertyID
	})
	return items
}

func (t *memTx) ListCellsByRows(_ context.Context, rowIDs []string) ([]RelationCell, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	rows := toSet(rowIDs)
	return t.collectCells(func(k cellKey) bool {
		_, ok := rows[k.row]
		return ok
	}), nil
}

func (t *memTx) ListCells(context.Context) ([]RelationCell, error) {
	return t.collectCells(func(cellKey) bool { return true }), nil
}

func (t *memTx) DeleteCellsByRows(_ context.Context, rowIDs []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	rows := toSet(rowIDs)
	for key := range t.state.cells {
		if _, ok := rows[key.row]; ok {
			delete(t.state.cells, key)
		}
	}
	return nil
}

// Back-reference index

func (t *memTx) AddRef(_ context.Context, ref RelationRef) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.addRef(refKey{target: ref.TargetRowID, property: ref.PropertyID, source: ref.SourceRowID})
	return nil
}

func (t *memTx) RemoveRef(_ context.Context, ref RelationRef) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.removeRef(refKey{target: ref.TargetRowID, property: ref.PropertyID, source: ref.SourceRowID})
	return nil
}

func sortRefs(items []RelationRef) []RelationRef {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.TargetRowID != b.TargetRowID {
			return a.TargetRowID < b.TargetRowID
		}
		if a.PropertyID != b.PropertyID {
			return a.PropertyID < b.PropertyID
		}
		return a.SourceRowID < b.SourceRowID
	})
	return items
}

func appendRefs(items []RelationRef, keys map[refKey]struct{}) []RelationRef {
	for key := range keys {
		items = append(items, RelationRef{TargetRowID: key.target, PropertyID: key.property, SourceRowID: key.source})
	}
	return items
}

// ListRefsTo looks up each target directly in the index.
func (t *memTx) ListRefsTo(_ context.Context, targetRowIDs []string) ([]RelationRef, error) {
	if len(targetRowIDs) == 0 {
		return nil, nil
	}
	items := make([]RelationRef, 0)
	for target := range toSet(targetRowIDs) {
		items = appendRefs(items, t.state.refsTo[target])
	}
	return sortRefs(items), nil
}

func (t *memTx) ListRefs(context.Context) ([]RelationRef, error) {
	items := make([]RelationRef, 0)
	for _, keys := range t.state.refsTo {
		items = appendRefs(items, keys)
	}
	return sortRefs(items), nil
}

func (t *memTx) DeleteRefsInvolving(_ context.Context, rowIDs []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	var doomed []refKey
	for row := range toSet(rowIDs) {
		for key := range t.state.refsTo[row] {
			doomed = append(doomed, key)
		}
		for key := range t.state.refsFrom[row] {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		t.state.removeRef(key)
	}
	return nil
}

func (t *memTx) DeleteAllRefs(context.Context) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.refsTo = map[string]map[refKey]struct{}{}
	t.state.refsFrom = map[string]map[refKey]struct{}{}
	return nil
}
