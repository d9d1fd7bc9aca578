// Package pagetree maintains the parent/child structure of pages: traversal,
// cycle-safe moves and the defensive hierarchy checks behind them.
package pagetree

import (
	"context"
	"errors"
	"fmt"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidMove is returned when a move would make a page its own ancestor.
	ErrInvalidMove = errors.New("invalid move")
	// ErrCorruptHierarchy means the stored parent links already contain a cycle.
	ErrCorruptHierarchy = errors.New("corrupt hierarchy")
)

type Manager struct {
	store  store.Store
	logger zerolog.Logger
}

func New(s store.Store, logger zerolog.Logger) *Manager {
	return &Manager{store: s, logger: logger.With().Str("component", "pagetree").Logger()}
}

// MoveInput describes a structural edit. A nil NewParentID moves the page to
// the top level. ExpectedVersion, when non-zero, must match the stored page.
type MoveInput struct {
	PageID          string
	NewParentID     *string
	ExpectedVersion int64
}

func (m *Manager) Children(ctx context.Context, pageID string) ([]store.Page, error) {
	var children []store.Page
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		children, err = ChildrenTx(ctx, tx, pageID)
		return err
	})
	return children, err
}

func (m *Manager) Descendants(ctx context.Context, pageID string) ([]store.Page, error) {
	var pages []store.Page
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		pages, err = DescendantsTx(ctx, tx, pageID)
		return err
	})
	return pages, m.logCorrupt(err, pageID)
}

func (m *Manager) Ancestors(ctx context.Context, pageID string) ([]store.Page, error) {
	var pages []store.Page
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		pages, err = AncestorsTx(ctx, tx, pageID)
		return err
	})
	return pages, m.logCorrupt(err, pageID)
}

// Tree returns pageID with its whole subtree nested.
func (m *Manager) Tree(ctx context.Context, pageID string) (store.PageTreeNode, error) {
	var root store.Page
	var descendants []store.Page
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		if root, err = tx.GetPage(ctx, pageID); err != nil {
			return err
		}
		descendants, err = DescendantsTx(ctx, tx, pageID)
		return err
	})
	if err != nil {
		return store.PageTreeNode{}, m.logCorrupt(err, pageID)
	}
	return BuildTree(root, descendants), nil
}

func (m *Manager) Move(ctx context.Context, in MoveInput) (store.Page, error) {
	var moved store.Page
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		moved, err = MoveTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return store.Page{}, m.logCorrupt(err, in.PageID)
	}
	m.logger.Info().Str("page_id", in.PageID).Interface("parent_id", in.NewParentID).Int64("version", moved.Version).Msg("page moved")
	return moved, nil
}

func (m *Manager) logCorrupt(err error, pageID string) error {
	if errors.Is(err, ErrCorruptHierarchy) {
		m.logger.Error().Err(err).Str("page_id", pageID).Msg("page hierarchy is corrupt")
	}
	return err
}

// ChildrenTx lists the direct children of pageID in stored order.
func ChildrenTx(ctx context.Context, tx store.Tx, pageID string) ([]store.Page, error) {
	if _, err := tx.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	return tx.ListChildren(ctx, []string{pageID})
}

// DescendantsTx returns the full subtree below pageID, level by level. The
// walk is bounded by the total page count and fails with ErrCorruptHierarchy
// when a page is reached twice.
func DescendantsTx(ctx context.Context, tx store.Tx, pageID string) ([]store.Page, error) {
	if _, err := tx.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	limit, err := tx.CountPages(ctx)
	if err != nil {
		return nil, err
	}

	visited := map[string]struct{}{pageID: {}}
	frontier := []string{pageID}
	descendants := make([]store.Page, 0)
	for len(frontier) > 0 {
		children, err := tx.ListChildren(ctx, frontier)
		if err != nil {
			return nil, err
		}
		next := make([]string, 0, len(children))
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				return nil, fmt.Errorf("%w: page %s reached twice below %s", ErrCorruptHierarchy, child.ID, pageID)
			}
			visited[child.ID] = struct{}{}
			if len(visited) > limit {
				return nil, fmt.Errorf("%w: subtree of %s exceeds %d pages", ErrCorruptHierarchy, pageID, limit)
			}
			descendants = append(descendants, child)
			next = append(next, child.ID)
		}
		frontier = next
	}
	return descendants, nil
}

// AncestorsTx returns the parent chain of pageID, nearest first.
func AncestorsTx(ctx context.Context, tx store.Tx, pageID string) ([]store.Page, error) {
	page, err := tx.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	limit, err := tx.CountPages(ctx)
	if err != nil {
		return nil, err
	}

	ancestors := make([]store.Page, 0)
	visited := map[string]struct{}{page.ID: {}}
	for page.ParentID != nil {
		parent, err := tx.GetPage(ctx, *page.ParentID)
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: page %s points at missing parent %s", ErrCorruptHierarchy, page.ID, *page.ParentID)
		}
		if err != nil {
			return nil, err
		}
		if _, seen := visited[parent.ID]; seen || len(visited) > limit {
			return nil, fmt.Errorf("%w: parent chain of %s loops at %s", ErrCorruptHierarchy, pageID, parent.ID)
		}
		visited[parent.ID] = struct{}{}
		ancestors = append(ancestors, parent)
		page = parent
	}
	return ancestors, nil
}

// MoveTx re-parents a page after validating against the parent links stored
// at write time. The write carries the page version read in the same unit.
func MoveTx(ctx context.Context, tx store.Tx, in MoveInput) (store.Page, error) {
	page, err := tx.GetPage(ctx, in.PageID)
	if err != nil {
		return store.Page{}, err
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != page.Version {
		return store.Page{}, fmt.Errorf("page %s is at version %d, not %d: %w", page.ID, page.Version, in.ExpectedVersion, store.ErrConcurrentModification)
	}

	if in.NewParentID != nil {
		parentID := *in.NewParentID
		if parentID == page.ID {
			return store.Page{}, fmt.Errorf("%w: page %s cannot be its own parent", ErrInvalidMove, page.ID)
		}
		// The new parent is a descendant of page iff page is one of its ancestors.
		ancestors, err := AncestorsTx(ctx, tx, parentID)
		if err != nil {
			return store.Page{}, err
		}
		for _, ancestor := range ancestors {
			if ancestor.ID == page.ID {
				return store.Page{}, fmt.Errorf("%w: %s is below %s", ErrInvalidMove, parentID, page.ID)
			}
		}
	}

	page.ParentID = in.NewParentID
	return tx.UpdatePage(ctx, page)
}

// BuildTree nests descendants under root using their parent links.
func BuildTree(root store.Page, descendants []store.Page) store.PageTreeNode {
	byParent := make(map[string][]store.Page, len(descendants))
	for _, page := range descendants {
		if page.ParentID != nil {
			byParent[*page.ParentID] = append(byParent[*page.ParentID], page)
		}
	}
	var build func(page store.Page, depth int) store.PageTreeNode
	build = func(page store.Page, depth int) store.PageTreeNode {
		node := store.PageTreeNode{Page: page, Depth: depth}
		for _, child := range byParent[page.ID] {
			node.Children = append(node.Children, build(child, depth+1))
		}
		return node
	}
	return build(root, 0)
}
