// Package synced owns block lifecycle and keeps synced mirrors consistent with
// their canonical block. Edits flow one way, from the canonical block out to
// every page hosting a mirror.
package synced

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erdodo/notion-sub004/internal/blocks"
	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/util"
	"github.com/rs/zerolog"
)

const DefaultMaxHops = 32

var (
	// ErrSyncCycle is returned when a reference chain does not reach a
	// content-bearing block within the hop limit.
	ErrSyncCycle = errors.New("sync cycle")
	// ErrReadOnlyMirror is returned when content is written through a mirror.
	ErrReadOnlyMirror = errors.New("mirror is read-only")
)

type Propagator struct {
	store     store.Store
	registry  *blocks.Registry
	publisher notify.Publisher
	logger    zerolog.Logger
	maxHops   int
	now       func() time.Time
}

func New(s store.Store, registry *blocks.Registry, publisher notify.Publisher, logger zerolog.Logger, maxHops int) *Propagator {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Propagator{
		store:     s,
		registry:  registry,
		publisher: publisher,
		logger:    logger.With().Str("component", "synced").Logger(),
		maxHops:   maxHops,
		now:       time.Now,
	}
}

// MaxHops is the reference chain bound applied by p.
func (p *Propagator) MaxHops() int {
	return p.maxHops
}

// Resolved is a block with the canonical block its content comes from.
type Resolved struct {
	Block     store.Block
	Canonical store.Block
	Hops      int
}

// Content is the authoritative payload of the resolved block.
func (r Resolved) Content() json.RawMessage {
	return r.Canonical.Content
}

func (p *Propagator) Resolve(ctx context.Context, blockID string) (Resolved, error) {
	var resolved Resolved
	err := p.store.View(ctx, func(tx store.Tx) error {
		var err error
		resolved, err = ResolveTx(ctx, tx, blockID, p.maxHops)
		return err
	})
	if errors.Is(err, ErrSyncCycle) {
		p.logger.Error().Err(err).Str("block_id", blockID).Msg("synced block does not resolve")
	}
	return resolved, err
}

// ResolveTx follows sourceBlockId references from blockID to the first block
// that is not a mirror.
func ResolveTx(ctx context.Context, tx store.Tx, blockID string, maxHops int) (Resolved, error) {
	block, err := tx.GetBlock(ctx, blockID)
	if err != nil {
		return Resolved{}, err
	}
	current := block
	hops := 0
	for current.IsMirror() {
		if hops >= maxHops {
			return Resolved{}, fmt.Errorf("%w: %s still a reference after %d hops", ErrSyncCycle, blockID, hops)
		}
		next, err := tx.GetBlock(ctx, *current.SourceBlockID)
		if err != nil {
			return Resolved{}, fmt.Errorf("resolve %s: %w", blockID, err)
		}
		current = next
		hops++
	}
	return Resolved{Block: block, Canonical: current, Hops: hops}, nil
}

// mirrorsTx returns every block that reaches one of sourceIDs through
// sourceBlockId references, nearest first.
func mirrorsTx(ctx context.Context, tx store.Tx, sourceIDs []string, maxHops int) ([]store.Block, error) {
	visited := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		visited[id] = struct{}{}
	}
	frontier := sourceIDs
	out := make([]store.Block, 0)
	for depth := 0; len(frontier) > 0; depth++ {
		mirrors, err := tx.ListMirrors(ctx, frontier)
		if err != nil {
			return nil, err
		}
		if len(mirrors) > 0 && depth >= maxHops {
			return nil, fmt.Errorf("%w: mirror chain deeper than %d", ErrSyncCycle, maxHops)
		}
		next := make([]string, 0, len(mirrors))
		for _, mirror := range mirrors {
			if _, seen := visited[mirror.ID]; seen {
				continue
			}
			visited[mirror.ID] = struct{}{}
			out = append(out, mirror)
			next = append(next, mirror.ID)
		}
		frontier = next
	}
	return out, nil
}

// PropagateEdit replaces the canonical content of sourceBlockID, refreshes the
// snapshot cached on every mirror and notifies each hosting page once.
func (p *Propagator) PropagateEdit(ctx context.Context, sourceBlockID string, content json.RawMessage) (store.Block, error) {
	var source store.Block
	var pages []string
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if source, err = tx.GetBlock(ctx, sourceBlockID); err != nil {
			return err
		}
		if source.IsMirror() {
			return fmt.Errorf("%w: %s mirrors %s", ErrReadOnlyMirror, source.ID, *source.SourceBlockID)
		}
		normalized, plain, err := p.registry.Prepare(source.Type, content)
		if err != nil {
			return err
		}
		source.Content = normalized
		source.PlainText = plain
		if err := tx.UpdateBlock(ctx, source); err != nil {
			return err
		}

		mirrors, err := mirrorsTx(ctx, tx, []string{source.ID}, p.maxHops)
		if err != nil {
			return err
		}
		pages = appendUnique(pages, source.PageID)
		for _, mirror := range mirrors {
			mirror.ChildrenJSON = normalized
			if err := tx.UpdateBlock(ctx, mirror); err != nil {
				return err
			}
			pages = appendUnique(pages, mirror.PageID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSyncCycle) {
			p.logger.Error().Err(err).Str("block_id", sourceBlockID).Msg("synced block fan-out aborted")
		}
		return store.Block{}, err
	}

	for _, pageID := range pages {
		p.publisher.Publish(ctx, notify.PageChannel(pageID), notify.EventBlockUpdated, notify.BlockUpdated{
			BlockID: source.ID,
			Content: source.Content,
		})
	}
	p.logger.Debug().Str("block_id", source.ID).Int("pages", len(pages)).Msg("synced edit propagated")
	return source, nil
}

type CreateInput struct {
	PageID   string
	Type     string
	Content  json.RawMessage
	OrderKey string
}

func (p *Propagator) CreateBlock(ctx context.Context, in CreateInput) (store.Block, error) {
	normalized, plain, err := p.registry.Prepare(in.Type, in.Content)
	if err != nil {
		return store.Block{}, err
	}
	now := p.now().UTC()
	block := store.Block{
		ID:        util.NewID("blk"),
		PageID:    in.PageID,
		Type:      in.Type,
		OrderKey:  in.OrderKey,
		Content:   normalized,
		PlainText: plain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if block.OrderKey == "" {
		block.OrderKey = orderKey(now)
	}
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPage(ctx, in.PageID); err != nil {
			return err
		}
		return tx.InsertBlock(ctx, block)
	})
	if err != nil {
		return store.Block{}, err
	}
	p.publisher.Publish(ctx, notify.PageChannel(block.PageID), notify.EventBlockUpdated, notify.BlockUpdated{BlockID: block.ID, Content: block.Content})
	return block, nil
}

// CreateMirror places a mirror of blockID's canonical block on pageID, seeded
// with a snapshot of the current content.
func (p *Propagator) CreateMirror(ctx context.Context, blockID, pageID, key string) (store.Block, error) {
	now := p.now().UTC()
	var mirror store.Block
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPage(ctx, pageID); err != nil {
			return err
		}
		resolved, err := ResolveTx(ctx, tx, blockID, p.maxHops)
		if err != nil {
			return err
		}
		canonical := resolved.Canonical
		if canonical.Type == blocks.TypePlaceholder {
			return fmt.Errorf("%w: %s has lost its source", blocks.ErrReservedType, canonical.ID)
		}
		sourceID := canonical.ID
		mirror = store.Block{
			ID:            util.NewID("blk"),
			PageID:        pageID,
			Type:          blocks.TypeSyncedBlock,
			OrderKey:      key,
			Content:       json.RawMessage(`{}`),
			SourceBlockID: &sourceID,
			ChildrenJSON:  canonical.Content,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if mirror.OrderKey == "" {
			mirror.OrderKey = orderKey(now)
		}
		return tx.InsertBlock(ctx, mirror)
	})
	if err != nil {
		return store.Block{}, err
	}
	p.publisher.Publish(ctx, notify.PageChannel(pageID), notify.EventBlockUpdated, notify.BlockUpdated{BlockID: mirror.ID, Content: mirror.ChildrenJSON})
	return mirror, nil
}

// MoveInput changes only placement. A nil PageID keeps the current page.
type MoveInput struct {
	PageID   *string
	OrderKey string
}

// MoveBlock repositions a block. Mirrors accept placement changes.
func (p *Propagator) MoveBlock(ctx context.Context, blockID string, in MoveInput) (store.Block, error) {
	var block store.Block
	var fromPage string
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if block, err = tx.GetBlock(ctx, blockID); err != nil {
			return err
		}
		fromPage = block.PageID
		if in.PageID != nil && *in.PageID != block.PageID {
			if _, err := tx.GetPage(ctx, *in.PageID); err != nil {
				return err
			}
			block.PageID = *in.PageID
		}
		if in.OrderKey != "" {
			block.OrderKey = in.OrderKey
		}
		return tx.UpdateBlock(ctx, block)
	})
	if err != nil {
		return store.Block{}, err
	}
	payload := notify.BlockMoved{BlockID: block.ID, PageID: block.PageID, OrderKey: block.OrderKey}
	p.publisher.Publish(ctx, notify.PageChannel(block.PageID), notify.EventBlockMoved, payload)
	if fromPage != block.PageID {
		p.publisher.Publish(ctx, notify.PageChannel(fromPage), notify.EventBlockMoved, payload)
	}
	return block, nil
}

// DeleteBlock removes a block. Mirrors that reference it are turned into
// inert placeholders rather than removed.
func (p *Propagator) DeleteBlock(ctx context.Context, blockID string) error {
	var block store.Block
	var placeholders []store.Block
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if block, err = tx.GetBlock(ctx, blockID); err != nil {
			return err
		}
		if placeholders, err = DetachMirrorsTx(ctx, tx, []string{block.ID}, nil, p.maxHops); err != nil {
			return err
		}
		return tx.DeleteBlocks(ctx, []string{block.ID})
	})
	if err != nil {
		return err
	}
	p.publisher.Publish(ctx, notify.PageChannel(block.PageID), notify.EventBlockDeleted, notify.BlockDeleted{BlockID: block.ID, PageID: block.PageID})
	p.PublishPlaceholders(ctx, placeholders)
	return nil
}

// DetachMirrorsTx converts every mirror reaching one of sourceIDs into a
// placeholder, except mirrors hosted on pages in skipPages, which the caller
// is about to delete.
func DetachMirrorsTx(ctx context.Context, tx store.Tx, sourceIDs []string, skipPages map[string]struct{}, maxHops int) ([]store.Block, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	mirrors, err := mirrorsTx(ctx, tx, sourceIDs, maxHops)
	if err != nil {
		return nil, err
	}
	converted := make([]store.Block, 0, len(mirrors))
	for _, mirror := range mirrors {
		if _, skip := skipPages[mirror.PageID]; skip {
			continue
		}
		placeholder := toPlaceholder(mirror)
		if err := tx.UpdateBlock(ctx, placeholder); err != nil {
			return nil, err
		}
		converted = append(converted, placeholder)
	}
	return converted, nil
}

func toPlaceholder(mirror store.Block) store.Block {
	source := ""
	if mirror.SourceBlockID != nil {
		source = *mirror.SourceBlockID
	}
	mirror.Type = blocks.TypePlaceholder
	mirror.Content = blocks.Placeholder(source, "source deleted")
	mirror.PlainText = ""
	mirror.SourceBlockID = nil
	return mirror
}

// PublishPlaceholders tells each hosting page about its converted mirrors.
func (p *Propagator) PublishPlaceholders(ctx context.Context, placeholders []store.Block) {
	for _, block := range placeholders {
		p.publisher.Publish(ctx, notify.PageChannel(block.PageID), notify.EventBlockUpdated, notify.BlockUpdated{BlockID: block.ID, Content: block.Content})
	}
	if len(placeholders) > 0 {
		p.logger.Info().Int("placeholders", len(placeholders)).Msg("mirrors detached from deleted source")
	}
}

// Rendered is a page block with the content a reader should see.
type Rendered struct {
	Block   store.Block     `json:"block"`
	Content json.RawMessage `json:"content"`
	// Stale marks mirrors whose source could not be resolved; Content is then
	// the last cached snapshot.
	Stale bool `json:"stale"`
}

// ListPageBlocks returns the blocks of pageID in order, with mirror content
// resolved from the canonical block.
func (p *Propagator) ListPageBlocks(ctx context.Context, pageID string) ([]Rendered, error) {
	out := make([]Rendered, 0)
	err := p.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPage(ctx, pageID); err != nil {
			return err
		}
		list, err := tx.ListBlocksByPages(ctx, []string{pageID})
		if err != nil {
			return err
		}
		for _, block := range list {
			rendered := Rendered{Block: block, Content: block.Content}
			if block.IsMirror() {
				resolved, err := ResolveTx(ctx, tx, block.ID, p.maxHops)
				switch {
				case err == nil:
					rendered.Content = resolved.Content()
				case errors.Is(err, ErrSyncCycle), store.IsNotFound(err):
					p.logger.Warn().Err(err).Str("block_id", block.ID).Msg("serving cached mirror snapshot")
					rendered.Content = block.ChildrenJSON
					rendered.Stale = true
				default:
					return err
				}
			}
			out = append(out, rendered)
		}
		return nil
	})
	return out, err
}

func orderKey(at time.Time) string {
	return fmt.Sprintf("%020d", at.UnixNano())
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
