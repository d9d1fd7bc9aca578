package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/erdodo/notion-sub004/internal/archive"
	"github.com/erdodo/notion-sub004/internal/auth"
	"github.com/erdodo/notion-sub004/internal/blocks"
	"github.com/erdodo/notion-sub004/internal/config"
	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/pagetree"
	"github.com/erdodo/notion-sub004/internal/rbac"
	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/erdodo/notion-sub004/internal/search"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/synced"
	"github.com/erdodo/notion-sub004/internal/util"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

type Session struct {
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

// Searcher answers search queries. search.Service is the production value.
type Searcher interface {
	Search(q search.Query) search.Response
}

// Deps are the collaborators wired in by cmd/api. Only Store is required.
type Deps struct {
	Store     store.Store
	Publisher notify.Publisher
	Search    *search.Service
	Assets    archive.Assets
	Logger    zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     store.Store
	registry  *blocks.Registry
	tree      *pagetree.Manager
	archive   *archive.Controller
	synced    *synced.Propagator
	relations *relation.Engine
	search    Searcher
	index     archive.Indexer
	publisher notify.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	logger := deps.Logger
	registry := blocks.Default()
	propagator := synced.New(deps.Store, registry, publisher, logger, cfg.MaxSyncHops)
	relations := relation.New(deps.Store, publisher, logger)

	opts := archive.Options{Assets: deps.Assets}
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		registry:  registry,
		tree:      pagetree.New(deps.Store, logger),
		synced:    propagator,
		relations: relations,
		publisher: publisher,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
	if deps.Search != nil {
		s.search = deps.Search
		s.index = deps.Search
		opts.Index = deps.Search
	}
	s.archive = archive.New(deps.Store, propagator, relations, publisher, logger, opts)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Relations exposes the relation engine for operator tooling.
func (s *Service) Relations() *relation.Engine {
	return s.relations
}

// Archive exposes the archive controller for operator tooling.
func (s *Service) Archive() *archive.Controller {
	return s.archive
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// Pages

type CreatePageInput struct {
	ParentID *string `json:"parentId"`
	Title    string  `json:"title"`
	Icon     string  `json:"icon"`
}

func (s *Service) CreatePage(ctx context.Context, session Session, input CreatePageInput) (store.Page, error) {
	now := s.now().UTC()
	page := store.Page{
		ID:        util.NewID("pg"),
		ParentID:  blankToNil(input.ParentID),
		OwnerID:   session.UserID,
		Title:     strings.TrimSpace(input.Title),
		Icon:      strings.TrimSpace(input.Icon),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := archive.RequireActiveParentTx(ctx, tx, page.ParentID); err != nil {
			return err
		}
		return tx.InsertPage(ctx, page)
	})
	if err != nil {
		return store.Page{}, err
	}
	s.indexPage(ctx, page, nil)
	return page, nil
}

func (s *Service) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	var page store.Page
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		page, err = tx.GetPage(ctx, pageID)
		return err
	})
	return page, err
}

type UpdatePageInput struct {
	Title   *string `json:"title"`
	Icon    *string `json:"icon"`
	Version int64   `json:"version"`
}

func (s *Service) UpdatePage(ctx context.Context, pageID string, input UpdatePageInput) (store.Page, error) {
	if input.Title == nil && input.Icon == nil {
		return store.Page{}, validationError("title or icon is required", nil)
	}
	var updated store.Page
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		if input.Version != 0 {
			page.Version = input.Version
		}
		if input.Title != nil {
			page.Title = strings.TrimSpace(*input.Title)
		}
		if input.Icon != nil {
			page.Icon = strings.TrimSpace(*input.Icon)
		}
		page.UpdatedAt = s.now().UTC()
		updated, err = tx.UpdatePage(ctx, page)
		return err
	})
	if err != nil {
		return store.Page{}, err
	}
	s.indexPage(ctx, updated, nil)
	return updated, nil
}

// ListRootPages returns the owner's active top-level pages.
func (s *Service) ListRootPages(ctx context.Context, ownerID string) ([]store.Page, error) {
	var pages []store.Page
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		pages, err = tx.ListRootPages(ctx, ownerID)
		return err
	})
	return pages, err
}

func (s *Service) Children(ctx context.Context, pageID string) ([]store.Page, error) {
	return s.tree.Children(ctx, pageID)
}

func (s *Service) Descendants(ctx context.Context, pageID string) ([]store.Page, error) {
	return s.tree.Descendants(ctx, pageID)
}

func (s *Service) Ancestors(ctx context.Context, pageID string) ([]store.Page, error) {
	return s.tree.Ancestors(ctx, pageID)
}

func (s *Service) Tree(ctx context.Context, pageID string) (store.PageTreeNode, error) {
	return s.tree.Tree(ctx, pageID)
}

type MovePageInput struct {
	ParentID *string `json:"parentId"`
	Version  int64   `json:"version"`
}

// MovePage re-parents a page. Without an explicit version, concurrent
// modification is retried up to MoveRetries times against fresh data.
func (s *Service) MovePage(ctx context.Context, pageID string, input MovePageInput) (store.Page, error) {
	in := pagetree.MoveInput{PageID: pageID, NewParentID: blankToNil(input.ParentID), ExpectedVersion: input.Version}
	var moved store.Page
	attempts := 0
	backoff := retry.WithMaxRetries(s.cfg.MoveRetries, retry.NewExponential(20*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			if err := archive.RequireActiveParentTx(ctx, tx, in.NewParentID); err != nil {
				return err
			}
			var err error
			moved, err = pagetree.MoveTx(ctx, tx, in)
			return err
		})
		if errors.Is(err, store.ErrConcurrentModification) && input.Version == 0 {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, pagetree.ErrCorruptHierarchy) {
			s.logger.Error().Err(err).Str("page_id", pageID).Msg("page hierarchy is corrupt")
		}
		return store.Page{}, err
	}
	if attempts > 1 {
		s.logger.Info().Str("page_id", pageID).Int("attempts", attempts).Msg("move retried after conflict")
	}
	s.publisher.Publish(ctx, notify.PageChannel(moved.ID), notify.EventPageMoved, notify.PageEvent{PageID: moved.ID, ParentID: moved.ParentID})
	return moved, nil
}

func (s *Service) ArchivePage(ctx context.Context, pageID string) ([]store.Page, error) {
	return s.archive.Archive(ctx, pageID)
}

func (s *Service) RestorePage(ctx context.Context, pageID string) (store.Page, error) {
	return s.archive.Restore(ctx, pageID)
}

func (s *Service) ListArchived(ctx context.Context, ownerID string) ([]store.Page, error) {
	return s.archive.ListArchived(ctx, ownerID)
}

func (s *Service) DeletePage(ctx context.Context, pageID string) (archive.PurgeReport, error) {
	return s.archive.Delete(ctx, pageID)
}

// Blocks

type CreateBlockInput struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	OrderKey string          `json:"orderKey"`
}

func (s *Service) ListBlocks(ctx context.Context, pageID string) ([]synced.Rendered, error) {
	return s.synced.ListPageBlocks(ctx, pageID)
}

func (s *Service) CreateBlock(ctx context.Context, pageID string, input CreateBlockInput) (store.Block, error) {
	if strings.TrimSpace(input.Type) == "" {
		return store.Block{}, validationError("type is required", nil)
	}
	block, err := s.synced.CreateBlock(ctx, synced.CreateInput{
		PageID:   pageID,
		Type:     strings.TrimSpace(input.Type),
		Content:  input.Content,
		OrderKey: strings.TrimSpace(input.OrderKey),
	})
	if err != nil {
		return store.Block{}, err
	}
	s.indexBlocks(ctx, pageID, block)
	return block, nil
}

func (s *Service) ResolveBlock(ctx context.Context, blockID string) (synced.Resolved, error) {
	return s.synced.Resolve(ctx, blockID)
}

func (s *Service) EditBlock(ctx context.Context, blockID string, content json.RawMessage) (store.Block, error) {
	block, err := s.synced.PropagateEdit(ctx, blockID, content)
	if err != nil {
		return store.Block{}, err
	}
	s.indexBlocks(ctx, block.PageID, block)
	return block, nil
}

type MoveBlockInput struct {
	PageID   *string `json:"pageId"`
	OrderKey string  `json:"orderKey"`
}

func (s *Service) MoveBlock(ctx context.Context, blockID string, input MoveBlockInput) (store.Block, error) {
	if input.PageID == nil && strings.TrimSpace(input.OrderKey) == "" {
		return store.Block{}, validationError("pageId or orderKey is required", nil)
	}
	block, err := s.synced.MoveBlock(ctx, blockID, synced.MoveInput{PageID: blankToNil(input.PageID), OrderKey: strings.TrimSpace(input.OrderKey)})
	if err != nil {
		return store.Block{}, err
	}
	if !block.IsMirror() {
		s.indexBlocks(ctx, block.PageID, block)
	}
	return block, nil
}

type CreateMirrorInput struct {
	PageID   string `json:"pageId"`
	OrderKey string `json:"orderKey"`
}

func (s *Service) CreateMirror(ctx context.Context, blockID string, input CreateMirrorInput) (store.Block, error) {
	if strings.TrimSpace(input.PageID) == "" {
		return store.Block{}, validationError("pageId is required", nil)
	}
	return s.synced.CreateMirror(ctx, blockID, strings.TrimSpace(input.PageID), strings.TrimSpace(input.OrderKey))
}

func (s *Service) DeleteBlock(ctx context.Context, blockID string) error {
	if err := s.synced.DeleteBlock(ctx, blockID); err != nil {
		return err
	}
	if s.index != nil {
		s.index.RemovePages(ctx, nil, []string{blockID})
	}
	return nil
}

// Search

func (s *Service) Search(session Session, text string, resultType string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:       text,
		OwnerID:    session.UserID,
		FilterType: search.ResultType(resultType),
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Service) indexPage(ctx context.Context, page store.Page, blocks []store.Block) {
	if s.index == nil {
		return
	}
	s.index.IndexPages(ctx, []store.Page{page}, blocks)
}

func (s *Service) indexBlocks(ctx context.Context, pageID string, blocks ...store.Block) {
	if s.index == nil {
		return
	}
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		s.logger.Warn().Err(err).Str("page_id", pageID).Msg("skip block indexing")
		return
	}
	s.index.IndexPages(ctx, []store.Page{page}, blocks)
}

func blankToNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError(fmt.Sprintf("%s is required", name), nil)
	}
	return nil
}
