package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erdodo/notion-sub004/internal/auth"
	"github.com/erdodo/notion-sub004/internal/rbac"
	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/rs/zerolog"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.With().Str("component", "http").Logger()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "session":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{"userId": session.UserID, "userName": session.UserName, "role": session.Role})
			return
		}
	case "pages":
		if len(parts) == 2 {
			s.handlePageCollection(w, r, session)
			return
		}
		s.handlePage(w, r, session, parts[2], parts[3:])
		return
	case "trash":
		if len(parts) == 2 && r.Method == http.MethodGet {
			if !s.allow(w, session, rbac.ActionRead) {
				return
			}
			pages, err := s.service.ListArchived(r.Context(), session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pages": pagesJSON(pages)})
			return
		}
	case "blocks":
		if len(parts) >= 3 {
			s.handleBlock(w, r, session, parts[2], parts[3:])
			return
		}
	case "databases":
		if len(parts) >= 3 {
			s.handleDatabase(w, r, session, parts[2], parts[3:])
			return
		}
	case "properties":
		if len(parts) == 4 && parts[3] == "relation" && r.Method == http.MethodPut {
			s.handleRelationSchema(w, r, session, parts[2])
			return
		}
	case "rows":
		if len(parts) == 3 {
			s.handleRow(w, r, session, parts[2])
			return
		}
	case "relations":
		if len(parts) == 3 {
			s.handleRelations(w, r, session, parts[2])
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r, session)
			return
		}
	case "admin":
		if s.handleAdmin(w, r, session, parts[2:]) {
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePageCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		pages, err := s.service.ListRootPages(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pagesJSON(pages)})
	case http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body CreatePageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		page, err := s.service.CreatePage(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"page": pageJSON(page)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request, session Session, pageID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, session, rbac.ActionRead) {
				return
			}
			page, err := s.service.GetPage(ctx, pageID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
		case http.MethodPut:
			if !s.allow(w, session, rbac.ActionWrite) {
				return
			}
			var body UpdatePageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			page, err := s.service.UpdatePage(ctx, pageID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
		case http.MethodDelete:
			if !s.allow(w, session, rbac.ActionPurge) {
				return
			}
			report, err := s.service.DeletePage(ctx, pageID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"purged": report})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && rest[0] == "children":
		s.readPages(w, r, session, func() ([]store.Page, error) { return s.service.Children(ctx, pageID) })
	case r.Method == http.MethodGet && rest[0] == "descendants":
		s.readPages(w, r, session, func() ([]store.Page, error) { return s.service.Descendants(ctx, pageID) })
	case r.Method == http.MethodGet && rest[0] == "ancestors":
		s.readPages(w, r, session, func() ([]store.Page, error) { return s.service.Ancestors(ctx, pageID) })
	case r.Method == http.MethodGet && rest[0] == "tree":
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		tree, err := s.service.Tree(ctx, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": treeJSON(tree)})
	case r.Method == http.MethodPost && rest[0] == "move":
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body MovePageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		page, err := s.service.MovePage(ctx, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
	case r.Method == http.MethodPost && rest[0] == "archive":
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		archived, err := s.service.ArchivePage(ctx, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archived": pagesJSON(archived)})
	case r.Method == http.MethodPost && rest[0] == "restore":
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		page, err := s.service.RestorePage(ctx, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
	case rest[0] == "blocks" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.ListBlocks(ctx, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blocks": renderedJSON(items)})
	case rest[0] == "blocks" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body CreateBlockInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := s.service.CreateBlock(ctx, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"block": blockJSON(block)})
	case rest[0] == "database" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body CreateDatabaseInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		db, err := s.service.CreateDatabase(ctx, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"database": databaseJSON(db)})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) readPages(w http.ResponseWriter, r *http.Request, session Session, load func() ([]store.Page, error)) {
	if !s.allow(w, session, rbac.ActionRead) {
		return
	}
	pages, err := load()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pagesJSON(pages)})
}

func (s *HTTPServer) handleBlock(w http.ResponseWriter, r *http.Request, session Session, blockID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		resolved, err := s.service.ResolveBlock(ctx, blockID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"block": resolvedJSON(resolved)})
	case len(rest) == 0 && r.Method == http.MethodDelete:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		if err := s.service.DeleteBlock(ctx, blockID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) == 1 && rest[0] == "content" && r.Method == http.MethodPut:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := s.service.EditBlock(ctx, blockID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"block": blockJSON(block)})
	case len(rest) == 1 && rest[0] == "move" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body MoveBlockInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := s.service.MoveBlock(ctx, blockID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"block": blockJSON(block)})
	case len(rest) == 1 && rest[0] == "mirror" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body CreateMirrorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := s.service.CreateMirror(ctx, blockID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"block": blockJSON(block)})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDatabase(w http.ResponseWriter, r *http.Request, session Session, databaseID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		view, err := s.service.GetDatabase(ctx, databaseID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"database": databaseJSON(view.Database), "properties": propertiesJSON(view.Properties)})
	case len(rest) == 1 && rest[0] == "properties" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body AddPropertyInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		props, err := s.service.AddProperty(ctx, databaseID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"properties": propertiesJSON(props)})
	case len(rest) == 1 && rest[0] == "rows" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		rows, err := s.service.ListRows(ctx, databaseID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(rows))
		for _, view := range rows {
			payload := rowJSON(view.Row)
			payload["relations"] = view.Relations
			items = append(items, payload)
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": items})
	case len(rest) == 1 && rest[0] == "rows" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body RowValuesInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		row, err := s.service.CreateRow(ctx, databaseID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"row": rowJSON(row)})
	case len(rest) == 2 && rest[0] == "rows" && rest[1] == "lookup" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		var body struct {
			RowIDs []string `json:"rowIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rows, err := s.service.LookupRows(ctx, databaseID, body.RowIDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			items = append(items, rowJSON(row))
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": items})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRelationSchema(w http.ResponseWriter, r *http.Request, session Session, propertyID string) {
	if !s.allow(w, session, rbac.ActionWrite) {
		return
	}
	var body struct {
		Bidirectional     bool             `json:"bidirectional"`
		ReversePropertyID *string          `json:"reversePropertyId"`
		LimitType         *store.LimitType `json:"limitType"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	prop, err := s.service.UpdateRelationSchema(r.Context(), propertyID, relation.SchemaUpdate{
		Bidirectional:     body.Bidirectional,
		ReversePropertyID: blankToNil(body.ReversePropertyID),
		LimitType:         body.LimitType,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"property": propertyJSON(prop)})
}

func (s *HTTPServer) handleRow(w http.ResponseWriter, r *http.Request, session Session, rowID string) {
	switch r.Method {
	case http.MethodPut:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		var body RowValuesInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		row, err := s.service.UpdateRow(r.Context(), rowID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"row": rowJSON(row)})
	case http.MethodDelete:
		if !s.allow(w, session, rbac.ActionWrite) {
			return
		}
		if err := s.service.DeleteRow(r.Context(), rowID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleRelations(w http.ResponseWriter, r *http.Request, session Session, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.allow(w, session, rbac.ActionWrite) {
		return
	}
	switch action {
	case "link":
		var body LinkRowsInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cell, err := s.service.LinkRows(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cell": cellJSON(cell)})
	case "unlink":
		var body UnlinkRowInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UnlinkRow(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.allow(w, session, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	resultType := strings.TrimSpace(query.Get("type"))
	if resultType != "" && resultType != "page" && resultType != "block" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be page or block", nil)
		return
	}
	limit := parseIntDefault(query.Get("limit"), 20)
	offset := parseIntDefault(query.Get("offset"), 0)
	writeJSON(w, http.StatusOK, s.service.Search(session, text, resultType, limit, offset))
}

// handleAdmin serves the relation index maintenance routes.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) bool {
	if len(rest) != 2 || rest[0] != "relations" {
		return false
	}
	engine := s.service.Relations()
	ctx := r.Context()
	switch {
	case rest[1] == "verify" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionAdmin) {
			return true
		}
		report, err := engine.VerifyIndex(ctx)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		asymmetries, err := engine.VerifySymmetry(ctx)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"index": report, "clean": report.Clean(), "asymmetries": asymmetries})
		return true
	case rest[1] == "repair" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionAdmin) {
			return true
		}
		report, err := engine.RepairIndex(ctx)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		repaired, unresolved, err := engine.RepairSymmetry(ctx)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"index": report, "repaired": repaired, "unresolved": unresolved})
		return true
	}
	return false
}

func (s *HTTPServer) allow(w http.ResponseWriter, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

// fail writes the mapped error. Server errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Error().Err(err).Str("request_id", requestID).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseIntDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
