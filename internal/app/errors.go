package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/erdodo/notion-sub004/internal/archive"
	"github.com/erdodo/notion-sub004/internal/auth"
	"github.com/erdodo/notion-sub004/internal/blocks"
	"github.com/erdodo/notion-sub004/internal/pagetree"
	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/synced"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errorCodes maps sentinel errors to their HTTP status and code. Order matters
// only where one error wraps another.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{pagetree.ErrInvalidMove, http.StatusConflict, "INVALID_MOVE"},
	{synced.ErrSyncCycle, http.StatusConflict, "SYNC_CYCLE"},
	{synced.ErrReadOnlyMirror, http.StatusConflict, "READ_ONLY_MIRROR"},
	{relation.ErrCardinalityViolation, http.StatusConflict, "CARDINALITY_VIOLATION"},
	{store.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{archive.ErrNotArchived, http.StatusConflict, "NOT_ARCHIVED"},
	{archive.ErrParentArchived, http.StatusConflict, "PARENT_ARCHIVED"},
	{store.ErrConflict, http.StatusConflict, "CONFLICT"},
	{pagetree.ErrCorruptHierarchy, http.StatusInternalServerError, "CORRUPT_HIERARCHY"},
	{relation.ErrRelationMismatch, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{relation.ErrNotRelation, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{blocks.ErrUnknownType, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{blocks.ErrInvalidContent, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{blocks.ErrReservedType, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			if entry.status == http.StatusInternalServerError {
				return entry.status, entry.code, "Server error", nil
			}
			return entry.status, entry.code, err.Error(), nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
