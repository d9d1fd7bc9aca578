// Package blocks is the block type registry. Every block type registers a
// content validator and a plain-text serializer; callers dispatch on the
// type tag only.
package blocks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownType    = errors.New("unknown block type")
	ErrInvalidContent = errors.New("invalid block content")
	// ErrReservedType is returned when callers try to author a type that only
	// the engine may produce.
	ErrReservedType = errors.New("reserved block type")
)

const (
	TypeParagraph    = "paragraph"
	TypeHeading      = "heading"
	TypeQuote        = "quote"
	TypeDivider      = "divider"
	TypeToDo         = "to_do"
	TypeCode         = "code"
	TypeImage        = "image"
	TypeDatabaseView = "database_view"
	TypeSyncedBlock  = "synced_block"
	TypePlaceholder  = "synced_placeholder"
)

// Kind describes one block type.
type Kind struct {
	Name      string
	Validate  func(content json.RawMessage) error
	PlainText func(content json.RawMessage) string
	// Inert kinds are produced by the engine and can never be created or
	// edited through the API.
	Inert bool
}

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: map[string]Kind{}}
	for _, kind := range kinds {
		r.Register(kind)
	}
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind Kind) {
	if kind.Validate == nil {
		kind.Validate = func(json.RawMessage) error { return nil }
	}
	if kind.PlainText == nil {
		kind.PlainText = func(json.RawMessage) string { return "" }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind.Name] = kind
}

func (r *Registry) Lookup(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[name]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return kind, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prepare validates caller-authored content for blockType and returns the
// compacted payload with its plain-text form.
func (r *Registry) Prepare(blockType string, content json.RawMessage) (json.RawMessage, string, error) {
	kind, err := r.Lookup(blockType)
	if err != nil {
		return nil, "", err
	}
	if kind.Inert {
		return nil, "", fmt.Errorf("%w: %q", ErrReservedType, blockType)
	}
	normalized, err := normalize(content)
	if err != nil {
		return nil, "", err
	}
	if err := kind.Validate(normalized); err != nil {
		return nil, "", err
	}
	return normalized, kind.PlainText(normalized), nil
}

// PlainText renders content of blockType as text for search. Unknown types
// render as empty.
func (r *Registry) PlainText(blockType string, content json.RawMessage) string {
	kind, err := r.Lookup(blockType)
	if err != nil {
		return ""
	}
	return kind.PlainText(content)
}

func normalize(content json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidContent)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContent, fmt.Sprintf(format, args...))
}

func decode(content json.RawMessage, into any) error {
	if err := json.Unmarshal(content, into); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func textOf(content json.RawMessage) string {
	var payload struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(content, &payload)
	return strings.TrimSpace(payload.Text)
}
