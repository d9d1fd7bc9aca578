// Package notify publishes advisory change events to realtime subscribers.
// Publishing is fire-and-forget: delivery failures are logged, never returned.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	EventBlockUpdated    = "block.updated"
	EventBlockDeleted    = "block.deleted"
	EventRelationUpdated = "relation.updated"
	EventPageArchived    = "page.archived"
	EventPageRestored    = "page.restored"
	EventPageDeleted     = "page.deleted"
	EventPageMoved       = "page.moved"
	EventBlockMoved      = "block.moved"
)

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any)
}

// PageChannel is the channel key of a page's subscribers.
func PageChannel(pageID string) string {
	return "page:" + pageID
}

// Envelope is the wire shape of a published event.
type Envelope struct {
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

type BlockUpdated struct {
	BlockID string          `json:"blockId"`
	Content json.RawMessage `json:"content"`
}

type RelationUpdated struct {
	RowID        string   `json:"rowId"`
	PropertyID   string   `json:"propertyId"`
	LinkedRowIDs []string `json:"linkedRowIds"`
}

type PageEvent struct {
	PageID   string  `json:"pageId"`
	ParentID *string `json:"parentId,omitempty"`
}

type BlockDeleted struct {
	BlockID string `json:"blockId"`
	PageID  string `json:"pageId"`
}

type BlockMoved struct {
	BlockID  string `json:"blockId"`
	PageID   string `json:"pageId"`
	OrderKey string `json:"orderKey"`
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}

// Event is one publish call captured by Recorder.
type Event struct {
	Channel string
	Name    string
	Payload any
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, channel, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Channel: channel, Name: event, Payload: payload})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name, in publish order.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, event := range r.Events() {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
