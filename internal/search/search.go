package search

import "github.com/erdodo/notion-sub004/internal/store"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPage  ResultType = "page"
	ResultBlock ResultType = "block"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	PageID  string     `json:"pageId"`
}

// Query describes a search request. Results are always scoped to OwnerID.
type Query struct {
	Text       string
	OwnerID    string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for an active page.
type PageRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	OwnerID  string `json:"ownerId"`
	ParentID string `json:"parentId"`
}

// BlockRecord is the data we index for a block.
type BlockRecord struct {
	ID      string `json:"id"`
	PageID  string `json:"pageId"`
	OwnerID string `json:"ownerId"`
	Type    string `json:"type"`
	Text    string `json:"text"`
}

func pageRecord(page store.Page) PageRecord {
	record := PageRecord{ID: page.ID, Title: page.Title, OwnerID: page.OwnerID}
	if page.ParentID != nil {
		record.ParentID = *page.ParentID
	}
	return record
}

// records converts active pages and their blocks. Blocks of archived pages
// and blocks without text are dropped.
func records(pages []store.Page, blocks []store.Block) ([]PageRecord, []BlockRecord) {
	owners := make(map[string]string, len(pages))
	pageRecords := make([]PageRecord, 0, len(pages))
	for _, page := range pages {
		if page.IsArchived {
			continue
		}
		owners[page.ID] = page.OwnerID
		pageRecords = append(pageRecords, pageRecord(page))
	}
	blockRecords := make([]BlockRecord, 0, len(blocks))
	for _, block := range blocks {
		owner, ok := owners[block.PageID]
		if !ok || block.PlainText == "" {
			continue
		}
		blockRecords = append(blockRecords, BlockRecord{
			ID:      block.ID,
			PageID:  block.PageID,
			OwnerID: owner,
			Type:    block.Type,
			Text:    block.PlainText,
		})
	}
	return pageRecords, blockRecords
}
