package app

import (
	"encoding/json"
	"time"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/erdodo/notion-sub004/internal/synced"
)

func pageJSON(page store.Page) map[string]any {
	return map[string]any{
		"id":         page.ID,
		"parentId":   page.ParentID,
		"ownerId":    page.OwnerID,
		"title":      page.Title,
		"icon":       page.Icon,
		"isArchived": page.IsArchived,
		"archivedAt": timeOrNil(page.ArchivedAt),
		"version":    page.Version,
		"createdAt":  page.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  page.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func pagesJSON(pages []store.Page) []map[string]any {
	out := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		out = append(out, pageJSON(page))
	}
	return out
}

func treeJSON(node store.PageTreeNode) map[string]any {
	payload := pageJSON(node.Page)
	children := make([]map[string]any, 0, len(node.Children))
	for _, child := range node.Children {
		children = append(children, treeJSON(child))
	}
	payload["depth"] = node.Depth
	payload["children"] = children
	return payload
}

func blockJSON(block store.Block) map[string]any {
	return map[string]any{
		"id":            block.ID,
		"pageId":        block.PageID,
		"type":          block.Type,
		"orderKey":      block.OrderKey,
		"content":       rawOrEmpty(block.Content),
		"plainText":     block.PlainText,
		"sourceBlockId": block.SourceBlockID,
		"createdAt":     block.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     block.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func renderedJSON(items []synced.Rendered) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := blockJSON(item.Block)
		payload["content"] = rawOrEmpty(item.Content)
		payload["stale"] = item.Stale
		out = append(out, payload)
	}
	return out
}

func resolvedJSON(resolved synced.Resolved) map[string]any {
	payload := blockJSON(resolved.Block)
	payload["content"] = rawOrEmpty(resolved.Content())
	payload["canonicalBlockId"] = resolved.Canonical.ID
	payload["canonicalType"] = resolved.Canonical.Type
	payload["hops"] = resolved.Hops
	return payload
}

func databaseJSON(db store.Database) map[string]any {
	return map[string]any{
		"id":        db.ID,
		"pageId":    db.PageID,
		"title":     db.Title,
		"createdAt": db.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func propertyJSON(prop store.Property) map[string]any {
	payload := map[string]any{
		"id":         prop.ID,
		"databaseId": prop.DatabaseID,
		"name":       prop.Name,
		"type":       prop.Type,
	}
	if prop.Relation != nil {
		payload["relation"] = map[string]any{
			"targetDatabaseId":  prop.Relation.TargetDatabaseID,
			"bidirectional":     prop.Relation.Bidirectional,
			"reversePropertyId": prop.Relation.ReversePropertyID,
			"limitType":         prop.Relation.LimitType,
		}
	}
	return payload
}

func propertiesJSON(props []store.Property) []map[string]any {
	out := make([]map[string]any, 0, len(props))
	for _, prop := range props {
		out = append(out, propertyJSON(prop))
	}
	return out
}

func rowJSON(row store.Row) map[string]any {
	values := row.Values
	if values == nil {
		values = map[string]any{}
	}
	return map[string]any{
		"id":         row.ID,
		"databaseId": row.DatabaseID,
		"values":     values,
		"createdAt":  row.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  row.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func cellJSON(cell store.RelationCell) map[string]any {
	linked := cell.LinkedRowIDs
	if linked == nil {
		linked = []string{}
	}
	return map[string]any{
		"rowId":        cell.RowID,
		"propertyId":   cell.PropertyID,
		"linkedRowIds": linked,
	}
}

func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
