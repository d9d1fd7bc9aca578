package blocks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareValidatesPerType(t *testing.T) {
	registry := Default()

	cases := []struct {
		name      string
		blockType string
		content   string
		wantText  string
		wantErr   error
	}{
		{name: "paragraph", blockType: TypeParagraph, content: `{ "text": " hello " }`, wantText: "hello"},
		{name: "empty paragraph", blockType: TypeParagraph, content: ``, wantText: ""},
		{name: "heading", blockType: TypeHeading, content: `{"text":"Title","level":2}`, wantText: "Title"},
		{name: "heading level out of range", blockType: TypeHeading, content: `{"text":"Title","level":4}`, wantErr: ErrInvalidContent},
		{name: "divider", blockType: TypeDivider, content: `{}`},
		{name: "to do", blockType: TypeToDo, content: `{"text":"ship","checked":true}`, wantText: "ship"},
		{name: "to do wrong field type", blockType: TypeToDo, content: `{"checked":"yes"}`, wantErr: ErrInvalidContent},
		{name: "image", blockType: TypeImage, content: `{"url":"https://cdn/x.png","caption":"cat"}`, wantText: "cat"},
		{name: "image without url", blockType: TypeImage, content: `{"caption":"cat"}`, wantErr: ErrInvalidContent},
		{name: "database view", blockType: TypeDatabaseView, content: `{"databaseId":"db_1"}`},
		{name: "database view missing id", blockType: TypeDatabaseView, content: `{}`, wantErr: ErrInvalidContent},
		{name: "non-object payload", blockType: TypeParagraph, content: `["x"]`, wantErr: ErrInvalidContent},
		{name: "unknown type", blockType: "kanban", content: `{}`, wantErr: ErrUnknownType},
		{name: "placeholder is reserved", blockType: TypePlaceholder, content: `{}`, wantErr: ErrReservedType},
		{name: "mirror is reserved", blockType: TypeSyncedBlock, content: `{}`, wantErr: ErrReservedType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, text, err := registry.Prepare(tc.blockType, json.RawMessage(tc.content))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, json.Valid(normalized))
			assert.Equal(t, tc.wantText, text)
		})
	}
}

func TestPrepareCompactsPayload(t *testing.T) {
	normalized, _, err := Default().Prepare(TypeParagraph, json.RawMessage("{\n  \"text\": \"a\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"a"}`, string(normalized))
}

func TestRegisterCustomKind(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Kind{Name: "callout", PlainText: textOf})

	_, text, err := registry.Prepare("callout", json.RawMessage(`{"text":"note"}`))
	require.NoError(t, err)
	assert.Equal(t, "note", text)
	assert.Equal(t, []string{"callout"}, registry.Names())
}

func TestPlaceholderContent(t *testing.T) {
	var payload PlaceholderPayload
	require.NoError(t, json.Unmarshal(Placeholder("blk_1", "source deleted"), &payload))
	assert.Equal(t, "blk_1", payload.SourceBlockID)
	assert.Equal(t, "source deleted", payload.Reason)
	assert.Empty(t, Default().PlainText(TypePlaceholder, Placeholder("blk_1", "gone")))
}
