package blocks

import (
	"encoding/json"
	"net/url"
	"strings"
)

type textPayload struct {
	Text string `json:"text"`
}

type headingPayload struct {
	Text  string `json:"text"`
	Level int    `json:"level"`
}

type todoPayload struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

type codePayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type imagePayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

type databaseViewPayload struct {
	DatabaseID string `json:"databaseId"`
}

// PlaceholderPayload is the content of a mirror whose source is gone.
type PlaceholderPayload struct {
	SourceBlockID string `json:"sourceBlockId"`
	Reason        string `json:"reason"`
}

func validateText(content json.RawMessage) error {
	var payload textPayload
	return decode(content, &payload)
}

func validateHeading(content json.RawMessage) error {
	var payload headingPayload
	if err := decode(content, &payload); err != nil {
		return err
	}
	if payload.Level < 1 || payload.Level > 3 {
		return invalid("heading level must be 1, 2 or 3")
	}
	return nil
}

func validateToDo(content json.RawMessage) error {
	var payload todoPayload
	return decode(content, &payload)
}

func validateCode(content json.RawMessage) error {
	var payload codePayload
	return decode(content, &payload)
}

func validateImage(content json.RawMessage) error {
	var payload imagePayload
	if err := decode(content, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.URL) == "" {
		return invalid("image url is required")
	}
	if _, err := url.Parse(payload.URL); err != nil {
		return invalid("image url: %v", err)
	}
	return nil
}

func validateDatabaseView(content json.RawMessage) error {
	var payload databaseViewPayload
	if err := decode(content, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.DatabaseID) == "" {
		return invalid("databaseId is required")
	}
	return nil
}

func imageText(content json.RawMessage) string {
	var payload imagePayload
	_ = json.Unmarshal(content, &payload)
	return strings.TrimSpace(payload.Caption)
}

// Default returns a registry holding the built-in block types.
func Default() *Registry {
	return NewRegistry(
		Kind{Name: TypeParagraph, Validate: validateText, PlainText: textOf},
		Kind{Name: TypeHeading, Validate: validateHeading, PlainText: textOf},
		Kind{Name: TypeQuote, Validate: validateText, PlainText: textOf},
		Kind{Name: TypeDivider},
		Kind{Name: TypeToDo, Validate: validateToDo, PlainText: textOf},
		Kind{Name: TypeCode, Validate: validateCode, PlainText: textOf},
		Kind{Name: TypeImage, Validate: validateImage, PlainText: imageText},
		Kind{Name: TypeDatabaseView, Validate: validateDatabaseView},
		Kind{Name: TypeSyncedBlock, Inert: true},
		Kind{Name: TypePlaceholder, Inert: true},
	)
}

// Placeholder builds the content of an inert placeholder for a lost source.
func Placeholder(sourceBlockID, reason string) json.RawMessage {
	encoded, _ := json.Marshal(PlaceholderPayload{SourceBlockID: sourceBlockID, Reason: reason})
	return encoded
}
