// Package protocol defines the structures and constants for the Model Context Protocol (MCP).
package protocol

import (
	"encoding/json"
	"fmt"
)

// ContentAnnotations defines optional metadata for content parts.
type ContentAnnotations struct {
	Audience     []string `json:"audience,omitempty"`
	Priority     *float64 `json:"priority,omitempty"`
	LastModified string   `json:"lastModified,omitempty"`
}

// ContentBlock is one entry in a result's content array. Type is one of
// "text", "image", "audio", "resource_link", or "blob"; the populated fields
// depend on the type.
type ContentBlock struct {
	Type        string              `json:"type"`
	Text        string              `json:"text,omitempty"`
	Data        string              `json:"data,omitempty"` // base64 for image/audio/blob
	MimeType    string              `json:"mimeType,omitempty"`
	URI         string              `json:"uri,omitempty"` // for resource_link
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Annotations *ContentAnnotations `json:"annotations,omitempty"`
}

// NewTextContent creates a text content block.
func NewTextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// NewImageContent creates an image content block from base64 data.
func NewImageContent(data, mimeType string) ContentBlock {
	return ContentBlock{Type: "image", Data: data, MimeType: mimeType}
}

// NewAudioContent creates an audio content block from base64 data.
func NewAudioContent(data, mimeType string) ContentBlock {
	return ContentBlock{Type: "audio", Data: data, MimeType: mimeType}
}

// NewResourceLinkContent creates a resource_link content block.
func NewResourceLinkContent(uri, name, mimeType string) ContentBlock {
	return ContentBlock{Type: "resource_link", URI: uri, Name: name, MimeType: mimeType}
}

// NewBlobContent creates a blob content block from base64 data.
func NewBlobContent(data, mimeType string) ContentBlock {
	return ContentBlock{Type: "blob", Data: data, MimeType: mimeType}
}

// Validate checks the block's type tag and required fields.
func (c ContentBlock) Validate() error {
	switch c.Type {
	case "text":
		return nil
	case "image", "audio", "blob":
		if c.Data == "" || c.MimeType == "" {
			return fmt.Errorf("%s content requires data and mimeType", c.Type)
		}
		return nil
	case "resource_link":
		if c.URI == "" {
			return fmt.Errorf("resource_link content requires uri")
		}
		return nil
	default:
		return fmt.Errorf("unknown content type: %q", c.Type)
	}
}

// ResourceContents is the contents of a single resource read. Exactly one of
// Text or Blob is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

// NewTextResourceContents creates text resource contents.
func NewTextResourceContents(uri, mimeType, text string) ResourceContents {
	return ResourceContents{URI: uri, MimeType: mimeType, Text: text}
}

// NewBlobResourceContents creates binary resource contents from base64 data.
func NewBlobResourceContents(uri, mimeType, blob string) ResourceContents {
	return ResourceContents{URI: uri, MimeType: mimeType, Blob: blob}
}

// MarshalStructured marshals a handler's structured output for the
// structuredContent field, tolerating nil.
func MarshalStructured(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
