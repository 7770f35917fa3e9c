// Package project reads and writes .mep project documents and drives the
// asynchronous load that rebuilds the media library and the timeline.
package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kikiluvv/slopedit/internal/media"
)

// Extension of project documents.
const Extension = ".mep"

// Document is the on-disk project: the media library followed by the
// timeline section, which is decoded by the session.
type Document struct {
	MediaBank []media.Snapshot `json:"MediaBank"`
	TimeLine  json.RawMessage  `json:"TimeLine,omitempty"`
}

// ParseError means the document itself could not be read. A load that hits
// it leaves the session untouched.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse project: %v", e.Err)
	}
	return fmt.Sprintf("parse project %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MediaMissingError is recorded for every library entry that could not be
// resolved. It never aborts a load.
type MediaMissingError = media.MissingError

// Decode parses a project document.
func Decode(data []byte, path string) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("empty document")}
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &doc, nil
}

// Encode serializes doc, indented the way it is written to disk.
func Encode(doc *Document) ([]byte, error) {
	if doc.MediaBank == nil {
		doc.MediaBank = []media.Snapshot{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode project: %w", err)
	}
	return append(data, '\n'), nil
}

// WithExtension appends .mep unless path already ends with it.
func WithExtension(path string) string {
	if strings.EqualFold(filepath.Ext(path), Extension) {
		return path
	}
	return path + Extension
}
