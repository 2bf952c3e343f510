// Package ingest converts a parsed document (headings, paragraphs, tables)
// into the hierarchical doc_nodes tree the Node Store persists, and
// deduplicates uploads by content checksum (spec §3 Document; SPEC_FULL.md
// supplemented-features: ingestion).
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/veridoc/reasonkit/parser"
	"github.com/veridoc/reasonkit/store"
)

// ErrUnsupportedFormat is returned for file extensions the parser registry
// does not recognize.
var ErrUnsupportedFormat = errors.New("ingest: unsupported document format")

// mimeByExtension covers the formats the parser registry understands;
// the standard mime package does not know some of these by default.
var mimeByExtension = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".txt":  "text/plain",
}

// Ingester parses documents and persists them as a project's document tree.
type Ingester struct {
	store    *store.Store
	registry *parser.Registry
}

// New constructs an Ingester backed by the default parser registry.
func New(s *store.Store) *Ingester {
	return &Ingester{store: s, registry: parser.NewRegistry()}
}

// IngestResult reports what happened to a single file.
type IngestResult struct {
	DocumentID string
	Deduped    bool
	NodeCount  int
}

// IngestFile parses path and persists it under projectID, returning the new
// (or pre-existing, if the checksum already exists in the project) document
// id (spec §3: "checksum ... used to dedupe re-uploads").
func (ig *Ingester) IngestFile(ctx context.Context, projectID, path string) (*IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	checksum := checksumOf(data)
	if existing, err := ig.store.FindDocumentByChecksum(ctx, projectID, checksum); err != nil {
		return nil, fmt.Errorf("checking checksum: %w", err)
	} else if existing != nil {
		return &IngestResult{DocumentID: existing.ID, Deduped: true}, nil
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	p, err := ig.registry.Get(ext)
	if err != nil {
		return nil, fmt.Errorf("document format %q: %w", ext, ErrUnsupportedFormat)
	}

	result, err := p.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	documentID := uuid.NewString()
	documentName := filepath.Base(path)
	mimeType := mimeTypeFor(ext)

	if err := ig.store.InsertDocument(ctx, store.Document{
		ID:        documentID,
		ProjectID: projectID,
		Name:      documentName,
		MIME:      mimeType,
		Checksum:  checksum,
		Pages:     int64(maxPageNumber(result.Sections)),
	}); err != nil {
		return nil, fmt.Errorf("inserting document: %w", err)
	}

	nodes := buildNodeTree(documentID, documentName, result.Sections)
	if err := ig.store.InsertNodes(ctx, nodes); err != nil {
		return nil, fmt.Errorf("inserting nodes: %w", err)
	}

	return &IngestResult{DocumentID: documentID, NodeCount: len(nodes)}, nil
}

func mimeTypeFor(ext string) string {
	if m, ok := mimeByExtension["."+ext]; ok {
		return m
	}
	if m := mime.TypeByExtension("." + ext); m != "" {
		return m
	}
	return "application/octet-stream"
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func maxPageNumber(sections []parser.Section) int {
	max := 0
	var walk func([]parser.Section)
	walk = func(secs []parser.Section) {
		for _, s := range secs {
			if s.PageNumber > max {
				max = s.PageNumber
			}
			walk(s.Children)
		}
	}
	walk(sections)
	return max
}

// ordinalSegmentWidth is the zero-padded width for each dotted-decimal
// ordinal segment. Zero-padding keeps lexicographic order equal to numeric
// order past the ninth sibling (spec §3: "ordinal paths sort lexicographically
// to produce document reading order"; spec §8: fetch_subtree's ordinal_path
// ordering invariant).
const ordinalSegmentWidth = 4

// buildNodeTree flattens the parser's Section tree into doc_nodes rows with
// dotted-decimal ordinal paths: the root is "root" and each segment below it
// is zero-padded to ordinalSegmentWidth digits ("0001", "0001.0002"). A synthetic document root anchors every
// top-level section so the tree always has exactly one root.
func buildNodeTree(documentID, documentName string, sections []parser.Section) []store.NodeRecord {
	rootID := uuid.NewString()
	nodes := []store.NodeRecord{
		{
			ID:          rootID,
			DocumentID:  documentID,
			ParentID:    nil,
			NodeType:    store.NodeTypeDocument,
			Title:       documentName,
			Text:        "",
			OrdinalPath: "root",
		},
	}

	var walk func(secs []parser.Section, parentID, parentPath string)
	walk = func(secs []parser.Section, parentID, parentPath string) {
		for i, sec := range secs {
			id := uuid.NewString()
			segment := fmt.Sprintf("%0*d", ordinalSegmentWidth, i+1)
			path := segment
			if parentPath != "" {
				path = parentPath + "." + segment
			}
			nt := nodeTypeFor(sec)

			var pageStart, pageEnd *int64
			if sec.PageNumber > 0 {
				p := int64(sec.PageNumber)
				pageStart = &p
				pageEnd = &p
			}

			parent := parentID
			nodes = append(nodes, store.NodeRecord{
				ID:          id,
				DocumentID:  documentID,
				ParentID:    &parent,
				NodeType:    nt,
				Title:       sec.Heading,
				Text:        sec.Content,
				PageStart:   pageStart,
				PageEnd:     pageEnd,
				OrdinalPath: path,
			})

			walk(sec.Children, id, path)
		}
	}
	walk(sections, rootID, "")

	return nodes
}

// nodeTypeFor maps the parser's loose section Type/Level tags onto the
// closed node-type set (spec §3 NodeType).
func nodeTypeFor(sec parser.Section) store.NodeType {
	switch strings.ToLower(sec.Type) {
	case "table":
		return store.NodeTypeTable
	case "figure":
		return store.NodeTypeFigure
	case "equation":
		return store.NodeTypeEquation
	case "caption":
		return store.NodeTypeCaption
	case "reference":
		return store.NodeTypeReference
	case "claim", "requirement", "definition":
		return store.NodeTypeClaim
	case "paragraph":
		return store.NodeTypeParagraph
	}

	switch sec.Level {
	case 1:
		return store.NodeTypeSection
	case 2:
		return store.NodeTypeSubsection
	default:
		return store.NodeTypeParagraph
	}
}
