package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// stopwords mirrors the small stopword set used by both the search ranking
// and the query alignment scorer (spec §4.1).
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "how": true,
	"what": true, "with": true, "about": true, "that": true, "this": true,
	"these": true, "from": true, "into": true, "their": true, "they": true,
}

// tokenizeQuery splits on non-alphanumeric runs, lowercases, drops tokens
// of length <= 2 and stopwords (spec §4.1 search_project_nodes ranking).
func tokenizeQuery(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) <= 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// CreateProject inserts a project row. Out-of-core plumbing (spec §1:
// "project/document CRUD" is a collaborator, not part of the core), kept
// here because the Node Store and tests need somewhere to anchor documents.
func (s *Store) CreateProject(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, name) VALUES (?, ?)", id, name)
	return err
}

// InsertDocument inserts a document header row (spec §3: Document).
func (s *Store) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, name, mime, checksum, pages)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.ProjectID, doc.Name, doc.MIME, doc.Checksum, doc.Pages)
	return err
}

// FindDocumentByChecksum looks up a document by (project_id, checksum) for
// ingestion-time deduplication (spec §3).
func (s *Store) FindDocumentByChecksum(ctx context.Context, projectID, checksum string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, mime, checksum, pages, created_at
		FROM documents WHERE project_id = ? AND checksum = ?
	`, projectID, checksum)
	var d Document
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.MIME, &d.Checksum, &d.Pages, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// InsertNodes inserts the ingestion collaborator's topologically-ordered
// node records for a document (spec §6).
func (s *Store) InsertNodes(ctx context.Context, nodes []NodeRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO doc_nodes (
				id, document_id, parent_id, node_type, title, text,
				page_start, page_end, bbox_json, metadata_json, ordinal_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, n := range nodes {
			bbox := n.BBoxJSON
			if bbox == "" {
				bbox = "{}"
			}
			meta := n.MetadataJSON
			if meta == "" {
				meta = "{}"
			}
			if _, err := stmt.ExecContext(ctx,
				n.ID, n.DocumentID, n.ParentID, string(n.NodeType), n.Title, n.Text,
				n.PageStart, n.PageEnd, bbox, meta, n.OrdinalPath,
			); err != nil {
				return fmt.Errorf("inserting node %s: %w", n.ID, err)
			}
		}
		return nil
	})
}

// DeleteDocument removes a document and cascades to its nodes, graph
// layouts, and any runs/answers referencing it (spec §3: "removed when the
// owning document is deleted (cascades)").
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", documentID)
	return err
}

// FetchDocumentHeader implements fetch_document_header (spec §4.1).
func (s *Store) FetchDocumentHeader(ctx context.Context, documentID string) (*DocumentHeader, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, mime, pages, created_at FROM documents WHERE id = ?
	`, documentID)
	var h DocumentHeader
	if err := row.Scan(&h.Name, &h.MIME, &h.PageCount, &h.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &h, nil
}

func scanNodeSummary(rows *sql.Rows) (NodeSummary, error) {
	var n NodeSummary
	var nodeType string
	var parentID sql.NullString
	var pageStart, pageEnd sql.NullInt64
	if err := rows.Scan(&n.ID, &n.DocumentID, &parentID, &nodeType, &n.Title, &n.Text,
		&n.OrdinalPath, &pageStart, &pageEnd); err != nil {
		return n, err
	}
	n.NodeType = ParseNodeType(nodeType)
	if parentID.Valid {
		v := parentID.String
		n.ParentID = &v
	}
	if pageStart.Valid {
		v := pageStart.Int64
		n.PageStart = &v
	}
	if pageEnd.Valid {
		v := pageEnd.Int64
		n.PageEnd = &v
	}
	return n, nil
}

const nodeSummaryColumns = "id, document_id, parent_id, node_type, title, text, ordinal_path, page_start, page_end"

// FetchSubtree implements fetch_subtree (spec §4.1): the subtree rooted at
// parentID (or the document root when absent), bounded to maxDepth levels
// (depth of the root = 0), ordered by (parent-is-null first, ordinal_path).
func (s *Store) FetchSubtree(ctx context.Context, documentID string, parentID *string, maxDepth int) ([]NodeSummary, error) {
	if maxDepth <= 1 {
		var rows *sql.Rows
		var err error
		if parentID != nil {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT %s FROM doc_nodes
				WHERE document_id = ? AND parent_id = ?
				ORDER BY ordinal_path
			`, nodeSummaryColumns), documentID, *parentID)
		} else {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT %s FROM doc_nodes
				WHERE document_id = ? AND parent_id IS NULL
				ORDER BY ordinal_path
			`, nodeSummaryColumns), documentID)
		}
		if err != nil {
			return nil, err
		}
		return collectNodeSummaries(rows)
	}

	rootsClause := "parent_id IS NULL"
	args := []any{documentID}
	if parentID != nil {
		rootsClause = "id = ?"
		args = append(args, *parentID)
	}
	sqlText := fmt.Sprintf(`
		WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 0 FROM doc_nodes WHERE document_id = ? AND %s
			UNION ALL
			SELECT child.id, tree.depth + 1
			FROM doc_nodes child
			JOIN tree ON child.parent_id = tree.id
			WHERE child.document_id = ? AND tree.depth < ?
		)
		SELECT dn.id, dn.document_id, dn.parent_id, dn.node_type, dn.title, dn.text,
			dn.ordinal_path, dn.page_start, dn.page_end
		FROM doc_nodes dn
		JOIN tree ON dn.id = tree.id
		ORDER BY CASE WHEN dn.parent_id IS NULL THEN 0 ELSE 1 END, dn.ordinal_path
	`, rootsClause)
	args = append(args, documentID, maxDepth)
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return collectNodeSummaries(rows)
}

// FetchProjectSubtree implements fetch_project_subtree (spec §4.1): union
// of all document roots in the project plus descendants up to maxDepth,
// ordered by (owning document created_at ascending, parent-is-null first,
// ordinal_path).
func (s *Store) FetchProjectSubtree(ctx context.Context, projectID string, maxDepth int) ([]NodeSummary, error) {
	if maxDepth <= 1 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT dn.id, dn.document_id, dn.parent_id, dn.node_type, dn.title, dn.text,
				dn.ordinal_path, dn.page_start, dn.page_end
			FROM doc_nodes dn
			JOIN documents d ON d.id = dn.document_id
			WHERE d.project_id = ? AND dn.parent_id IS NULL
			ORDER BY d.created_at ASC, dn.ordinal_path
		`, projectID)
		if err != nil {
			return nil, err
		}
		return collectNodeSummaries(rows)
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE tree(id, depth) AS (
			SELECT dn.id, 0
			FROM doc_nodes dn
			JOIN documents d ON d.id = dn.document_id
			WHERE d.project_id = ? AND dn.parent_id IS NULL
			UNION ALL
			SELECT child.id, tree.depth + 1
			FROM doc_nodes child
			JOIN tree ON child.parent_id = tree.id
			WHERE tree.depth < ?
		)
		SELECT dn.id, dn.document_id, dn.parent_id, dn.node_type, dn.title, dn.text,
			dn.ordinal_path, dn.page_start, dn.page_end
		FROM doc_nodes dn
		JOIN tree ON dn.id = tree.id
		JOIN documents d ON d.id = dn.document_id
		ORDER BY d.created_at ASC, CASE WHEN dn.parent_id IS NULL THEN 0 ELSE 1 END, dn.ordinal_path
	`, projectID, maxDepth)
	if err != nil {
		return nil, err
	}
	return collectNodeSummaries(rows)
}

func collectNodeSummaries(rows *sql.Rows) ([]NodeSummary, error) {
	defer rows.Close()
	var out []NodeSummary
	for rows.Next() {
		n, err := scanNodeSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// scoredNode pairs a node with its lexical rank score for sorting.
type scoredNode struct {
	score int
	node  NodeSummary
}

// SearchProjectNodes implements search_project_nodes (spec §4.1): lexical
// ranking over title||text, +1 bonus for section-kind nodes, filtered to
// score > 0, sorted by score desc then ordinal_path asc.
func (s *Store) SearchProjectNodes(ctx context.Context, projectID string, focusDocumentID *string, query string, limit int) ([]NodeSummary, error) {
	terms := tokenizeQuery(query)

	var candidates []NodeSummary
	var err error
	if focusDocumentID != nil {
		candidates, err = s.FetchSubtree(ctx, *focusDocumentID, nil, 1<<20)
	} else {
		candidates, err = s.fetchAllProjectNodes(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}

	if len(terms) == 0 {
		return nil, nil
	}

	scored := make([]scoredNode, 0, len(candidates))
	for _, n := range candidates {
		if focusDocumentID != nil && n.DocumentID != *focusDocumentID {
			continue
		}
		haystack := strings.ToLower(n.Title + " " + n.Text)
		score := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				score += 3
			}
		}
		if n.NodeType == NodeTypeSection {
			score++
		}
		if score > 0 {
			scored = append(scored, scoredNode{score: score, node: n})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.OrdinalPath < scored[j].node.OrdinalPath
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]NodeSummary, len(scored))
	for i, sc := range scored {
		out[i] = sc.node
	}
	return out, nil
}

// fetchAllProjectNodes reads every node in a project, unbounded depth, for
// lexical search candidate scoring.
func (s *Store) fetchAllProjectNodes(ctx context.Context, projectID string) ([]NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dn.id, dn.document_id, dn.parent_id, dn.node_type, dn.title, dn.text,
			dn.ordinal_path, dn.page_start, dn.page_end
		FROM doc_nodes dn
		JOIN documents d ON d.id = dn.document_id
		WHERE d.project_id = ?
		ORDER BY d.created_at ASC, CASE WHEN dn.parent_id IS NULL THEN 0 ELSE 1 END, dn.ordinal_path
	`, projectID)
	if err != nil {
		return nil, err
	}
	return collectNodeSummaries(rows)
}

// GetNode fetches a single node's full detail, including opaque payloads.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*NodeDetail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, parent_id, node_type, title, text, ordinal_path,
			page_start, page_end, bbox_json, metadata_json
		FROM doc_nodes WHERE id = ?
	`, nodeID)

	var d NodeDetail
	var nodeType string
	var parentID sql.NullString
	var pageStart, pageEnd sql.NullInt64
	var bbox, meta string
	if err := row.Scan(&d.ID, &d.DocumentID, &parentID, &nodeType, &d.Title, &d.Text,
		&d.OrdinalPath, &pageStart, &pageEnd, &bbox, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	d.NodeType = ParseNodeType(nodeType)
	if parentID.Valid {
		v := parentID.String
		d.ParentID = &v
	}
	if pageStart.Valid {
		v := pageStart.Int64
		d.PageStart = &v
	}
	if pageEnd.Valid {
		v := pageEnd.Int64
		d.PageEnd = &v
	}
	d.BBoxJSON = []byte(bbox)
	d.MetadataJSON = []byte(meta)
	return &d, nil
}

// ExportMarkdown renders a document's node tree to markdown (spec §6 names
// markdown export as an out-of-core collaborator interface; implemented
// here per SPEC_FULL.md's supplemented-features section).
func (s *Store) ExportMarkdown(ctx context.Context, documentID string) (string, error) {
	header, err := s.FetchDocumentHeader(ctx, documentID)
	if err != nil {
		return "", err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, parent_id, node_type, title, text, ordinal_path, page_start, page_end
		FROM doc_nodes WHERE document_id = ? ORDER BY ordinal_path
	`, documentID)
	if err != nil {
		return "", err
	}
	nodes, err := collectNodeSummaries(rows)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(header.Name)
	b.WriteString("\n\n")

	for _, n := range nodes {
		switch n.NodeType {
		case NodeTypeDocument:
			if n.Text != "" {
				b.WriteString(n.Text)
				b.WriteString("\n\n")
			}
		case NodeTypeSection:
			b.WriteString("## ")
			b.WriteString(n.Title)
			b.WriteString("\n")
			if n.Text != "" {
				b.WriteString(n.Text)
				b.WriteString("\n\n")
			}
		case NodeTypeSubsection:
			b.WriteString("### ")
			b.WriteString(n.Title)
			b.WriteString("\n")
			if n.Text != "" {
				b.WriteString(n.Text)
				b.WriteString("\n\n")
			}
		default:
			if n.Title != "" {
				b.WriteString("**")
				b.WriteString(n.Title)
				b.WriteString("**\n")
			}
			if n.Text != "" {
				b.WriteString(n.Text)
				b.WriteString("\n\n")
			}
		}
	}

	return b.String(), nil
}

// GetGraphLayout reads persisted node positions for a document (spec §6
// supplemented feature: graph layout persistence).
func (s *Store) GetGraphLayout(ctx context.Context, documentID string) ([]GraphNodePosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, x, y FROM graph_layouts WHERE document_id = ? ORDER BY updated_at DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GraphNodePosition
	for rows.Next() {
		var p GraphNodePosition
		if err := rows.Scan(&p.NodeID, &p.X, &p.Y); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveGraphLayout upserts node positions, deleting any persisted position
// for a node not present in the new set (spec §6 supplemented feature).
func (s *Store) SaveGraphLayout(ctx context.Context, documentID string, positions []GraphNodePosition) (int, error) {
	saved := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if len(positions) == 0 {
			_, err := tx.ExecContext(ctx, "DELETE FROM graph_layouts WHERE document_id = ?", documentID)
			return err
		}

		placeholders := make([]string, len(positions))
		args := make([]any, 0, len(positions)+1)
		args = append(args, documentID)
		for i, p := range positions {
			placeholders[i] = "?"
			args = append(args, p.NodeID)
		}
		cleanup := fmt.Sprintf(
			"DELETE FROM graph_layouts WHERE document_id = ? AND node_id NOT IN (%s)",
			strings.Join(placeholders, ", "),
		)
		if _, err := tx.ExecContext(ctx, cleanup, args...); err != nil {
			return err
		}

		for _, p := range positions {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO graph_layouts (document_id, node_id, x, y, updated_at)
				SELECT ?, ?, ?, ?, ?
				WHERE EXISTS (SELECT 1 FROM doc_nodes WHERE document_id = ? AND id = ?)
				ON CONFLICT(document_id, node_id) DO UPDATE SET
					x = excluded.x, y = excluded.y, updated_at = excluded.updated_at
			`, documentID, p.NodeID, p.X, p.Y, nowRFC3339Milli(), documentID, p.NodeID)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			saved += int(affected)
		}
		return nil
	})
	return saved, err
}
