package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/veridoc/reasonkit/store"
)

// Evidence is one candidate node snippet offered to synthesis, tagged with
// the citation id the model must echo back (spec §4.6).
type Evidence struct {
	NodeID      string
	DocumentID  string
	OrdinalPath string
	NodeType    store.NodeType
	Title       string
	Snippet     string
}

const snippetMaxLen = 500

// PickCandidates implements the evidence builder's candidate selection
// (spec §4.6): an expanded lexical search across the query terms, falling
// back to a shallow subtree scan when the search yields nothing, capped per
// document so one document cannot crowd out the rest.
func PickCandidates(
	ctx context.Context,
	s *store.Store,
	projectID string,
	focusDocumentID *string,
	query string,
	limit int,
) ([]Evidence, error) {
	if limit <= 0 {
		limit = 12
	}

	expanded := limit * 4
	if expanded < 12 {
		expanded = 12
	}

	nodes, err := s.SearchProjectNodes(ctx, projectID, focusDocumentID, query, expanded)
	if err != nil {
		return nil, fmt.Errorf("searching project nodes: %w", err)
	}

	var fallback bool
	if len(nodes) == 0 {
		fallback = true
		if focusDocumentID != nil {
			nodes, err = s.FetchSubtree(ctx, *focusDocumentID, nil, 2)
			if err != nil {
				return nil, fmt.Errorf("falling back to subtree scan: %w", err)
			}
		} else {
			nodes, err = s.FetchProjectSubtree(ctx, projectID, 2)
			if err != nil {
				return nil, fmt.Errorf("falling back to project subtree scan: %w", err)
			}
		}
	}

	// Per-document fairness cap (spec §4.6 step 3): at most max(limit/2, 2)
	// nodes from any single document when no focus is set; up to the full
	// limit from the focus document when one is set.
	perDocumentCap := limit / 2
	if perDocumentCap < 2 {
		perDocumentCap = 2
	}

	perDocumentCount := make(map[string]int)
	out := make([]Evidence, 0, limit)
	for _, n := range nodes {
		if len(out) >= limit {
			break
		}
		docCap := perDocumentCap
		if focusDocumentID != nil && n.DocumentID == *focusDocumentID {
			docCap = limit
		}
		if perDocumentCount[n.DocumentID] >= docCap {
			continue
		}
		perDocumentCount[n.DocumentID]++
		out = append(out, toEvidence(n))
	}

	if len(out) == 0 && fallback {
		// Spec §4.6 step 4: if fairness filtering leaves nothing, return the
		// shallow fallback subtree unmodified.
		out = make([]Evidence, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, toEvidence(n))
		}
	}

	return out, nil
}

func toEvidence(n store.NodeSummary) Evidence {
	return Evidence{
		NodeID:      n.ID,
		DocumentID:  n.DocumentID,
		OrdinalPath: n.OrdinalPath,
		NodeType:    n.NodeType,
		Title:       n.Title,
		Snippet:     SnippetFor(n.Text),
	}
}

// SnippetFor truncates node text to the citation snippet length, flattening
// newlines to spaces (spec §4.6: snippet_for).
func SnippetFor(text string) string {
	runes := []rune(text)
	truncated := len(runes) > snippetMaxLen
	if truncated {
		runes = runes[:snippetMaxLen]
	}
	flat := strings.ReplaceAll(strings.ReplaceAll(string(runes), "\r\n", " "), "\n", " ")
	if truncated {
		flat += "..."
	}
	return flat
}

// FormatCitation renders one evidence item in the tagged form the synthesis
// prompt embeds and the model must cite back by node id (spec §4.6, §4.5
// synthesis_prompt shape).
func FormatCitation(e Evidence) string {
	return fmt.Sprintf(
		"[citation:%s] document=%s path=%s type=%s title=%s excerpt=%s",
		e.NodeID, e.DocumentID, e.OrdinalPath, e.NodeType, e.Title, e.Snippet,
	)
}
