// Package scope implements the Query Scope Classifier: a pure function
// deciding whether a query must fan out across a project or can stay
// focused on a single document (spec §4.3).
package scope

import "strings"

var relationHints = []string{
	"related", "relationship", "relationships", "compare", "comparison",
	"differences", "similarities", "across", "between", "connect",
	"overlap", "fit together", "how they",
}

var multiDocHints = []string{
	"files", "documents", "docs", "papers", "slides", "presentations",
	"sources", "these files", "these documents", "all files", "all documents",
}

var singleDocHints = []string{
	"this file", "this document", "this slide", "slide ", "page ", "section ",
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// RequiresProjectScope implements requires_project_scope (spec §4.3).
// When true, the Executor ignores any caller-supplied focus_document_id
// and reasons across the whole project.
func RequiresProjectScope(query string) bool {
	normalized := " " + strings.ToLower(query) + " "

	hasRelationHint := containsAny(normalized, relationHints)
	hasMultiDocHint := containsAny(normalized, multiDocHints)
	hasSingleDocHint := containsAny(normalized, singleDocHints)
	hasPluralPronoun := strings.Contains(normalized, " they ") || strings.Contains(normalized, " them ")

	if hasMultiDocHint && (hasRelationHint || hasPluralPronoun) {
		return true
	}

	if strings.Contains(normalized, "across documents") || strings.Contains(normalized, "across files") {
		return true
	}

	if hasRelationHint && hasPluralPronoun {
		return true
	}

	return hasRelationHint && hasMultiDocHint && !hasSingleDocHint
}
