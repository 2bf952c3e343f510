package reasoning

import (
	"strings"

	"github.com/veridoc/reasonkit/store"
)

// EvaluatorConfig has no tunables today but is kept as a distinct type so
// callers construct it the same way as PlannerConfig (spec §4.7).
type EvaluatorConfig struct{}

// DefaultEvaluatorConfig returns the Evaluator's (currently empty) config.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{}
}

var evaluatorStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "how": true,
	"what": true, "with": true, "about": true, "that": true, "this": true,
	"these": true, "from": true, "into": true, "their": true, "they": true,
}

func isStopword(word string) bool {
	return evaluatorStopwords[strings.ToLower(word)]
}

// queryAlignmentTokens splits on non-alphanumeric runs and drops stopwords
// and tokens of length <= 2 (spec §4.7 query_alignment_score).
func queryAlignmentTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || isStopword(f) {
			continue
		}
		out = append(out, strings.ToLower(f))
	}
	return out
}

// queryAlignmentScore is the fraction of meaningful query tokens that appear
// (case-insensitively) in the answer text (spec §4.7).
func queryAlignmentScore(query, answerMarkdown string) float64 {
	terms := queryAlignmentTokens(query)
	if len(terms) == 0 {
		return 0.0
	}
	answer := strings.ToLower(answerMarkdown)
	matched := 0
	for _, t := range terms {
		if strings.Contains(answer, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// EvaluationResult mirrors store.QualityMetrics; kept as a distinct type in
// this package so callers do not need to import store just to read a score.
type EvaluationResult struct {
	Overall               float64
	QueryAlignment        float64
	CitationCoverage      float64
	CrossDocumentCoverage float64
	Grounded              bool
}

// ToQualityMetrics converts to the persisted shape (spec §6 quality_json).
func (r EvaluationResult) ToQualityMetrics() store.QualityMetrics {
	return store.QualityMetrics{
		Overall:               r.Overall,
		QueryAlignment:        r.QueryAlignment,
		CitationCoverage:      r.CitationCoverage,
		CrossDocumentCoverage: r.CrossDocumentCoverage,
		Grounded:              r.Grounded,
	}
}

// Evaluate implements evaluate_answer (spec §4.7): the weighted quality
// score the gated Executor consults before persisting a completed run.
//
// citationDocumentIDs maps each cited node id to its owning document id
// (spec §4.7: "count distinct documents among cited nodes via the
// citation→document map"); isRelationQuery gates whether cross-document
// coverage below 2 documents is penalized.
func Evaluate(
	query string,
	answerMarkdown string,
	citations []string,
	evidenceNodeIDs []string,
	citationDocumentIDs map[string]string,
	isRelationQuery bool,
) EvaluationResult {
	grounded := strings.TrimSpace(answerMarkdown) != "" && len(citations) > 0

	evidenceSet := make(map[string]bool, len(evidenceNodeIDs))
	for _, id := range evidenceNodeIDs {
		evidenceSet[id] = true
	}
	validCitations := 0
	for _, c := range citations {
		if evidenceSet[c] {
			validCitations++
		}
	}
	citationCoverage := 0.0
	if len(evidenceNodeIDs) > 0 {
		citationCoverage = float64(validCitations) / float64(len(evidenceNodeIDs))
	}

	distinctDocs := make(map[string]bool, len(citations))
	for _, c := range citations {
		if docID, ok := citationDocumentIDs[c]; ok {
			distinctDocs[docID] = true
		}
	}
	docCount := len(distinctDocs)

	crossDocumentCoverage := 1.0
	if isRelationQuery {
		switch {
		case docCount >= 2:
			crossDocumentCoverage = 1.0
		case docCount == 1:
			crossDocumentCoverage = 0.5
		default:
			crossDocumentCoverage = 0.0
		}
	}

	groundingScore := 0.0
	if grounded {
		groundingScore = 1.0
	}

	alignment := queryAlignmentScore(query, answerMarkdown)

	overall := alignment*0.40 + citationCoverage*0.25 + crossDocumentCoverage*0.20 + groundingScore*0.15
	if overall > 1.0 {
		overall = 1.0
	}

	return EvaluationResult{
		Overall:               overall,
		QueryAlignment:        alignment,
		CitationCoverage:      citationCoverage,
		CrossDocumentCoverage: crossDocumentCoverage,
		Grounded:              grounded,
	}
}
