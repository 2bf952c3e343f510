package reasoning

import (
	"fmt"
	"strings"
)

// plannerStrategyHints are the fixed strategy hints spec §4.5 requires in
// every planner prompt: search before inspect when evidence is weak,
// synthesize only after evidence exists, self_check after synthesize, and
// finish only when the state already looks sufficient.
const plannerStrategyHints = "STRATEGY HINTS:\n" +
	"- Prefer search over inspect while has_evidence is false or thin.\n" +
	"- Only choose synthesize once evidence has been gathered.\n" +
	"- Always follow synthesize with self_check.\n" +
	"- Only choose finish when self_check has confirmed a sufficient answer."

// PlannerPrompt builds the prompt sent to generate_plan_step (spec §4.5).
// extraHint, when non-empty, is appended after the fixed strategy hints
// (e.g. a caller-specific nudge); most callers pass "".
func PlannerPrompt(input PlannerInput, extraHint string) string {
	lastConfidence := "none"
	if input.LastConfidence != nil {
		lastConfidence = fmt.Sprintf("%.2f", *input.LastConfidence)
	}
	exploredSections := "none"
	if len(input.ExploredSections) > 0 {
		exploredSections = strings.Join(input.ExploredSections, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the reasoning planner for a document QA agent.\n")
	fmt.Fprintf(&b, "Pick exactly one next action given the current state.\n")
	fmt.Fprintf(&b, "Return ONLY JSON with keys: stepType, objective, reasoning, decision.\n")
	fmt.Fprintf(&b, "Allowed stepType: search, inspect, synthesize, self_check, finish.\n")
	fmt.Fprintf(&b, "Allowed decision: continue, backtrack, stop.\n\n")
	fmt.Fprintf(&b, "STATE:\n")
	fmt.Fprintf(&b, "query: %s\n", input.Query)
	fmt.Fprintf(&b, "last_confidence: %s\n", lastConfidence)
	fmt.Fprintf(&b, "step_count: %d\n", input.StepCount)
	fmt.Fprintf(&b, "backtrack_count: %d\n", input.BacktrackCount)
	fmt.Fprintf(&b, "has_evidence: %t\n", input.HasEvidence)
	fmt.Fprintf(&b, "explored_sections: %s\n\n", exploredSections)
	fmt.Fprintf(&b, "%s\n", plannerStrategyHints)
	if extraHint != "" {
		fmt.Fprintf(&b, "%s\n", extraHint)
	}
	return b.String()
}

// SynthesisPrompt builds the prompt sent to generate_answer (spec §4.5,
// §4.6). evidence lines are pre-rendered via FormatCitation. isRelationQuery
// adds the three-heading structure spec §4.8 requires for cross-document
// queries.
func SynthesisPrompt(query string, evidence []string, isRelationQuery bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a retrieval reasoner. Answer only from the provided evidence.\n")
	fmt.Fprintf(&b, "If the evidence is insufficient to answer, say plainly what is missing instead of guessing.\n")
	fmt.Fprintf(&b, "USER QUERY:\n%s\n\nEVIDENCE:\n", query)
	for i, e := range evidence {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e)
	}
	fmt.Fprintf(&b, "\nOutput rules:\n")
	if isRelationQuery {
		fmt.Fprintf(&b, "- Structure answer_markdown with exactly these headings:\n")
		fmt.Fprintf(&b, "  (1) What each file is about\n")
		fmt.Fprintf(&b, "  (2) How they are related\n")
		fmt.Fprintf(&b, "  (3) Gaps or uncertainty\n")
	}
	fmt.Fprintf(&b, "- Every substantive claim must be grounded by at least one citation id.\n")
	fmt.Fprintf(&b, "- citations must only contain ids that appear in evidence ([citation:...]).\n\n")
	fmt.Fprintf(&b, "Return ONLY valid JSON with this exact shape:\n")
	fmt.Fprintf(&b, `{"answer_markdown":"...","confidence":0.0,"citations":["node-id"]}`)
	fmt.Fprintf(&b, "\n")
	return b.String()
}
