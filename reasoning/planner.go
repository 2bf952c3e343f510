// Package reasoning implements the structured-plan iterative retrieval
// loop: the Planner, Evidence Builder, Evaluator, Executor, and citation
// normalization (spec §2, §4.4–§4.8).
package reasoning

import (
	"fmt"
	"strings"
)

// StepKind is the closed set of reasoning step kinds (spec §4.4, §9:
// "sum types for step kind and decision ... tagged variants, not strings").
type StepKind string

const (
	StepScanRoot        StepKind = "scan_root"
	StepSelectSections  StepKind = "select_sections"
	StepDrillDown       StepKind = "drill_down"
	StepExtractEvidence StepKind = "extract_evidence"
	StepSynthesize      StepKind = "synthesize"
	StepSelfCheck       StepKind = "self_check"
)

func (k StepKind) String() string { return string(k) }

// Decision is the closed set of planner decisions (spec §4.4).
type Decision string

const (
	DecisionContinue  Decision = "continue"
	DecisionBacktrack Decision = "backtrack"
	DecisionStop      Decision = "stop"
)

// PlannerConfig tunes the deterministic fallback and the model-guided
// adaptation (spec §4.4).
type PlannerConfig struct {
	MaxSteps            int     `json:"max_steps" yaml:"max_steps"`
	MaxBacktracks       int     `json:"max_backtracks" yaml:"max_backtracks"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// DefaultPlannerConfig returns the spec's stated defaults (spec §4.4).
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxSteps:            6,
		MaxBacktracks:       2,
		ConfidenceThreshold: 0.70,
	}
}

// PlannerInput is the state snapshot the Planner consults per call (spec §4.4).
type PlannerInput struct {
	Query            string
	LastConfidence   *float64
	ExploredSections []string
	HasEvidence      bool
	StepCount        int
	BacktrackCount   int
}

// PlannedStep is a single emitted step with its objective text.
type PlannedStep struct {
	StepType  StepKind
	Objective string
}

// PlannedSequence is the Planner's output: a decision plus the steps to run.
type PlannedSequence struct {
	Decision Decision
	Steps    []PlannedStep
}

// ModelPlannerStep is the raw, untrusted step proposal from the LLM planner
// call (spec §4.5's generate_plan_step shape; §9: "the LLM planner is
// untrusted ... parse strictly").
type ModelPlannerStep struct {
	StepType  string
	Objective string
	Reasoning string
	Decision  string
}

// Planner is the deterministic fallback state machine plus the validator
// for model-guided adaptation (spec §4.4).
type Planner struct {
	config PlannerConfig
}

// NewPlanner constructs a Planner with the given config.
func NewPlanner(config PlannerConfig) *Planner {
	return &Planner{config: config}
}

// NextSteps implements the deterministic fallback sequence (spec §4.4
// table), used when the LLM planner call fails or produces an unparseable
// step.
func (p *Planner) NextSteps(input PlannerInput) PlannedSequence {
	if input.StepCount >= p.config.MaxSteps {
		return PlannedSequence{Decision: DecisionStop}
	}

	if input.LastConfidence != nil &&
		*input.LastConfidence < p.config.ConfidenceThreshold &&
		input.BacktrackCount < p.config.MaxBacktracks {
		return PlannedSequence{
			Decision: DecisionBacktrack,
			Steps: []PlannedStep{
				{StepType: StepSelectSections, Objective: fmt.Sprintf(
					"Re-select sections for query '%s' skipping explored branches", input.Query)},
				{StepType: StepDrillDown, Objective: "Drill into candidate subsections"},
				{StepType: StepExtractEvidence, Objective: "Extract stronger evidence nodes"},
				{StepType: StepSynthesize, Objective: "Synthesize revised answer"},
				{StepType: StepSelfCheck, Objective: "Estimate grounded confidence"},
			},
		}
	}

	if input.HasEvidence {
		return PlannedSequence{
			Decision: DecisionContinue,
			Steps: []PlannedStep{
				{StepType: StepSynthesize, Objective: "Build answer from evidence"},
				{StepType: StepSelfCheck, Objective: "Check grounding and confidence"},
			},
		}
	}

	objective := "Scan root table-of-contents for broad candidates"
	if len(input.ExploredSections) > 0 {
		objective += "; avoid previously explored sections"
	}

	return PlannedSequence{
		Decision: DecisionContinue,
		Steps: []PlannedStep{
			{StepType: StepScanRoot, Objective: objective},
			{StepType: StepSelectSections, Objective: "Select sections relevant to user query"},
			{StepType: StepDrillDown, Objective: "Navigate into subsections and atomic nodes"},
			{StepType: StepExtractEvidence, Objective: "Extract claim/table/equation evidence"},
			{StepType: StepSynthesize, Objective: "Synthesize grounded answer"},
			{StepType: StepSelfCheck, Objective: "Measure confidence and decide if re-traversal is needed"},
		},
	}
}

// NextStepsFromModel validates and expands a model-proposed step (spec
// §4.4 "Model-guided adaptation"). It returns false when the step is
// unparseable or has empty required fields — the caller must fall back to
// NextSteps in that case.
func (p *Planner) NextStepsFromModel(input PlannerInput, modelStep ModelPlannerStep) (PlannedSequence, bool) {
	if strings.TrimSpace(modelStep.StepType) == "" || strings.TrimSpace(modelStep.Objective) == "" {
		return PlannedSequence{}, false
	}

	if input.StepCount >= p.config.MaxSteps {
		return PlannedSequence{Decision: DecisionStop}, true
	}

	decision := parseDecision(modelStep.Decision)

	if decision == DecisionStop {
		if !input.HasEvidence {
			return PlannedSequence{
				Decision: DecisionContinue,
				Steps: []PlannedStep{
					{StepType: StepScanRoot, Objective: "Need evidence before finishing"},
					{StepType: StepSelectSections, Objective: "Find relevant candidate sections"},
				},
			}, true
		}
		return PlannedSequence{Decision: DecisionStop}, true
	}

	if decision == DecisionBacktrack {
		return PlannedSequence{
			Decision: decision,
			Steps: []PlannedStep{
				{StepType: StepSelectSections, Objective: modelStep.Objective},
				{StepType: StepDrillDown, Objective: "Re-check alternate branches"},
				{StepType: StepExtractEvidence, Objective: "Collect stronger supporting evidence"},
				{StepType: StepSynthesize, Objective: "Regenerate answer from revised evidence"},
				{StepType: StepSelfCheck, Objective: "Validate revised answer quality"},
			},
		}, true
	}

	kind, ok := parseStepKind(modelStep.StepType)
	if !ok {
		return PlannedSequence{}, false
	}

	var steps []PlannedStep
	switch kind {
	case StepScanRoot:
		steps = []PlannedStep{
			{StepType: StepScanRoot, Objective: modelStep.Objective},
			{StepType: StepSelectSections, Objective: "Select high-signal sections"},
		}
	case StepDrillDown:
		steps = []PlannedStep{
			{StepType: StepDrillDown, Objective: modelStep.Objective},
			{StepType: StepExtractEvidence, Objective: "Extract concrete supporting claims"},
		}
	case StepSynthesize:
		steps = []PlannedStep{{StepType: StepSynthesize, Objective: modelStep.Objective}}
	case StepSelfCheck:
		steps = []PlannedStep{{StepType: StepSelfCheck, Objective: modelStep.Objective}}
	case StepSelectSections, StepExtractEvidence:
		steps = []PlannedStep{{StepType: kind, Objective: modelStep.Objective}}
	default:
		return PlannedSequence{}, false
	}

	return PlannedSequence{Decision: DecisionContinue, Steps: steps}, true
}

func parseDecision(raw string) Decision {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stop", "finish", "done":
		return DecisionStop
	case "backtrack", "revise", "retry":
		return DecisionBacktrack
	default:
		return DecisionContinue
	}
}

func parseStepKind(raw string) (StepKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "search", "scan_root":
		return StepScanRoot, true
	case "select_sections":
		return StepSelectSections, true
	case "inspect", "drill_down":
		return StepDrillDown, true
	case "extract_evidence":
		return StepExtractEvidence, true
	case "synthesize":
		return StepSynthesize, true
	case "self_check", "validate", "finish":
		return StepSelfCheck, true
	default:
		return "", false
	}
}
