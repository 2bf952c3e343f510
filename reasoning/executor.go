package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc/reasonkit/llm"
	"github.com/veridoc/reasonkit/scope"
	"github.com/veridoc/reasonkit/store"
)

// ErrQualityGateFailed is returned by Run when the completed answer's
// overall quality score falls below the configured threshold. The Executor
// still records the run as failed — it never persists a low-quality answer
// as completed (spec §4.8: the gated post-loop quality check).
var ErrQualityGateFailed = errors.New("reasoning: quality gate failed")

// ErrNoEvidence is returned when synthesize is attempted with no evidence
// gathered (spec §4.8 step execution contracts: "require non-empty evidence
// (else fail NOT_FOUND)").
var ErrNoEvidence = errors.New("reasoning: no evidence available for synthesis")

// ExecutorConfig bundles the tunables the Executor needs beyond the
// Planner's own config (spec §4.8).
type ExecutorConfig struct {
	Planner        PlannerConfig
	Evaluator      EvaluatorConfig
	EvidenceFanout int
}

// DefaultExecutorConfig returns the Executor's default tunables. The quality
// gate thresholds themselves (0.60 normal, 0.70 relation queries) are fixed
// by spec §4.8 and not configurable.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Planner:        DefaultPlannerConfig(),
		Evaluator:      DefaultEvaluatorConfig(),
		EvidenceFanout: 8,
	}
}

// Executor runs the bounded backtracking retrieval loop against a Node
// Store and Run Store, calling the reasoner for planning and synthesis
// (spec §4.8).
type Executor struct {
	store    *store.Store
	reasoner *llm.ReasonerClient
	config   ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(s *store.Store, reasoner *llm.ReasonerClient, config ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    s,
		reasoner: reasoner,
		config:   config,
		logger:   logger,
	}
}

// Run executes the full planning/retrieval/synthesis loop for a previously
// created run row and persists its outcome. Callers are expected to have
// already called store.CreateRun for runID (spec §4.2, §4.8).
//
// callerMaxSteps is the host's optional per-run step budget (spec §6:
// "start_query(..., max_steps?)"); nil uses the Executor's configured
// default. Either way the effective bound is clamped to at least 2
// (spec §4.8: "max_steps = max(2, caller_max_steps ∨ 6)").
func (e *Executor) Run(ctx context.Context, runID, projectID string, focusDocumentID *string, query string, callerMaxSteps *int) error {
	start := time.Now()
	isRelationQuery := scope.RequiresProjectScope(query)
	if isRelationQuery {
		focusDocumentID = nil
	}

	plannerConfig := e.config.Planner
	if callerMaxSteps != nil {
		plannerConfig.MaxSteps = *callerMaxSteps
	}
	if plannerConfig.MaxSteps < 2 {
		plannerConfig.MaxSteps = 2
	}
	planner := NewPlanner(plannerConfig)

	var (
		exploredSections  []string
		evidence          []Evidence
		answerMarkdown    string
		rawCitations      []string
		modelConfidence   float64
		lastConfidence    *float64
		stepCount         int
		backtrackCount    int
		plannerTrace      []store.PlannerTraceEntry
		totalInputTokens  int
		totalOutputTokens int
		totalCostUSD      float64
	)

	for stepCount < plannerConfig.MaxSteps {
		input := PlannerInput{
			Query:            query,
			LastConfidence:   lastConfidence,
			ExploredSections: exploredSections,
			HasEvidence:      len(evidence) > 0,
			StepCount:        stepCount,
			BacktrackCount:   backtrackCount,
		}

		sequence, usedModel := e.planSteps(ctx, planner, input)
		plannerTrace = append(plannerTrace, store.PlannerTraceEntry{
			StepCount:      stepCount,
			BacktrackCount: backtrackCount,
			Decision:       string(sequence.Decision),
		})

		if sequence.Decision == DecisionStop {
			break
		}
		if sequence.Decision == DecisionBacktrack {
			backtrackCount++
		}
		_ = usedModel

		for _, step := range sequence.Steps {
			if stepCount >= plannerConfig.MaxSteps {
				break
			}
			stepStart := time.Now()

			if phaseErr := e.store.SetRunPhase(ctx, runID, phaseForStep(step.StepType)); phaseErr != nil {
				e.logger.Warn("setting run phase", "run_id", runID, "error", phaseErr)
			}

			thought, action, observation, localConfidence, err := e.executeStep(
				ctx, step, projectID, focusDocumentID, query, isRelationQuery, &exploredSections, &evidence,
				&answerMarkdown, &rawCitations, &modelConfidence,
				&totalInputTokens, &totalOutputTokens, &totalCostUSD,
			)
			if err != nil {
				// spec §7: only generate_plan_step failures recover locally
				// (handled in planSteps); every other step error unwinds the
				// loop and the run is marked failed.
				e.logger.Warn("reasoning step failed, failing run", "run_id", runID, "step_type", step.StepType, "error", err)
				if failErr := e.store.FailRun(ctx, runID); failErr != nil {
					e.logger.Error("failing run after step error", "run_id", runID, "error", failErr)
				}
				return fmt.Errorf("step %s: %w", step.StepType, err)
			}

			nodeRefs := make([]string, 0, len(evidence))
			for _, ev := range evidence {
				nodeRefs = append(nodeRefs, ev.NodeID)
			}

			stepCount++
			if appendErr := e.store.AppendStep(ctx, store.NewStep{
				RunID:       runID,
				Idx:         int64(stepCount),
				StepType:    string(step.StepType),
				Thought:     thought,
				Action:      action,
				Observation: observation,
				NodeRefs:    nodeRefs,
				Confidence:  localConfidence,
				LatencyMs:   time.Since(stepStart).Milliseconds(),
			}); appendErr != nil {
				return fmt.Errorf("appending step: %w", appendErr)
			}

			c := localConfidence
			lastConfidence = &c
		}

		// spec §4.8 step 6: after each batch, stop if confidence is high
		// enough, the step budget is exhausted, or backtracking is capped.
		if (lastConfidence != nil && *lastConfidence >= 0.70) ||
			stepCount >= plannerConfig.MaxSteps ||
			backtrackCount >= 2 {
			break
		}
	}

	evidenceNodeIDs := make([]string, 0, len(evidence))
	evidenceDocByNode := make(map[string]string, len(evidence))
	for _, ev := range evidence {
		evidenceNodeIDs = append(evidenceNodeIDs, ev.NodeID)
		evidenceDocByNode[ev.NodeID] = ev.DocumentID
	}

	if answerMarkdown == "" {
		answerMarkdown = "No grounded answer could be generated."
	}

	// Dedupe citations preserving first-seen order, whitelisted against the
	// collected evidence (spec §4.8 step 1, §9: the only defense against
	// hallucinated node ids).
	citations := NormalizeCitations(rawCitations, evidenceNodeIDs)

	result := Evaluate(query, answerMarkdown, citations, evidenceNodeIDs, evidenceDocByNode, isRelationQuery)

	lastConf := 0.0
	if lastConfidence != nil {
		lastConf = *lastConfidence
	}

	grounded := result.Grounded &&
		strings.TrimSpace(answerMarkdown) != "" &&
		len(citations) > 0 &&
		!isUngroundedSentinel(answerMarkdown)

	threshold := 0.60
	if isRelationQuery {
		threshold = 0.70
	}

	if !grounded || result.Overall < threshold {
		if failErr := e.store.FailRun(ctx, runID); failErr != nil {
			e.logger.Error("failing run after quality gate", "run_id", runID, "error", failErr)
		}
		return fmt.Errorf("%w: achieved %.0f%%, required %.0f%%", ErrQualityGateFailed, result.Overall*100, threshold*100)
	}

	var finalConfidence float64
	if grounded {
		finalConfidence = math.Max(lastConf, result.Overall)
	} else {
		finalConfidence = math.Min(lastConf, math.Min(0.45, math.Max(0.25, result.Overall)))
	}

	tokenUsage := fmt.Sprintf(`{"input_tokens":%d,"output_tokens":%d}`, totalInputTokens, totalOutputTokens)

	return e.store.CompleteRun(
		ctx, runID, time.Since(start).Milliseconds(),
		[]byte(tokenUsage), totalCostUSD,
		answerMarkdown, citations, finalConfidence, result.Grounded,
		result.ToQualityMetrics(), plannerTrace,
	)
}

// phaseForStep tags each step kind with the coarse retrieval/synthesis/
// validation phase the spec's run-level phase column records (spec §4.8
// step 5, §9 Design Notes on RunPhase).
func phaseForStep(kind StepKind) string {
	switch kind {
	case StepSynthesize:
		return "synthesis"
	case StepSelfCheck:
		return "validation"
	default:
		return "retrieval"
	}
}

// isUngroundedSentinel reports whether the answer carries the "could not
// produce a grounded answer" sentinel the provider client and the executor's
// own fallback both use (spec glossary: "Grounded").
func isUngroundedSentinel(answerMarkdown string) bool {
	lower := strings.ToLower(answerMarkdown)
	return strings.Contains(lower, "could not produce a grounded answer") ||
		strings.Contains(lower, "no grounded answer could be generated")
}

// planSteps calls the model planner and falls back to the deterministic
// sequence on any failure (spec §4.8: "on provider error or an unparseable
// step, fall back to the deterministic planner").
func (e *Executor) planSteps(ctx context.Context, planner *Planner, input PlannerInput) (PlannedSequence, bool) {
	if e.reasoner == nil {
		return planner.NextSteps(input), false
	}

	prompt := PlannerPrompt(input, "")
	modelStep, err := e.reasoner.GeneratePlanStep(ctx, prompt)
	if err != nil {
		e.logger.Debug("planner model call failed, using deterministic fallback", "error", err)
		return planner.NextSteps(input), false
	}

	sequence, ok := planner.NextStepsFromModel(input, ModelPlannerStep{
		StepType:  modelStep.StepType,
		Objective: modelStep.Objective,
		Reasoning: modelStep.Reasoning,
		Decision:  modelStep.Decision,
	})
	if !ok {
		return planner.NextSteps(input), false
	}
	return sequence, true
}

func (e *Executor) executeStep(
	ctx context.Context,
	step PlannedStep,
	projectID string,
	focusDocumentID *string,
	query string,
	isRelationQuery bool,
	exploredSections *[]string,
	evidence *[]Evidence,
	answerMarkdown *string,
	rawCitations *[]string,
	modelConfidence *float64,
	totalInputTokens *int,
	totalOutputTokens *int,
	totalCostUSD *float64,
) (thought, action, observation string, localConfidence float64, err error) {
	switch step.StepType {
	case StepScanRoot:
		var nodes []store.NodeSummary
		if focusDocumentID != nil {
			nodes, err = e.store.FetchSubtree(ctx, *focusDocumentID, nil, 1)
		} else {
			nodes, err = e.store.FetchProjectSubtree(ctx, projectID, 1)
		}
		if err != nil {
			return "", "", "", 0.25, err
		}
		return step.Objective, "scan document roots",
			fmt.Sprintf("found %d root node(s)", len(nodes)), 0.25, nil

	case StepSelectSections:
		// spec §4.8 step execution contracts: select_sections calls
		// pick_candidates(limit=6) and records up to 6 non-empty titles.
		candidates, pickErr := PickCandidates(ctx, e.store, projectID, focusDocumentID, query, 6)
		if pickErr != nil {
			return "", "", "", 0.45, pickErr
		}
		for _, c := range candidates {
			if len(*exploredSections) >= 6 {
				break
			}
			if c.Title != "" {
				*exploredSections = append(*exploredSections, c.Title)
			}
		}
		return step.Objective, "select candidate sections",
			fmt.Sprintf("selected %d candidate node(s)", len(candidates)), 0.45, nil

	case StepDrillDown:
		// spec §4.8: pick_candidates(limit=12), no recorded side effects.
		if _, pickErr := PickCandidates(ctx, e.store, projectID, focusDocumentID, query, 12); pickErr != nil {
			return "", "", "", 0.58, pickErr
		}
		return step.Objective, "drill into subsections",
			"navigated into candidate subsections", 0.58, nil

	case StepExtractEvidence:
		limit := e.config.EvidenceFanout
		if limit <= 0 {
			limit = 8
		}
		found, evErr := PickCandidates(ctx, e.store, projectID, focusDocumentID, query, limit)
		if evErr != nil {
			return "", "", "", 0.72, evErr
		}
		*evidence = found
		return step.Objective, "extract evidence nodes",
			fmt.Sprintf("collected %d evidence node(s)", len(found)), 0.72, nil

	case StepSynthesize:
		if len(*evidence) == 0 {
			return "", "", "", 0, ErrNoEvidence
		}
		lines := make([]string, 0, len(*evidence))
		for _, ev := range *evidence {
			lines = append(lines, FormatCitation(ev))
		}
		prompt := SynthesisPrompt(query, lines, isRelationQuery)

		if e.reasoner == nil {
			*answerMarkdown = "No grounded answer could be generated."
			return step.Objective, "synthesize answer", "no reasoner configured", 0.2, nil
		}

		result, genErr := e.reasoner.GenerateAnswer(ctx, prompt)
		if genErr != nil {
			return "", "", "", 0.2, genErr
		}
		*answerMarkdown = result.AnswerMarkdown
		*rawCitations = result.Citations
		*modelConfidence = result.Confidence
		*totalInputTokens += result.TokenUsage.InputTokens
		*totalOutputTokens += result.TokenUsage.OutputTokens
		*totalCostUSD += result.EstimatedCostUSD
		return step.Objective, "synthesize answer",
			fmt.Sprintf("drafted answer with %d citation(s)", len(result.Citations)),
			result.Confidence, nil

	case StepSelfCheck:
		grounded := *answerMarkdown != "" && len(*evidence) > 0 && !isUngroundedSentinel(*answerMarkdown)
		var conf float64
		if grounded {
			evidenceBonus := 0.08 * float64(len(*evidence))
			if evidenceBonus > 0.40 {
				evidenceBonus = 0.40
			}
			lengthBonus := 0.10
			if len(*answerMarkdown) > 120 {
				lengthBonus = 0.20
			}
			conf = 0.15 + evidenceBonus + lengthBonus
		} else {
			conf = 0.28
		}
		return step.Objective, "self-check grounding",
			fmt.Sprintf("estimated confidence %.2f", conf), conf, nil

	default:
		return "", "", "", 0, fmt.Errorf("unknown step type: %s", step.StepType)
	}
}

// NewRunID allocates a string run id (spec §9 Open Questions: ids are
// google/uuid strings).
func NewRunID() string {
	return uuid.NewString()
}
