package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// QualityMetrics mirrors the Evaluator's output shape for persistence
// (spec §3: Quality Metrics; §6: reasoning_runs.quality_json).
type QualityMetrics struct {
	Overall               float64 `json:"overall"`
	QueryAlignment        float64 `json:"query_alignment"`
	CitationCoverage      float64 `json:"citation_coverage"`
	CrossDocumentCoverage float64 `json:"cross_document_coverage"`
	Grounded              bool    `json:"grounded"`
}

// PlannerTraceEntry is one recorded planner decision, persisted verbatim
// in reasoning_runs.planner_trace_json (spec §3: "planner trace payload").
type PlannerTraceEntry struct {
	StepCount      int    `json:"step_count"`
	BacktrackCount int    `json:"backtrack_count"`
	Decision       string `json:"decision"`
}

// CreateRun implements create_run (spec §4.2): inserts with status=running,
// start=now. Fails with ErrRunExists if the id collides.
func (s *Store) CreateRun(ctx context.Context, runID, projectID string, focusDocumentID *string, query string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reasoning_runs (id, project_id, document_id, query, status)
		VALUES (?, ?, ?, ?, 'running')
	`, runID, projectID, focusDocumentID, query)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrRunExists
		}
		return err
	}
	return nil
}

// NewStep is the input shape for AppendStep.
type NewStep struct {
	RunID       string
	Idx         int64
	StepType    string
	Thought     string
	Action      string
	Observation string
	NodeRefs    []string
	Confidence  float64
	LatencyMs   int64
}

// AppendStep implements append_step (spec §4.2): idx must be strictly
// monotonically increasing starting at 1; the caller (Executor) is
// responsible for that ordering — this just persists the row.
func (s *Store) AppendStep(ctx context.Context, step NewStep) error {
	refsJSON, err := json.Marshal(step.NodeRefs)
	if err != nil {
		return fmt.Errorf("marshaling node_refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reasoning_steps (
			run_id, idx, step_type, thought, action, observation, node_refs_json, confidence, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.RunID, step.Idx, step.StepType, step.Thought, step.Action, step.Observation,
		string(refsJSON), step.Confidence, step.LatencyMs)
	return err
}

// SetRunPhase updates the free-text phase tag the Executor records per
// step batch (spec §6: reasoning_runs.phase; §9 Design Notes on RunPhase).
func (s *Store) SetRunPhase(ctx context.Context, runID, phase string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE reasoning_runs SET phase = ? WHERE id = ?", phase, runID)
	return err
}

// CompleteRun implements complete_run (spec §4.2): one transaction that
// updates the run row to status=completed with end timestamp and metrics,
// and inserts-or-replaces the answer row.
func (s *Store) CompleteRun(
	ctx context.Context,
	runID string,
	totalLatencyMs int64,
	tokenUsage json.RawMessage,
	costUSD float64,
	answerMarkdown string,
	citations []string,
	finalConfidence float64,
	grounded bool,
	quality QualityMetrics,
	plannerTrace []PlannerTraceEntry,
) error {
	qualityJSON, err := json.Marshal(quality)
	if err != nil {
		return fmt.Errorf("marshaling quality metrics: %w", err)
	}
	traceJSON, err := json.Marshal(plannerTrace)
	if err != nil {
		return fmt.Errorf("marshaling planner trace: %w", err)
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshaling citations: %w", err)
	}
	if len(tokenUsage) == 0 {
		tokenUsage = json.RawMessage("{}")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE reasoning_runs
			SET status = 'completed',
				ended_at = ?,
				total_latency_ms = ?,
				token_usage_json = ?,
				cost_usd = ?,
				quality_json = ?,
				planner_trace_json = ?
			WHERE id = ?
		`, nowRFC3339Milli(), totalLatencyMs, string(tokenUsage), costUSD, string(qualityJSON), string(traceJSON), runID); err != nil {
			return err
		}

		groundedInt := 0
		if grounded {
			groundedInt = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO answers (run_id, answer_markdown, citations_json, confidence, grounded)
			VALUES (?, ?, ?, ?, ?)
		`, runID, answerMarkdown, string(citationsJSON), finalConfidence, groundedInt)
		return err
	})
}

// FailRun implements fail_run (spec §4.2): sets status=failed, end
// timestamp; does not write an answer.
func (s *Store) FailRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reasoning_runs SET status = 'failed', ended_at = ? WHERE id = ?
	`, nowRFC3339Milli(), runID)
	return err
}

// GetRun implements get_run (spec §4.2): run header + ordered steps +
// optional answer.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, document_id, query, status, started_at, ended_at,
			total_latency_ms, token_usage_json, cost_usd, quality_json, planner_trace_json, phase
		FROM reasoning_runs WHERE id = ?
	`, runID)

	var run Run
	var documentID, endedAt sql.NullString
	var totalLatencyMs sql.NullInt64
	var status, tokenUsage, quality, trace string
	if err := row.Scan(&run.ID, &run.ProjectID, &documentID, &run.Query, &status, &run.StartedAt,
		&endedAt, &totalLatencyMs, &tokenUsage, &run.CostUSD, &quality, &trace, &run.Phase); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	run.Status = RunStatus(status)
	if documentID.Valid {
		v := documentID.String
		run.DocumentID = &v
	}
	if endedAt.Valid {
		v := endedAt.String
		run.EndedAt = &v
	}
	if totalLatencyMs.Valid {
		v := totalLatencyMs.Int64
		run.TotalLatencyMs = &v
	}
	run.TokenUsageJSON = json.RawMessage(tokenUsage)
	run.QualityJSON = json.RawMessage(quality)
	run.PlannerTraceJSON = json.RawMessage(trace)

	stepRows, err := s.db.QueryContext(ctx, `
		SELECT run_id, idx, step_type, thought, action, observation, node_refs_json, confidence, latency_ms
		FROM reasoning_steps WHERE run_id = ? ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer stepRows.Close()

	var steps []Step
	for stepRows.Next() {
		var st Step
		var refsJSON string
		if err := stepRows.Scan(&st.RunID, &st.Idx, &st.StepType, &st.Thought, &st.Action,
			&st.Observation, &refsJSON, &st.Confidence, &st.LatencyMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refsJSON), &st.NodeRefs); err != nil {
			st.NodeRefs = nil
		}
		steps = append(steps, st)
	}
	if err := stepRows.Err(); err != nil {
		return nil, err
	}

	var answer *Answer
	answerRow := s.db.QueryRowContext(ctx, `
		SELECT run_id, answer_markdown, citations_json, confidence, grounded
		FROM answers WHERE run_id = ?
	`, runID)
	var a Answer
	var citationsJSON string
	var groundedInt int64
	switch err := answerRow.Scan(&a.RunID, &a.AnswerMarkdown, &citationsJSON, &a.Confidence, &groundedInt); {
	case err == nil:
		if err := json.Unmarshal([]byte(citationsJSON), &a.Citations); err != nil {
			a.Citations = nil
		}
		a.Grounded = groundedInt == 1
		answer = &a
	case errors.Is(err, sql.ErrNoRows):
		answer = nil
	default:
		return nil, err
	}

	return &RunDetail{Run: run, Steps: steps, Answer: answer}, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
