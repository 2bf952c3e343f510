// Package reasonkit wires the Node Store, Query Scope Classifier, Planner,
// Evidence Builder, Evaluator, and Executor into the host-facing operations
// a document QA agent needs: ingest a document, start a reasoning run over
// a project, and fetch a run's trace and answer (spec §6).
package reasonkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veridoc/reasonkit/ingest"
	"github.com/veridoc/reasonkit/llm"
	"github.com/veridoc/reasonkit/reasoning"
	"github.com/veridoc/reasonkit/store"
)

// Engine is the top-level handle host applications construct once and reuse
// across queries.
type Engine struct {
	store    *store.Store
	ingester *ingest.Ingester
	executor *reasoning.Executor
	config   Config
	logger   *slog.Logger
}

// Open constructs an Engine: opens (or creates) the SQLite-backed store at
// the configured path, and wires the reasoner client against the configured
// provider.
func Open(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := cfg.resolveDBPath()
	s, err := store.New(dbPath)
	if err != nil {
		return nil, NewReasoningError(CodeDatabase, "opening store", err)
	}

	var reasoner *llm.ReasonerClient
	if cfg.Gemini.APIKey != "" {
		reasoner = llm.NewReasonerClient(cfg.Gemini.Model, cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
	} else {
		logger.Warn("no gemini api key configured; reasoning runs will use deterministic fallbacks only")
	}

	executorConfig := reasoning.ExecutorConfig{
		Planner:        cfg.Planner,
		Evaluator:      cfg.Evaluator,
		EvidenceFanout: cfg.EvidenceFanout,
	}

	return &Engine{
		store:    s,
		ingester: ingest.New(s),
		executor: reasoning.NewExecutor(s, reasoner, executorConfig, logger),
		config:   cfg,
		logger:   logger,
	}, nil
}

// Close releases the underlying database connection.
func (e *Engine) Close() error {
	return e.store.Close()
}

// CreateProject creates a new project to ingest documents into.
func (e *Engine) CreateProject(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", NewReasoningError(CodeInvalidInput, "project name must not be empty", ErrInvalidInput)
	}
	id := uuid.NewString()
	if err := e.store.CreateProject(ctx, id, name); err != nil {
		return "", NewReasoningError(CodeDatabase, "creating project", err)
	}
	return id, nil
}

// IngestDocument parses and persists a document's tree under a project,
// deduplicating by content checksum (spec §3).
func (e *Engine) IngestDocument(ctx context.Context, projectID, path string) (*ingest.IngestResult, error) {
	result, err := e.ingester.IngestFile(ctx, projectID, path)
	if err != nil {
		return nil, NewReasoningError(CodeInvalidInput, fmt.Sprintf("ingesting %s", path), err)
	}
	return result, nil
}

// StartQuery implements start_query (spec §6): creates a reasoning run and
// drives the Executor's full planning/retrieval/synthesis loop against it.
// Once the run row has been created, the run id is returned whether or not
// the run completed successfully — callers should inspect GetRun for status.
// An empty query or a failure to create the run row returns an empty id.
func (e *Engine) StartQuery(ctx context.Context, projectID string, focusDocumentID *string, query string, maxSteps *int) (string, error) {
	if query == "" {
		return "", NewReasoningError(CodeInvalidInput, "query must not be empty", ErrInvalidInput)
	}

	runID := reasoning.NewRunID()
	if err := e.store.CreateRun(ctx, runID, projectID, focusDocumentID, query); err != nil {
		if errors.Is(err, store.ErrRunExists) {
			return "", NewReasoningError(CodeInternal, "run id collision", ErrRunExists)
		}
		return "", NewReasoningError(CodeDatabase, "creating run", err)
	}

	if err := e.executor.Run(ctx, runID, projectID, focusDocumentID, query, maxSteps); err != nil {
		if errors.Is(err, reasoning.ErrQualityGateFailed) {
			return runID, NewReasoningError(CodeQualityGateFailed, "answer did not meet the quality gate", err)
		}
		if errors.Is(err, reasoning.ErrNoEvidence) {
			return runID, NewReasoningError(CodeNotFound, "no evidence available for synthesis", ErrNoEvidence)
		}
		var reasonerErr *llm.ReasonerError
		if errors.As(err, &reasonerErr) {
			return runID, NewReasoningError(providerCode(reasonerErr.Code), reasonerErr.Message, err)
		}
		if failErr := e.store.FailRun(ctx, runID); failErr != nil {
			e.logger.Error("failing run after executor error", "run_id", runID, "error", failErr)
		}
		return runID, NewReasoningError(CodeInternal, "reasoning run failed", err)
	}

	return runID, nil
}

// GetRun implements get_run (spec §6): the run header, ordered step trace,
// and answer (if completed).
func (e *Engine) GetRun(ctx context.Context, runID string) (*store.RunDetail, error) {
	detail, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, NewReasoningError(CodeNotFound, "run not found", ErrRunNotFound)
		}
		return nil, NewReasoningError(CodeDatabase, "fetching run", err)
	}
	return detail, nil
}

// ExportMarkdown renders a document's tree as markdown (SPEC_FULL.md
// supplemented feature).
func (e *Engine) ExportMarkdown(ctx context.Context, documentID string) (string, error) {
	md, err := e.store.ExportMarkdown(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			return "", NewReasoningError(CodeNotFound, "document not found", ErrDocumentNotFound)
		}
		return "", NewReasoningError(CodeDatabase, "exporting markdown", err)
	}
	return md, nil
}

func providerCode(code llm.ReasonerErrorCode) Code {
	switch code {
	case llm.ErrCodeProviderAuth:
		return CodeProviderAuth
	case llm.ErrCodeProviderRateLimited:
		return CodeProviderRateLimited
	case llm.ErrCodeProviderTimeout:
		return CodeProviderTimeout
	case llm.ErrCodeNetwork:
		return CodeNetwork
	default:
		return CodeProviderInvalidResponse
	}
}
