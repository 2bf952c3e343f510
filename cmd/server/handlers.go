package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/veridoc/reasonkit"
)

type handler struct {
	engine *reasonkit.Engine
}

func newHandler(e *reasonkit.Engine) *handler {
	return &handler{engine: e}
}

// POST /projects
func (h *handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := h.engine.CreateProject(r.Context(), req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"project_id": id})
}

// POST /projects/{projectID}/ingest
// Accepts a multipart file upload and persists its document tree.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	projectID := r.PathValue("projectID")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart file upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	safeName := filepath.Base(header.Filename)
	tmpPath := filepath.Join(os.TempDir(), safeName)
	dst, err := os.Create(tmpPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("creating temp file", "error", err)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		writeError(w, http.StatusInternalServerError, "failed to save file")
		slog.Error("saving uploaded file", "error", err)
		return
	}
	dst.Close()
	defer os.Remove(tmpPath)

	result, err := h.engine.IngestDocument(ctx, projectID, tmpPath)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": result.DocumentID,
		"filename":    safeName,
		"deduped":     result.Deduped,
		"node_count":  result.NodeCount,
	})
}

// POST /projects/{projectID}/query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	projectID := r.PathValue("projectID")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	var req struct {
		Query           string  `json:"query"`
		FocusDocumentID *string `json:"focus_document_id,omitempty"`
		MaxSteps        *int    `json:"max_steps,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	runID, err := h.engine.StartQuery(ctx, projectID, req.FocusDocumentID, req.Query, req.MaxSteps)
	if err != nil {
		var reasonErr *reasonkit.ReasoningError
		if errors.As(err, &reasonErr) && runID != "" {
			// The run row was created even though the reasoning loop failed
			// (quality gate or provider error) — report both.
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id": runID,
				"error":  reasonErr,
			})
			return
		}
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
}

// GET /runs/{runID}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	detail, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// GET /documents/{documentID}/markdown
func (h *handler) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("documentID")
	md, err := h.engine.ExportMarkdown(r.Context(), documentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, md)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a ReasoningError's wire code onto an HTTP status
// (spec §7's taxonomy is transport-agnostic; this is the HTTP host shell's
// mapping of it).
func writeEngineError(w http.ResponseWriter, err error) {
	var reasonErr *reasonkit.ReasoningError
	if !errors.As(err, &reasonErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch reasonErr.Code {
	case reasonkit.CodeInvalidInput:
		status = http.StatusBadRequest
	case reasonkit.CodeNotFound:
		status = http.StatusNotFound
	case reasonkit.CodeProviderAuth:
		status = http.StatusUnauthorized
	case reasonkit.CodeProviderRateLimited:
		status = http.StatusTooManyRequests
	case reasonkit.CodeProviderTimeout, reasonkit.CodeNetwork:
		status = http.StatusBadGateway
	case reasonkit.CodeQualityGateFailed:
		status = http.StatusUnprocessableEntity
	}

	slog.Error("request failed", "code", reasonErr.Code, "error", reasonErr.Message)
	writeJSON(w, status, map[string]any{
		"error": fmt.Sprintf("%s", reasonErr.Message),
		"code":  reasonErr.Code,
	})
}
