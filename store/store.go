// Package store implements the Node Store and Run Store: the persisted
// hierarchical document tree and the reasoning run trace the Executor reads
// and writes against (spec §3, §4.1, §4.2, §6).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// NodeType is the closed set of document tree node kinds (spec §3, §9:
// "sum types for step kind and decision" applies equally here — tagged
// variants, not bare strings, at the API boundary).
type NodeType string

const (
	NodeTypeDocument   NodeType = "document"
	NodeTypeSection    NodeType = "section"
	NodeTypeSubsection NodeType = "subsection"
	NodeTypeParagraph  NodeType = "paragraph"
	NodeTypeClaim      NodeType = "claim"
	NodeTypeTable      NodeType = "table"
	NodeTypeFigure     NodeType = "figure"
	NodeTypeEquation   NodeType = "equation"
	NodeTypeCaption    NodeType = "caption"
	NodeTypeReference  NodeType = "reference"
	NodeTypeUnknown    NodeType = "unknown"
)

// ParseNodeType maps a stored/raw string to its NodeType, defaulting to
// NodeTypeUnknown for anything unrecognized.
func ParseNodeType(raw string) NodeType {
	switch strings.ToLower(raw) {
	case "document":
		return NodeTypeDocument
	case "section":
		return NodeTypeSection
	case "subsection":
		return NodeTypeSubsection
	case "paragraph":
		return NodeTypeParagraph
	case "claim":
		return NodeTypeClaim
	case "table":
		return NodeTypeTable
	case "figure":
		return NodeTypeFigure
	case "equation":
		return NodeTypeEquation
	case "caption":
		return NodeTypeCaption
	case "reference":
		return NodeTypeReference
	default:
		return NodeTypeUnknown
	}
}

// RunStatus is the closed set of reasoning run lifecycle states (spec §3).
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Project is a row in the projects table.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Document is a row in the documents table (spec §3).
type Document struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	MIME      string `json:"mime"`
	Checksum  string `json:"checksum"`
	Pages     int64  `json:"pages"`
	CreatedAt string `json:"created_at"`
}

// NodeRecord is an ingestion-produced row shape for doc_nodes (spec §6:
// "Ingestion collaborator produces ... a topologically-ordered sequence of
// node records matching the doc_nodes shape").
type NodeRecord struct {
	ID           string
	DocumentID   string
	ParentID     *string
	NodeType     NodeType
	Title        string
	Text         string
	PageStart    *int64
	PageEnd      *int64
	BBoxJSON     string
	MetadataJSON string
	OrdinalPath  string
}

// NodeSummary is the Node Store's read shape for tree/search queries
// (spec §4.1).
type NodeSummary struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"document_id"`
	ParentID    *string  `json:"parent_id,omitempty"`
	NodeType    NodeType `json:"node_type"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	OrdinalPath string   `json:"ordinal_path"`
	PageStart   *int64   `json:"page_start,omitempty"`
	PageEnd     *int64   `json:"page_end,omitempty"`
}

// NodeDetail adds the opaque payloads to NodeSummary (spec §3).
type NodeDetail struct {
	NodeSummary
	BBoxJSON     json.RawMessage `json:"bbox_json"`
	MetadataJSON json.RawMessage `json:"metadata_json"`
}

// DocumentHeader is the Node Store's fetch_document_header result (spec §4.1).
type DocumentHeader struct {
	Name      string `json:"name"`
	MIME      string `json:"mime"`
	PageCount int64  `json:"page_count"`
	CreatedAt string `json:"created_at"`
}

// GraphNodePosition is a row in graph_layouts (spec §6, supplemented
// feature — graph layout persistence).
type GraphNodePosition struct {
	NodeID string  `json:"node_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Run is a row in reasoning_runs (spec §3).
type Run struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	DocumentID      *string         `json:"document_id,omitempty"`
	Query           string          `json:"query"`
	Status          RunStatus       `json:"status"`
	StartedAt       string          `json:"started_at"`
	EndedAt         *string         `json:"ended_at,omitempty"`
	TotalLatencyMs  *int64          `json:"total_latency_ms,omitempty"`
	TokenUsageJSON  json.RawMessage `json:"token_usage_json"`
	CostUSD         float64         `json:"cost_usd"`
	QualityJSON     json.RawMessage `json:"quality_json"`
	PlannerTraceJSON json.RawMessage `json:"planner_trace_json"`
	Phase           string          `json:"phase"`
}

// Step is a row in reasoning_steps (spec §3).
type Step struct {
	RunID      string   `json:"run_id"`
	Idx        int64    `json:"idx"`
	StepType   string   `json:"step_type"`
	Thought    string   `json:"thought"`
	Action     string   `json:"action"`
	Observation string  `json:"observation"`
	NodeRefs   []string `json:"node_refs"`
	Confidence float64  `json:"confidence"`
	LatencyMs  int64    `json:"latency_ms"`
}

// Answer is the row in the answers table (spec §3).
type Answer struct {
	RunID          string   `json:"run_id"`
	AnswerMarkdown string   `json:"answer_markdown"`
	Citations      []string `json:"citations"`
	Confidence     float64  `json:"confidence"`
	Grounded       bool     `json:"grounded"`
}

// RunDetail is the get_run aggregate (spec §4.2, §6).
type RunDetail struct {
	Run    Run
	Steps  []Step
	Answer *Answer
}

// Store wraps the SQLite database backing the Node Store and Run Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initializes the schema. dbPath == ":memory:" opens an in-memory store
// with a single-connection pool, matching the original's in_memory()
// test-store sizing (spec §5: "1 on in-memory test store").
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings (spec §5: "≤10 connections on a file-backed
	// store; 1 on in-memory test store").
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(4)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowRFC3339Milli() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
