package store

// schemaSQL returns the DDL for all tables backing the document tree model
// and the reasoning run trace (spec §6: canonical wire schema).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    mime TEXT NOT NULL,
    checksum TEXT NOT NULL,
    pages INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE(project_id, checksum)
);

-- Hierarchical document tree: exactly one root (parent_id IS NULL) per document.
CREATE TABLE IF NOT EXISTS doc_nodes (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    parent_id TEXT REFERENCES doc_nodes(id) ON DELETE CASCADE,
    node_type TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    page_start INTEGER,
    page_end INTEGER,
    bbox_json TEXT NOT NULL DEFAULT '{}',
    metadata_json TEXT NOT NULL DEFAULT '{}',
    ordinal_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_layouts (
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    node_id TEXT NOT NULL REFERENCES doc_nodes(id) ON DELETE CASCADE,
    x REAL NOT NULL,
    y REAL NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (document_id, node_id)
);

CREATE TABLE IF NOT EXISTS reasoning_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    document_id TEXT,
    query TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    ended_at TEXT,
    total_latency_ms INTEGER,
    token_usage_json TEXT NOT NULL DEFAULT '{}',
    cost_usd REAL NOT NULL DEFAULT 0,
    quality_json TEXT NOT NULL DEFAULT '{}',
    planner_trace_json TEXT NOT NULL DEFAULT '[]',
    phase TEXT NOT NULL DEFAULT 'retrieval'
);

CREATE TABLE IF NOT EXISTS reasoning_steps (
    run_id TEXT NOT NULL REFERENCES reasoning_runs(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    step_type TEXT NOT NULL,
    thought TEXT NOT NULL,
    action TEXT NOT NULL,
    observation TEXT NOT NULL,
    node_refs_json TEXT NOT NULL DEFAULT '[]',
    confidence REAL NOT NULL,
    latency_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS answers (
    run_id TEXT PRIMARY KEY REFERENCES reasoning_runs(id) ON DELETE CASCADE,
    answer_markdown TEXT NOT NULL,
    citations_json TEXT NOT NULL DEFAULT '[]',
    confidence REAL NOT NULL,
    grounded INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_doc_nodes_document ON doc_nodes(document_id);
CREATE INDEX IF NOT EXISTS idx_doc_nodes_parent ON doc_nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_doc_nodes_ordinal ON doc_nodes(document_id, ordinal_path);
CREATE INDEX IF NOT EXISTS idx_reasoning_runs_project ON reasoning_runs(project_id);
CREATE INDEX IF NOT EXISTS idx_reasoning_steps_run ON reasoning_steps(run_id);
`
