package reasonkit

import (
	"os"
	"path/filepath"

	"github.com/veridoc/reasonkit/reasoning"
)

// Config holds all configuration for the reasonkit engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.docreason/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "docreason". The file will be <DBName>.db inside the
	// storage directory (~/.docreason/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.docreason/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Gemini is the provider client configuration (spec §4.5). Planning
	// and synthesis both go through this single provider.
	Gemini LLMConfig `json:"gemini" yaml:"gemini"`

	// Planner tunes the deterministic fallback + model-guided adaptation
	// state machine (spec §4.4).
	Planner reasoning.PlannerConfig `json:"planner" yaml:"planner"`

	// Evaluator tunes the post-synthesis quality gate (spec §4.7).
	Evaluator reasoning.EvaluatorConfig `json:"evaluator" yaml:"evaluator"`

	// EvidenceFanout is the limit passed to pick_candidates for the
	// extract_evidence step (spec §4.8 step execution contracts).
	EvidenceFanout int `json:"evidence_fanout" yaml:"evidence_fanout"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // informational only: the engine always uses the Gemini client and does not read this field
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for the hosted Gemini API.
// Database is stored in ~/.docreason/docreason.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "docreason",
		StorageDir: "home",
		Gemini: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
		},
		Planner:        reasoning.DefaultPlannerConfig(),
		Evaluator:      reasoning.DefaultEvaluatorConfig(),
		EvidenceFanout: 8,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "docreason"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".docreason")
		return filepath.Join(dir, name+".db")
	}
}
