// Package workflow loads and validates fanout workflow definitions.
// A workflow file describes the three phases of a job: optional setup
// commands, a map phase that fans work items out to agents, and
// optional reduce steps that aggregate the map results.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the workflow file format version this build understands.
const SupportedVersion = 1

// Step is a single named shell command within the setup or reduce phase.
type Step struct {
	Name    string `yaml:"name,omitempty"`
	Command string `yaml:"command"`
}

// MapSpec configures the map phase: the agent command run once per
// work item and the input patterns expanded into those items.
type MapSpec struct {
	// Command is the agent command invoked per work item. The item
	// payload is delivered on stdin as JSON.
	Command string `yaml:"command"`

	// Inputs are glob patterns (or literal paths) expanded relative
	// to the job's working directory into one work item per match.
	Inputs []string `yaml:"inputs"`

	// MaxParallel bounds concurrent agents. Zero means use the
	// configured default.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// MaxRetries is how many times a failed item is retried before
	// it is dead-lettered. Zero means use the configured default.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Workflow is a parsed workflow definition.
type Workflow struct {
	Name    string            `yaml:"name"`
	Version int               `yaml:"version"`
	Env     map[string]string `yaml:"env,omitempty"`
	Setup   []Step            `yaml:"setup,omitempty"`
	Map     MapSpec           `yaml:"map"`
	Reduce  []Step            `yaml:"reduce,omitempty"`
}

// Load reads and parses the workflow file at path, validating it.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow file: %w", err)
	}

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	return &wf, nil
}

// Validate checks that the workflow definition is well-formed.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if w.Version != SupportedVersion {
		return fmt.Errorf("unsupported workflow version: %d (supported: %d)", w.Version, SupportedVersion)
	}
	if w.Map.Command == "" {
		return fmt.Errorf("map command is required")
	}
	if len(w.Map.Inputs) == 0 {
		return fmt.Errorf("map phase needs at least one input pattern")
	}
	for i, step := range w.Setup {
		if step.Command == "" {
			return fmt.Errorf("setup step %d has no command", i)
		}
	}
	for i, step := range w.Reduce {
		if step.Command == "" {
			return fmt.Errorf("reduce step %d has no command", i)
		}
	}
	return nil
}

// Hash returns the SHA-256 hex digest of the workflow file at path.
// It is recorded in every checkpoint and recompared on resume so that
// a definition edited mid-job is detected.
func Hash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading workflow file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
