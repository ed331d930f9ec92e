// Package result provides the run context, per-command execution records,
// and run report output.
package result

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status represents the final status of an adapter run.
type Status string

const (
	// StatusRan means the instruction command executed; whether the task
	// passed is the harness's call, not the adapter's.
	StatusRan Status = "ran"

	// StatusSetupError means the adapter could not bring the sandbox to a
	// runnable state. Distinct from "ran but failed the task".
	StatusSetupError Status = "setup-error"

	// StatusConfigError means resolution failed before sandbox contact.
	StatusConfigError Status = "config-error"
)

// RunContext accumulates scoring-relevant metrics for one trial. It is
// owned by the harness; the adapter only fills fields that are still unset.
type RunContext struct {
	InputTokens  *int     `json:"n_input_tokens,omitempty"`
	OutputTokens *int     `json:"n_output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

// SetInputTokensIfUnset records input tokens unless already set.
func (c *RunContext) SetInputTokensIfUnset(n int) {
	if c.InputTokens == nil {
		c.InputTokens = &n
	}
}

// SetOutputTokensIfUnset records output tokens unless already set.
func (c *RunContext) SetOutputTokensIfUnset(n int) {
	if c.OutputTokens == nil {
		c.OutputTokens = &n
	}
}

// SetCostUSDIfUnset records run cost unless already set.
func (c *RunContext) SetCostUSDIfUnset(cost float64) {
	if c.CostUSD == nil {
		c.CostUSD = &cost
	}
}

// Execution records one command invocation.
type Execution struct {
	Index      int       `json:"index"`
	Command    string    `json:"command"`
	ReturnCode string    `json:"return_code"` // Numeric string, or the timeout sentinel
	TimedOut   bool      `json:"timed_out,omitempty"`
	Duration   float64   `json:"duration_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Run represents a complete adapter run.
type Run struct {
	ID            string      `json:"id"`
	Instruction   string      `json:"instruction"`
	Model         string      `json:"model"`
	Status        Status      `json:"status"`
	Error         string      `json:"error,omitempty"`
	Executions    []Execution `json:"executions"`
	ArchiveDigest string      `json:"archive_digest,omitempty"`
	Harvest       string      `json:"harvest,omitempty"`
	Context       RunContext  `json:"context"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   time.Time   `json:"completed_at"`
}

// NewRun creates a run record with a collision-resistant id.
func NewRun(instruction, model string) *Run {
	now := time.Now()
	randBytes := make([]byte, 4)
	_, _ = rand.Read(randBytes)
	id := fmt.Sprintf("lattice-%s-%s", now.Format("2006-01-02T150405"), hex.EncodeToString(randBytes))

	return &Run{
		ID:          id,
		Instruction: instruction,
		Model:       model,
		Status:      StatusRan,
		Executions:  make([]Execution, 0),
		StartedAt:   now,
	}
}

// AddExecution appends a command record.
func (r *Run) AddExecution(command, returnCode string, timedOut bool, duration time.Duration) {
	r.Executions = append(r.Executions, Execution{
		Index:      len(r.Executions),
		Command:    command,
		ReturnCode: returnCode,
		TimedOut:   timedOut,
		Duration:   duration.Seconds(),
		Timestamp:  time.Now(),
	})
}

// Fail marks the run as not runnable and records the cause.
func (r *Run) Fail(status Status, err error) {
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
}

// Complete finalizes the run.
func (r *Run) Complete() {
	r.CompletedAt = time.Now()
}

// Dir returns the directory for this run's artifacts under baseDir.
func (r *Run) Dir(baseDir string) string {
	return filepath.Join(baseDir, r.ID)
}

// Save writes result.json and report.md into the run's directory.
func (r *Run) Save(baseDir string) error {
	dir := r.Dir(baseDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	if err := WriteJSONAtomic(filepath.Join(dir, "result.json"), r); err != nil {
		return fmt.Errorf("writing result.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(r.GenerateMarkdown()), 0644); err != nil {
		return fmt.Errorf("writing report.md: %w", err)
	}

	return nil
}

// GenerateMarkdown generates a human-readable markdown report.
func (r *Run) GenerateMarkdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Lattice Bench Run: %s\n\n", r.ID)
	fmt.Fprintf(&sb, "**Status:** %s\n\n", r.Status)
	fmt.Fprintf(&sb, "**Model:** %s\n\n", r.Model)
	fmt.Fprintf(&sb, "**Started:** %s\n\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Completed:** %s\n\n", r.CompletedAt.Format(time.RFC3339))
	if r.ArchiveDigest != "" {
		fmt.Fprintf(&sb, "**Archive:** `%s`\n\n", r.ArchiveDigest)
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", r.Error)
	}

	sb.WriteString("---\n\n## Instruction\n\n```\n")
	sb.WriteString(r.Instruction)
	sb.WriteString("\n```\n\n## Commands\n\n")

	for _, e := range r.Executions {
		fmt.Fprintf(&sb, "### command-%d\n\n", e.Index)
		fmt.Fprintf(&sb, "- **Command:** `%s`\n", e.Command)
		fmt.Fprintf(&sb, "- **Return Code:** %s\n", e.ReturnCode)
		fmt.Fprintf(&sb, "- **Duration:** %.1fs\n", e.Duration)
		fmt.Fprintf(&sb, "- **Time:** %s\n\n", e.Timestamp.Format(time.RFC3339))
	}

	sb.WriteString("## Telemetry\n\n")
	if r.Harvest != "" {
		fmt.Fprintf(&sb, "- **Harvest:** %s\n", r.Harvest)
	}
	if r.Context.InputTokens != nil {
		fmt.Fprintf(&sb, "- **Input Tokens:** %d\n", *r.Context.InputTokens)
	}
	if r.Context.OutputTokens != nil {
		fmt.Fprintf(&sb, "- **Output Tokens:** %d\n", *r.Context.OutputTokens)
	}
	if r.Context.CostUSD != nil {
		fmt.Fprintf(&sb, "- **Cost:** $%.4f\n", *r.Context.CostUSD)
	}

	return sb.String()
}

// FormatFinal returns a terminal summary for the end of a run.
func FormatFinal(r *Run) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString(" LATTICE BENCH\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString("\n")

	fmt.Fprintf(&sb, " Status:    %s\n", r.Status)
	fmt.Fprintf(&sb, " Model:     %s\n", r.Model)
	fmt.Fprintf(&sb, " Commands:  %d\n", len(r.Executions))
	for _, e := range r.Executions {
		fmt.Fprintf(&sb, "   command-%d: rc=%s (%.1fs)\n", e.Index, e.ReturnCode, e.Duration)
	}
	if r.Context.InputTokens != nil && r.Context.OutputTokens != nil {
		fmt.Fprintf(&sb, " Tokens:    %d in / %d out\n", *r.Context.InputTokens, *r.Context.OutputTokens)
	}
	if r.Context.CostUSD != nil {
		fmt.Fprintf(&sb, " Cost:      $%.4f\n", *r.Context.CostUSD)
	}
	fmt.Fprintf(&sb, " Run:       %s\n", r.ID)
	sb.WriteString("\n")

	return sb.String()
}
