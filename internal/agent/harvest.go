package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/lattice-dev/latticebench/internal/result"
	"github.com/lattice-dev/latticebench/internal/sandbox"
)

// HarvestStatus tags the outcome of telemetry extraction.
type HarvestStatus string

const (
	// HarvestPresent means the artifact was retrieved and parsed.
	HarvestPresent HarvestStatus = "present"

	// HarvestAbsent means the artifact could not be retrieved (path absent
	// or sandbox unreachable). Expected when the agent crashed early.
	HarvestAbsent HarvestStatus = "absent"

	// HarvestMalformed means the artifact was retrieved but did not parse.
	HarvestMalformed HarvestStatus = "malformed"
)

// Telemetry is the parsed token usage artifact.
type Telemetry struct {
	InputTokens  int
	OutputTokens int
	CostUSD      *float64
}

// HarvestOutcome is the explicit degradation path of the harvester: tests
// assert the tag rather than relying on swallowed errors.
type HarvestOutcome struct {
	Status    HarvestStatus
	Telemetry Telemetry
}

// telemetryArtifact mirrors the JSON written by the runner script. Missing
// numeric fields default to zero; cost is optional.
type telemetryArtifact struct {
	Input   int      `json:"input"`
	Output  int      `json:"output"`
	CostUSD *float64 `json:"cost_usd"`
}

// Harvest retrieves the telemetry artifact and merges it into the run
// context. Every failure mode degrades to a tagged outcome; Harvest never
// returns an error.
func (a *Agent) Harvest(ctx context.Context, sb sandbox.Environment, runCtx *result.RunContext) HarvestOutcome {
	local := filepath.Join(a.logsDir, telemetryFileName)

	// Clear any stale artifact so a failed download cannot surface data
	// from a previous run.
	_ = os.Remove(local)

	if err := sb.Download(ctx, sandbox.TelemetryPath, local); err != nil {
		a.logger.Debug("telemetry artifact not retrieved", "error", err)
		return HarvestOutcome{Status: HarvestAbsent}
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return HarvestOutcome{Status: HarvestAbsent}
	}

	var artifact telemetryArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		a.logger.Debug("telemetry artifact malformed", "error", err)
		return HarvestOutcome{Status: HarvestMalformed}
	}

	telemetry := Telemetry{
		InputTokens:  artifact.Input,
		OutputTokens: artifact.Output,
		CostUSD:      artifact.CostUSD,
	}

	if runCtx != nil {
		runCtx.SetInputTokensIfUnset(telemetry.InputTokens)
		runCtx.SetOutputTokensIfUnset(telemetry.OutputTokens)
		if telemetry.CostUSD != nil {
			runCtx.SetCostUSDIfUnset(*telemetry.CostUSD)
		}
	}

	return HarvestOutcome{Status: HarvestPresent, Telemetry: telemetry}
}
