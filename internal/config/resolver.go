package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Provider credential variables forwarded opaquely into the sandbox.
var ProviderEnvKeys = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"OPENAI_API_BASE",
	"OPENAI_ORG_ID",
	"AZURE_OPENAI_API_KEY",
	"AZURE_OPENAI_ENDPOINT",
	"AZURE_OPENAI_DEPLOYMENT",
	"AZURE_OPENAI_API_VERSION",
	// Google accepts either GOOGLE_GENERATIVE_AI_API_KEY or the legacy
	// GOOGLE_API_KEY variable. Forward both, plus the base URL override.
	"GOOGLE_GENERATIVE_AI_API_KEY",
	"GOOGLE_API_KEY",
	"GOOGLE_BASE_URL",
}

// Adapter configuration variables consumed by the runner inside the sandbox.
var ConfigEnvKeys = []string{
	"LATTICE_AGENT_GIT_URL",
	"LATTICE_BUN_INSTALL_URL",
	"LATTICE_PROJECT_PATH",
	"LATTICE_PROJECT_CANDIDATES",
	"LATTICE_MODEL",
	"LATTICE_TIMEOUT_MS",
	"LATTICE_CONFIG_ROOT",
	"LATTICE_APP_ROOT",
	"LATTICE_WORKSPACE_ID",
	"LATTICE_EXPERIMENTS",
	// Generic pass-through for arbitrary lattice run CLI flags (e.g.,
	// --thinking high --budget 5.00). Avoids per-flag plumbing.
	"LATTICE_RUN_ARGS",
}

// ProvidersFileEnvKey names a host-side file staged into the sandbox as
// <config root>/providers.jsonc. It is consumed on the host and never
// forwarded into the sandbox environment.
const ProvidersFileEnvKey = "LATTICE_PROVIDERS_FILE"

const (
	DefaultModel             = "anthropic:claude-sonnet-4-5"
	DefaultConfigRoot        = "/root/.lattice"
	DefaultAppRoot           = "/opt/lattice-app"
	DefaultWorkspaceID       = "lattice-bench"
	DefaultProjectCandidates = "/workspace:/app:/workspaces:/root/project"
)

// googleCredentialKeys are the accepted credentials for google: models.
var googleCredentialKeys = [2]string{"GOOGLE_GENERATIVE_AI_API_KEY", "GOOGLE_API_KEY"}

// ConfigError reports an invalid or missing configuration value. It is
// raised before any sandbox interaction and always names the offending key.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Source is one key-value configuration provider. Sources are consulted in
// precedence order and passed by value so that concurrent runs never observe
// each other's state.
type Source map[string]string

// recognizedKeys returns every variable name the resolver consults.
func recognizedKeys() []string {
	keys := make([]string, 0, len(ProviderEnvKeys)+len(ConfigEnvKeys)+1)
	keys = append(keys, ProviderEnvKeys...)
	keys = append(keys, ConfigEnvKeys...)
	keys = append(keys, ProvidersFileEnvKey)
	return keys
}

// Snapshot captures the recognized subset of the process environment once.
// Empty values are treated as unset, matching shell conventions.
func Snapshot() Source {
	src := make(Source)
	for _, key := range recognizedKeys() {
		if value := os.Getenv(key); value != "" {
			src[key] = value
		}
	}
	return src
}

// SnapshotWithEnvFile layers the process environment over an optional
// dotenv file. Real environment variables win; a missing file is not an
// error so a configured-but-absent .env degrades to a plain Snapshot.
func SnapshotWithEnvFile(path string) (Source, error) {
	src := make(Source)

	if path != "" {
		fileVars, err := godotenv.Read(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading env file %s: %w", path, err)
			}
		} else {
			for _, key := range recognizedKeys() {
				if value := fileVars[key]; value != "" {
					src[key] = value
				}
			}
		}
	}

	for key, value := range Snapshot() {
		src[key] = value
	}
	return src, nil
}

// ResolverOptions are the explicit constructor-level overrides.
type ResolverOptions struct {
	Model       string
	Experiments string
	TimeoutSecs int // Seconds; converted to LATTICE_TIMEOUT_MS in the run-local override set
	Snapshot    Source
}

// Resolver merges overrides, an ambient snapshot, and built-in defaults
// into a validated environment mapping. Precedence: overrides > snapshot >
// defaults.
type Resolver struct {
	overrides Source
	snapshot  Source
	defaults  Source
}

// NewResolver builds a resolver from explicit overrides and an ambient
// snapshot. The seconds-based timeout override is converted to the
// milliseconds variable here, locally to this run; the shared process
// environment is never written.
func NewResolver(opts ResolverOptions) *Resolver {
	overrides := make(Source)
	if model := strings.TrimSpace(opts.Model); model != "" {
		overrides["LATTICE_MODEL"] = model
	}
	if exp := strings.TrimSpace(opts.Experiments); exp != "" {
		overrides["LATTICE_EXPERIMENTS"] = exp
	}
	if opts.TimeoutSecs > 0 {
		overrides["LATTICE_TIMEOUT_MS"] = strconv.Itoa(opts.TimeoutSecs * 1000)
	}

	snapshot := opts.Snapshot
	if snapshot == nil {
		snapshot = Snapshot()
	} else {
		// Copy so later mutation of the caller's map cannot leak in.
		copied := make(Source, len(snapshot))
		for k, v := range snapshot {
			copied[k] = v
		}
		snapshot = copied
	}

	return &Resolver{
		overrides: overrides,
		snapshot:  snapshot,
		defaults: Source{
			"LATTICE_MODEL":              DefaultModel,
			"LATTICE_CONFIG_ROOT":        DefaultConfigRoot,
			"LATTICE_APP_ROOT":           DefaultAppRoot,
			"LATTICE_WORKSPACE_ID":       DefaultWorkspaceID,
			"LATTICE_PROJECT_CANDIDATES": DefaultProjectCandidates,
		},
	}
}

// lookup returns the highest-precedence non-empty value for key.
func (r *Resolver) lookup(key string) string {
	for _, src := range []Source{r.overrides, r.snapshot, r.defaults} {
		if value, ok := src[key]; ok && value != "" {
			return value
		}
	}
	return ""
}

// Resolve produces the finalized environment mapping, failing fast on
// invalid values before any sandbox interaction.
func (r *Resolver) Resolve() (*Env, error) {
	vars := make(map[string]string)
	for _, key := range ProviderEnvKeys {
		if value := r.lookup(key); value != "" {
			vars[key] = value
		}
	}
	for _, key := range ConfigEnvKeys {
		if value := r.lookup(key); value != "" {
			vars[key] = value
		}
	}

	model := strings.TrimSpace(vars["LATTICE_MODEL"])
	if model == "" {
		return nil, &ConfigError{Key: "LATTICE_MODEL", Reason: "must be a non-empty string"}
	}
	model = NormalizeModel(model)

	// Fail fast for Google models when no credential was forwarded.
	// Otherwise the run dies later with a far less actionable
	// "api_key_not_found" inside the sandbox.
	if strings.HasPrefix(model, "google:") {
		if vars[googleCredentialKeys[0]] == "" && vars[googleCredentialKeys[1]] == "" {
			return nil, &ConfigError{
				Key: "LATTICE_MODEL",
				Reason: fmt.Sprintf("google models require %s (preferred) or %s",
					googleCredentialKeys[0], googleCredentialKeys[1]),
			}
		}
	}
	vars["LATTICE_MODEL"] = model

	// Defaulted keys are always present; trim to keep the mapping tidy.
	for _, key := range []string{
		"LATTICE_CONFIG_ROOT",
		"LATTICE_APP_ROOT",
		"LATTICE_WORKSPACE_ID",
		"LATTICE_PROJECT_CANDIDATES",
	} {
		vars[key] = strings.TrimSpace(vars[key])
	}

	if timeout := vars["LATTICE_TIMEOUT_MS"]; timeout != "" {
		if !isDigits(strings.TrimSpace(timeout)) {
			return nil, &ConfigError{Key: "LATTICE_TIMEOUT_MS", Reason: "must be a non-negative integer"}
		}
	}

	if projectPath, ok := vars["LATTICE_PROJECT_PATH"]; ok {
		if strings.TrimSpace(projectPath) == "" {
			return nil, &ConfigError{Key: "LATTICE_PROJECT_PATH", Reason: "must be non-empty when provided"}
		}
	}

	return &Env{
		vars:          vars,
		providersFile: r.lookup(ProvidersFileEnvKey),
	}, nil
}

// NormalizeModel rewrites provider/model ids to provider:model form.
// Already-colon-form ids are untouched.
func NormalizeModel(model string) string {
	if strings.Contains(model, "/") && !strings.Contains(model, ":") {
		provider, name, _ := strings.Cut(model, "/")
		return provider + ":" + name
	}
	return model
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Env is the finalized, immutable environment mapping for one run.
type Env struct {
	vars          map[string]string
	providersFile string
}

// Get returns the value for key, or "" if unset.
func (e *Env) Get(key string) string {
	return e.vars[key]
}

// Map returns a copy of the environment mapping for passing to exec.
func (e *Env) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Keys returns the set variable names in sorted order.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProvidersFile returns the host-side providers file path, or "" when the
// optional secrets staging step is not configured.
func (e *Env) ProvidersFile() string {
	return e.providersFile
}

// TimeoutMS returns the resolved timeout in milliseconds, or 0 when unset.
// Resolve has already validated the value parses.
func (e *Env) TimeoutMS() int {
	raw := strings.TrimSpace(e.vars["LATTICE_TIMEOUT_MS"])
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return ms
}
