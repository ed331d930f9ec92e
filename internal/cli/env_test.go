package cli

import "testing"

func TestRedact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"ANTHROPIC_API_KEY", "sk-ant-secret", "[redacted]"},
		{"OPENAI_API_KEY", "sk-secret", "[redacted]"},
		{"GOOGLE_API_KEY", "secret", "[redacted]"},
		{"LATTICE_MODEL", "anthropic:claude-sonnet-4-5", "anthropic:claude-sonnet-4-5"},
		{"LATTICE_TIMEOUT_MS", "30000", "30000"},
	}

	for _, tt := range tests {
		if got := redact(tt.key, tt.value); got != tt.want {
			t.Errorf("redact(%q, %q) = %q, want %q", tt.key, tt.value, got, tt.want)
		}
	}
}
