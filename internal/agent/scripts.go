package agent

import _ "embed"

// The runner and setup scripts are the in-sandbox collaborators. They are
// embedded so the adapter binary is self-contained.

//go:embed scripts/lattice-run.sh
var runnerScript []byte

//go:embed scripts/lattice-setup.sh
var setupScript []byte
