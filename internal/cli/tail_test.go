package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer lets the test poll output while followLogs is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogsPicksUpNewFiles(t *testing.T) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- followLogs(ctx, dir, &out) }()

	// Let the watcher register the base dir before producing events.
	time.Sleep(100 * time.Millisecond)

	cmdDir := filepath.Join(dir, "command-0")
	if err := os.Mkdir(cmdDir, 0755); err != nil {
		t.Fatal(err)
	}

	// The subdirectory watch is added on its create event; give that a
	// moment before writing into it.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(cmdDir, "return-code.txt"), []byte("0"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), filepath.Join("command-0", "return-code.txt")) {
		select {
		case <-deadline:
			t.Fatalf("log file never printed; output so far:\n%s", out.String())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if !strings.Contains(out.String(), "0") {
		t.Errorf("output missing file content:\n%s", out.String())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("followLogs returned %v, want context.Canceled", err)
	}
}
