package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildDefaultJSON(t *testing.T) {
	logger, sync, err := Build(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sync()

	logger.Info("hello")
}

func TestBuildConsoleFormat(t *testing.T) {
	logger, sync, err := Build(Config{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sync()

	logger.Debug("hello")
}

func TestBuildInvalidLevelFallsBackToInfo(t *testing.T) {
	logger, sync, err := Build(Config{Level: "not-a-level", Format: "json"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sync()

	if logger.Core().Enabled(-1) { // debug level
		t.Error("expected debug to be disabled when level falls back to info")
	}
}

func TestBuildWithDebugSink(t *testing.T) {
	dir := t.TempDir()
	debugPath := filepath.Join(dir, "debug.log")

	logger, sync, err := Build(Config{Level: "warn", Format: "json", DebugPath: debugPath})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	logger.Debug("should reach the debug sink even though the main level is warn")
	if err := sync(); err != nil {
		t.Logf("sync: %v", err) // zap.Sync on some fds returns a benign error
	}

	data, err := os.ReadFile(debugPath)
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected the debug sink to contain the debug-level message")
	}
}
