package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})

	log := ForComponent(CompIndex)
	log.Info("index_started", slog.String("path", "/tmp/x.jsonl"))

	data, err := os.ReadFile(filepath.Join(dir, "chronicle.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "index_started")
	assert.Contains(t, string(data), `"component":"index"`)
}

func TestForComponentBeforeInit(t *testing.T) {
	// Component loggers created before Init must pick up the real handler
	// once Init runs (dynamic handler delegation).
	log := ForComponent(CompSched)

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "info", Debug: true})
	log.Warn("late_binding_check")

	data, err := os.ReadFile(filepath.Join(dir, "chronicle.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "late_binding_check")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn", Debug: true})

	log := ForComponent(CompStore)
	log.Debug("should_not_appear")
	log.Error("should_appear")

	data, err := os.ReadFile(filepath.Join(dir, "chronicle.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should_not_appear")
	assert.Contains(t, string(data), "should_appear")
}

func TestDumpCrashLog(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "info", Debug: true})

	log := ForComponent(CompProc)
	log.Info("before_crash")

	crashPath := filepath.Join(dir, "crash.log")
	require.NoError(t, DumpCrashLog(crashPath))

	data, err := os.ReadFile(crashPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "before_crash"))
}
