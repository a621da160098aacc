package indexer

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/chronicle/internal/parser"
	"github.com/asheshgoplani/chronicle/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chronicle.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func writeSession(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleSession = `{"type":"user","uuid":"u1","cwd":"/home/dev/widget","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":"first question"}}
{"type":"assistant","uuid":"a1","timestamp":"2026-03-01T10:00:03Z","message":{"role":"assistant","content":"an answer"}}
`

func TestIndexFileThenIncrementalSkip(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeSession(t, dir, "session-abc.jsonl", sampleSession)

	ix := New(st, Options{Roots: []string{dir}})

	res, err := ix.IndexFile(path, false)
	require.NoError(t, err)
	assert.True(t, res.Indexed)
	assert.Equal(t, "session-abc", res.ID)

	// Unchanged file + incremental: zero writes, skipped=true
	res, err = ix.IndexFile(path, true)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Indexed)

	conv, turns, err := st.GetConversation("session-abc")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.TurnCount)
	assert.Len(t, turns, 2)
}

func TestInjectedLoggerCapturesEvents(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeSession(t, dir, "s1.jsonl", sampleSession)

	var buf bytes.Buffer
	ix := New(st, Options{
		Roots:  []string{dir},
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	_, err := ix.Sweep(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sweep_done")
}

func TestIndexFileReindexesWhenFileNewer(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeSession(t, dir, "s1.jsonl", sampleSession)

	ix := New(st, Options{Roots: []string{dir}})
	_, err := ix.IndexFile(path, true)
	require.NoError(t, err)

	appended := sampleSession +
		`{"type":"user","uuid":"u2","timestamp":"2026-03-01T11:00:00Z","message":{"role":"user","content":"follow-up"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(appended), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	res, err := ix.IndexFile(path, true)
	require.NoError(t, err)
	assert.True(t, res.Indexed)

	conv, _, err := st.GetConversation("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, conv.TurnCount)
}

func TestIndexFileForcedReindexIgnoresWatermark(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeSession(t, dir, "s1.jsonl", sampleSession)

	ix := New(st, Options{Roots: []string{dir}})
	_, err := ix.IndexFile(path, true)
	require.NoError(t, err)

	res, err := ix.IndexFile(path, false)
	require.NoError(t, err)
	assert.True(t, res.Indexed, "non-incremental call always reindexes")
}

func TestIndexFileParseFailureLeavesWatermark(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeSession(t, dir, "s1.jsonl", sampleSession)

	ix := New(st, Options{Roots: []string{dir}})
	_, err := ix.IndexFile(path, true)
	require.NoError(t, err)

	before, ok, err := st.LastIndexedAt("s1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("{broken\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = ix.IndexFile(path, true)
	var perr *parser.ParseError
	require.ErrorAs(t, err, &perr)

	// Watermark unchanged: the file is retried next sweep
	after, _, err := st.LastIndexedAt("s1")
	require.NoError(t, err)
	assert.True(t, after.Equal(before))
}

func TestIndexFileFallsBackToMtimeChronology(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeSession(t, dir, "s1.jsonl",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"no timestamps"}}`+"\n")

	ix := New(st, Options{Roots: []string{dir}})
	_, err := ix.IndexFile(path, false)
	require.NoError(t, err)

	conv, _, err := st.GetConversation("s1")
	require.NoError(t, err)
	assert.False(t, conv.StartedAt.IsZero())
	assert.True(t, conv.LastActivityAt.Equal(conv.StartedAt))
}

func TestSweepIndexesAndContinuesPastFailures(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "proj-a")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	writeSession(t, dir, "good-1.jsonl", sampleSession)
	writeSession(t, sub, "good-2.jsonl", sampleSession)
	writeSession(t, dir, "bad.jsonl", "{nope\n")
	writeSession(t, dir, "ignored.txt", "not a session")

	ix := New(st, Options{Roots: []string{dir}})
	stats, err := ix.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)

	// Second sweep: everything current, nothing reindexed
	stats, err = ix.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.Failed, "broken file retried every sweep")
}

func TestSweepMissingRootIsNotFatal(t *testing.T) {
	st := newTestStore(t)
	ix := New(st, Options{Roots: []string{filepath.Join(t.TempDir(), "absent")}})

	stats, err := ix.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
}

func TestWatcherIndexesAfterDebounce(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()

	ix := New(st, Options{Roots: []string{dir}, Debounce: 50 * time.Millisecond})
	w, err := NewWatcher(ix)
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	// Simulate a burst of appends to one file
	path := filepath.Join(dir, "live.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleSession), 0o644))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.WriteString(`{"type":"assistant","uuid":"x","message":{"role":"assistant","content":"more"}}` + "\n")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		conv, _, err := st.GetConversation("live")
		return err == nil && conv.TurnCount >= 2
	}, 3*time.Second, 25*time.Millisecond)
}

func TestIDFromPath(t *testing.T) {
	assert.Equal(t, "session-1", IDFromPath("/a/b/session-1.jsonl"))
	assert.Equal(t, "x", IDFromPath("x.jsonl"))
}
