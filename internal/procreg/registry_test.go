//go:build !windows

package procreg

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestRegistry(t *testing.T, st *store.Store) *Registry {
	t.Helper()
	reg := New(st, Options{
		KillGrace: 150 * time.Millisecond,
		Retain:    5 * time.Second,
	})
	t.Cleanup(func() { _ = reg.KillAll("test cleanup") })
	return reg
}

// readyThenSleep prints a readiness handshake and then blocks.
func readyThenSleep(seconds int) Spec {
	return Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", fmt.Sprintf(`echo '{"type":"ready","session_id":"sess-1"}'; sleep %d`, seconds)},
		ReadyGrace: 5 * time.Second,
	}
}

// logSink is a race-safe log destination for logger-injection tests.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func waitStatus(t *testing.T, p *ManagedProcess, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Status() == want
	}, 5*time.Second, 20*time.Millisecond,
		"status = %s, want %s", p.Status(), want)
}

func TestLaunchCompletesCleanly(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", `echo '{"type":"ready","session_id":"sess-9"}'; echo done`},
		ReadyGrace: 5 * time.Second,
	})
	require.NoError(t, err)

	<-p.Done()
	assert.Equal(t, StatusCompleted, p.Status())
	assert.Equal(t, 0, p.ExitCode())
	assert.Equal(t, "sess-9", p.SessionID())

	// Durable launch record cleared on exit
	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLaunchRecordsDurableState(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(readyThenSleep(30))
	require.NoError(t, err)

	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, p.PID, records[0].PID)
	assert.Equal(t, p.PGID, records[0].PGID)

	require.NoError(t, reg.ForceKill(p.PID, "test"))
	<-p.Done()
}

func TestNonZeroExitIsFailed(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	<-p.Done()
	assert.Equal(t, StatusFailed, p.Status())
	assert.Equal(t, 3, p.ExitCode())
}

func TestSpawnFailureIsSynchronousAndUnregistered(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	_, err := reg.Launch(Spec{Command: "/no/such/binary"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	assert.Zero(t, reg.ActiveCount())
	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records, "failed spawn must leave no durable record")
}

func TestTimeoutTriggersTwoPhaseKill(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	// Child ignores SIGTERM, so only the forceful phase can end it
	p, err := reg.Launch(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `trap '' TERM; echo '{"type":"ready","session_id":"s"}'; sleep 60`},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	waitStatus(t, p, StatusTimedOut)
	<-p.Done()
	assert.Equal(t, StatusTimedOut, p.Status(), "timedOut is distinct from failed")

	require.Eventually(t, func() bool {
		return !processAlive(p.PID)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, reg.ActiveCount())
}

func TestGracefulKillLetsChildExitInGrace(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(readyThenSleep(60))
	require.NoError(t, err)

	require.NoError(t, reg.ForceKill(p.PID, "cancel"))
	<-p.Done()
	assert.Equal(t, StatusKilled, p.Status())
	assert.Zero(t, reg.ActiveCount())
}

func TestForceKillReclaimsDescendantIgnoringTerm(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	// The leader dies on SIGTERM; the backgrounded grandchild ignores it.
	// Only the group SIGKILL after the grace window can reclaim the tree.
	p, err := reg.Launch(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", `echo '{"type":"ready","session_id":"s"}'; sh -c 'trap "" TERM; while :; do sleep 1; done' & sleep 60`},
		ReadyGrace: 5 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, reg.ForceKill(p.PID, "cancel"))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exit reconciliation blocked behind a surviving descendant")
	}
	assert.Equal(t, StatusKilled, p.Status())

	require.Eventually(t, func() bool {
		return !groupAlive(p.PGID)
	}, 5*time.Second, 20*time.Millisecond, "descendant outlived the group kill")

	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandshakeTimeoutKillsSilentChild(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", "sleep 60"},
		ReadyGrace: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	<-p.Done()
	assert.Equal(t, StatusFailed, p.Status())
	assert.Zero(t, reg.ActiveCount(), "silent child must not occupy a slot")
}

func TestHandshakeTimeoutWhileChildStillWriting(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	// Silent past the grace, then emits output on SIGTERM while dying.
	// The drain must own the pipe end to end; the output channel still
	// closes once the child is gone.
	p, err := reg.Launch(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", `trap 'echo late; exit 0' TERM; sleep 60 & wait`},
		ReadyGrace: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed-out child never reconciled")
	}
	assert.Equal(t, StatusFailed, p.Status())

	for range p.Output() {
	}
	assert.Zero(t, reg.ActiveCount())
}

func TestActiveCountSpansRuns(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	var procs []*ManagedProcess
	for i := 0; i < 3; i++ {
		p, err := reg.Launch(readyThenSleep(30))
		require.NoError(t, err)
		procs = append(procs, p)
	}

	// The ceiling sees survivors of earlier launches, not a per-run count
	assert.Equal(t, 3, reg.ActiveCount())
	assert.False(t, reg.CanAcceptMore(3))
	assert.True(t, reg.CanAcceptMore(4))

	require.NoError(t, reg.ForceKill(procs[0].PID, "make room"))
	<-procs[0].Done()
	assert.True(t, reg.CanAcceptMore(3))
}

func TestKillAllLeavesNoSurvivors(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	var pids []int
	for i := 0; i < 3; i++ {
		p, err := reg.Launch(readyThenSleep(60))
		require.NoError(t, err)
		pids = append(pids, p.PID)
	}

	require.NoError(t, reg.KillAll("shutdown"))
	assert.Zero(t, reg.ActiveCount())
	for _, pid := range pids {
		assert.False(t, processAlive(pid), "pid %d survived KillAll", pid)
	}
}

func TestOutputStreamsAfterHandshake(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", `echo '{"type":"ready","session_id":"s"}'; echo alpha; echo beta`},
		ReadyGrace: 5 * time.Second,
	})
	require.NoError(t, err)

	var lines []string
	for line := range p.Output() {
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"alpha", "beta"}, lines)
}

func TestSnapshotShowsTerminalWithinRetention(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	p, err := reg.Launch(Spec{Command: "/bin/true"})
	require.NoError(t, err)
	<-p.Done()

	infos := reg.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, StatusCompleted, infos[0].Status)
}

func TestReapOrphansClearsStaleRecord(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)

	// Obtain a pid that is certainly dead: a finished child's
	p, err := reg.Launch(Spec{Command: "/bin/true"})
	require.NoError(t, err)
	<-p.Done()
	deadPID := p.PID

	require.NoError(t, st.PutActiveProcess(deadPID, deadPID, "item-old", time.Now().Add(-time.Hour)))

	require.NoError(t, reg.ReapOrphans())

	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records, "stale record cleared regardless of outcome")
}

func TestReapOrphansKillsSurvivingLeak(t *testing.T) {
	st := newTestStore(t)

	// A process the registry does not know about, simulating a leak from
	// a previous supervisor instance
	leakReg := New(st, Options{KillGrace: 150 * time.Millisecond})
	p, err := leakReg.Launch(readyThenSleep(60))
	require.NoError(t, err)
	require.True(t, processAlive(p.PID))

	reg := newTestRegistry(t, st)
	require.NoError(t, reg.ReapOrphans())

	require.Eventually(t, func() bool {
		return !processAlive(p.PID)
	}, 5*time.Second, 20*time.Millisecond)

	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReapOrphansKillsDescendantOfDeadLeader(t *testing.T) {
	st := newTestStore(t)

	// The leader backgrounds a worker into its group and exits, the way a
	// crashed supervisor instance could leave things
	leakReg := New(st, Options{KillGrace: 150 * time.Millisecond})
	p, err := leakReg.Launch(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `sh -c 'trap "" TERM; sleep 60' & exit 0`},
	})
	require.NoError(t, err)
	<-p.Done()

	require.False(t, processAlive(p.PID))
	require.True(t, groupAlive(p.PGID), "worker should outlive the leader")

	require.NoError(t, st.PutActiveProcess(p.PID, p.PGID, "item-leak", time.Now().Add(-time.Hour)))

	reg := newTestRegistry(t, st)
	require.NoError(t, reg.ReapOrphans())

	require.Eventually(t, func() bool {
		return !groupAlive(p.PGID)
	}, 5*time.Second, 20*time.Millisecond, "group survived reaping")

	records, err := st.ListActiveProcesses()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInjectedLoggerCapturesEvents(t *testing.T) {
	st := newTestStore(t)
	buf := &logSink{}
	reg := New(st, Options{
		KillGrace: 150 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(buf, nil)),
	})
	t.Cleanup(func() { _ = reg.KillAll("test cleanup") })

	p, err := reg.Launch(Spec{Command: "/bin/true"})
	require.NoError(t, err)
	<-p.Done()

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("process_launched"))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestForceKillUnknownPID(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t, st)
	assert.Error(t, reg.ForceKill(999999999, "nope"))
}
