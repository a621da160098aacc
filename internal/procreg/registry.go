// Package procreg tracks every spawned analysis subprocess from launch to
// verified termination. Nothing is fire-and-forget: a process handle stays
// in the registry until its OS process has exited or been group-killed,
// and a durable launch record backs startup orphan reaping after a crash.
package procreg

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/store"
)

var procLog = logging.ForComponent(logging.CompProc)

// Status is the lifecycle state of a managed process. A process reaches a
// terminal status exactly once.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timedOut"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// SpawnError reports a synchronous launch failure (executable missing,
// permission denied). The process was never registered.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("procreg: spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes one analysis subprocess to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE pairs appended to the parent environment
	ItemKey string

	// Timeout is the hard wall-clock ceiling. Reaching it triggers a
	// two-phase group kill and the timedOut status.
	Timeout time.Duration

	// ReadyGrace is the window for the child's readiness handshake: a
	// structured first line on stdout. A silent child is failed-to-start
	// and killed so it cannot occupy a slot indefinitely. Zero disables
	// the handshake check.
	ReadyGrace time.Duration
}

// ManagedProcess is the registry's owned handle for one subprocess.
type ManagedProcess struct {
	PID        int
	PGID       int
	ItemKey    string
	LaunchedAt time.Time

	cmd     *exec.Cmd
	timeout *time.Timer
	done    chan struct{}
	output  chan string

	mu        sync.Mutex
	status    Status
	exitCode  int
	sessionID string
}

// Status returns the current lifecycle state.
func (p *ManagedProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the recorded exit code, or -1 while running or when
// the process was signal-killed.
func (p *ManagedProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// SessionID returns the identifier the child reported in its readiness
// handshake, or "" if none was seen.
func (p *ManagedProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Done is closed once the process has exited and been reconciled.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Output streams the child's stdout lines after the handshake. The
// channel is closed on exit; lines are dropped if the consumer lags.
func (p *ManagedProcess) Output() <-chan string {
	return p.output
}

// Info is a point-in-time snapshot for status surfaces.
type Info struct {
	PID        int       `json:"pid"`
	ItemKey    string    `json:"itemKey"`
	Status     Status    `json:"status"`
	SessionID  string    `json:"sessionId,omitempty"`
	LaunchedAt time.Time `json:"launchedAt"`
}

// Registry owns all managed processes for the supervisor's lifetime.
type Registry struct {
	st        *store.Store
	log       *slog.Logger
	killGrace time.Duration
	retain    time.Duration

	mu    sync.Mutex
	procs map[int]*ManagedProcess
}

// Options configures a Registry.
type Options struct {
	// KillGrace is the window between the graceful group signal and the
	// forceful one. Default 5s.
	KillGrace time.Duration

	// Retain is how long terminal processes stay visible in snapshots
	// before eviction. Default 1m.
	Retain time.Duration

	// Logger overrides the component logger. Nil uses the default; tests
	// pass their own sink.
	Logger *slog.Logger
}

// New creates a Registry persisting launch records through st.
func New(st *store.Store, opts Options) *Registry {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Retain <= 0 {
		opts.Retain = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = procLog
	}
	return &Registry{
		st:        st,
		log:       opts.Logger,
		killGrace: opts.KillGrace,
		retain:    opts.Retain,
		procs:     make(map[int]*ManagedProcess),
	}
}

// Launch spawns the process in its own process group, registers it, arms
// the timeout, and starts the exit and handshake monitors. Spawn failures
// are returned synchronously and nothing is registered.
func (r *Registry) Launch(spec Spec) (*ManagedProcess, error) {
	if spec.Command == "" {
		return nil, &SpawnError{Command: "", Err: fmt.Errorf("empty command")}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	// Stderr stays nil so it goes to the null device. An io.Writer sink
	// would make cmd.Wait block on a pipe copier until every descendant
	// inheriting the fd exits, wedging exit reconciliation behind a
	// TERM-ignoring grandchild.

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	pid := cmd.Process.Pid
	pgid := processGroupOf(pid)

	p := &ManagedProcess{
		PID:        pid,
		PGID:       pgid,
		ItemKey:    spec.ItemKey,
		LaunchedAt: time.Now().UTC(),
		cmd:        cmd,
		done:       make(chan struct{}),
		output:     make(chan string, 64),
		status:     StatusRunning,
		exitCode:   -1,
	}

	r.mu.Lock()
	r.procs[pid] = p
	r.mu.Unlock()

	// Durable record for startup orphan reaping. A failed write is not a
	// launch failure: the in-memory registry still owns the process.
	if err := r.st.PutActiveProcess(pid, pgid, spec.ItemKey, p.LaunchedAt); err != nil {
		r.log.Warn("active_record_write_failed",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}

	if spec.Timeout > 0 {
		p.timeout = time.AfterFunc(spec.Timeout, func() {
			r.kill(pid, StatusTimedOut, "timeout")
		})
	}

	go r.monitorOutput(p, stdout, spec.ReadyGrace)
	go r.waitForExit(p)

	r.log.Info("process_launched",
		slog.Int("pid", pid),
		slog.Int("pgid", pgid),
		slog.String("item", spec.ItemKey),
		slog.String("command", spec.Command),
	)
	return p, nil
}

// waitForExit blocks on the OS exit notification and reconciles the
// registry entry.
func (r *Registry) waitForExit(p *ManagedProcess) {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	r.onExit(p.PID, exitCode)
}

// onExit marks the terminal status, disarms the timeout, clears the
// durable record, and schedules eviction. If a kill already set a
// terminal status (timedOut, killed), it is preserved.
func (r *Registry) onExit(pid, exitCode int) {
	r.mu.Lock()
	p, ok := r.procs[pid]
	r.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	if !p.status.Terminal() {
		if exitCode == 0 {
			p.status = StatusCompleted
		} else {
			p.status = StatusFailed
		}
	}
	p.exitCode = exitCode
	status := p.status
	if p.timeout != nil {
		p.timeout.Stop()
	}
	p.mu.Unlock()

	if err := r.st.DeleteActiveProcess(pid); err != nil {
		r.log.Warn("active_record_clear_failed",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}

	close(p.done)

	r.log.Info("process_exited",
		slog.Int("pid", pid),
		slog.Int("exit_code", exitCode),
		slog.String("status", string(status)),
	)

	// Terminal entries linger briefly for observability, then go away
	time.AfterFunc(r.retain, func() {
		r.mu.Lock()
		delete(r.procs, pid)
		r.mu.Unlock()
	})
}

// monitorOutput enforces the readiness handshake and pumps remaining
// stdout lines to the process handle's output channel. A single reader
// goroutine owns the scanner end to end; this function only consumes its
// lines channel, so a handshake timeout never touches the scanner while
// the reader is blocked in Scan.
func (r *Registry) monitorOutput(p *ManagedProcess, stdout io.Reader, readyGrace time.Duration) {
	defer close(p.output)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if readyGrace > 0 {
		select {
		case line, ok := <-lines:
			if !ok {
				// stdout closed before any output; waitForExit reconciles
				return
			}
			p.recordHandshake(line)
		case <-time.After(readyGrace):
			r.log.Warn("handshake_timeout",
				slog.Int("pid", p.PID),
				slog.String("item", p.ItemKey),
			)
			r.kill(p.PID, StatusFailed, "handshake timeout")
			// Drain until the pipe closes so the reader goroutine exits
			for range lines {
			}
			return
		}
	}

	for line := range lines {
		select {
		case p.output <- line:
		default:
		}
	}
}

// handshakeMessage is the structured first line a healthy child prints.
type handshakeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (p *ManagedProcess) recordHandshake(line string) {
	var msg handshakeMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.SessionID == "" {
		// Any prompt output counts as liveness; identifier stays empty
		return
	}
	p.mu.Lock()
	p.sessionID = msg.SessionID
	p.mu.Unlock()
}

// ForceKill terminates the process group: graceful signal first, then a
// forceful group SIGKILL once the grace window passes. Used for manual
// cancel and shutdown.
func (r *Registry) ForceKill(pid int, reason string) error {
	return r.kill(pid, StatusKilled, reason)
}

func (r *Registry) kill(pid int, terminal Status, reason string) error {
	r.mu.Lock()
	p, ok := r.procs[pid]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("procreg: kill %d: unknown pid", pid)
	}

	p.mu.Lock()
	if p.status.Terminal() {
		p.mu.Unlock()
		return nil
	}
	p.status = terminal
	p.mu.Unlock()

	r.log.Info("process_kill",
		slog.Int("pid", pid),
		slog.Int("pgid", p.PGID),
		slog.String("status", string(terminal)),
		slog.String("reason", reason),
	)

	if err := killGroup(p.PGID, false); err != nil {
		r.log.Warn("graceful_signal_failed",
			slog.Int("pgid", p.PGID),
			slog.String("error", err.Error()),
		)
	}

	// Escalate after the grace window. The SIGKILL goes to the group
	// unconditionally: a leader that died on SIGTERM can leave a
	// descendant that ignored it, and leader liveness says nothing about
	// the rest of the tree.
	time.AfterFunc(r.killGrace, func() {
		if groupAlive(p.PGID) {
			r.log.Warn("kill_escalated", slog.Int("pgid", p.PGID))
		}
		_ = killGroup(p.PGID, true)
	})
	return nil
}

// ActiveCount returns the number of currently-alive managed processes
// across the whole registry lifetime — not a per-run counter.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.procs {
		if !p.Status().Terminal() {
			n++
		}
	}
	return n
}

// CanAcceptMore reports whether another launch fits under the global
// concurrency ceiling.
func (r *Registry) CanAcceptMore(limit int) bool {
	return r.ActiveCount() < limit
}

// Snapshot returns status rows for all tracked processes, including
// recently-terminal ones still within the retention window.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.procs))
	for _, p := range r.procs {
		p.mu.Lock()
		out = append(out, Info{
			PID:        p.PID,
			ItemKey:    p.ItemKey,
			Status:     p.status,
			SessionID:  p.sessionID,
			LaunchedAt: p.LaunchedAt,
		})
		p.mu.Unlock()
	}
	return out
}

// KillAll terminates every tracked process group and waits (bounded) for
// the exits to be reconciled. Called at supervisor shutdown so no orphan
// tree survives a restart.
func (r *Registry) KillAll(reason string) error {
	r.mu.Lock()
	var targets []*ManagedProcess
	for _, p := range r.procs {
		if !p.Status().Terminal() {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		_ = r.kill(p.PID, StatusKilled, reason)
	}

	deadline := time.After(r.killGrace + 2*time.Second)
	for _, p := range targets {
		select {
		case <-p.Done():
		case <-deadline:
			// Out of patience: force-kill the stragglers' groups directly
			if groupAlive(p.PGID) {
				r.log.Error("killall_straggler",
					slog.Int("pid", p.PID),
					slog.Int("pgid", p.PGID),
				)
			}
			_ = killGroup(p.PGID, true)
		}
	}
	return nil
}

// ReapOrphans consults the durable launch records left by a previous
// supervisor instance. A record whose process group still has a live
// member is a process leak: logged at the highest severity and
// group-killed defensively. Liveness is judged on the group, not the
// leader pid — the leader may be long dead while a descendant survives.
// The records are always cleared, alive or not.
func (r *Registry) ReapOrphans() error {
	records, err := r.st.ListActiveProcesses()
	if err != nil {
		return fmt.Errorf("procreg: reap orphans: %w", err)
	}

	for _, rec := range records {
		if groupAlive(rec.PGID) {
			r.log.Error("process_leak_detected",
				slog.Int("pid", rec.PID),
				slog.Int("pgid", rec.PGID),
				slog.String("item", rec.ItemKey),
				slog.Time("launched_at", rec.LaunchedAt),
			)
			_ = killGroup(rec.PGID, false)
			waitUntil := time.Now().Add(r.killGrace)
			for groupAlive(rec.PGID) && time.Now().Before(waitUntil) {
				time.Sleep(50 * time.Millisecond)
			}
			if groupAlive(rec.PGID) {
				_ = killGroup(rec.PGID, true)
			}
		}
		if err := r.st.DeleteActiveProcess(rec.PID); err != nil {
			r.log.Warn("orphan_record_clear_failed",
				slog.Int("pid", rec.PID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
