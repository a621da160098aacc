// Package scheduler runs the heartbeat: on a timer or on demand it
// fetches candidate work items, diffs them against durable
// processed-state, and spawns bounded analysis subprocesses through the
// process registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/parser"
	"github.com/asheshgoplani/chronicle/internal/procreg"
	"github.com/asheshgoplani/chronicle/internal/store"
	"github.com/asheshgoplani/chronicle/internal/worksource"
)

var schedLog = logging.ForComponent(logging.CompSched)

// ErrRunInProgress is returned when RunOnce is called while another run
// holds the run lock. The request is rejected, not queued.
var ErrRunInProgress = errors.New("scheduler: run already in progress")

// ErrDisabled is returned for unforced runs while scheduling is off.
var ErrDisabled = errors.New("scheduler: disabled by configuration")

// ErrBreakerOpen is returned while the fetch circuit breaker is cooling
// down after consecutive source failures.
var ErrBreakerOpen = errors.New("scheduler: fetch breaker open")

// Launcher is the slice of the process registry the scheduler needs.
type Launcher interface {
	Launch(spec procreg.Spec) (*procreg.ManagedProcess, error)
	CanAcceptMore(limit int) bool
}

// ProcessedStore is the durable diff state the scheduler reads and writes.
type ProcessedStore interface {
	GetProcessedItem(key string) (store.ProcessedItem, bool, error)
	UpsertProcessedItem(key, changedMark string, at time.Time) error
}

// Options configures a Scheduler.
type Options struct {
	// Enabled gates scheduled (unforced) runs.
	Enabled bool

	// Interval is the heartbeat period.
	Interval time.Duration

	// MaxPerRun caps spawns per run; surplus items stay new/changed and
	// are picked up next run.
	MaxPerRun int

	// GlobalLimit is the registry-wide concurrency ceiling consulted
	// before every single spawn.
	GlobalLimit int

	// Command and BaseArgs form the analysis tool invocation; the
	// generated prompt is appended as the final argument.
	Command  string
	BaseArgs []string

	// ProcessTimeout and ReadyGrace are passed through to the registry.
	ProcessTimeout time.Duration
	ReadyGrace     time.Duration

	// BreakerThreshold consecutive fetch failures open the circuit
	// breaker for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// OnSpawned, when set, is called with the item key after each
	// confirmed launch. Used for the event stream.
	OnSpawned func(key string)

	// Logger overrides the component logger. Nil uses the default; tests
	// pass their own sink.
	Logger *slog.Logger
}

// RunResult aggregates one heartbeat run.
type RunResult struct {
	RunID           string    `json:"runId"`
	StartedAt       time.Time `json:"startedAt"`
	ItemsConsidered int       `json:"itemsConsidered"`
	Spawned         []string  `json:"spawned"`
	Deferred        int       `json:"deferred"`
	Errors          []string  `json:"errors"`
}

// StatusSnapshot reports scheduler health for the API layer.
type StatusSnapshot struct {
	Enabled      bool       `json:"enabled"`
	Running      bool       `json:"running"`
	LastRun      *RunResult `json:"lastRun,omitempty"`
	BreakerOpen  bool       `json:"breakerOpen"`
	FailureCount int        `json:"failureCount"`
}

// Scheduler drives periodic automated analysis.
type Scheduler struct {
	opts Options
	src  worksource.Source
	reg  Launcher
	st   ProcessedStore
	log  *slog.Logger
	now  func() time.Time

	runMu sync.Mutex // held for the duration of one run

	mu           sync.Mutex // guards the fields below
	running      bool
	lastRun      *RunResult
	failureCount int
	breakerUntil time.Time
}

// New creates a Scheduler.
func New(src worksource.Source, reg Launcher, st ProcessedStore, opts Options) *Scheduler {
	if opts.MaxPerRun <= 0 {
		opts.MaxPerRun = 3
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = schedLog
	}
	return &Scheduler{
		opts: opts,
		src:  src,
		reg:  reg,
		st:   st,
		log:  opts.Logger,
		now:  time.Now,
	}
}

// RunOnce executes one heartbeat run. force bypasses the Enabled flag and
// the circuit breaker. Overlapping calls are rejected with
// ErrRunInProgress rather than queued.
func (s *Scheduler) RunOnce(ctx context.Context, force bool) (RunResult, error) {
	if !force && !s.opts.Enabled {
		return RunResult{}, ErrDisabled
	}

	if !s.runMu.TryLock() {
		return RunResult{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	if !force && s.breakerOpen() {
		return RunResult{}, ErrBreakerOpen
	}

	res := RunResult{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
	}
	s.setRunning(true)
	defer func() {
		s.setRunning(false)
		s.recordRun(res)
	}()

	items, err := s.src.FetchCandidates(ctx)
	if err != nil {
		s.recordFetchFailure()
		res.Errors = append(res.Errors, err.Error())
		s.log.Warn("fetch_failed",
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	s.recordFetchSuccess()
	res.ItemsConsidered = len(items)

	pending, errs := s.classify(items)
	res.Errors = append(res.Errors, errs...)

	if len(pending) > s.opts.MaxPerRun {
		res.Deferred += len(pending) - s.opts.MaxPerRun
		pending = pending[:s.opts.MaxPerRun]
	}

	for i, item := range pending {
		// The ceiling is global across the registry's lifetime. A full
		// registry defers the remainder to the next run; it never
		// queues and never trusts a per-run count.
		if !s.reg.CanAcceptMore(s.opts.GlobalLimit) {
			res.Deferred += len(pending) - i
			s.log.Info("ceiling_reached",
				slog.String("run_id", res.RunID),
				slog.Int("deferred", len(pending)-i),
			)
			break
		}

		if err := s.spawn(item); err != nil {
			// Item state is NOT upserted: a failed spawn is retried
			// next run instead of being silently marked done
			res.Errors = append(res.Errors, err.Error())
			continue
		}

		if err := s.st.UpsertProcessedItem(item.Key, item.ChangeMarker, s.now().UTC()); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		res.Spawned = append(res.Spawned, item.Key)
		if s.opts.OnSpawned != nil {
			s.opts.OnSpawned(item.Key)
		}
	}

	s.log.Info("run_done",
		slog.String("run_id", res.RunID),
		slog.Int("considered", res.ItemsConsidered),
		slog.Int("spawned", len(res.Spawned)),
		slog.Int("deferred", res.Deferred),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// classify splits fetched items into new/changed (returned, fetch order
// preserved) and unchanged (skipped).
func (s *Scheduler) classify(items []worksource.WorkItem) ([]worksource.WorkItem, []string) {
	var pending []worksource.WorkItem
	var errs []string
	for _, item := range items {
		state, ok, err := s.st.GetProcessedItem(item.Key)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if ok && state.LastChangedMark == item.ChangeMarker {
			continue
		}
		pending = append(pending, item)
	}
	return pending, errs
}

// spawn launches the analysis subprocess for one item.
func (s *Scheduler) spawn(item worksource.WorkItem) error {
	prompt := BuildPrompt(item)
	spec := procreg.Spec{
		Command:    s.opts.Command,
		Args:       append(append([]string{}, s.opts.BaseArgs...), prompt),
		Dir:        item.ProjectPath,
		ItemKey:    item.Key,
		Timeout:    s.opts.ProcessTimeout,
		ReadyGrace: s.opts.ReadyGrace,
	}

	p, err := s.reg.Launch(spec)
	if err != nil {
		s.log.Warn("spawn_failed",
			slog.String("item", item.Key),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.log.Info("spawned",
		slog.String("item", item.Key),
		slog.Int("pid", p.PID),
	)
	return nil
}

// BuildPrompt renders the analysis prompt for an item. The leading marker
// line makes the resulting conversation classify as automated when it is
// later indexed. Rich-text fields are flattened first so the tool's input
// budget is spent on content, not markup.
func BuildPrompt(item worksource.WorkItem) string {
	var b strings.Builder
	b.WriteString(parser.AutomatedMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Analyze work item %s: %s\n", item.Key, StripMarkup(item.Title))
	if body := StripMarkup(item.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString("\nSummarize findings and propose next steps.")
	return b.String()
}

// Run blocks, heartbeating on the configured interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, false); err != nil &&
				!errors.Is(err, ErrDisabled) && !errors.Is(err, ErrBreakerOpen) {
				s.log.Warn("scheduled_run_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Status returns a snapshot for the API layer.
func (s *Scheduler) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		Enabled:      s.opts.Enabled,
		Running:      s.running,
		LastRun:      s.lastRun,
		BreakerOpen:  s.now().Before(s.breakerUntil),
		FailureCount: s.failureCount,
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Scheduler) recordRun(res RunResult) {
	s.mu.Lock()
	s.lastRun = &res
	s.mu.Unlock()
}

func (s *Scheduler) breakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.breakerUntil)
}

func (s *Scheduler) recordFetchFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.opts.BreakerThreshold {
		s.breakerUntil = s.now().Add(s.opts.BreakerCooldown)
		s.log.Warn("breaker_opened",
			slog.Int("failures", s.failureCount),
			slog.Time("until", s.breakerUntil),
		)
	}
}

func (s *Scheduler) recordFetchSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	s.breakerUntil = time.Time{}
}
