// Package indexer keeps the store in sync with on-disk conversation logs.
// Two independent triggers drive it: a debounced filesystem watch and a
// periodic full sweep. The sweep is a deliberate redundancy — watch
// mechanisms can silently miss events on some filesystems, so eventual
// consistency never depends on them.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/parser"
	"github.com/asheshgoplani/chronicle/internal/store"
)

var indexLog = logging.ForComponent(logging.CompIndex)

// Options configures an Indexer.
type Options struct {
	// Roots are the directories scanned for .jsonl logs.
	Roots []string

	// Debounce is the stability window for coalescing watch events per
	// file. Bursts of writes within the window fire exactly one index call.
	Debounce time.Duration

	// SweepInterval is the period of the full rescan.
	SweepInterval time.Duration

	// SweepParallelism caps concurrent per-file index calls in a sweep.
	SweepParallelism int

	// OnIndexed, when set, is called after each successful (non-skipped)
	// index with the conversation id. Used for the event stream.
	OnIndexed func(id string)

	// Logger overrides the component logger. Nil uses the default; tests
	// pass their own sink.
	Logger *slog.Logger
}

// Indexer orchestrates parse-and-store for conversation log files.
type Indexer struct {
	st   *store.Store
	opts Options
	log  *slog.Logger
}

// Result reports what IndexFile did.
type Result struct {
	ID      string
	Indexed bool
	Skipped bool
}

// SweepStats aggregates one full sweep.
type SweepStats struct {
	Scanned int
	Indexed int
	Skipped int
	Failed  int
}

// New creates an Indexer writing through st.
func New(st *store.Store, opts Options) *Indexer {
	if opts.Debounce <= 0 {
		opts.Debounce = 1500 * time.Millisecond
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if opts.SweepParallelism <= 0 {
		opts.SweepParallelism = 4
	}
	log := opts.Logger
	if log == nil {
		log = indexLog
	}
	return &Indexer{st: st, opts: opts, log: log}
}

// IDFromPath derives the stable conversation id from the log file name.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// IndexFile parses one log file and writes it through the store in a
// single transaction. With incremental=true the call is a no-op when the
// stored watermark is not older than the file's mtime, which keeps
// debounce-coalesced duplicate events cheap.
func (ix *Indexer) IndexFile(path string, incremental bool) (Result, error) {
	id := IDFromPath(path)
	res := Result{ID: id}

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("indexer: stat %s: %w", path, err)
	}
	mtime := info.ModTime().UTC()

	if incremental {
		watermark, ok, err := ix.st.LastIndexedAt(id)
		if err != nil {
			return res, err
		}
		if ok && !watermark.Before(mtime) {
			res.Skipped = true
			return res, nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("indexer: read %s: %w", path, err)
	}

	conv, turns, err := parser.Parse(id, raw)
	if err != nil {
		// Watermark stays untouched so the next sweep retries the file
		return res, err
	}

	// Logs written by tools that omit per-turn timestamps still need a
	// usable chronology; fall back to the file's mtime.
	if conv.StartedAt.IsZero() {
		conv.StartedAt = mtime
		conv.LastActivityAt = mtime
	}
	if conv.GroupKey == "" {
		conv.GroupKey = filepath.Dir(path)
	}
	conv.LastIndexedAt = mtime

	if err := ix.st.ReplaceConversation(conv, turns); err != nil {
		return res, err
	}

	res.Indexed = true
	if ix.opts.OnIndexed != nil {
		ix.opts.OnIndexed(id)
	}
	return res, nil
}

// Sweep rescans every log file under the roots and indexes those whose
// mtime exceeds the stored watermark. A parse or store failure on one
// file never aborts the rest.
func (ix *Indexer) Sweep(ctx context.Context) (SweepStats, error) {
	var paths []string
	for _, root := range ix.opts.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			ix.log.Warn("sweep_walk_failed",
				slog.String("root", root),
				slog.String("error", err.Error()),
			)
		}
	}

	var stats SweepStats
	stats.Scanned = len(paths)

	results := make([]Result, len(paths))
	errs := make([]error, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.SweepParallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			results[i], errs[i] = ix.IndexFile(path, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("indexer: sweep: %w", err)
	}

	for i := range paths {
		switch {
		case errs[i] != nil:
			stats.Failed++
			ix.log.Warn("sweep_index_failed",
				slog.String("path", paths[i]),
				slog.String("error", errs[i].Error()),
			)
		case results[i].Skipped:
			stats.Skipped++
		default:
			stats.Indexed++
		}
	}

	ix.log.Debug("sweep_done",
		slog.Int("scanned", stats.Scanned),
		slog.Int("indexed", stats.Indexed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}

// RunSweeps blocks, sweeping on the configured interval until ctx is
// cancelled. One sweep runs immediately.
func (ix *Indexer) RunSweeps(ctx context.Context) {
	if _, err := ix.Sweep(ctx); err != nil {
		ix.log.Warn("sweep_failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(ix.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ix.Sweep(ctx); err != nil {
				ix.log.Warn("sweep_failed", slog.String("error", err.Error()))
			}
		}
	}
}
