package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/chronicle/internal/config"
	"github.com/asheshgoplani/chronicle/internal/indexer"
	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/procreg"
	"github.com/asheshgoplani/chronicle/internal/scheduler"
	"github.com/asheshgoplani/chronicle/internal/search"
	"github.com/asheshgoplani/chronicle/internal/store"
	"github.com/asheshgoplani/chronicle/internal/web"
	"github.com/asheshgoplani/chronicle/internal/worksource"
)

const shutdownTimeout = 10 * time.Second

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "Listen address (overrides config)")
	token := fs.String("token", "", "Bearer token for API/WS access (overrides config)")
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	heartbt := fs.Bool("heartbeat", false, "Enable the heartbeat even if disabled in config")

	fs.Usage = func() {
		fmt.Println("Usage: chronicle serve [options]")
		fmt.Println()
		fmt.Println("Run the daemon: filesystem watcher, periodic index sweeps, the")
		fmt.Println("heartbeat scheduler, and the HTTP/WebSocket API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)
	if fs.NArg() > 0 {
		fatalf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		fatalf("%v", err)
	}
	if *listenAddr != "" {
		cfg.Web.ListenAddr = *listenAddr
	}
	if *token != "" {
		cfg.Web.Token = *token
	}
	if *heartbt {
		cfg.Heartbeat.Enabled = true
	}

	logging.Init(logging.Config{
		Debug:          true,
		LogDir:         config.Dir(),
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		MaxSizeMB:      cfg.Log.MaxSizeMB,
		MaxBackups:     cfg.Log.MaxBackups,
		MaxAgeDays:     cfg.Log.MaxAgeDays,
		Compress:       true,
		RingBufferSize: 1 << 20,
	})
	log := logging.Logger()

	st, err := store.Open(*dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := st.Migrate(); err != nil {
		fatalf("%v", err)
	}

	reg := procreg.New(st, procreg.Options{KillGrace: cfg.Process.KillGrace()})
	if err := reg.ReapOrphans(); err != nil {
		log.Warn("orphan_reap_failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events *web.EventHub

	ix := indexer.New(st, indexer.Options{
		Roots:            cfg.DefaultWatchRoots(),
		Debounce:         cfg.Index.Debounce(),
		SweepInterval:    cfg.Index.SweepInterval(),
		SweepParallelism: cfg.Index.SweepParallelism,
		OnIndexed: func(id string) {
			if events != nil {
				events.Publish(web.Event{Type: web.EventRecordIndexed, RecordID: id})
			}
		},
	})

	var sched *scheduler.Scheduler
	if cfg.Heartbeat.SourceURL != "" {
		src := worksource.NewHTTPSource(cfg.Heartbeat.SourceURL, cfg.Heartbeat.FetchRatePerMinute)
		sched = scheduler.New(src, reg, st, scheduler.Options{
			Enabled:          cfg.Heartbeat.Enabled,
			Interval:         cfg.Heartbeat.Interval(),
			MaxPerRun:        cfg.Heartbeat.MaxPerRun,
			GlobalLimit:      cfg.Process.GlobalLimit,
			Command:          cfg.Heartbeat.Command,
			BaseArgs:         cfg.Heartbeat.BaseArgs,
			ProcessTimeout:   cfg.Process.Timeout(),
			ReadyGrace:       cfg.Process.ReadyGrace(),
			BreakerThreshold: cfg.Heartbeat.BreakerThreshold,
			BreakerCooldown:  cfg.Heartbeat.BreakerCooldown(),
			OnSpawned: func(key string) {
				if events != nil {
					events.Publish(web.Event{Type: web.EventHeartbeatSpawned, ItemKey: key})
				}
			},
		})
	} else if cfg.Heartbeat.Enabled {
		log.Warn("heartbeat_disabled_no_source")
	}

	var heartbeat web.HeartbeatRunner
	if sched != nil {
		heartbeat = sched
	}
	srv := web.NewServer(web.Config{
		ListenAddr: cfg.Web.ListenAddr,
		Token:      cfg.Web.Token,
	}, search.New(st), heartbeat)
	events = srv.Events()

	watcher, err := indexer.NewWatcher(ix)
	if err != nil {
		log.Warn("watcher_disabled", slog.String("error", err.Error()))
	} else {
		go watcher.Start()
	}
	go ix.RunSweeps(ctx)
	if sched != nil {
		go sched.Run(ctx)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutdown_requested")
		cancel()
		if watcher != nil {
			watcher.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown_error", slog.String("error", err.Error()))
		}
	}()

	fmt.Printf("Chronicle v%s listening on %s\n", Version, cfg.Web.ListenAddr)
	err = srv.Start()

	// The API is down; stop children and flush the store.
	if killErr := reg.KillAll("shutdown"); killErr != nil {
		log.Warn("kill_all_failed", slog.String("error", killErr.Error()))
	}
	if closeErr := st.Close(); closeErr != nil {
		log.Warn("store_close_failed", slog.String("error", closeErr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}
