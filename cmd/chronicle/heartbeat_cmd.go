package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/asheshgoplani/chronicle/internal/config"
	"github.com/asheshgoplani/chronicle/internal/procreg"
	"github.com/asheshgoplani/chronicle/internal/scheduler"
	"github.com/asheshgoplani/chronicle/internal/worksource"
)

func handleHeartbeat(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: chronicle heartbeat <run|status> [options]")
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		handleHeartbeatRun(args[1:])
	case "status":
		handleHeartbeatStatus(args[1:])
	default:
		fatalf("unknown heartbeat subcommand: %s", args[0])
	}
}

// handleHeartbeatRun executes one cycle in-process. It blocks until the
// spawned children have finished so their conversations exist before the
// next sweep picks them up.
func handleHeartbeatRun(args []string) {
	fs := flag.NewFlagSet("heartbeat run", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	wait := fs.Bool("wait", true, "Wait for spawned processes to finish")
	_ = fs.Parse(args)

	cfg, err := config.Load(config.Path())
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Heartbeat.SourceURL == "" {
		fatalf("no heartbeat.source_url configured")
	}

	_, st := openService(*dbPath)
	defer st.Close()

	reg := procreg.New(st, procreg.Options{KillGrace: cfg.Process.KillGrace()})
	if err := reg.ReapOrphans(); err != nil {
		fatalf("%v", err)
	}

	src := worksource.NewHTTPSource(cfg.Heartbeat.SourceURL, cfg.Heartbeat.FetchRatePerMinute)
	sched := scheduler.New(src, reg, st, scheduler.Options{
		Enabled:          cfg.Heartbeat.Enabled,
		MaxPerRun:        cfg.Heartbeat.MaxPerRun,
		GlobalLimit:      cfg.Process.GlobalLimit,
		Command:          cfg.Heartbeat.Command,
		BaseArgs:         cfg.Heartbeat.BaseArgs,
		ProcessTimeout:   cfg.Process.Timeout(),
		ReadyGrace:       cfg.Process.ReadyGrace(),
		BreakerThreshold: cfg.Heartbeat.BreakerThreshold,
		BreakerCooldown:  cfg.Heartbeat.BreakerCooldown(),
	})

	res, err := sched.RunOnce(cmdContext(), true)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Run %s: %d considered, %d spawned, %d deferred, %d error(s)\n",
		res.RunID, res.ItemsConsidered, len(res.Spawned), res.Deferred, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", e)
	}

	if *wait {
		for _, info := range reg.Snapshot() {
			fmt.Printf("  waiting on pid %d (%s)\n", info.PID, info.ItemKey)
		}
		waitForChildren(reg, cfg.Process.Timeout()+cfg.Process.KillGrace())
	}
	if len(res.Errors) > 0 {
		os.Exit(1)
	}
}

func waitForChildren(reg *procreg.Registry, deadline time.Duration) {
	expire := time.After(deadline + time.Minute)
	for reg.ActiveCount() > 0 {
		select {
		case <-expire:
			_ = reg.KillAll("cli deadline")
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// handleHeartbeatStatus asks a running daemon over its HTTP API.
func handleHeartbeatStatus(args []string) {
	fs := flag.NewFlagSet("heartbeat status", flag.ExitOnError)
	addr := fs.String("addr", "", "Daemon address (defaults to configured listen_addr)")
	_ = fs.Parse(args)

	cfg, err := config.Load(config.Path())
	if err != nil {
		fatalf("%v", err)
	}
	target := cfg.Web.ListenAddr
	if *addr != "" {
		target = *addr
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+target+"/api/heartbeat/status", nil)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Web.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Web.Token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("daemon not reachable at %s: %v", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("%v", err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("daemon returned %s: %s", resp.Status, body)
	}

	var status scheduler.StatusSnapshot
	if err := json.Unmarshal(body, &status); err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("enabled=%t running=%t breaker_open=%t failures=%d\n",
		status.Enabled, status.Running, status.BreakerOpen, status.FailureCount)
	if status.LastRun != nil {
		fmt.Printf("last run %s at %s: %d considered, %d spawned, %d deferred\n",
			status.LastRun.RunID,
			status.LastRun.StartedAt.Format(time.RFC3339),
			status.LastRun.ItemsConsidered,
			len(status.LastRun.Spawned),
			status.LastRun.Deferred)
	}
}
