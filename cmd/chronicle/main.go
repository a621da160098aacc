package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/asheshgoplani/chronicle/internal/config"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("Chronicle v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "init":
		handleInit(args[1:])
	case "serve":
		handleServe(args[1:])
	case "index":
		handleIndex(args[1:])
	case "search":
		handleSearch(args[1:])
	case "list", "ls":
		handleList(args[1:])
	case "show":
		handleShow(args[1:])
	case "read":
		handleRead(args[1:])
	case "hide":
		handleHide(args[1:])
	case "heartbeat":
		handleHeartbeat(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("Chronicle - conversation log indexing, search, and heartbeat analysis")
	fmt.Println()
	fmt.Println("Usage: chronicle <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                Run the daemon: watcher, sweeps, heartbeat, HTTP API")
	fmt.Println("  index                Run one full index sweep and exit")
	fmt.Println("  search <query>       Full-text search over indexed conversations")
	fmt.Println("  list                 List indexed conversation records")
	fmt.Println("  show <id>            Show one record with its turns")
	fmt.Println("  read <id>            Mark a record as read")
	fmt.Println("  hide <id>            Hide a record (use --restore to undo)")
	fmt.Println("  heartbeat run        Run one heartbeat cycle now")
	fmt.Println("  heartbeat status     Show heartbeat state of a running daemon")
	fmt.Println("  init                 Write a default config file")
	fmt.Println("  version              Print version")
	fmt.Println()
	fmt.Printf("Config: %s (override dir with %s)\n", config.Path(), config.EnvConfigDir)
}

func defaultDBPath() string {
	return filepath.Join(config.Dir(), "chronicle.db")
}

// cmdContext cancels on Ctrl+C for one-shot commands.
func cmdContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func handleInit(args []string) {
	if len(args) > 0 {
		fatalf("init takes no arguments")
	}
	path := config.Path()
	if _, err := os.Stat(path); err == nil {
		fatalf("config already exists at %s", path)
	}
	if err := config.Default().Save(path); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
}
