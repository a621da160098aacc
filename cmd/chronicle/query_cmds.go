package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/chronicle/internal/config"
	"github.com/asheshgoplani/chronicle/internal/indexer"
	"github.com/asheshgoplani/chronicle/internal/search"
	"github.com/asheshgoplani/chronicle/internal/store"
)

const (
	tableColName    = 32
	tableColPreview = 48
)

func openService(dbPath string) (*search.Service, *store.Store) {
	st, err := store.Open(dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := st.Migrate(); err != nil {
		fatalf("%v", err)
	}
	return search.New(st), st
}

func handleIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	root := fs.String("root", "", "Directory to sweep (defaults to configured watch roots)")
	parallel := fs.Int("parallel", 0, "Concurrent per-file index calls (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(config.Path())
	if err != nil {
		fatalf("%v", err)
	}
	roots := cfg.DefaultWatchRoots()
	if *root != "" {
		roots = []string{*root}
	}
	parallelism := cfg.Index.SweepParallelism
	if *parallel > 0 {
		parallelism = *parallel
	}

	_, st := openService(*dbPath)
	defer st.Close()

	ix := indexer.New(st, indexer.Options{
		Roots:            roots,
		SweepParallelism: parallelism,
	})
	stats, err := ix.Sweep(cmdContext())
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Scanned %d files: %d indexed, %d unchanged, %d failed\n",
		stats.Scanned, stats.Indexed, stats.Skipped, stats.Failed)
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

func handleSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	limit := fs.Int("limit", 20, "Maximum results")
	offset := fs.Int("offset", 0, "Result offset for paging")
	sortMode := fs.String("sort", "relevance", "Sort mode: relevance or chronological")
	partition := fs.String("partition", "all", "Partition: all, manual, or automated")
	asJSON := fs.Bool("json", false, "Emit JSON")

	fs.Usage = func() {
		fmt.Println("Usage: chronicle search [options] <query>")
		fmt.Println()
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}

	svc, st := openService(*dbPath)
	defer st.Close()

	result, err := svc.Search(search.Query{
		Text:      query,
		Limit:     *limit,
		Offset:    *offset,
		Sort:      store.SortMode(*sortMode),
		Partition: store.Partition(*partition),
	})
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		printJSON(result)
		return
	}

	if len(result.Hits) == 0 {
		fmt.Println("No matches.")
		return
	}
	if result.Fuzzy {
		fmt.Println("No full-text matches; showing fuzzy title matches:")
	}
	for _, hit := range result.Hits {
		c := hit.Conversation
		fmt.Printf("%s  %-*s  %s\n",
			c.LastActivityAt.Format("2006-01-02 15:04"),
			tableColName, truncate(c.DisplayName(), tableColName),
			truncate(oneLine(hit.Snippet), tableColPreview))
		fmt.Printf("    id=%s origin=%s turns=%d\n", c.ID, c.Origin, c.TurnCount)
	}
	fmt.Printf("\n%d of %d result(s)", len(result.Hits), result.Total)
	if result.HasMore {
		fmt.Printf(" (more available, use --offset %d)", *offset+len(result.Hits))
	}
	fmt.Println()
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	limit := fs.Int("limit", 20, "Maximum records")
	offset := fs.Int("offset", 0, "Record offset for paging")
	partition := fs.String("partition", "all", "Partition: all, manual, or automated")
	asJSON := fs.Bool("json", false, "Emit JSON")
	_ = fs.Parse(args)

	svc, st := openService(*dbPath)
	defer st.Close()

	records, total, err := svc.ListRecords(*limit, *offset, store.Partition(*partition))
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		printJSON(map[string]any{"records": records, "total": total})
		return
	}

	for i := range records {
		c := &records[i]
		marker := " "
		if c.Unread {
			marker = "*"
		}
		fmt.Printf("%s %s  %-9s  %-*s  %s\n",
			marker,
			c.LastActivityAt.Format("2006-01-02 15:04"),
			c.Origin,
			tableColName, truncate(c.DisplayName(), tableColName),
			c.ID)
	}
	fmt.Printf("\n%d of %d record(s)\n", len(records), total)
}

func handleShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	asJSON := fs.Bool("json", false, "Emit JSON")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: chronicle show <id>")
	}
	id := fs.Arg(0)

	svc, st := openService(*dbPath)
	defer st.Close()

	conv, turns, err := svc.GetRecord(id)
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		printJSON(map[string]any{"record": conv, "turns": turns})
		return
	}

	fmt.Printf("%s (%s)\n", conv.DisplayName(), conv.ID)
	fmt.Printf("origin=%s turns=%d started=%s\n\n",
		conv.Origin, conv.TurnCount, conv.StartedAt.Format(time.RFC3339))
	for _, turn := range turns {
		fmt.Printf("[%s] %s\n", turn.Role, turn.Content)
	}
}

func handleRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: chronicle read <id>")
	}

	svc, st := openService(*dbPath)
	defer st.Close()

	if err := svc.MarkRead(fs.Arg(0)); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Marked read.")
}

func handleHide(args []string) {
	fs := flag.NewFlagSet("hide", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath(), "Path to the SQLite database")
	restore := fs.Bool("restore", false, "Restore a hidden record instead")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: chronicle hide [--restore] <id>")
	}

	svc, st := openService(*dbPath)
	defer st.Close()

	if err := svc.SetHidden(fs.Arg(0), !*restore); err != nil {
		fatalf("%v", err)
	}
	if *restore {
		fmt.Println("Restored.")
	} else {
		fmt.Println("Hidden.")
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("%v", err)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
