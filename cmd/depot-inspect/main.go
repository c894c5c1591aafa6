package main

// main.go implements the depot inspector CLI: it opens a local storage
// root, prints its configuration and usage summary as pretty text or
// JSON, and optionally runs the maintenance passes (sweep, eviction) in
// place.  Eviction takes the same advisory shard locks as live writers;
// the sweep removes stale temp files and orphan metadata without locking.
//
// Usage:
//   depot-inspect -root /var/cache/depot
//   depot-inspect -root /var/cache/depot -json
//   depot-inspect -root /var/cache/depot -sweep -evict
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
// ---------------------------------------------------------------
// © 2025 depot authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	depot "github.com/Voskan/depot/pkg"
)

var version = "dev"

type options struct {
	root    string
	json    bool
	sweep   bool
	evict   bool
	version bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.root, "root", "", "path to the local storage root (required)")
	flag.BoolVar(&opts.json, "json", false, "emit JSON instead of pretty text")
	flag.BoolVar(&opts.sweep, "sweep", false, "reclaim stale temp files and orphan metadata")
	flag.BoolVar(&opts.evict, "evict", false, "run one eviction pass (needs max_size in config)")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}
	if opts.root == "" {
		fatal(fmt.Errorf("-root is required"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful exit mid-pass.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	var locOpts []depot.LocalOption
	if !opts.sweep && !opts.evict {
		locOpts = append(locOpts, depot.WithLocalReadOnly())
	}
	loc, err := depot.OpenLocal(opts.root, locOpts...)
	if err != nil {
		fatal(err)
	}

	if opts.sweep {
		removed, err := loc.Sweep(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("sweep: reclaimed %d file(s)\n", removed)
	}
	if opts.evict {
		stats, err := loc.Evict(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("evict: removed %d of %d entries, freed %d bytes\n",
			stats.Removed, stats.Scanned, stats.FreedBytes)
	}

	stats, err := loc.Stats(ctx)
	if err != nil {
		fatal(err)
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			fatal(err)
		}
		return
	}
	prettyPrint(loc, stats)
}

/* -------------------------------------------------------------------------
   Helpers
   ------------------------------------------------------------------------- */

func prettyPrint(loc *depot.LocalLocation, stats depot.LocalStats) {
	cfg := loc.Config()
	fmt.Printf("Root:      %s\n", loc.Root())
	fmt.Printf("Hash:      %s (%d bytes)\n", cfg.Hash.Name, cfg.Hash.Length)
	fmt.Printf("Entries:   %d\n", stats.Entries)
	fmt.Printf("Used:      %.2f MiB\n", float64(stats.UsedBytes)/1_048_576)
	if cfg.MaxSize > 0 {
		fmt.Printf("Budget:    %.2f MiB (%.0f%% full)\n",
			float64(cfg.MaxSize)/1_048_576,
			100*float64(stats.UsedBytes)/float64(cfg.MaxSize))
	} else {
		fmt.Printf("Budget:    unbounded\n")
	}
	if !stats.OldestAccess.IsZero() {
		fmt.Printf("Oldest:    %s\n", stats.OldestAccess.Format(time.RFC3339))
		fmt.Printf("Newest:    %s\n", stats.NewestAccess.Format(time.RFC3339))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "depot-inspect:", err)
	os.Exit(1)
}
