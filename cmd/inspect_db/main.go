package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/oseitutunelson/samantha/config"
	"github.com/oseitutunelson/samantha/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATCHFEED_CONFIG"), "path to YAML config")
	limit := flag.Int("limit", 10, "number of recent cycles to list")
	cycleID := flag.Int64("cycle", 0, "show the matches parsed in this cycle")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// the latest-cycle cache is skipped so the database is read directly
	store, err := storage.Open(ctx, cfg.Data.Backend, cfg.Data.DBPath, cfg.Data.PostgresDSN, nil)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Data.Backend, err)
	}
	defer store.Close()

	fmt.Printf("Connected to %s store\n", cfg.Data.Backend)

	if *cycleID > 0 {
		showCycle(ctx, store, *cycleID)
		return
	}

	fmt.Printf("\n--- Last %d ingestion cycles ---\n", *limit)
	cycles, err := store.ListCycles(ctx, *limit)
	if err != nil {
		log.Fatalf("list cycles: %v", err)
	}
	if len(cycles) == 0 {
		fmt.Println("No cycles recorded.")
		return
	}
	for _, c := range cycles {
		fmt.Printf("#%-5d %s  %-8s %-18s added %d/%d  skipped %d  on-chain %d  %dms\n",
			c.ID, c.StartedAt.Local().Format("2006-01-02 15:04:05"), c.State, c.Reason,
			c.Added, c.Attempted, c.Skipped, c.OnChainCount, c.ElapsedMS)
		for _, w := range c.Warnings {
			fmt.Printf("        warning: %s\n", w)
		}
	}
}

func showCycle(ctx context.Context, store storage.DataStore, id int64) {
	c, err := store.GetCycle(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Printf("Cycle %d not found.\n", id)
		return
	}
	if err != nil {
		log.Fatalf("get cycle %d: %v", id, err)
	}

	fmt.Printf("\n--- Cycle %d ---\n", c.ID)
	fmt.Println(c.Summary)
	fmt.Printf("transitions: %s\n", strings.ReplaceAll(c.Transitions, ">", " -> "))
	if c.LastError != "" {
		fmt.Printf("last error:  %s\n", c.LastError)
	}

	records, err := store.ListParsedMatches(ctx, id)
	if err != nil {
		log.Fatalf("list parsed matches: %v", err)
	}
	fmt.Printf("\n--- Parsed matches (%d) ---\n", len(records))
	for _, r := range records {
		fmt.Printf("%-8d %-20s vs %-20s %d/%d/%d  kickoff %s\n",
			r.ExternalID, r.HomeTeam, r.AwayTeam, r.HomeOdds, r.DrawOdds, r.AwayOdds,
			r.KickoffTime.Format("2006-01-02 15:04"))
	}
}
