package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/config"
	"github.com/oseitutunelson/samantha/logger"
	"github.com/oseitutunelson/samantha/parser"
	"github.com/oseitutunelson/samantha/syncer"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATCHFEED_CONFIG"), "path to YAML config")
	response := flag.String("response", "", "oracle payload; read from stdin when empty")
	doSync := flag.Bool("sync", false, "push the parsed matches to the contract")
	asJSON := flag.Bool("json", false, "print records as JSON")
	flag.Parse()

	raw := *response
	if raw == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[parse] read stdin: %v\n", err)
			os.Exit(1)
		}
		raw = strings.TrimSpace(string(data))
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[parse] failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.Logging.Debug)
	defer log.Sync()

	res := parser.New(log).Parse(raw, time.Now().UTC())

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res.Records)
	} else {
		for _, s := range res.Segments {
			if !s.Parsed {
				fmt.Printf("#%d skipped: %s (%q)\n", s.Index, s.Reason, s.Raw)
				continue
			}
			r := s.Record
			fmt.Printf("#%d %d: %s (%d) - draw (%d) - %s (%d), kickoff %s",
				s.Index, r.ExternalID, r.HomeTeam, r.HomeOdds, r.DrawOdds, r.AwayTeam, r.AwayOdds,
				r.KickoffTime.Format(time.RFC3339))
			if len(s.Defaulted) > 0 {
				fmt.Printf(" [defaulted: %s]", strings.Join(s.Defaulted, ","))
			}
			fmt.Println()
		}
		fmt.Printf("%d records, %d skipped\n", len(res.Records), res.Skipped())
	}

	if !*doSync {
		return
	}
	if len(res.Records) == 0 {
		log.Fatal("nothing to sync")
	}
	if cfg.Chain.PrivateKey == "" {
		log.Fatal("sync requires PRIVATE_KEY")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Ingestion.CycleTimeout())
	defer cancel()

	contract, err := api.NewContractClient(ctx, api.ContractConfig{
		RPCURL:            cfg.Chain.RPCURL,
		Address:           cfg.Chain.ContractAddress,
		PrivateKey:        cfg.Chain.PrivateKey,
		ChainID:           cfg.Chain.ChainID,
		TxTimeout:         cfg.Chain.TxTimeout(),
		TxPerSecond:       cfg.Chain.TxPerSecond,
		LogLookbackBlocks: cfg.Chain.LogLookbackBlocks,
	}, log)
	if err != nil {
		log.Fatal("failed to bind contract", zap.Error(err))
	}
	defer contract.Close()

	report := syncer.NewSynchronizer(contract, cfg.Ingestion.ClearBeforeSync, log).Sync(ctx, res.Records)
	fmt.Printf("synced: added %d/%d, finalized=%v\n", report.Added, report.Attempted, report.Finalized)
	for _, f := range report.Failed {
		fmt.Printf("  failed %d: %v\n", f.ExternalID, f.Err)
	}
	if report.FinalizeErr != nil {
		fmt.Printf("  finalize: %v\n", report.FinalizeErr)
	}
}
