package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/config"
	"github.com/oseitutunelson/samantha/logger"
	"github.com/oseitutunelson/samantha/parser"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATCHFEED_CONFIG"), "path to YAML config")
	asJSON := flag.Bool("json", false, "print everything as one JSON document")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[inspect] failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.Logging.Debug)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	contract, err := api.NewContractClient(ctx, api.ContractConfig{
		RPCURL:            cfg.Chain.RPCURL,
		Address:           cfg.Chain.ContractAddress,
		PrivateKey:        cfg.Chain.PrivateKey,
		ChainID:           cfg.Chain.ChainID,
		LogLookbackBlocks: cfg.Chain.LogLookbackBlocks,
	}, log)
	if err != nil {
		log.Fatal("failed to bind contract", zap.Error(err))
	}
	defer contract.Close()

	diag, err := contract.Diagnostics(ctx)
	if err != nil {
		log.Fatal("diagnostics failed", zap.Error(err))
	}
	response, err := contract.GetLatestResponse(ctx)
	if err != nil {
		log.Warn("read last response failed", zap.Error(err))
	}
	matches, err := contract.ListMatches(ctx)
	if err != nil {
		log.Warn("list matches failed", zap.Error(err))
	}
	events, err := contract.RecentMatchesFetched(ctx)
	if err != nil {
		log.Warn("scan MatchesFetched failed", zap.Error(err))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"diagnostics":     diag,
			"last_response":   response,
			"matches":         matches,
			"matches_fetched": events,
		})
		return
	}

	fmt.Println("=== Contract ===")
	fmt.Printf("address:        %s\n", diag.Contract.Hex())
	fmt.Printf("chain id:       %s (block %d)\n", diag.ChainID, diag.BlockNumber)
	fmt.Printf("owner:          %s\n", diag.Owner.Hex())
	if diag.SignerBalance != "" {
		fmt.Printf("signer:         %s (balance %s wei, owner=%v)\n", diag.Signer.Hex(), diag.SignerBalance, diag.SignerIsOwner)
	} else {
		fmt.Println("signer:         none (read-only)")
	}
	if !diag.NextRequestAt.IsZero() {
		fmt.Printf("next request:   %s\n", diag.NextRequestAt.Local().Format(time.RFC3339))
	}

	fmt.Printf("\n=== Last oracle response (%d bytes) ===\n", len(response))
	if parser.IsNoData(response) {
		fmt.Println("(none)")
	} else {
		fmt.Println(response)
	}

	fmt.Printf("\n=== On-chain matches (%d) ===\n", len(matches))
	for _, m := range matches {
		fmt.Printf("%-8d %-20s vs %-20s %s  %d/%d/%d  %s\n",
			m.ID, m.HomeTeam, m.AwayTeam, m.KickoffTime.Format("2006-01-02 15:04"),
			m.HomeOdds, m.DrawOdds, m.AwayOdds, m.Result)
	}

	fmt.Printf("\n=== MatchesFetched, last %d blocks (%d) ===\n", cfg.Chain.LogLookbackBlocks, len(events))
	for _, e := range events {
		fmt.Printf("block %d  tx %s  ids %v\n", e.BlockNumber, e.TxHash.Hex(), e.MatchIDs)
	}
}
