package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/config"
	"github.com/oseitutunelson/samantha/logger"
	"github.com/oseitutunelson/samantha/notifier"
	"github.com/oseitutunelson/samantha/storage"
	"github.com/oseitutunelson/samantha/syncer"
)

const usage = `usage: ingest [-config path] <command>

commands:
  once, now          run one ingestion cycle and exit (non-zero on FAILED)
  start, schedule    run cycles on the configured schedule until interrupted
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("MATCHFEED_CONFIG"), "path to YAML config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := flag.Arg(0)
	switch command {
	case "once", "now", "start", "schedule":
	default:
		flag.Usage()
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ingest] failed to load config: %v\n", err)
		return 1
	}
	log := logger.Must(cfg.Logging.Debug).Named("ingest")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = storage.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	store, err := storage.Open(ctx, cfg.Data.Backend, cfg.Data.DBPath, cfg.Data.PostgresDSN, rdb)
	if err != nil {
		log.Fatal("failed to init storage", zap.Error(err))
	}
	defer store.Close()

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

	if diag, err := contract.Diagnostics(ctx); err != nil {
		log.Warn("diagnostics failed", zap.Error(err))
	} else {
		log.Info("connection check",
			zap.String("chain_id", diag.ChainID),
			zap.Uint64("block", diag.BlockNumber),
			zap.String("signer", diag.Signer.Hex()),
			zap.String("balance_wei", diag.SignerBalance),
			zap.Bool("signer_is_owner", diag.SignerIsOwner),
			zap.Int("matches", diag.MatchCount))
	}

	var metrics *syncer.MetricsStore
	synchronizer := syncer.NewSynchronizer(contract, cfg.Ingestion.ClearBeforeSync, log)
	if rdb != nil {
		metrics = syncer.NewMetricsStore(rdb)
		synchronizer.WithProgress(metrics)
	}
	orchestrator := syncer.NewOrchestrator(contract, synchronizer, syncer.OrchestratorConfig{
		PollInterval:           cfg.Ingestion.PollInterval(),
		MaxWait:                cfg.Ingestion.MaxWait(),
		RespectRequestInterval: cfg.Ingestion.RespectRequestInterval,
		VerifyCount:            cfg.Ingestion.VerifyCount,
	}, log)

	var n notifier.Notifier = notifier.Nop{}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		if tg, err := notifier.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log); err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			n = tg
		}
	}

	scheduler := syncer.NewScheduler(orchestrator, store, metrics, n, syncer.SchedulerConfig{
		Interval:     cfg.Ingestion.ScheduleInterval(),
		CycleTimeout: cfg.Ingestion.CycleTimeout(),
		RunOnStart:   true,
	}, log)

	switch command {
	case "once", "now":
		runCtx, cancel := context.WithTimeout(ctx, cfg.Ingestion.CycleTimeout())
		outcome, err := scheduler.TryRun(runCtx)
		cancel()
		if err != nil {
			log.Fatal("cycle not run", zap.Error(err))
		}
		fmt.Println(outcome.Summary())
		if !outcome.Succeeded() {
			return 1
		}

	case "start", "schedule":
		scheduler.Start()
		log.Info("scheduler running, press Ctrl+C to stop",
			zap.Duration("interval", cfg.Ingestion.ScheduleInterval()))
		<-ctx.Done()
		log.Info("received shutdown signal, stopping gracefully")
		scheduler.Stop()
	}
	return 0
}
