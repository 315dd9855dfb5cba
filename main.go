package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/config"
	"github.com/oseitutunelson/samantha/handlers"
	"github.com/oseitutunelson/samantha/logger"
	"github.com/oseitutunelson/samantha/middleware"
	"github.com/oseitutunelson/samantha/models"
	"github.com/oseitutunelson/samantha/notifier"
	"github.com/oseitutunelson/samantha/service"
	"github.com/oseitutunelson/samantha/storage"
	"github.com/oseitutunelson/samantha/syncer"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load(os.Getenv("MATCHFEED_CONFIG"))
	if err != nil {
		logger.Must(false).Fatal("failed to load config", zap.Error(err))
	}

	log := logger.Must(cfg.Logging.Debug)
	defer log.Sync()
	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}
	if !cfg.Logging.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = storage.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	store, err := storage.Open(ctx, cfg.Data.Backend, cfg.Data.DBPath, cfg.Data.PostgresDSN, rdb)
	if err != nil {
		log.Fatal("failed to init storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("storage initialized", zap.String("backend", cfg.Data.Backend))

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

	var metrics *syncer.MetricsStore
	if rdb != nil {
		metrics = syncer.NewMetricsStore(rdb)
	}

	synchronizer := syncer.NewSynchronizer(contract, cfg.Ingestion.ClearBeforeSync, log)
	if metrics != nil {
		synchronizer.WithProgress(metrics)
	}
	orchestrator := syncer.NewOrchestrator(contract, synchronizer, syncer.OrchestratorConfig{
		PollInterval:           cfg.Ingestion.PollInterval(),
		MaxWait:                cfg.Ingestion.MaxWait(),
		RespectRequestInterval: cfg.Ingestion.RespectRequestInterval,
		VerifyCount:            cfg.Ingestion.VerifyCount,
	}, log)

	scheduler := syncer.NewScheduler(orchestrator, store, metrics, newNotifier(cfg, log), syncer.SchedulerConfig{
		Interval:     cfg.Ingestion.ScheduleInterval(),
		CycleTimeout: cfg.Ingestion.CycleTimeout(),
		RunOnStart:   cfg.Ingestion.RunOnStart,
	}, log)

	var metricsReader service.MetricsReader
	if metrics != nil {
		metricsReader = metrics
	}
	svc := service.NewService(contract, store, scheduler, metricsReader,
		time.Duration(cfg.Server.MatchCacheSecs)*time.Second, log).WithSyncState(synchronizer)
	scheduler.OnComplete(func(models.CycleOutcome) { svc.InvalidateCaches() })

	if cfg.Chain.WSURL != "" {
		watcher := api.NewEventWatcher(cfg.Chain.WSURL, cfg.Chain.WSBackupURL, contract.Address(),
			syncer.NewMatchesUpdatedHandler(metrics, log, svc.InvalidateCaches), log)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("event watcher not started, relying on cache expiry", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	scheduler.Start()
	defer scheduler.Stop()

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	handlers.NewHandler(svc, log).Register(r, middleware.BasicAuth())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		// a synchronous cycle outlives the default write timeout
		Handler: middleware.ExtendWriteDeadline(r, http.MethodPost, handlers.RunCyclePath,
			cfg.Ingestion.CycleTimeout()+time.Minute),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
}

func newNotifier(cfg *config.Config, log *zap.Logger) notifier.Notifier {
	if cfg.Notify.TelegramToken == "" || cfg.Notify.TelegramChatID == 0 {
		return notifier.Nop{}
	}
	n, err := notifier.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
	if err != nil {
		log.Warn("telegram disabled", zap.Error(err))
		return notifier.Nop{}
	}
	return n
}
