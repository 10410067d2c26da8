package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"asclepius/internal/config"
	"asclepius/internal/domain"
	"asclepius/internal/infra/anchor"
	"asclepius/internal/infra/anchor/ledgerhttp"
	"asclepius/internal/infra/anchor/tonledger"
	"asclepius/internal/infra/cachemem"
	"asclepius/internal/infra/db"
	httpinfra "asclepius/internal/infra/http"
	"asclepius/internal/infra/memstore"
	"asclepius/internal/infra/policyopa"
	"asclepius/internal/usecase"
	"asclepius/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := logger.Init(cfg.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logg := logger.Named("consentd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		consentRepo usecase.ConsentRepository
		entryRepo   usecase.AuditEntryRepository
		batchRepo   usecase.AuditBatchRepository
		recordRepo  usecase.RecordRepository
		attemptRepo domain.AnchorAttemptRepository
		receiptRepo domain.AnchorReceiptRepository
	)
	if cfg.DatabaseURL != "" {
		store, err := db.NewStore(cfg.DatabaseURL)
		if err != nil {
			logg.Fatal("init store", zap.Error(err))
		}
		defer func() { _ = store.Close() }()
		consentRepo = store.Consents
		entryRepo = store.Entries
		batchRepo = store.Batches
		recordRepo = store.Records
		attemptRepo = store.Attempts
		receiptRepo = store.Receipts
	} else {
		logg.Warn("DATABASE_URL is empty, falling back to the in-memory store")
		mem := memstore.New()
		consentRepo = mem.Consents
		entryRepo = mem.Entries
		batchRepo = mem.Batches
		recordRepo = mem.Records
		attemptRepo = mem.Attempts
		receiptRepo = mem.Receipts
	}

	recorder := usecase.NewAuditRecorder(entryRepo, nil)
	engine := usecase.NewConsentEngine(consentRepo, recorder, nil)

	var policy usecase.PolicyEngine
	if cfg.OPAPolicyDir != "" {
		opaEngine, err := policyopa.NewEngineFromBundlePath(ctx, cfg.OPAPolicyDir)
		if err != nil {
			logg.Fatal("load policy bundle", zap.Error(err), zap.String("path", cfg.OPAPolicyDir))
		}
		policy = opaEngine
	}
	gate := usecase.NewAccessGate(engine, policy, recorder)
	records := usecase.NewRecordService(recordRepo, gate, nil)

	batcher := &usecase.AuditBatcher{
		Entries:     entryRepo,
		Batches:     batchRepo,
		Anchor:      buildAnchorService(ctx, cfg, attemptRepo, receiptRepo, logg),
		Audit:       recorder,
		Cache:       cachemem.New(),
		NewID:       usecase.NewBatchIDGenerator(),
		Log:         logger.Named("batcher"),
		MaxEntries:  int64(cfg.BatchMaxEntries),
		MinEntries:  int64(cfg.BatchMinEntries),
		BackoffBase: cfg.AnchorBackoffBase,
		BackoffMax:  cfg.AnchorBackoffMax,
	}
	go batcher.Run(ctx, cfg.BatchInterval)

	sweeper := &usecase.ConsentSweeper{
		Repo:  consentRepo,
		Audit: recorder,
		Log:   logger.Named("sweeper"),
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := sweeper.SweepOnce(ctx); err != nil {
			logg.Warn("consent sweep failed", zap.Error(err))
		}
	}); err != nil {
		logg.Fatal("schedule consent sweep", zap.Error(err), zap.String("schedule", cfg.SweepSchedule))
	}
	scheduler.Start()
	defer scheduler.Stop()
	go func() {
		if _, err := sweeper.SweepOnce(ctx); err != nil {
			logg.Warn("startup consent sweep failed", zap.Error(err))
		}
	}()

	srv := httpinfra.NewServerWithDeps(cfg, httpinfra.ServerDeps{
		Consents: engine,
		Records:  records,
		Recorder: recorder,
		Batcher:  batcher,
	})
	if err := srv.InitError(); err != nil {
		logg.Fatal("server configuration", zap.Error(err))
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}
	go func() {
		logg.Info("consentd listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("http server exited", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("http shutdown incomplete", zap.Error(err))
	}
}

// buildAnchorService wires the providers the environment enables. A TON
// connect failure downgrades to skipped receipts instead of blocking boot;
// batching must not depend on chain liveness.
func buildAnchorService(ctx context.Context, cfg config.Config, attempts domain.AnchorAttemptRepository, receipts domain.AnchorReceiptRepository, logg *zap.Logger) domain.AnchorService {
	var providers []anchor.Provider
	var enabled []string
	if cfg.LedgerURL != "" {
		client, err := ledgerhttp.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, nil)
		if err != nil {
			logg.Fatal("configure ledger provider", zap.Error(err))
		}
		providers = append(providers, client)
		enabled = append(enabled, client.ProviderName())
	}
	if cfg.TONEnabled {
		provider := tonledger.NewProvider(tonledger.Config{
			Network:       cfg.TONNetwork,
			ConfigURL:     cfg.TONConfigURL,
			Seed:          cfg.TONWalletSeed,
			AnchorAddress: cfg.TONAnchorAddress,
		})
		connectCtx, cancel := context.WithTimeout(ctx, cfg.AnchorTimeout)
		if err := provider.Connect(connectCtx); err != nil {
			logg.Warn("ton provider connect failed, receipts will report skipped", zap.Error(err))
		}
		cancel()
		providers = append(providers, provider)
		enabled = append(enabled, provider.ProviderName())
	}
	svc, err := anchor.NewService(providers, enabled, attempts, receipts)
	if err != nil {
		logg.Fatal("configure anchor service", zap.Error(err))
	}
	svc.SetTimeout(cfg.AnchorTimeout)
	return svc
}
