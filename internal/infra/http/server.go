package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"asclepius/internal/config"
	"asclepius/internal/domain"
	"asclepius/internal/infra/anchor"
	"asclepius/internal/infra/anchor/ledgerhttp"
	"asclepius/internal/infra/anchor/tonledger"
	"asclepius/internal/infra/auth"
	"asclepius/internal/infra/cachemem"
	"asclepius/internal/infra/db"
	"asclepius/internal/infra/memstore"
	"asclepius/internal/infra/policyopa"
	"asclepius/internal/infra/ratelimit"
	"asclepius/internal/obs"
	"asclepius/internal/usecase"
	"asclepius/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg   config.Config
	store *db.Store
	r     *gin.Engine
	log   *zap.Logger

	consents *usecase.ConsentEngine
	records  *usecase.RecordService
	recorder *usecase.AuditRecorder
	batcher  *usecase.AuditBatcher

	audits  usecase.AuditEntryRepository
	batches usecase.AuditBatchRepository

	authenticator domain.Authenticator
	rateLimiter   domain.RateLimiter

	initErr error
}

// NewServer assembles the full service graph from configuration: postgres
// repositories when a store is given, the in-memory store otherwise.
func NewServer(cfg config.Config, store *db.Store) *Server {
	s := &Server{cfg: cfg, store: store, log: logger.Named("http")}
	s.initEngine()
	s.initDeps()
	s.routes()
	return s
}

// ServerDeps injects pre-built collaborators; the daemon uses it so the
// batcher it drives and the one serving root queries are the same instance,
// and tests use it to swap in stubs.
type ServerDeps struct {
	Consents      *usecase.ConsentEngine
	Records       *usecase.RecordService
	Recorder      *usecase.AuditRecorder
	Batcher       *usecase.AuditBatcher
	AuditEntries  usecase.AuditEntryRepository
	AuditBatches  usecase.AuditBatchRepository
	Authenticator domain.Authenticator
	RateLimiter   domain.RateLimiter
	Log           *zap.Logger
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	s := &Server{
		cfg:           cfg,
		log:           deps.Log,
		consents:      deps.Consents,
		records:       deps.Records,
		recorder:      deps.Recorder,
		batcher:       deps.Batcher,
		audits:        deps.AuditEntries,
		batches:       deps.AuditBatches,
		authenticator: deps.Authenticator,
	}
	if s.log == nil {
		s.log = logger.Named("http")
	}
	if s.batcher != nil {
		if s.audits == nil {
			s.audits = s.batcher.Entries
		}
		if s.batches == nil {
			s.batches = s.batcher.Batches
		}
	}
	s.initEngine()
	s.initRateLimit(deps.RateLimiter)
	s.initAuth()
	s.routes()
	return s
}

func (s *Server) initEngine() {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log), obs.Middleware())
	s.r = r
}

func (s *Server) initDeps() {
	var (
		consents usecase.ConsentRepository
		audits   usecase.AuditEntryRepository
		batches  usecase.AuditBatchRepository
		records  usecase.RecordRepository
		attempts domain.AnchorAttemptRepository
		receipts domain.AnchorReceiptRepository
	)
	if s.store != nil && s.store.DB != nil {
		consents = s.store.Consents
		audits = s.store.Entries
		batches = s.store.Batches
		records = s.store.Records
		attempts = s.store.Attempts
		receipts = s.store.Receipts
	} else {
		mem := memstore.New()
		consents = mem.Consents
		audits = mem.Entries
		batches = mem.Batches
		records = mem.Records
		attempts = mem.Attempts
		receipts = mem.Receipts
	}

	recorder := usecase.NewAuditRecorder(audits, nil)
	engine := usecase.NewConsentEngine(consents, recorder, nil)

	var policy usecase.PolicyEngine
	if s.cfg.OPAPolicyDir != "" {
		opaEngine, err := policyopa.NewEngineFromBundlePath(context.Background(), s.cfg.OPAPolicyDir)
		if err != nil {
			s.fail(fmt.Errorf("load policy bundle: %w", err))
		} else {
			policy = opaEngine
		}
	}
	gate := usecase.NewAccessGate(engine, policy, recorder)

	s.recorder = recorder
	s.consents = engine
	s.records = usecase.NewRecordService(records, gate, nil)
	s.audits = audits
	s.batches = batches
	s.batcher = &usecase.AuditBatcher{
		Entries:     audits,
		Batches:     batches,
		Anchor:      s.buildAnchorService(attempts, receipts),
		Audit:       recorder,
		Cache:       cachemem.New(),
		NewID:       usecase.NewBatchIDGenerator(),
		Log:         logger.Named("batcher"),
		MaxEntries:  int64(s.cfg.BatchMaxEntries),
		MinEntries:  int64(s.cfg.BatchMinEntries),
		BackoffBase: s.cfg.AnchorBackoffBase,
		BackoffMax:  s.cfg.AnchorBackoffMax,
	}

	s.initRateLimit(nil)
	s.initAuth()
}

// buildAnchorService registers the providers the configuration names. The TON
// provider starts unconnected here; until something dials it, its receipts
// report skipped.
func (s *Server) buildAnchorService(attempts domain.AnchorAttemptRepository, receipts domain.AnchorReceiptRepository) domain.AnchorService {
	var providers []anchor.Provider
	var enabled []string
	if s.cfg.LedgerURL != "" {
		client, err := ledgerhttp.NewClient(s.cfg.LedgerURL, s.cfg.LedgerAPIKey, nil)
		if err != nil {
			s.fail(fmt.Errorf("configure ledger provider: %w", err))
		} else {
			providers = append(providers, client)
			enabled = append(enabled, client.ProviderName())
		}
	}
	if s.cfg.TONEnabled {
		provider := tonledger.NewProvider(tonledger.Config{
			Network:       s.cfg.TONNetwork,
			ConfigURL:     s.cfg.TONConfigURL,
			Seed:          s.cfg.TONWalletSeed,
			AnchorAddress: s.cfg.TONAnchorAddress,
		})
		providers = append(providers, provider)
		enabled = append(enabled, provider.ProviderName())
	}
	svc, err := anchor.NewService(providers, enabled, attempts, receipts)
	if err != nil {
		s.fail(fmt.Errorf("configure anchor service: %w", err))
		return nil
	}
	svc.SetTimeout(s.cfg.AnchorTimeout)
	return svc
}

func (s *Server) initAuth() {
	if s.authenticator != nil {
		return
	}
	if s.cfg.JWTSecret == "" {
		s.fail(errors.New("JWT_SECRET is required"))
		return
	}
	authenticator, err := auth.NewAuthenticator(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.JWTClockSkew)
	if err != nil {
		s.fail(err)
		return
	}
	s.authenticator = authenticator
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitPerMinute > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
}

func (s *Server) fail(err error) {
	if s.initErr == nil {
		s.initErr = err
	}
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealthz)
	s.r.GET("/metrics", gin.WrapH(obs.Handler()))

	limited := s.rateLimitByActor()
	v1 := s.r.Group("/v1", s.requireIdentity())
	{
		v1.POST("/consents", limited, s.handleRequestConsent)
		v1.GET("/consents", s.handleListConsents)
		v1.GET("/consents/active", s.handleListActiveConsents)
		v1.GET("/consents/:id", s.handleGetConsent)
		v1.POST("/consents/:id/approve", limited, s.handleApproveConsent)
		v1.POST("/consents/:id/deny", limited, s.handleDenyConsent)
		v1.POST("/consents/:id/revoke", limited, s.handleRevokeConsent)

		v1.GET("/permissions/check", s.handleCheckPermission)

		v1.POST("/audit/entries", s.handleRecordAudit)
		v1.GET("/audit/entries", s.handleListAuditEntries)
		v1.POST("/audit/verify", s.handleVerifyChain)
		v1.GET("/audit/batches", s.handleListBatches)
		v1.GET("/audit/batches/:id", s.handleGetBatch)
		v1.GET("/audit/roots/:root", s.handleVerifyRoot)

		records := v1.Group("/patients/:patientID/records", limited)
		records.POST("", s.handleCreateRecord)
		records.GET("", s.handleListRecords)
		records.GET("/:recordID", s.handleGetRecord)
		records.PUT("/:recordID", s.handleUpdateRecord)
		records.DELETE("/:recordID", s.handleDeleteRecord)
	}

	s.r.NoRoute(s.handleNoRoute)
}

func (s *Server) Run() error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.r.Run(s.cfg.HTTPAddr)
}

// Handler exposes the routed engine for tests and for daemons that own their
// http.Server for graceful shutdown.
func (s *Server) Handler() http.Handler {
	return s.r
}

// InitError reports the first configuration problem found during assembly.
// Callers serving through Handler check it before listening; Run does the
// same check itself.
func (s *Server) InitError() error {
	return s.initErr
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if log == nil {
			return
		}
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			return
		}
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
