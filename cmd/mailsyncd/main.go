package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vdavid/mailsync/internal/accountlock"
	"github.com/vdavid/mailsync/internal/actions"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/queue"
	"github.com/vdavid/mailsync/internal/syncengine"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.Environment == "development",
		LogFile:     cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.CloseConnection(pool)
	logger.Info("Successfully connected to database")

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	server, err := NewServer(cfg, pool, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	logger.Info("mailsync starting",
		zap.String("address", ":"+cfg.Port),
		zap.String("environment", cfg.Environment),
	)
	if err := server.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("mailsync stopped")
}

// Server is the assembled daemon: the HTTP API plus the background loops.
type Server struct {
	Handler http.Handler

	logger       *zap.Logger
	bus          *events.Bus
	hub          *ws.Hub
	registry     *syncengine.Registry
	imapPool     *imap.Pool
	orchestrator *syncengine.Orchestrator
	queue        *queue.Queue
	detach       func()
}

// NewServer wires every component of the daemon on top of an open database pool.
func NewServer(cfg *config.Config, dbPool *pgxpool.Pool, logger *zap.Logger) (*Server, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	store := db.NewStore(dbPool)
	locks := accountlock.New()

	creds, err := newTokenStore(cfg, store, encryptor)
	if err != nil {
		return nil, err
	}
	guard := credentials.NewTokenGuard(credentials.GuardConfig{
		Store:   creds,
		OAuth:   gmail.OAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		Logger:  logger,
		Metrics: m,
	})

	bus := events.New(0, logger, m)
	imapPool := imap.NewPoolWithMaxWorkers(cfg.IMAPMaxWorkers, logger)
	registry := syncengine.NewRegistry(syncengine.RegistryConfig{
		Creds:        creds,
		Guard:        guard,
		IMAPPool:     imapPool,
		IMAPInsecure: !cfg.IMAPUseTLS,
		GmailQPS:     cfg.GmailRequestsPerSecond,
		Logger:       logger,
		Metrics:      m,
	})
	engine := syncengine.NewEngine(store, locks, logger, m)
	orchestrator := syncengine.NewOrchestrator(syncengine.OrchestratorConfig{
		Store:                store,
		Registry:             registry,
		Engine:               engine,
		Bus:                  bus,
		Interval:             cfg.SyncInterval,
		DefaultRetentionDays: cfg.DefaultRetentionDays,
		Logger:               logger,
		Metrics:              m,
	})
	q := queue.New(queue.Config{
		Store:       store,
		Providers:   registry,
		Locks:       locks,
		Bus:         bus,
		MaxAttempts: cfg.QueueMaxAttempts,
		BaseBackoff: cfg.QueueBaseBackoff,
		MaxBackoff:  cfg.QueueMaxBackoff,
		Interval:    cfg.FlushInterval,
		Logger:      logger,
		Metrics:     m,
	})
	mutations := actions.NewService(store, q, locks, logger)

	hub := ws.NewHub(10, logger, m)
	detach := hub.Attach(bus)

	handler := api.NewRouter(api.Deps{
		Store:       store,
		Credentials: creds,
		Providers:   registry,
		Sync:        orchestrator,
		Actions:     mutations,
		Queue:       q,
		Hub:         hub,
		Metrics:     m,
		Logger:      logger,
		APIKey:      cfg.APIKey,
	})

	return &Server{
		Handler:      handler,
		logger:       logger,
		bus:          bus,
		hub:          hub,
		registry:     registry,
		imapPool:     imapPool,
		orchestrator: orchestrator,
		queue:        q,
		detach:       detach,
	}, nil
}

func newTokenStore(cfg *config.Config, store *db.Store, encryptor *crypto.Encryptor) (credentials.TokenStore, error) {
	if cfg.TokenBackend != "keyring" {
		return credentials.NewDBStore(store, encryptor), nil
	}
	ring, err := credentials.OpenKeyring(cfg.KeyringDir, cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, err
	}
	return credentials.NewKeyringStore(ring), nil
}

// Run serves HTTP on addr and runs the sync, flush and event loops until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.bus.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return s.orchestrator.Run(ctx)
	})
	g.Go(func() error {
		return s.queue.Run(ctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close releases connections and subscribers. Safe to call after Run returns.
func (s *Server) Close() {
	s.detach()
	s.hub.CloseAll()
	s.bus.Close()
	s.registry.Close()
	s.imapPool.Close()
}
