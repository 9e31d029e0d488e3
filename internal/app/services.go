package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/punchsync/internal/device"
	"github.com/odyssey-erp/punchsync/internal/erp"
	jobmetrics "github.com/odyssey-erp/punchsync/internal/jobs"
	"github.com/odyssey-erp/punchsync/internal/oauth"
	"github.com/odyssey-erp/punchsync/internal/observability"
	"github.com/odyssey-erp/punchsync/internal/platform/cache"
	"github.com/odyssey-erp/punchsync/internal/platform/db"
	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/shared"
	"github.com/odyssey-erp/punchsync/internal/syncer"
)

// Services bundles the long-lived collaborators shared by the CLI and the
// worker.
type Services struct {
	Config       *Config
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Store        *punch.PGStore
	Tokens       *oauth.Manager
	Client       *erp.Client
	Orchestrator *syncer.Orchestrator
	Runs         *syncer.RedisRunStore
	Puller       *device.Puller
	Metrics      *observability.Metrics
	JobMetrics   *jobmetrics.Metrics
}

// NewServices connects to postgres and redis and wires the sync stack.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	module, err := cfg.Module()
	if err != nil {
		return nil, err
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: connect redis: %w", err)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	store := punch.NewPGStore(pool)
	var tokenStore oauth.TokenStore = oauth.NewRedisTokenStore(redisClient, shared.TokenKey(module.Name))
	if cfg.TokenStore == "postgres" {
		tokenStore = oauth.NewKVTokenStore(store, shared.TokenKey(module.Name))
	}
	tokens := oauth.NewManager(tokenStore, oauth.ManagerConfig{
		TokenURL:    strings.TrimRight(cfg.ERPBaseURL, "/") + module.Paths.Token,
		Credentials: cfg.Credentials(),
		Skew:        cfg.ERPTokenSkew,
		HTTPClient:  newHTTPClient(cfg.ERPRequestTimeout),
		Logger:      logger,
	})
	client := erp.NewClient(tokens, erp.Config{
		BaseURL:    cfg.ERPBaseURL,
		BusinessID: cfg.ERPBusinessID,
		Module:     module,
		Location:   cfg.Location(),
		HTTPClient: newHTTPClient(cfg.ERPRequestTimeout),
		Logger:     logger,
	})
	runs := syncer.NewRedisRunStore(redisClient, 7*24*time.Hour)
	orchestrator := syncer.New(syncer.Config{
		Module:   module.Name,
		Store:    store,
		Remote:   client,
		Runs:     runs,
		Metrics:  jobMetrics,
		Location: cfg.Location(),
		Logger:   logger,
	})
	puller := device.NewPuller(device.NewAttlogSource(logger), store, cfg.DevicePullConcurrency, jobMetrics, logger)

	return &Services{
		Config:       cfg,
		Logger:       logger,
		Pool:         pool,
		Redis:        redisClient,
		Store:        store,
		Tokens:       tokens,
		Client:       client,
		Orchestrator: orchestrator,
		Runs:         runs,
		Puller:       puller,
		Metrics:      metrics,
		JobMetrics:   jobMetrics,
	}, nil
}

// Devices loads the device inventory named by DEVICES_FILE.
func (s *Services) Devices() ([]device.Device, error) {
	return device.LoadInventory(s.Config.DevicesFile)
}

// Close releases the connections.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	return errors.Join(errs...)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
