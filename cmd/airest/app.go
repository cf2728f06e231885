package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // SQLite driver for lite mode

	"github.com/erichecan/AIrest/pkg/api"
	"github.com/erichecan/AIrest/pkg/auth"
	"github.com/erichecan/AIrest/pkg/boundary"
	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/confirm"
	"github.com/erichecan/AIrest/pkg/engine"
	"github.com/erichecan/AIrest/pkg/intent"
	"github.com/erichecan/AIrest/pkg/ledger"
	"github.com/erichecan/AIrest/pkg/nlu"
	"github.com/erichecan/AIrest/pkg/normalize"
	"github.com/erichecan/AIrest/pkg/observability"
	"github.com/erichecan/AIrest/pkg/respond"
	"github.com/erichecan/AIrest/pkg/safety"
	"github.com/erichecan/AIrest/pkg/store"
)

// app holds every long-lived component of one process.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	store      *store.SQLStore
	redis      *redis.Client
	obs        *observability.Provider
	ledger     *ledger.Ledger
	confirm    *confirm.Manager
	reconciler *engine.Reconciler
	service    *command.Service
	server     *api.Server
}

// openStore connects to Postgres, or to SQLite when DATABASE_URL is empty,
// and applies the schema.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *store.SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	if cfg.LiteMode() {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		slog.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err == nil {
			// One writer keeps the audit head update serialized.
			db.SetMaxOpenConns(1)
		}
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	s := store.NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return db, s, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	var err error
	a.db, a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("observability: %w", err)
	}

	profiles, err := config.LoadProfiles(cfg.ProfilesPath, cfg.BaseProfile())
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	schemas, err := intent.NewSchemas()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	guards, err := safety.NewGuards()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	composer, err := respond.New(profiles)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	eng := engine.New(a.store, a.store, profiles).WithObservability(a.obs)
	a.ledger = ledger.New(a.store, a.store, eng, ledger.WithObservability(a.obs))
	a.confirm = confirm.NewManager(a.store, a.store, a.ledger)
	a.reconciler = engine.NewReconciler(eng, a.store, a.ledger)
	a.service = command.New(command.Deps{
		Intents:    a.store,
		Profiles:   profiles,
		Normalizer: normalize.New(a.store),
		Parser:     intent.NewParser(nlu.NewRules(), schemas),
		Classifier: safety.NewClassifier(guards),
		Engine:     eng,
		Ledger:     a.ledger,
		Confirm:    a.confirm,
		Composer:   composer,
		Obs:        a.obs,
	})

	webhookPolicy := boundary.Policy{RPM: cfg.WebhookRPM}
	apiPolicy := boundary.Policy{RPM: cfg.APIRPM}
	var (
		nonces         boundary.NonceStore = boundary.NewMemoryNonces()
		webhookLimiter boundary.Limiter    = boundary.NewLocalLimiter(webhookPolicy)
		apiLimiter     boundary.Limiter    = boundary.NewLocalLimiter(apiPolicy)
	)
	if cfg.RedisURL != "" {
		if a.redis, err = boundary.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			a.close(ctx)
			return nil, err
		}
		nonces = boundary.NewRedisNonces(a.redis)
		webhookLimiter = boundary.NewRedisLimiter(a.redis, webhookPolicy)
		apiLimiter = boundary.NewRedisLimiter(a.redis, apiPolicy)
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET is not set; every webhook delivery will be rejected")
	}

	a.server = api.NewServer(api.Options{
		Service:             a.service,
		Webhooks:            a.store,
		Guard:               boundary.NewGuard(boundary.NewVerifier(cfg.WebhookSecret, cfg.WebhookWindow), nonces),
		WebhookLimiter:      webhookLimiter,
		WebhookPolicy:       webhookPolicy,
		APILimiter:          apiLimiter,
		APIPolicy:           apiPolicy,
		Auth:                authMiddleware(cfg),
		Health:              a.health,
		DefaultTenantID:     cfg.DefaultTenantID,
		DefaultRestaurantID: cfg.DefaultRestaurantID,
	})
	return a, nil
}

func authMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	switch {
	case cfg.AuthDisabled:
		slog.Warn("AUTH_DISABLED is set; all operator requests act as the default tenant")
		return auth.DisabledMiddleware(auth.Principal{ID: "dev", TenantID: cfg.DefaultTenantID})
	case cfg.JWTSecret == "":
		slog.Warn("JWT_SECRET is not set; operator routes will reject every request")
		return auth.NewMiddleware(nil)
	}
	return auth.NewMiddleware(auth.NewValidator(cfg.JWTSecret))
}

func (a *app) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		return a.redis.Ping(ctx).Err()
	}
	return nil
}

// close flushes the audit ledger and releases connections.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if a.ledger != nil {
		if err := a.ledger.Close(ctx); err != nil {
			slog.Error("audit ledger close", "error", err)
		}
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("observability shutdown", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
