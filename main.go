package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/config"
	"github.com/example/quietora/internal/identity"
	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
	"github.com/example/quietora/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config   *config.Config
	Log      *logrus.Logger
	Store    store.Store
	Tokens   *auth.TokenService
	Identity *identity.Service
	Ledger   *telemetry.Ledger
	Queries  *telemetry.Queries
	Metrics  *Metrics

	registry *prometheus.Registry
	started  time.Time
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Log.WithError(err).Warn("write json")
	}
}

func newLogger(c *config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return log, nil
}

func openStore(c *config.Config, log logrus.FieldLogger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.WithField("file", c.SQLiteFile).Info("using sqlite database")
		return s, nil
	case "postgres":
		log.Info("applying database migrations")
		if err := store.ApplyMigrations(c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.NewPostgresStore(c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

// NewApp wires the services over st.
func NewApp(c *config.Config, st store.Store, log *logrus.Logger, hasher auth.PasswordHasher) (*App, error) {
	tokens, err := auth.NewTokenService(c.JwtSecret, c.TokenTTL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	registry := telemetry.NewRegistry(st, log.WithField("component", "registry"))
	return &App{
		Config:   c,
		Log:      log,
		Store:    st,
		Tokens:   tokens,
		Identity: identity.NewService(st, hasher, tokens, log.WithField("component", "identity"), identity.WithBootstrapSecret(c.OwnerBootstrapSecret)),
		Ledger:   telemetry.NewLedger(st, registry, log.WithField("component", "ledger")),
		Queries:  telemetry.NewQueries(st),
		Metrics:  metrics,
		registry: reg,
		started:  time.Now(),
	}, nil
}

// mountAPI registers the service routes on r.
func (a *App) mountAPI(r *mux.Router) {
	user := a.authed()
	owner := a.authed(models.RoleOwner)

	r.HandleFunc("/auth/register", a.HandleRegister).Methods("POST")
	r.HandleFunc("/auth/login", a.HandleLogin).Methods("POST")
	r.HandleFunc("/auth/bootstrap-owner", a.HandleBootstrapOwner).Methods("POST")
	r.HandleFunc("/auth/force-set-password", a.HandleForceSetPassword).Methods("POST")
	r.HandleFunc("/auth/password", user(a.HandleChangePassword)).Methods("POST")
	r.HandleFunc("/auth/whoami", user(a.HandleWhoAmI)).Methods("GET")

	r.HandleFunc("/auth/owner/users", owner(a.HandleListUsers)).Methods("GET")
	r.HandleFunc("/auth/owner/users/{id}/role", owner(a.HandleUpdateUserRole)).Methods("PATCH")
	r.HandleFunc("/auth/owner/users/{id}", owner(a.HandleDeleteUser)).Methods("DELETE")
	r.HandleFunc("/auth/owner/system-info", owner(a.HandleSystemInfo)).Methods("GET")
	r.HandleFunc("/auth/owner/apps", owner(a.HandleListApps)).Methods("GET")
	r.HandleFunc("/auth/owner/apps/{code}/users", owner(a.HandleAppUsers)).Methods("GET")

	r.HandleFunc("/apps/heartbeat", user(a.HandleHeartbeat)).Methods("POST")
	r.HandleFunc("/apps/owner", owner(a.HandleListApps)).Methods("GET")
	r.HandleFunc("/apps/owner/cleanup-null-userapps", owner(a.HandlePurgeOrphanedLinks)).Methods("DELETE")
	r.HandleFunc("/apps/owner/{code}/users", owner(a.HandleAppUsers)).Methods("GET")

	r.HandleFunc("/quietora/status", a.HandleStatus).Methods("GET")
}

// Handler builds the full HTTP handler.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID)
	r.Use(a.Logging)
	r.Use(a.Instrument)

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods("GET")

	a.mountAPI(r.PathPrefix("/api/v1").Subrouter())
	// root routes kept for the existing console
	a.mountAPI(r)

	return SecurityHeaders(a.CORS(r))
}

func main() {
	c, err := config.New()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log, err := newLogger(c)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	st, err := openStore(c, log)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	app, err := NewApp(c, st, log, auth.NewBcryptHasher(0))
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	srv := &http.Server{Handler: app.Handler(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.WithFields(logrus.Fields{"port": c.Port, "env": c.Environment, "db": c.DBAdapter}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown failed: %v", err)
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("closing store")
	}
	log.Info("server exited properly")
}
