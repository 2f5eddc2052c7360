package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adaefler-art/codefactory-control/internal/api"
	"github.com/adaefler-art/codefactory-control/internal/auth"
	"github.com/adaefler-art/codefactory-control/internal/config"
	"github.com/adaefler-art/codefactory-control/internal/idem"
	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/ledger/pgstore"
	"github.com/adaefler-art/codefactory-control/internal/ledger/sqlstore"
	"github.com/adaefler-art/codefactory-control/internal/logging"
	"github.com/adaefler-art/codefactory-control/internal/metrics"
	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/internal/policy"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = func(format string, args ...any) {
	log.Fatal().Msgf(format, args...)
}

type envFn func(string) string
type listenFn func(*http.Server) error

// serverFactory builds the server for cfg. The returned cleanup releases the
// store and claim backends once the server stops.
type serverFactory func(cfg config.Config) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	var configPath string
	cmd := &cobra.Command{
		Use:           "factory-gateway",
		Short:         "Serve the verdict, gate and remediation API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(firstNonEmpty(configPath, getenv("FACTORY_CONFIG_PATH")), getenv)
			if err != nil {
				return err
			}

			server, cleanup, err := factory(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info().Str("addr", server.Addr).Str("db", firstNonEmpty(cfg.DB.Driver, "memory")).Msg("factory-gateway listening")
			if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to factory config file")
	cmd.SetArgs(args)
	return cmd.Execute()
}

// loadConfig reads path when set, then applies FACTORY_* overrides.
func loadConfig(path string, getenv envFn) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("FACTORY_LISTEN_ADDR"), cfg.ListenAddr)
	cfg.PolicyPath = firstNonEmpty(getenv("FACTORY_POLICY_PATH"), cfg.PolicyPath)
	cfg.DB.Driver = firstNonEmpty(getenv("FACTORY_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("FACTORY_DB_DSN"), cfg.DB.DSN)
	cfg.Auth.DevToken = firstNonEmpty(getenv("FACTORY_DEV_TOKEN"), cfg.Auth.DevToken)
	cfg.Redis.Addr = firstNonEmpty(getenv("FACTORY_REDIS_ADDR"), cfg.Redis.Addr)
	cfg.Log.Level = firstNonEmpty(getenv("FACTORY_LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(getenv("FACTORY_LOG_FORMAT"), cfg.Log.Format)
	if raw := getenv("FACTORY_RATE_LIMIT_RPS"); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return config.Config{}, fmt.Errorf("FACTORY_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RPS = rps
		if cfg.RateLimit.Burst == 0 {
			cfg.RateLimit.Burst = int(rps) + 1
		}
	}
	return cfg, cfg.Validate()
}

func newServer(cfg config.Config) (*http.Server, func(), error) {
	logger := logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "factory-gateway",
	})

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	if err := seedPolicy(store, cfg.PolicyPath); err != nil {
		closeStore()
		return nil, nil, err
	}
	claims, closeClaims, err := openClaims(cfg.Redis)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	cleanup := func() {
		closeClaims()
		closeStore()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	service := api.NewService(store)
	service.Observer = m

	playbooks, err := playbook.NewCanonicalRegistry(playbookDeps(cfg))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	orch := playbook.NewOrchestrator(store,
		playbook.WithRunStore(store),
		playbook.WithClaims(claims, cfg.Redis.ClaimTTL),
		playbook.WithObserver(m),
		playbook.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
	)

	h := &api.Handler{
		Auth:         auth.NewDevTokenAuthenticator(cfg.Auth.DevToken),
		Service:      service,
		Playbooks:    playbooks,
		Orchestrator: orch,
		Logger:       logger,
	}
	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(h, api.RouterOptions{
			RPS:      cfg.RateLimit.RPS,
			Burst:    cfg.RateLimit.Burst,
			Gatherer: reg,
			Requests: m,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, cleanup, nil
}

func playbookDeps(cfg config.Config) playbook.Deps {
	mapper := playbook.StaticTargetMapper{}
	for arn, t := range cfg.TargetGroups {
		mapper[arn] = playbook.ServiceTarget{Cluster: t.Cluster, Service: t.Service}
	}
	return playbook.Deps{
		Lawbook:   playbook.StaticLawbook(cfg.Lawbook.Flags),
		Workflows: unconfigured{},
		Services:  unconfigured{},
		Deploys:   playbook.AllowlistDeployAdapter{DeployAdapter: unconfigured{}, Repos: cfg.AllowedRepos()},
		Verifier:  unconfigured{},
		Mapper:    mapper,
		Poller: playbook.Poller{
			MaxAttempts: cfg.Polling.MaxAttempts,
			Interval:    cfg.Polling.Interval,
		},
	}
}

func openStore(db config.DBConfig) (ledger.Store, func(), error) {
	switch db.Driver {
	case "", "memory":
		return ledger.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported db driver %q", db.Driver)
}

func migrate(db *sql.DB, driver ledger.DBDriver) error {
	if err := ledger.Migrate(db, driver); err != nil {
		return err
	}
	versions, err := ledger.AppliedVersions(db, driver)
	if err != nil {
		return err
	}
	log.Info().Str("driver", string(driver)).Strs("schema_versions", versions).Msg("ledger schema ready")
	return nil
}

// seedPolicy stores the configured snapshot, or the embedded default when no
// path is set. Reseeding an unchanged snapshot is a no-op.
func seedPolicy(store ledger.PolicyStore, path string) error {
	var (
		loaded policy.LoadedSnapshot
		err    error
	)
	if path == "" {
		loaded, err = policy.Default()
	} else {
		loaded, err = policy.LoadSnapshot(path)
	}
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if err := store.PutPolicySnapshot(loaded.Snapshot); err != nil {
		return fmt.Errorf("seed policy %s: %w", loaded.Snapshot.ID, err)
	}
	log.Info().Str("policy_id", loaded.Snapshot.ID).Str("policy_hash", loaded.Snapshot.Hash).Msg("policy snapshot loaded")
	return nil
}

func openClaims(cfg config.RedisConfig) (idem.Store, func(), error) {
	if cfg.Addr == "" {
		return idem.NewMemoryStore(), func() {}, nil
	}
	rs := idem.NewRedisStore(cfg.Addr, cfg.Password, cfg.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rs, func() { _ = rs.Close() }, nil
}

func listenAndServe(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
