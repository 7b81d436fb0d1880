// cmd/edgeproxy wires one Point of Presence together: load config from the
// environment, build every collaborator (store, affinity, breaker registry,
// health checker, replication agent, dispatcher), bind the listener and
// admin API, then block until SIGINT/SIGTERM and drain in flight.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/adminapi"
	"github.com/FairForge/edgeproxy/internal/affinity"
	"github.com/FairForge/edgeproxy/internal/breaker"
	"github.com/FairForge/edgeproxy/internal/config"
	"github.com/FairForge/edgeproxy/internal/dispatcher"
	"github.com/FairForge/edgeproxy/internal/geoip"
	"github.com/FairForge/edgeproxy/internal/healthcheck"
	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/listener"
	"github.com/FairForge/edgeproxy/internal/logging"
	"github.com/FairForge/edgeproxy/internal/metrics"
	"github.com/FairForge/edgeproxy/internal/replication"
	"github.com/FairForge/edgeproxy/internal/shutdown"
	"github.com/FairForge/edgeproxy/internal/store"
)

func main() {
	cfg := config.LoadFromEnv()
	if cfg.Replication.Enabled && cfg.Replication.NodeID == "" {
		cfg.Replication.NodeID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "edgeproxy: invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeproxy: failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("edgeproxy exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	nodeID := cfg.Replication.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	clock := hlc.New(nodeID)

	st, agent, storeRunner, err := buildStore(cfg, clock, logger)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	aff := affinity.New()
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
	})
	metricsReg := metrics.NewRegistry()

	var checker *healthcheck.Checker
	if cfg.HealthCheck.Enabled {
		probeType := healthcheck.ProbeTCP
		if cfg.HealthCheck.Type == "http" {
			probeType = healthcheck.ProbeHTTP
		}
		checker = healthcheck.New(healthcheck.Config{
			Enabled:            cfg.HealthCheck.Enabled,
			Interval:           time.Duration(cfg.HealthCheck.IntervalSecs) * time.Second,
			Timeout:            time.Duration(cfg.HealthCheck.TimeoutSecs) * time.Second,
			Type:               probeType,
			Path:               cfg.HealthCheck.Path,
			HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
			UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		}, st, logger)
	}

	countryMap, err := config.NewCountryMap(os.Getenv("COUNTRY_MAP_FILE"), logger)
	if err != nil {
		return fmt.Errorf("loading country map: %w", err)
	}
	classifier := geoip.New(nil, countryMap)

	disp := dispatcher.New(dispatcher.Config{
		ConnectTimeout:     cfg.ConnectTimeout(),
		MinSuccessDuration: cfg.MinSuccessDuration(),
	}, st, aff, breakers, metricsReg, classifier, cfg.Region, nil, logger)

	shutdownCtrl := shutdown.New(logger)

	lis, err := listener.New(listener.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		TLSListenAddr: cfg.Server.TLSListenAddr,
		TLSCert:       cfg.Server.TLSCert,
		TLSKey:        cfg.Server.TLSKey,
	}, shutdownCtrl.Track(disp.HandleConnection), logger)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	shutdownCtrl.Register(lis)

	admin := adminapi.New(adminapi.Config{
		ListenAddr:         cfg.Server.AdminAddr,
		HeartbeatTTL:       time.Duration(cfg.Store.HeartbeatTTLSecs) * time.Second,
		RateLimitPerSecond: adminapi.DefaultConfig().RateLimitPerSecond,
		RateLimitBurst:     adminapi.DefaultConfig().RateLimitBurst,
	}, st, clock, checker, metricsReg, breakers, logger)
	shutdownCtrl.Register(admin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if agent != nil {
		go agent.Run(ctx)
	}
	if storeRunner != nil {
		go storeRunner(ctx)
	}
	if checker != nil {
		go checker.RunReconciler(ctx, time.Duration(cfg.HealthCheck.IntervalSecs)*time.Second)
	}
	go aff.RunGC(ctx, time.Duration(cfg.Affinity.TTLSecs)*time.Second, time.Duration(cfg.Affinity.GCIntervalSecs)*time.Second, logger)
	go lis.Serve(ctx)
	go func() {
		if err := admin.Start(ctx); err != nil {
			logger.Error("admin API stopped", zap.Error(err))
		}
	}()

	logger.Info("edgeproxy started",
		zap.String("region", string(cfg.Region)),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("admin_addr", cfg.Server.AdminAddr),
		zap.String("store_adapter", string(cfg.Store.Adapter)),
		zap.Bool("replication_enabled", cfg.Replication.Enabled),
	)

	sig := shutdown.WaitForSignal(syscall.SIGINT, syscall.SIGTERM)
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	cancel()
	shutdownCtrl.Shutdown(shutdownCtx)

	return nil
}

// storeRunner is the adapter's own background poll/reload loop (sqlite,
// postgres, http), or nil for adapters with nothing to run (memory, or any
// adapter once wrapped in store.Replicated).
type storeRunner func(ctx context.Context)

// buildStore selects the backend-membership adapter named by
// cfg.Store.Adapter, or builds a replicated store when replication is
// enabled. agent is nil unless replication is enabled. The returned
// storeRunner must be started by the caller (go runner(ctx)) — it's the
// adapter's Run loop that actually populates the backend set from its
// source; without it the adapter's store never has anything in it.
func buildStore(cfg config.Config, clock *hlc.Clock, logger *zap.Logger) (store.Store, *replication.Agent, storeRunner, error) {
	// Replication gossips an in-memory membership view between POPs (§4.5);
	// it doesn't front another adapter, so a replicated POP always runs on
	// store.Replicated regardless of what STORE_ADAPTER names.
	if cfg.Replication.Enabled {
		st, agent, err := buildReplicatedStore(cfg, clock, logger)
		return st, agent, nil, err
	}

	switch cfg.Store.Adapter {
	case config.StoreAdapterSQLite:
		sq, err := store.NewSQLite(store.SQLiteConfig{
			Path:           cfg.Store.DBPath,
			ReloadInterval: time.Duration(cfg.Store.DBReloadSecs) * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite adapter: %w", err)
		}
		return sq, nil, sq.Run, nil
	case config.StoreAdapterPostgres:
		pg, err := store.NewPostgres(store.PostgresConfig{
			Host:           cfg.Store.PGHost,
			Port:           cfg.Store.PGPort,
			Database:       cfg.Store.PGDatabase,
			User:           cfg.Store.PGUser,
			Password:       cfg.Store.PGPassword,
			SSLMode:        cfg.Store.PGSSLMode,
			ReloadInterval: time.Duration(cfg.Store.DBReloadSecs) * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres adapter: %w", err)
		}
		return pg, nil, pg.Run, nil
	case config.StoreAdapterHTTP:
		httpStore := store.NewHTTP(store.HTTPConfig{
			BaseURL:        cfg.Store.HTTPBaseURL,
			PollInterval:   time.Duration(cfg.Store.HTTPPollSecs) * time.Second,
			RequestTimeout: 5 * time.Second,
		}, logger)
		return httpStore, nil, httpStore.Run, nil
	default:
		return store.NewMemory(), nil, nil, nil
	}
}

func buildReplicatedStore(cfg config.Config, clock *hlc.Clock, logger *zap.Logger) (store.Store, *replication.Agent, error) {
	replicated := store.NewReplicated(nil, logger)
	replAgent, err := replication.NewAgent(replication.Config{
		ClusterName:           cfg.Replication.ClusterName,
		NodeID:                cfg.Replication.NodeID,
		GossipAddr:            cfg.Replication.GossipAddr,
		TransportAddr:         cfg.Replication.TransportAddr,
		BootstrapPeers:        cfg.Replication.BootstrapPeers,
		GossipInterval:        time.Duration(cfg.Replication.GossipIntervalMS) * time.Millisecond,
		SuspectTimeout:        3 * time.Second,
		DeadTimeout:           30 * time.Second,
		FlushInterval:         time.Duration(cfg.Replication.SyncIntervalMS) * time.Millisecond,
		FlushThreshold:        256,
		ShutdownDrainDeadline: cfg.ShutdownTimeout(),
	}, clock, replicated, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("replication agent: %w", err)
	}
	replicated.SetBroadcaster(replAgent)

	return replicated, replAgent, nil
}
