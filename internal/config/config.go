// Package config assembles process configuration from environment
// variables (§6), with production defaults so a POP can start from a
// minimal environment. An optional YAML file layered underneath env vars
// carries the country→region override table and can be hot-reloaded.
package config

import (
	"fmt"
	"time"

	"github.com/FairForge/edgeproxy/internal/store"
)

// Config is the fully-resolved configuration for one edgeProxy process.
type Config struct {
	Server      ServerConfig
	Region      store.Region
	Store       StoreConfig
	Affinity    AffinityConfig
	Breaker     BreakerConfig
	HealthCheck HealthCheckConfig
	Replication ReplicationConfig
	Shutdown    ShutdownConfig
	Dispatcher  DispatcherConfig
}

// ServerConfig carries the listener bind addresses (§6: LISTEN_ADDR,
// TLS_LISTEN_ADDR, TLS_CERT, TLS_KEY).
type ServerConfig struct {
	ListenAddr    string
	TLSListenAddr string
	TLSCert       string
	TLSKey        string
	AdminAddr     string
}

// StoreAdapter selects which backend-membership adapter this POP runs.
type StoreAdapter string

const (
	StoreAdapterMemory   StoreAdapter = "memory"
	StoreAdapterSQLite   StoreAdapter = "sqlite"
	StoreAdapterPostgres StoreAdapter = "postgres"
	StoreAdapterHTTP     StoreAdapter = "http"
)

// StoreConfig configures whichever backend-membership adapter is selected.
type StoreConfig struct {
	Adapter StoreAdapter

	// SQLite / local file
	DBPath       string
	DBReloadSecs int

	// Postgres
	PGHost     string
	PGPort     int
	PGDatabase string
	PGUser     string
	PGPassword string
	PGSSLMode  string

	// HTTP control-plane
	HTTPBaseURL  string
	HTTPPollSecs int

	HeartbeatTTLSecs int
}

// AffinityConfig configures the client-affinity table (§4.3).
type AffinityConfig struct {
	TTLSecs        int
	GCIntervalSecs int
}

// BreakerConfig configures the per-backend circuit breaker (§4.7).
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	TimeoutSecs      int
}

// HealthCheckConfig configures active health probing (§4.6).
type HealthCheckConfig struct {
	Enabled            bool
	IntervalSecs       int
	TimeoutSecs        int
	Type               string // "tcp" | "http"
	Path               string
	HealthyThreshold   int
	UnhealthyThreshold int
}

// ReplicationConfig configures the gossip membership protocol and the
// reliable ChangeSet transport (§4.5, §6).
type ReplicationConfig struct {
	Enabled          bool
	NodeID           string
	GossipAddr       string
	TransportAddr    string
	BootstrapPeers   []string
	GossipIntervalMS int
	SyncIntervalMS   int
	ClusterName      string
}

// ShutdownConfig configures the graceful-shutdown controller (§5).
type ShutdownConfig struct {
	TimeoutSecs int
}

// DispatcherConfig configures the per-connection dispatch engine (§4.1).
// Neither default is named explicitly in §6; ConnectTimeoutMS and
// MinSuccessDurationMS are this POP's own operational choices, not a
// replicated or cross-POP contract, so picking conservative values here
// carries no correctness risk.
type DispatcherConfig struct {
	ConnectTimeoutMS      int
	MinSuccessDurationMS  int
}

// Defaults returns a Config populated with the defaults named throughout §6.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:8080",
			AdminAddr:  ":8081",
		},
		Region: store.RegionUS,
		Store: StoreConfig{
			Adapter:          StoreAdapterMemory,
			DBReloadSecs:     5,
			PGSSLMode:        "disable",
			HTTPPollSecs:     5,
			HeartbeatTTLSecs: 60,
		},
		Affinity: AffinityConfig{
			TTLSecs:        600,
			GCIntervalSecs: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			TimeoutSecs:      30,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			IntervalSecs:       5,
			TimeoutSecs:        2,
			Type:               "tcp",
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
		},
		Replication: ReplicationConfig{
			Enabled:          false,
			GossipAddr:       ":4001",
			TransportAddr:    ":4002",
			GossipIntervalMS: 1000,
			SyncIntervalMS:   5000,
			ClusterName:      "edgeproxy",
		},
		Shutdown: ShutdownConfig{
			TimeoutSecs: 30,
		},
		Dispatcher: DispatcherConfig{
			ConnectTimeoutMS:     2000,
			MinSuccessDurationMS: 1000,
		},
	}
}

// Validate checks the invariants LoadFromEnv can't catch at parse time:
// required fields that depend on which adapter or TLS variant is active.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: LISTEN_ADDR must not be empty")
	}
	if c.Server.TLSListenAddr != "" {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("config: TLS_LISTEN_ADDR requires TLS_CERT and TLS_KEY")
		}
	}
	switch c.Store.Adapter {
	case StoreAdapterMemory, StoreAdapterSQLite, StoreAdapterPostgres, StoreAdapterHTTP:
	default:
		return fmt.Errorf("config: unknown store adapter %q", c.Store.Adapter)
	}
	if c.Store.Adapter == StoreAdapterSQLite && c.Store.DBPath == "" {
		return fmt.Errorf("config: DB_PATH required for sqlite adapter")
	}
	if c.Store.Adapter == StoreAdapterPostgres && c.Store.PGDatabase == "" {
		return fmt.Errorf("config: PG_DATABASE required for postgres adapter")
	}
	if c.Store.Adapter == StoreAdapterHTTP && c.Store.HTTPBaseURL == "" {
		return fmt.Errorf("config: HTTP_BASE_URL required for http adapter")
	}
	if c.Replication.Enabled && c.Replication.NodeID == "" {
		return fmt.Errorf("config: REPLICATION_NODE_ID required when replication is enabled")
	}
	return nil
}

// ShutdownTimeout is a small convenience used by internal/shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSecs) * time.Second
}

// ConnectTimeout is a small convenience used by internal/dispatcher.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Dispatcher.ConnectTimeoutMS) * time.Millisecond
}

// MinSuccessDuration is a small convenience used by internal/dispatcher.
func (c Config) MinSuccessDuration() time.Duration {
	return time.Duration(c.Dispatcher.MinSuccessDurationMS) * time.Millisecond
}
