package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/FairForge/edgeproxy/internal/store"
)

// LoadFromEnv starts from Defaults and overlays every recognized env var
// from §6. Unset variables keep their default; malformed numeric/bool
// values are ignored and keep the default rather than failing startup —
// only Validate's structural checks are fatal.
func LoadFromEnv() Config {
	cfg := Defaults()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("TLS_LISTEN_ADDR"); v != "" {
		cfg.Server.TLSListenAddr = v
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		cfg.Server.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		cfg.Server.TLSKey = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.Server.AdminAddr = v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.Region = store.Region(strings.ToLower(v))
	}

	if v := os.Getenv("STORE_ADAPTER"); v != "" {
		cfg.Store.Adapter = StoreAdapter(strings.ToLower(v))
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	setIntEnv("DB_RELOAD_SECS", &cfg.Store.DBReloadSecs)
	if v := os.Getenv("PG_HOST"); v != "" {
		cfg.Store.PGHost = v
	}
	setIntEnv("PG_PORT", &cfg.Store.PGPort)
	if v := os.Getenv("PG_DATABASE"); v != "" {
		cfg.Store.PGDatabase = v
	}
	if v := os.Getenv("PG_USER"); v != "" {
		cfg.Store.PGUser = v
	}
	if v := os.Getenv("PG_PASSWORD"); v != "" {
		cfg.Store.PGPassword = v
	}
	if v := os.Getenv("PG_SSLMODE"); v != "" {
		cfg.Store.PGSSLMode = v
	}
	if v := os.Getenv("HTTP_BASE_URL"); v != "" {
		cfg.Store.HTTPBaseURL = v
	}
	setIntEnv("HTTP_POLL_SECS", &cfg.Store.HTTPPollSecs)
	setIntEnv("HEARTBEAT_TTL_SECS", &cfg.Store.HeartbeatTTLSecs)

	setIntEnv("BINDING_TTL_SECS", &cfg.Affinity.TTLSecs)
	setIntEnv("BINDING_GC_INTERVAL_SECS", &cfg.Affinity.GCIntervalSecs)

	setIntEnv("CIRCUIT_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	setIntEnv("CIRCUIT_SUCCESS_THRESHOLD", &cfg.Breaker.SuccessThreshold)
	setIntEnv("CIRCUIT_TIMEOUT_SECS", &cfg.Breaker.TimeoutSecs)

	setBoolEnv("HEALTH_CHECK_ENABLED", &cfg.HealthCheck.Enabled)
	setIntEnv("HEALTH_CHECK_INTERVAL_SECS", &cfg.HealthCheck.IntervalSecs)
	setIntEnv("HEALTH_CHECK_TIMEOUT_SECS", &cfg.HealthCheck.TimeoutSecs)
	if v := os.Getenv("HEALTH_CHECK_TYPE"); v != "" {
		cfg.HealthCheck.Type = strings.ToLower(v)
	}
	if v := os.Getenv("HEALTH_CHECK_PATH"); v != "" {
		cfg.HealthCheck.Path = v
	}
	setIntEnv("HEALTH_CHECK_HEALTHY_THRESHOLD", &cfg.HealthCheck.HealthyThreshold)
	setIntEnv("HEALTH_CHECK_UNHEALTHY_THRESHOLD", &cfg.HealthCheck.UnhealthyThreshold)

	setBoolEnv("REPLICATION_ENABLED", &cfg.Replication.Enabled)
	if v := os.Getenv("REPLICATION_NODE_ID"); v != "" {
		cfg.Replication.NodeID = v
	}
	if v := os.Getenv("REPLICATION_GOSSIP_ADDR"); v != "" {
		cfg.Replication.GossipAddr = v
	}
	if v := os.Getenv("REPLICATION_TRANSPORT_ADDR"); v != "" {
		cfg.Replication.TransportAddr = v
	}
	if v := os.Getenv("REPLICATION_BOOTSTRAP_PEERS"); v != "" {
		cfg.Replication.BootstrapPeers = splitAndTrim(v)
	}
	setIntEnv("REPLICATION_GOSSIP_INTERVAL_MS", &cfg.Replication.GossipIntervalMS)
	setIntEnv("REPLICATION_SYNC_INTERVAL_MS", &cfg.Replication.SyncIntervalMS)
	if v := os.Getenv("REPLICATION_CLUSTER_NAME"); v != "" {
		cfg.Replication.ClusterName = v
	}

	setIntEnv("SHUTDOWN_TIMEOUT_SECS", &cfg.Shutdown.TimeoutSecs)

	setIntEnv("DISPATCHER_CONNECT_TIMEOUT_MS", &cfg.Dispatcher.ConnectTimeoutMS)
	setIntEnv("DISPATCHER_MIN_SUCCESS_DURATION_MS", &cfg.Dispatcher.MinSuccessDurationMS)

	return cfg
}

func setIntEnv(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBoolEnv(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
