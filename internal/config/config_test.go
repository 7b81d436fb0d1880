package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_MatchSpecValues(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 600, cfg.Affinity.TTLSecs)
	assert.Equal(t, 60, cfg.Affinity.GCIntervalSecs)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30, cfg.Breaker.TimeoutSecs)
	assert.Equal(t, 5, cfg.HealthCheck.IntervalSecs)
	assert.Equal(t, 2, cfg.HealthCheck.TimeoutSecs)
	assert.Equal(t, 3, cfg.HealthCheck.UnhealthyThreshold)
	assert.Equal(t, 2, cfg.HealthCheck.HealthyThreshold)
	assert.Equal(t, 60, cfg.Store.HeartbeatTTLSecs)
	assert.Equal(t, 30, cfg.Shutdown.TimeoutSecs)
	assert.Equal(t, 2000, cfg.Dispatcher.ConnectTimeoutMS)
	assert.Equal(t, 1000, cfg.Dispatcher.MinSuccessDurationMS)
}

func TestValidate_RejectsEmptyListenAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Server.ListenAddr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_TLSRequiresCertAndKey(t *testing.T) {
	cfg := Defaults()
	cfg.Server.TLSListenAddr = ":9443"
	assert.Error(t, cfg.Validate())

	cfg.Server.TLSCert = "cert.pem"
	cfg.Server.TLSKey = "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SQLiteRequiresDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Adapter = StoreAdapterSQLite
	assert.Error(t, cfg.Validate())

	cfg.Store.DBPath = "/var/lib/edgeproxy/backends.db"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReplicationRequiresNodeID(t *testing.T) {
	cfg := Defaults()
	cfg.Replication.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.Replication.NodeID = "pop-sa-1"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_OverlaysDefaults(t *testing.T) {
	for _, kv := range [][2]string{
		{"LISTEN_ADDR", ":7000"},
		{"REGION", "sa"},
		{"CIRCUIT_FAILURE_THRESHOLD", "9"},
		{"HEALTH_CHECK_ENABLED", "false"},
		{"REPLICATION_BOOTSTRAP_PEERS", "10.0.0.1:4001, 10.0.0.2:4001"},
	} {
		require.NoError(t, os.Setenv(kv[0], kv[1]))
		t.Cleanup(func(k string) func() { return func() { _ = os.Unsetenv(k) } }(kv[0]))
	}

	cfg := LoadFromEnv()

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.EqualValues(t, "sa", cfg.Region)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.False(t, cfg.HealthCheck.Enabled)
	assert.Equal(t, []string{"10.0.0.1:4001", "10.0.0.2:4001"}, cfg.Replication.BootstrapPeers)
}

func TestLoadFromEnv_IgnoresMalformedInt(t *testing.T) {
	require.NoError(t, os.Setenv("CIRCUIT_FAILURE_THRESHOLD", "not-a-number"))
	t.Cleanup(func() { _ = os.Unsetenv("CIRCUIT_FAILURE_THRESHOLD") })

	cfg := LoadFromEnv()
	assert.Equal(t, Defaults().Breaker.FailureThreshold, cfg.Breaker.FailureThreshold)
}
