package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"natforward/internal/models"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "natforward.db", cfg.DatabasePath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
	assert.Equal(t, 15*time.Second, cfg.ProxyTimeout)
	assert.Equal(t, "virtualizor", cfg.ProxyBackend)
	assert.Equal(t, "local", cfg.LockBackend)
	assert.False(t, cfg.PruneRemoteOrphans)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NATFORWARD_DB_PATH", "/var/lib/natforward/state.db")
	t.Setenv("NATFORWARD_SWEEP_INTERVAL", "1h")
	t.Setenv("NATFORWARD_LOCK_BACKEND", "redis")

	cfg, err := load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/natforward/state.db", cfg.DatabasePath)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, "redis", cfg.LockBackend)
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PROXY_BACKEND=iptables\nIPTABLES_CHAIN=VPSNAT\n"), 0o600))

	cfg, err := load(viper.New(), envFile)
	require.NoError(t, err)

	assert.Equal(t, "iptables", cfg.ProxyBackend)
	assert.Equal(t, "VPSNAT", cfg.IPTablesChain)
}

func TestValidPortRange(t *testing.T) {
	tests := map[string]bool{
		"20000-30000":   true,
		"1000-2000":     true,
		"80-443":        true,
		"1-65535":       true,
		"invalid-range": false,
		"30000-20000":   false,
		"70000-80000":   false,
		"0-100":         false,
		"100-100":       false,
		"100":           false,
		"-5-100":        false,
		"":              false,
	}
	for spec, want := range tests {
		assert.Equal(t, want, ValidPortRange(spec), spec)
	}
}

func TestNATConfigFromServerDefaults(t *testing.T) {
	cfg, err := NATConfigFromServer(models.Server{NATEnabled: true})
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, PortRange{Start: 20000, End: 30000}, cfg.PortRange)
	assert.Equal(t, 22, cfg.DestPort)
	assert.Equal(t, "192.168.100.0/24", cfg.NATCIDR)
	assert.Empty(t, cfg.PublicIP)
}

func TestNATConfigFromServerOverrides(t *testing.T) {
	cfg, err := NATConfigFromServer(models.Server{
		NATEnabled:   true,
		NATPublicIP:  "203.0.113.9",
		NATPortRange: "40000-40100",
		NATDestPort:  2222,
		NATIPRange:   "10.10.0.0/16",
	})
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.9", cfg.PublicIP)
	assert.Equal(t, PortRange{Start: 40000, End: 40100}, cfg.PortRange)
	assert.Equal(t, 101, cfg.PortRange.Size())
	assert.Equal(t, 2222, cfg.DestPort)
	assert.Equal(t, "10.10.0.0/16", cfg.NATCIDR)
}

func TestNATConfigFromServerInvalid(t *testing.T) {
	_, err := NATConfigFromServer(models.Server{NATPortRange: "30000-20000"})
	assert.Error(t, err)

	_, err = NATConfigFromServer(models.Server{NATIPRange: "192.168.1.0/33"})
	assert.Error(t, err)

	_, err = NATConfigFromServer(models.Server{NATPublicIP: "public.example"})
	assert.Error(t, err)

	_, err = NATConfigFromServer(models.Server{NATPublicIP: "::ffff:203.0.113.10"})
	assert.Error(t, err)
}
