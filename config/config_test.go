package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SERVER_PORT", "ENVIRONMENT", "JWT_SECRET", "CORS_ORIGINS", "VALUATION_TTL", "ADMIN_EMAILS"} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/bookswap")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.ServerPort)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, 24*time.Hour, cfg.ValuationTTL)
	require.Equal(t, time.Hour, cfg.ValuationRefreshInterval)
	require.Equal(t, 3, cfg.TxMaxAttempts)
	require.Equal(t, devJWTSecret, cfg.JWTSecret)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.True(t, cfg.MigrateOnStart)
	require.False(t, cfg.TraceStdout)
	require.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yaml := []byte("server_port: 9090\nvaluation_ttl: 2h\nadmin_emails: \"root@example.com, ops@example.com\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("DATABASE_URL", "postgres://localhost/bookswap")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.ServerPort, "environment overrides the file")
	require.Equal(t, 2*time.Hour, cfg.ValuationTTL)
	require.Equal(t, []string{"root@example.com", "ops@example.com"}, cfg.AdminEmails)
}

func TestLoad_Validation(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "")
	_, err := Load(t.TempDir())
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/bookswap")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	_, err = Load(t.TempDir())
	require.ErrorContains(t, err, "JWT_SECRET")
}
