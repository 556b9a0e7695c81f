package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	body := `
listen: ":9000"
database_url: "sqlite:market.db"
jwt:
  issuer: "workchain-market"
  leeway: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MARKET_DB_URL", "postgres://market@db/market")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "postgres://market@db/market", cfg.DatabaseURL)
	require.Equal(t, defaultNodeURL, cfg.NodeURL)
	require.Equal(t, 30*time.Second, cfg.JWT.Leeway)
	require.Equal(t, defaultSecretEnv, cfg.JWT.SecretEnv)
	require.Equal(t, 12*time.Hour, cfg.JWT.SessionTTL)
}

func TestLoadRequiresDatabaseAndIssuer(t *testing.T) {
	_, err := Load("")
	require.ErrorContains(t, err, "database_url")

	t.Setenv("MARKET_DB_URL", "sqlite:market.db")
	_, err = Load("")
	require.ErrorContains(t, err, "jwt.issuer")

	t.Setenv("MARKET_JWT_ISSUER", "market")
	t.Setenv("MARKET_JWT_LEEWAY", "soon")
	_, err = Load("")
	require.ErrorContains(t, err, "MARKET_JWT_LEEWAY")
}

func TestSecretFromEnv(t *testing.T) {
	cfg := &Config{JWT: JWTConfig{SecretEnv: "TEST_MARKET_SECRET"}}
	_, err := cfg.Secret()
	require.Error(t, err)

	t.Setenv("TEST_MARKET_SECRET", "0123456789abcdef")
	secret, err := cfg.Secret()
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(secret))
}
