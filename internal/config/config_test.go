package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raffle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLThenEnvironment(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
raffle:
  entrance_fee: "100"
  interval: 45s
  fee_policy: minimum
vrf:
  confirmations: 5
`)
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("RAFFLE_REQUEST_TIMEOUT", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, "100", cfg.Raffle.EntranceFee)
	require.Equal(t, 45*time.Second, cfg.Raffle.Interval)
	require.Equal(t, 10*time.Minute, cfg.Raffle.RequestTimeout)
	require.Equal(t, uint16(5), cfg.VRF.Confirmations)
	// Untouched sections keep their defaults.
	require.Equal(t, "memory", cfg.Database.Driver)
	require.Equal(t, "@every 5s", cfg.Raffle.KeeperSchedule)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, `
database:
  driver: postgres
raffle:
  fee_policy: generous
`)
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "database.dsn is required"))
	require.True(t, strings.Contains(err.Error(), "fee_policy"))
}

func TestExternalCoordinatorNeedsSecrets(t *testing.T) {
	cfg := Default()
	cfg.VRF.Local = false
	require.Error(t, cfg.Validate())
	cfg.Auth.OracleSecret = "s3cret"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.player_secret")
	cfg.Auth.PlayerSecret = "p1ayer"
	require.NoError(t, cfg.Validate())
}

func TestRaffleParams(t *testing.T) {
	cfg := Default()
	cfg.Raffle.EntranceFee = "0x64"
	cfg.Raffle.RequestTimeout = time.Minute

	params, err := cfg.RaffleParams(7)
	require.NoError(t, err)
	require.Equal(t, uint64(100), params.EntranceFee.Uint64())
	require.Equal(t, uint64(30), params.Interval)
	require.Equal(t, uint64(7), params.SubscriptionID)
	require.Equal(t, uint32(1), params.NumWords)
	require.Equal(t, domain.FeePolicyExact, params.FeePolicy)
	require.Equal(t, common.HexToAddress(cfg.VRF.Coordinator), params.Coordinator)
	require.Equal(t, time.Minute, params.RequestTimeout)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 10000000000000000 ")
	require.NoError(t, err)
	require.Equal(t, "10000000000000000", v.Dec())

	_, err = ParseAmount("-1")
	require.Error(t, err)
	_, err = ParseAmount("")
	require.Error(t, err)
	_, err = ParseAmount("0xzz")
	require.Error(t, err)
}
