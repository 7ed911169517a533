// Package config loads the raffle daemon configuration from YAML, a .env
// file and environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Raffle   RaffleConfig         `yaml:"raffle"`
	VRF      VRFConfig            `yaml:"vrf"`
	Auth     AuthConfig           `yaml:"auth"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" env:"SERVER_HOST"`
	Port           int      `yaml:"port" env:"SERVER_PORT"`
	EnterRate      float64  `yaml:"enter_rate" env:"SERVER_ENTER_RATE"`
	EnterBurst     int      `yaml:"enter_burst" env:"SERVER_ENTER_BURST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver         string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN            string `yaml:"dsn" env:"DATABASE_URL"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	MaxOpenConns   int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
}

type RedisConfig struct {
	URL    string `yaml:"url" env:"REDIS_URL"`
	Stream string `yaml:"stream" env:"REDIS_STREAM"`
	MaxLen int64  `yaml:"max_len" env:"REDIS_STREAM_MAXLEN"`
}

type RaffleConfig struct {
	ID             string        `yaml:"id" env:"RAFFLE_ID"`
	Address        string        `yaml:"address" env:"RAFFLE_ADDRESS"`
	EntranceFee    string        `yaml:"entrance_fee" env:"RAFFLE_ENTRANCE_FEE"`
	Interval       time.Duration `yaml:"interval" env:"RAFFLE_INTERVAL"`
	FeePolicy      string        `yaml:"fee_policy" env:"RAFFLE_FEE_POLICY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"RAFFLE_REQUEST_TIMEOUT"`
	KeeperSchedule string        `yaml:"keeper_schedule" env:"RAFFLE_KEEPER_SCHEDULE"`
	KeeperEnabled  bool          `yaml:"keeper_enabled" env:"RAFFLE_KEEPER_ENABLED"`
}

type VRFConfig struct {
	// Local runs the in-process coordinator. When false the coordinator is
	// external and only the fulfil endpoint delivers words.
	Local              bool          `yaml:"local" env:"VRF_LOCAL"`
	Coordinator        string        `yaml:"coordinator" env:"VRF_COORDINATOR"`
	SubscriptionID     uint64        `yaml:"subscription_id" env:"VRF_SUBSCRIPTION_ID"`
	KeyHash            string        `yaml:"key_hash" env:"VRF_KEY_HASH"`
	CallbackGasLimit   uint32        `yaml:"callback_gas_limit" env:"VRF_CALLBACK_GAS_LIMIT"`
	Confirmations      uint16        `yaml:"confirmations" env:"VRF_CONFIRMATIONS"`
	BaseFee            string        `yaml:"base_fee" env:"VRF_BASE_FEE"`
	GasPriceLink       string        `yaml:"gas_price_link" env:"VRF_GAS_PRICE_LINK"`
	SubscriptionFund   string        `yaml:"subscription_fund" env:"VRF_SUBSCRIPTION_FUND"`
	KeySeed            string        `yaml:"key_seed" env:"VRF_KEY_SEED"`
	BlockTime          time.Duration `yaml:"block_time" env:"VRF_BLOCK_TIME"`
	FulfilPollInterval time.Duration `yaml:"fulfil_poll_interval" env:"VRF_FULFIL_POLL_INTERVAL"`
}

type AuthConfig struct {
	OracleSecret string `yaml:"oracle_secret" env:"AUTH_ORACLE_SECRET"`
	// PlayerSecret signs player tokens. Without it entries name their player
	// in the request body, which is only accepted with a local coordinator.
	PlayerSecret string `yaml:"player_secret" env:"AUTH_PLAYER_SECRET"`
}

// Default returns a configuration for local development with memory storage,
// a local coordinator, a 0.01 ether fee and a 30 second interval.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			EnterRate:  5,
			EnterBurst: 10,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Database: DatabaseConfig{
			Driver:       "memory",
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{Stream: "raffle:events", MaxLen: 10_000},
		Raffle: RaffleConfig{
			ID:             "main",
			Address:        "0x00000000000000000000000000000000000ff1e0",
			EntranceFee:    "10000000000000000", // 0.01 ether
			Interval:       30 * time.Second,
			FeePolicy:      string(domain.FeePolicyExact),
			KeeperSchedule: "@every 5s",
			KeeperEnabled:  true,
		},
		VRF: VRFConfig{
			Local:              true,
			Coordinator:        "0x00000000000000000000000000000000000c0de0",
			KeyHash:            "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
			CallbackGasLimit:   500_000,
			Confirmations:      3,
			BaseFee:            "250000000000000000", // 0.25 LINK
			GasPriceLink:       "1000000000",         // 1e9 LINK per gas
			SubscriptionFund:   "30000000000000000000",
			BlockTime:          time.Second,
			FulfilPollInterval: time.Second,
		},
	}
}

// Load reads path (optional), then .env, then the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			add("database.dsn is required for postgres")
		}
	default:
		add("database.driver %q must be memory or postgres", c.Database.Driver)
	}
	if c.Raffle.ID == "" {
		add("raffle.id is required")
	}
	if !common.IsHexAddress(c.Raffle.Address) {
		add("raffle.address %q is not an address", c.Raffle.Address)
	}
	if _, err := ParseAmount(c.Raffle.EntranceFee); err != nil {
		add("raffle.entrance_fee: %v", err)
	}
	if c.Raffle.Interval < time.Second {
		add("raffle.interval must be at least 1s")
	}
	switch domain.FeePolicy(c.Raffle.FeePolicy) {
	case domain.FeePolicyExact, domain.FeePolicyMinimum:
	default:
		add("raffle.fee_policy %q must be exact or minimum", c.Raffle.FeePolicy)
	}
	if c.Raffle.RequestTimeout < 0 {
		add("raffle.request_timeout must not be negative")
	}
	if !common.IsHexAddress(c.VRF.Coordinator) {
		add("vrf.coordinator %q is not an address", c.VRF.Coordinator)
	}
	if c.VRF.KeyHash != "" && len(strings.TrimPrefix(c.VRF.KeyHash, "0x")) != 64 {
		add("vrf.key_hash must be 32 bytes of hex")
	}
	if c.VRF.Local {
		for name, raw := range map[string]string{
			"vrf.base_fee":          c.VRF.BaseFee,
			"vrf.gas_price_link":    c.VRF.GasPriceLink,
			"vrf.subscription_fund": c.VRF.SubscriptionFund,
		} {
			if _, err := ParseAmount(raw); err != nil {
				add("%s: %v", name, err)
			}
		}
	} else {
		if c.Auth.OracleSecret == "" {
			add("auth.oracle_secret is required with an external coordinator")
		}
		if c.Auth.PlayerSecret == "" {
			add("auth.player_secret is required with an external coordinator")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RaffleParams converts the raffle and VRF sections into construction
// parameters. subscriptionID overrides the configured one when non-zero.
func (c Config) RaffleParams(subscriptionID uint64) (domain.Params, error) {
	fee, err := ParseAmount(c.Raffle.EntranceFee)
	if err != nil {
		return domain.Params{}, fmt.Errorf("entrance fee: %w", err)
	}
	if subscriptionID == 0 {
		subscriptionID = c.VRF.SubscriptionID
	}
	return domain.Params{
		ID:                   c.Raffle.ID,
		Address:              common.HexToAddress(c.Raffle.Address),
		EntranceFee:          fee,
		Interval:             uint64(c.Raffle.Interval / time.Second),
		Coordinator:          common.HexToAddress(c.VRF.Coordinator),
		SubscriptionID:       subscriptionID,
		KeyHash:              common.HexToHash(c.VRF.KeyHash),
		CallbackGasLimit:     c.VRF.CallbackGasLimit,
		RequestConfirmations: c.VRF.Confirmations,
		NumWords:             1,
		FeePolicy:            domain.FeePolicy(c.Raffle.FeePolicy),
		RequestTimeout:       c.Raffle.RequestTimeout,
	}, nil
}

// ParseAmount parses a decimal or 0x-prefixed hex amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err := uint256.FromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", raw, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", raw, err)
	}
	return v, nil
}
