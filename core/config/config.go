package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Config is the materialized runtime configuration of the relay: parsed
// keys, addresses and durations, ready to wire into components.
type Config struct {
	Logger sdklogging.Logger

	BindAddress string
	DbPath      string

	SentryDsn  string
	ServerName string

	// chain submission collaborator; empty means dry-run mode
	UpstreamRpcURL string
	UpstreamAPIKey string

	EntrypointAddress common.Address
	ChainID           *big.Int

	MaxAttempts         int
	RetryBase           time.Duration
	CallTimeout         time.Duration
	DedupeTTL           time.Duration
	DeadWorkerThreshold time.Duration
	FatalErrorPatterns  []string

	Paymaster *PaymasterConfig
}

type PaymasterConfig struct {
	Address   common.Address
	SignerKey *ecdsa.PrivateKey

	AllowedScopes      []string
	UsageLimit         uint64
	UsageWindow        time.Duration
	ValidityWindow     time.Duration
	SessionRegistryURL string

	DefaultVerificationGas *big.Int
	DefaultPostOpGas       *big.Int
}

// ConfigRaw is what the yaml file deserializes into before validation
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment"`
	BindAddress string              `yaml:"bind_address"`
	DbPath      string              `yaml:"db_path" validate:"required"`

	SentryDsn  string `yaml:"sentry_dsn"`
	ServerName string `yaml:"server_name"`

	UpstreamRpcURL string `yaml:"upstream_rpc_url"`
	UpstreamAPIKey string `yaml:"upstream_api_key"`

	EntrypointAddress string `yaml:"entrypoint_address" validate:"required"`
	ChainID           int64  `yaml:"chain_id"`

	MaxAttempts                int      `yaml:"max_attempts"`
	RetryBaseSeconds           int      `yaml:"retry_base_seconds"`
	CallTimeoutSeconds         int      `yaml:"call_timeout_seconds"`
	DedupeTTLSeconds           int      `yaml:"dedupe_ttl_seconds"`
	DeadWorkerThresholdSeconds int      `yaml:"dead_worker_threshold_seconds"`
	FatalErrorPatterns         []string `yaml:"fatal_error_patterns"`

	Paymaster *PaymasterRaw `yaml:"paymaster"`
}

type PaymasterRaw struct {
	Address   string `yaml:"address" validate:"required"`
	SignerKey string `yaml:"signer_key" validate:"required"`

	AllowedScopes      []string `yaml:"allowed_scopes" validate:"required,min=1"`
	UsageLimit         uint64   `yaml:"usage_limit" validate:"required"`
	UsageWindowHours   int      `yaml:"usage_window_hours"`
	ValidityWindowSecs int      `yaml:"validity_window_seconds"`
	SessionRegistryURL string   `yaml:"session_registry_url"`

	DefaultVerificationGas int64 `yaml:"default_verification_gas"`
	DefaultPostOpGas       int64 `yaml:"default_postop_gas"`
}

// NewConfig reads, validates and materializes the yaml file at configFilePath
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
	}

	configRaw := ConfigRaw{}
	if err := yaml.Unmarshal(raw, &configRaw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configFilePath, err)
	}

	if err := validator.New().Struct(&configRaw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := sdklogging.NewZapLogger(normalizeEnv(configRaw.Environment))
	if err != nil {
		return nil, err
	}

	if !common.IsHexAddress(configRaw.EntrypointAddress) {
		return nil, fmt.Errorf("invalid entrypoint address: %s", configRaw.EntrypointAddress)
	}

	cfg := &Config{
		Logger: logger,

		BindAddress: withDefault(configRaw.BindAddress, ":8080"),
		DbPath:      configRaw.DbPath,

		SentryDsn:  configRaw.SentryDsn,
		ServerName: withDefault(configRaw.ServerName, "oprelay"),

		UpstreamRpcURL: configRaw.UpstreamRpcURL,
		UpstreamAPIKey: configRaw.UpstreamAPIKey,

		EntrypointAddress: common.HexToAddress(configRaw.EntrypointAddress),

		MaxAttempts:         defaultInt(configRaw.MaxAttempts, 5),
		RetryBase:           time.Duration(defaultInt(configRaw.RetryBaseSeconds, 2)) * time.Second,
		CallTimeout:         time.Duration(defaultInt(configRaw.CallTimeoutSeconds, 30)) * time.Second,
		DedupeTTL:           time.Duration(defaultInt(configRaw.DedupeTTLSeconds, 3600)) * time.Second,
		DeadWorkerThreshold: time.Duration(defaultInt(configRaw.DeadWorkerThresholdSeconds, 300)) * time.Second,
		FatalErrorPatterns:  configRaw.FatalErrorPatterns,
	}

	if configRaw.ChainID > 0 {
		cfg.ChainID = big.NewInt(configRaw.ChainID)
	}

	if configRaw.Paymaster != nil {
		pm, err := materializePaymaster(configRaw.Paymaster)
		if err != nil {
			return nil, err
		}
		cfg.Paymaster = pm
	}

	return cfg, nil
}

func materializePaymaster(raw *PaymasterRaw) (*PaymasterConfig, error) {
	if !common.IsHexAddress(raw.Address) {
		return nil, fmt.Errorf("invalid paymaster address: %s", raw.Address)
	}

	signerKey, err := crypto.HexToECDSA(raw.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("cannot parse paymaster signer key: %w", err)
	}

	pm := &PaymasterConfig{
		Address:   common.HexToAddress(raw.Address),
		SignerKey: signerKey,

		AllowedScopes:      raw.AllowedScopes,
		UsageLimit:         raw.UsageLimit,
		UsageWindow:        time.Duration(defaultInt(raw.UsageWindowHours, 24)) * time.Hour,
		ValidityWindow:     time.Duration(defaultInt(raw.ValidityWindowSecs, 3600)) * time.Second,
		SessionRegistryURL: raw.SessionRegistryURL,
	}

	if raw.DefaultVerificationGas > 0 {
		pm.DefaultVerificationGas = big.NewInt(raw.DefaultVerificationGas)
	}
	if raw.DefaultPostOpGas > 0 {
		pm.DefaultPostOpGas = big.NewInt(raw.DefaultPostOpGas)
	}

	return pm, nil
}

func normalizeEnv(env sdklogging.LogLevel) sdklogging.LogLevel {
	if env == "" {
		return sdklogging.Production
	}
	return env
}

func withDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
