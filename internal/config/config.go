package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"chain"`
	Token struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals int    `json:"decimals"`
		Address  string `json:"address"`
	} `json:"token"`
	Secrets struct {
		IssuerHMACSecret string `json:"issuerHmacSecret"`
	} `json:"secrets"`
	Timeouts struct {
		RPCTimeoutMs     int `json:"rpcTimeoutMs"`
		ShutdownGraceSec int `json:"shutdownGraceSeconds"`
	} `json:"timeouts"`
}

// AppConfig ties together seed values and derived service settings.
type AppConfig struct {
	Seed    SeedConfig
	Service ServiceConfig
	Chain   ChainConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	ShutdownGrace     time.Duration
	RegistryStorePath string
	PostgresDSN       string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

const defaultSeedPath = "../seed.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	grace := seedCfg.Timeouts.ShutdownGraceSec
	if grace <= 0 {
		grace = 10
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		ShutdownGrace:     time.Duration(grace) * time.Second,
		RegistryStorePath: envOr("REGISTRY_STORE_PATH", filepath.Join(os.TempDir(), "merkledrop-registry.json")),
		PostgresDSN:       envOr("POSTGRES_DSN", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	if secret := envOr("ISSUER_HMAC_SECRET", ""); secret != "" {
		seedCfg.Secrets.IssuerHMACSecret = secret
	}

	return &AppConfig{
		Seed:    *seedCfg,
		Service: serviceCfg,
		Chain:   chainCfg,
	}, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
