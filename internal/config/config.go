package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeploymentConfig models deployments.json: which chain and contract this
// instance fronts and how the bridge is flavored.
type DeploymentConfig struct {
	ChainID     int64  `json:"chainId"`
	Network     string `json:"network"`
	RPCURL      string `json:"rpcUrl"`
	ExplorerURL string `json:"explorerUrl"`
	Contracts   struct {
		EscrowBridge string `json:"EscrowBridge"`
	} `json:"contracts"`
	// Asset is "native" or "erc20"; Addressing is "email" or "wallet".
	Asset      string `json:"asset"`
	Addressing string `json:"addressing"`
	Token      struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"token"`
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int
	SessionSecret        string
	SessionTTL           time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	ChainSettleURL       string
	JournalPath          string
	PollInterval         time.Duration
	PollMaxAttempts      int
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

const defaultDeploymentsPath = "../deployments.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if err := validateDeployment(deployCfg); err != nil {
		return nil, err
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		SessionSecret:        envOr("SESSION_SECRET", ""),
		SessionTTL:           time.Duration(envOrInt("SESSION_TTL_HOURS", 24*7)) * time.Hour,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 3600)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "escrowbridge-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		ChainSettleURL:       envOr("CHAINSETTLE_API_URL", "https://api.chainsettle.tech"),
		JournalPath:          envOr("REGISTRATION_JOURNAL_PATH", ""),
		PollInterval:         time.Duration(envOrInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		PollMaxAttempts:      envOrInt("POLL_MAX_ATTEMPTS", 60),
	}
	if serviceCfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", deployCfg.RPCURL),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}, nil
}

func validateDeployment(cfg *DeploymentConfig) error {
	asset := cfg.Asset
	if asset == "" {
		asset = "native"
	}
	addressing := cfg.Addressing
	if addressing == "" {
		addressing = "email"
	}

	switch asset {
	case "native", "erc20":
	default:
		return fmt.Errorf("deployment asset %q not recognized", cfg.Asset)
	}
	switch addressing {
	case "email", "wallet":
	default:
		return fmt.Errorf("deployment addressing %q not recognized", cfg.Addressing)
	}

	// The two bridge flavors differ in the initPayment signature: the native
	// contract records the recipient email in state and takes no recipient
	// argument, the erc20 contract requires an explicit destination wallet.
	// Mixing the schemes would make every payment fail at transact time.
	if asset == "native" && addressing == "wallet" {
		return fmt.Errorf("native deployments identify the recipient by email; addressing %q is not servable", addressing)
	}
	if asset == "erc20" && addressing == "email" {
		return fmt.Errorf("erc20 deployments require a destination wallet; addressing %q is not servable", addressing)
	}
	return nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
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
