// Package params holds process configuration. Values resolve in priority
// order: environment > .env file > config file > defaults.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Server configures the HTTP/WS surface.
type Server struct {
	ListenAddr     string
	CORSOrigins    []string
	SampleInterval time.Duration // metrics gauge refresh cadence
}

// Storage configures the pebble database.
type Storage struct {
	Path string
}

// Chain configures signature verification and the settlement gateway.
type Chain struct {
	ChainID           int64
	VerifyingContract string
	GatewayURL        string
}

// Accounts names the system accounts inside the ledger.
type Accounts struct {
	Fee        string
	Insurance  string
	Liquidator string
}

// Funding configures the periodic funding settlement.
type Funding struct {
	Interval                time.Duration
	ImbalanceCoefficientBps int64
	MaxRateBps              int64
}

// Risk configures the margin sweep.
type Risk struct {
	ScanInterval time.Duration
}

// Bridge configures settlement batching toward the chain gateway.
type Bridge struct {
	BatchInterval time.Duration
	MaxBatchSize  int
	MaxRetries    int
	RetryBackoff  time.Duration
}

type Config struct {
	Server   Server
	Storage  Storage
	Chain    Chain
	Accounts Accounts
	Funding  Funding
	Risk     Risk
	Bridge   Bridge
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:     ":8080",
			CORSOrigins:    []string{"*"},
			SampleInterval: 5 * time.Second,
		},
		Storage: Storage{Path: "data/memeperp"},
		Chain: Chain{
			ChainID:           1337,
			VerifyingContract: "0x00000000000000000000000000000000000000c0",
			GatewayURL:        "",
		},
		Accounts: Accounts{
			Fee:        "0x00000000000000000000000000000000000000fe",
			Insurance:  "0x00000000000000000000000000000000000000f1",
			Liquidator: "0x00000000000000000000000000000000000000f2",
		},
		Funding: Funding{
			Interval:                time.Hour,
			ImbalanceCoefficientBps: 125,
			MaxRateBps:              75,
		},
		Risk:   Risk{ScanInterval: time.Second},
		Bridge: Bridge{BatchInterval: 5 * time.Second, MaxBatchSize: 200, MaxRetries: 5, RetryBackoff: 2 * time.Second},
	}
}

// Load reads configuration from an optional config file plus a .env file
// plus MEMEPERP_* environment variables layered over the defaults.
func Load(configPath string) (Config, error) {
	// .env is optional; env vars it sets feed the viper layer below.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("MEMEPERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := Config{
		Server: Server{
			ListenAddr:     v.GetString("server.listen_addr"),
			CORSOrigins:    v.GetStringSlice("server.cors_origins"),
			SampleInterval: v.GetDuration("server.sample_interval"),
		},
		Storage: Storage{Path: v.GetString("storage.path")},
		Chain: Chain{
			ChainID:           v.GetInt64("chain.chain_id"),
			VerifyingContract: v.GetString("chain.verifying_contract"),
			GatewayURL:        v.GetString("chain.gateway_url"),
		},
		Accounts: Accounts{
			Fee:        v.GetString("accounts.fee"),
			Insurance:  v.GetString("accounts.insurance"),
			Liquidator: v.GetString("accounts.liquidator"),
		},
		Funding: Funding{
			Interval:                v.GetDuration("funding.interval"),
			ImbalanceCoefficientBps: v.GetInt64("funding.imbalance_coefficient_bps"),
			MaxRateBps:              v.GetInt64("funding.max_rate_bps"),
		},
		Risk: Risk{ScanInterval: v.GetDuration("risk.scan_interval")},
		Bridge: Bridge{
			BatchInterval: v.GetDuration("bridge.batch_interval"),
			MaxBatchSize:  v.GetInt("bridge.max_batch_size"),
			MaxRetries:    v.GetInt("bridge.max_retries"),
			RetryBackoff:  v.GetDuration("bridge.retry_backoff"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.sample_interval", d.Server.SampleInterval)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("chain.chain_id", d.Chain.ChainID)
	v.SetDefault("chain.verifying_contract", d.Chain.VerifyingContract)
	v.SetDefault("chain.gateway_url", d.Chain.GatewayURL)
	v.SetDefault("accounts.fee", d.Accounts.Fee)
	v.SetDefault("accounts.insurance", d.Accounts.Insurance)
	v.SetDefault("accounts.liquidator", d.Accounts.Liquidator)
	v.SetDefault("funding.interval", d.Funding.Interval)
	v.SetDefault("funding.imbalance_coefficient_bps", d.Funding.ImbalanceCoefficientBps)
	v.SetDefault("funding.max_rate_bps", d.Funding.MaxRateBps)
	v.SetDefault("risk.scan_interval", d.Risk.ScanInterval)
	v.SetDefault("bridge.batch_interval", d.Bridge.BatchInterval)
	v.SetDefault("bridge.max_batch_size", d.Bridge.MaxBatchSize)
	v.SetDefault("bridge.max_retries", d.Bridge.MaxRetries)
	v.SetDefault("bridge.retry_backoff", d.Bridge.RetryBackoff)
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	for name, addr := range map[string]string{
		"chain.verifying_contract": c.Chain.VerifyingContract,
		"accounts.fee":             c.Accounts.Fee,
		"accounts.insurance":       c.Accounts.Insurance,
		"accounts.liquidator":      c.Accounts.Liquidator,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: %q is not a hex address", name, addr)
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive, got %d", c.Chain.ChainID)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Funding.Interval <= 0 {
		return fmt.Errorf("funding.interval must be positive")
	}
	if c.Funding.MaxRateBps <= 0 || c.Funding.ImbalanceCoefficientBps <= 0 {
		return fmt.Errorf("funding coefficients must be positive")
	}
	if c.Bridge.MaxBatchSize <= 0 || c.Bridge.MaxRetries <= 0 {
		return fmt.Errorf("bridge batch size and retries must be positive")
	}
	return nil
}

// FeeAddress returns the validated fee account.
func (c Config) FeeAddress() common.Address { return common.HexToAddress(c.Accounts.Fee) }

// InsuranceAddress returns the validated insurance account.
func (c Config) InsuranceAddress() common.Address { return common.HexToAddress(c.Accounts.Insurance) }

// LiquidatorAddress returns the validated liquidator account.
func (c Config) LiquidatorAddress() common.Address { return common.HexToAddress(c.Accounts.Liquidator) }

// VerifyingContractAddress returns the validated EIP-712 contract.
func (c Config) VerifyingContractAddress() common.Address {
	return common.HexToAddress(c.Chain.VerifyingContract)
}
