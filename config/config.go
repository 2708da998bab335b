package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// ChainConfig points at the chain RPC and the delegation contracts.
type ChainConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	ChainID           int64  `yaml:"chain_id"`
	DelegationManager string `yaml:"delegation_manager"`
	EntryPoint        string `yaml:"entry_point"`
}

// RelayConfig controls batch submission through the bundler.
type RelayConfig struct {
	BundlerURL           string `yaml:"bundler_url"`
	CallGasLimit         uint64 `yaml:"call_gas_limit"`
	VerificationGasLimit uint64 `yaml:"verification_gas_limit"`
	PreVerificationGas   uint64 `yaml:"pre_verification_gas"`
	MaxFeePerGasGwei     int64  `yaml:"max_fee_per_gas_gwei"`
	MaxPriorityGwei      int64  `yaml:"max_priority_fee_per_gas_gwei"`
	ReceiptTimeoutMS     int    `yaml:"receipt_timeout_ms"`
	ReceiptPollMS        int    `yaml:"receipt_poll_ms"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "postgres"
	DBPath  string `yaml:"db_path"` // sqlite only; postgres reads DATABASE_URL
}

// Config aggregates all app configuration knobs. Secrets (webhook secret,
// submitter key, database URL) come from the environment, never from yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Chain  ChainConfig  `yaml:"chain"`
	Relay  RelayConfig  `yaml:"relay"`
	Data   DataConfig   `yaml:"data"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8082,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 10143,
		},
		Relay: RelayConfig{
			BundlerURL:           "http://localhost:4337",
			CallGasLimit:         1500000,
			VerificationGasLimit: 500000,
			PreVerificationGas:   100000,
			MaxFeePerGasGwei:     60,
			MaxPriorityGwei:      2,
			ReceiptTimeoutMS:     120000,
			ReceiptPollMS:        2000,
		},
		Data: DataConfig{
			Backend: "sqlite",
			DBPath:  "data/tradeclub.db",
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = def.Chain.RPCURL
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = def.Chain.ChainID
	}

	if c.Relay.BundlerURL == "" {
		c.Relay.BundlerURL = def.Relay.BundlerURL
	}
	if c.Relay.CallGasLimit == 0 {
		c.Relay.CallGasLimit = def.Relay.CallGasLimit
	}
	if c.Relay.VerificationGasLimit == 0 {
		c.Relay.VerificationGasLimit = def.Relay.VerificationGasLimit
	}
	if c.Relay.PreVerificationGas == 0 {
		c.Relay.PreVerificationGas = def.Relay.PreVerificationGas
	}
	if c.Relay.MaxFeePerGasGwei == 0 {
		c.Relay.MaxFeePerGasGwei = def.Relay.MaxFeePerGasGwei
	}
	if c.Relay.MaxPriorityGwei == 0 {
		c.Relay.MaxPriorityGwei = def.Relay.MaxPriorityGwei
	}
	if c.Relay.ReceiptTimeoutMS == 0 {
		c.Relay.ReceiptTimeoutMS = def.Relay.ReceiptTimeoutMS
	}
	if c.Relay.ReceiptPollMS == 0 {
		c.Relay.ReceiptPollMS = def.Relay.ReceiptPollMS
	}

	if c.Data.Backend == "" {
		c.Data.Backend = def.Data.Backend
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
}
