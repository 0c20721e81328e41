// Package config loads the process configuration from an optional YAML file
// with environment overrides. The resulting Config is constructed once at
// startup and passed by reference to every component; nothing reads the
// environment after Load returns.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Chain struct {
		ChainID int64  `yaml:"chain_id"`
		RPCURL  string `yaml:"rpc_url"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"chain"`
	Token struct {
		Address  string `yaml:"address"`
		Name     string `yaml:"name"`
		Decimals int    `yaml:"decimals"`
	} `yaml:"token"`
	Relay struct {
		PrivateKey       string `yaml:"private_key"`
		KeystorePath     string `yaml:"keystore_path"`
		KeystorePassword string `yaml:"keystore_password"`
		Mnemonic         string `yaml:"mnemonic"`
		SubmitTimeoutS   int    `yaml:"submit_timeout_seconds"`
		ConfirmTimeoutS  int    `yaml:"confirm_timeout_seconds"`
	} `yaml:"relay"`
	Watch struct {
		PollIntervalS     int    `yaml:"poll_interval_seconds"`
		LookbackBlocks    uint64 `yaml:"lookback_blocks"`
		ReconnectAttempts int    `yaml:"reconnect_attempts"`
	} `yaml:"watch"`
}

// Load reads the YAML file at path (or $CONFIG_PATH, or configs/config.yaml)
// and applies environment overrides. A missing file is not an error; a fully
// env-driven deployment is supported.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// env-only configuration
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3001"
	}
	if cfg.Token.Decimals == 0 {
		cfg.Token.Decimals = 6
	}
	if cfg.Chain.ChainID == 0 || cfg.Chain.RPCURL == "" {
		return nil, errors.New("chain config is incomplete: chain_id and rpc_url are required")
	}
	if !common.IsHexAddress(cfg.Token.Address) {
		return nil, errors.New("token.address is required and must be a hex address")
	}
	if cfg.Token.Name == "" {
		return nil, errors.New("token.name is required: it is the EIP-712 domain name")
	}
	return &cfg, nil
}

// RequireRelayCredential confirms some signing credential is configured.
// Only the relay daemon needs one; the terminal does not.
func (c *Config) RequireRelayCredential() error {
	if c.Relay.PrivateKey == "" && c.Relay.KeystorePath == "" && c.Relay.Mnemonic == "" {
		return errors.New("relay signing credential is required: set relay.private_key, relay.keystore_path or relay.mnemonic")
	}
	return nil
}

// ChainID returns the chain id as a big.Int.
func (c *Config) ChainID() *big.Int { return big.NewInt(c.Chain.ChainID) }

// TokenAddress returns the parsed token contract address.
func (c *Config) TokenAddress() common.Address { return common.HexToAddress(c.Token.Address) }

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		cfg.Chain.ChainID = atoi64Or(cfg.Chain.ChainID, v)
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("WS_RPC_URL"); v != "" {
		cfg.Chain.WSURL = v
	}
	if v := os.Getenv("TOKEN_ADDRESS"); v != "" {
		cfg.Token.Address = v
	}
	if v := os.Getenv("TOKEN_NAME"); v != "" {
		cfg.Token.Name = v
	}
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		cfg.Token.Decimals = atoiOr(cfg.Token.Decimals, v)
	}
	if v := os.Getenv("RELAY_PRIVATE_KEY"); v != "" {
		cfg.Relay.PrivateKey = v
	}
	if v := os.Getenv("RELAY_KEYSTORE_PATH"); v != "" {
		cfg.Relay.KeystorePath = v
	}
	if v := os.Getenv("RELAY_KEYSTORE_PASSWORD"); v != "" {
		cfg.Relay.KeystorePassword = v
	}
	if v := os.Getenv("RELAY_MNEMONIC"); v != "" {
		cfg.Relay.Mnemonic = v
	}
	if v := os.Getenv("WATCH_POLL_INTERVAL"); v != "" {
		cfg.Watch.PollIntervalS = atoiOr(cfg.Watch.PollIntervalS, v)
	}
	if v := os.Getenv("WATCH_LOOKBACK_BLOCKS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Watch.LookbackBlocks = n
		}
	}
}

func atoiOr(fallback int, s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func atoi64Or(fallback int64, s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return fallback
}
