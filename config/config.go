package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"songcoin/auction"
)

// Duration wraps time.Duration so TOML and YAML files can use "30s" style
// strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config is the runtime configuration shared by auctiond and auction-cli.
type Config struct {
	RPC       RPCConfig       `toml:"RPC" yaml:"rpc"`
	Contracts ContractsConfig `toml:"Contracts" yaml:"contracts"`
	Wallet    WalletConfig    `toml:"Wallet" yaml:"wallet"`
	Cache     CacheConfig     `toml:"Cache" yaml:"cache"`
	Refunds   RefundsConfig   `toml:"Refunds" yaml:"refunds"`
	Embed     EmbedConfig     `toml:"Embed" yaml:"embed"`
	API       APIConfig       `toml:"API" yaml:"api"`
	Journal   JournalConfig   `toml:"Journal" yaml:"journal"`
	Log       LogConfig       `toml:"Log" yaml:"log"`
}

// RPCConfig points at the Ethereum JSON-RPC endpoint.
type RPCConfig struct {
	URL         string   `toml:"URL" yaml:"url"`
	ChainID     uint64   `toml:"ChainID" yaml:"chain_id"`
	DialTimeout Duration `toml:"DialTimeout" yaml:"dial_timeout"`
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	Auction  string `toml:"Auction" yaml:"auction"`
	Token    string `toml:"Token" yaml:"token"`
	Decimals uint8  `toml:"Decimals" yaml:"decimals"`
}

// WalletConfig controls the signing account and confirmation policy. An
// empty keystore path runs the client read-only.
type WalletConfig struct {
	KeystorePath  string   `toml:"KeystorePath" yaml:"keystore"`
	PassphraseEnv string   `toml:"PassphraseEnv" yaml:"passphrase_env"`
	Confirmations uint64   `toml:"Confirmations" yaml:"confirmations"`
	PollInterval  Duration `toml:"PollInterval" yaml:"poll_interval"`
	WaitTimeout   Duration `toml:"WaitTimeout" yaml:"wait_timeout"`
	GasMultiplier uint64   `toml:"GasMultiplier" yaml:"gas_multiplier"`
}

// CacheConfig controls the read cache.
type CacheConfig struct {
	PollInterval Duration `toml:"PollInterval" yaml:"poll_interval"`
	FetchTimeout Duration `toml:"FetchTimeout" yaml:"fetch_timeout"`
}

// RefundsConfig controls the refund scan.
type RefundsConfig struct {
	ScanWindow uint64 `toml:"ScanWindow" yaml:"scan_window"`
	CacheSize  int    `toml:"CacheSize" yaml:"cache_size"`
}

// EmbedConfig lists the allowed embed URL patterns.
type EmbedConfig struct {
	Patterns []string `toml:"Patterns" yaml:"patterns"`
}

// APIConfig configures the HTTP gateway of auctiond.
type APIConfig struct {
	ListenAddress      string   `toml:"ListenAddress" yaml:"listen"`
	JWTSecret          string   `toml:"JWTSecret" yaml:"jwt_secret"`
	JWTSecretEnv       string   `toml:"JWTSecretEnv" yaml:"jwt_secret_env"`
	// CORSOrigins lists browser origins allowed to call the API. Empty means
	// same-origin only.
	CORSOrigins        []string `toml:"CORSOrigins" yaml:"cors_origins"`
	RateLimitPerSecond float64  `toml:"RateLimitPerSecond" yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `toml:"RateLimitBurst" yaml:"rate_limit_burst"`
}

// JournalConfig locates the transaction journal. Entries still unmined after
// DropAfter are marked failed as dropped.
type JournalConfig struct {
	Path      string   `toml:"Path" yaml:"path"`
	DropAfter Duration `toml:"DropAfter" yaml:"drop_after"`
}

// LogConfig controls log output.
type LogConfig struct {
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
}

// Load loads the configuration from path, creating a default TOML file when
// none exists. Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		if err := decodeYAML(path, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0].String())
		}
	}

	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decodeYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from SONGCOIN_* variables.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, name string) {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*dst = value
		}
	}
	set(&cfg.RPC.URL, "SONGCOIN_RPC_URL")
	set(&cfg.Contracts.Auction, "SONGCOIN_AUCTION_ADDRESS")
	set(&cfg.Contracts.Token, "SONGCOIN_TOKEN_ADDRESS")
	set(&cfg.Wallet.KeystorePath, "SONGCOIN_KEYSTORE")
	set(&cfg.API.ListenAddress, "SONGCOIN_LISTEN")
	if cfg.API.JWTSecretEnv != "" {
		set(&cfg.API.JWTSecret, cfg.API.JWTSecretEnv)
	}
	set(&cfg.API.JWTSecret, "SONGCOIN_JWT_SECRET")
}

// ApplyDefaults fills every unset value.
func ApplyDefaults(cfg *Config) {
	if cfg.RPC.URL == "" {
		cfg.RPC.URL = "http://127.0.0.1:8545"
	}
	if cfg.RPC.DialTimeout.Duration <= 0 {
		cfg.RPC.DialTimeout.Duration = 10 * time.Second
	}
	if cfg.Contracts.Decimals == 0 {
		cfg.Contracts.Decimals = auction.DefaultDecimals
	}
	if cfg.Wallet.PassphraseEnv == "" {
		cfg.Wallet.PassphraseEnv = "SONGCOIN_KEYSTORE_PASSPHRASE"
	}
	if cfg.Wallet.Confirmations == 0 {
		cfg.Wallet.Confirmations = 1
	}
	if cfg.Wallet.PollInterval.Duration <= 0 {
		cfg.Wallet.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Wallet.WaitTimeout.Duration <= 0 {
		cfg.Wallet.WaitTimeout.Duration = 10 * time.Minute
	}
	if cfg.Wallet.GasMultiplier == 0 {
		cfg.Wallet.GasMultiplier = 120
	}
	if cfg.Cache.PollInterval.Duration <= 0 {
		cfg.Cache.PollInterval.Duration = 12 * time.Second
	}
	if cfg.Cache.FetchTimeout.Duration <= 0 {
		cfg.Cache.FetchTimeout.Duration = 20 * time.Second
	}
	if cfg.Refunds.ScanWindow == 0 {
		cfg.Refunds.ScanWindow = 10
	}
	if cfg.Refunds.CacheSize <= 0 {
		cfg.Refunds.CacheSize = 256
	}
	if len(cfg.Embed.Patterns) == 0 {
		cfg.Embed.Patterns = append([]string{}, auction.DefaultEmbedPatterns...)
	}
	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = "127.0.0.1:8090"
	}
	if cfg.API.RateLimitPerSecond <= 0 {
		cfg.API.RateLimitPerSecond = 10
	}
	if cfg.API.RateLimitBurst <= 0 {
		cfg.API.RateLimitBurst = 20
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "songcoin-journal.db"
	}
	if cfg.Journal.DropAfter.Duration <= 0 {
		cfg.Journal.DropAfter.Duration = time.Hour
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RPC.URL) == "" {
		errs = append(errs, errors.New("rpc: url required"))
	}
	if !common.IsHexAddress(c.Contracts.Auction) {
		errs = append(errs, fmt.Errorf("contracts: invalid auction address %q", c.Contracts.Auction))
	}
	if !common.IsHexAddress(c.Contracts.Token) {
		errs = append(errs, fmt.Errorf("contracts: invalid token address %q", c.Contracts.Token))
	}
	if c.Contracts.Decimals > 77 {
		errs = append(errs, errors.New("contracts: decimals must be at most 77"))
	}
	if c.Wallet.Confirmations < 1 {
		errs = append(errs, errors.New("wallet: confirmations must be at least 1"))
	}
	if c.Wallet.GasMultiplier < 100 {
		errs = append(errs, errors.New("wallet: gas multiplier must be at least 100"))
	}
	if _, err := auction.NewEmbedPolicy(c.Embed.Patterns); err != nil {
		errs = append(errs, fmt.Errorf("embed: %w", err))
	}
	if c.Refunds.CacheSize <= 0 {
		errs = append(errs, errors.New("refunds: cache size must be positive"))
	}
	return errors.Join(errs...)
}

// AuctionAddress returns the parsed auction contract address.
func (c *Config) AuctionAddress() common.Address {
	return common.HexToAddress(c.Contracts.Auction)
}

// TokenAddress returns the parsed token contract address.
func (c *Config) TokenAddress() common.Address {
	return common.HexToAddress(c.Contracts.Token)
}

// ReadOnly reports whether no signing account is configured.
func (c *Config) ReadOnly() bool {
	return strings.TrimSpace(c.Wallet.KeystorePath) == ""
}

// createDefault writes a default configuration. Contract addresses must be
// filled in before the file validates.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("config file %s created with defaults; set Contracts.Auction and Contracts.Token", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
