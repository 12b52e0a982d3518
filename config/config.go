package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"escrowpay/escrow"
)

// FeeRule configures one fee applied to every escrowed payment. Exactly one
// of FixedAmount (decimal string) or Bps should be set.
type FeeRule struct {
	Recipient           string `toml:"Recipient"`
	FixedAmount         string `toml:"FixedAmount"`
	Bps                 uint32 `toml:"Bps"`
	ChargeableOnDispute bool   `toml:"ChargeableOnDispute"`
}

// Config captures the runtime configuration of the escrow daemon.
type Config struct {
	ListenAddress          string    `toml:"ListenAddress"`
	DataDir                string    `toml:"DataDir"`
	Environment            string    `toml:"Environment"`
	DisputeResolver        string    `toml:"DisputeResolver"`
	IncentivePercentageBps uint32    `toml:"IncentivePercentageBps"`
	MaxRemarkLength        int       `toml:"MaxRemarkLength"`
	MaxFeesPerSide         int       `toml:"MaxFeesPerSide"`
	CancelBufferSeconds    int64     `toml:"CancelBufferSeconds"`
	RateLimitPerMinute     float64   `toml:"RateLimitPerMinute"`
	RateLimitBurst         int       `toml:"RateLimitBurst"`
	EventLogCapacity       int       `toml:"EventLogCapacity"`
	LogFile                string    `toml:"LogFile"`
	LogMaxSizeMB           int       `toml:"LogMaxSizeMB"`
	LogMaxBackups          int       `toml:"LogMaxBackups"`
	LogMaxAgeDays          int       `toml:"LogMaxAgeDays"`
	SenderFees             []FeeRule `toml:"SenderFees"`
	BeneficiaryFees        []FeeRule `toml:"BeneficiaryFees"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:          ":8090",
		DataDir:                "./escrowd-data",
		Environment:            "dev",
		IncentivePercentageBps: 500,
		MaxRemarkLength:        256,
		MaxFeesPerSide:         4,
		CancelBufferSeconds:    int64((24 * time.Hour).Seconds()),
		RateLimitPerMinute:     600,
		RateLimitBurst:         50,
		EventLogCapacity:       256,
		LogMaxSizeMB:           64,
		LogMaxBackups:          5,
		LogMaxAgeDays:          14,
	}
}

// Load reads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := defaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.MaxRemarkLength <= 0 {
		cfg.MaxRemarkLength = defaults.MaxRemarkLength
	}
	if cfg.MaxFeesPerSide <= 0 {
		cfg.MaxFeesPerSide = defaults.MaxFeesPerSide
	}
	if cfg.CancelBufferSeconds <= 0 {
		cfg.CancelBufferSeconds = defaults.CancelBufferSeconds
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaults.RateLimitPerMinute
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaults.RateLimitBurst
	}
	if cfg.EventLogCapacity <= 0 {
		cfg.EventLogCapacity = defaults.EventLogCapacity
	}
}

// Validate rejects configurations the engine cannot honour.
func (c *Config) Validate() error {
	if c.IncentivePercentageBps > 10_000 {
		return fmt.Errorf("config: IncentivePercentageBps %d out of range", c.IncentivePercentageBps)
	}
	if c.DisputeResolver != "" {
		if _, err := escrow.ParseAddress(c.DisputeResolver); err != nil {
			return fmt.Errorf("config: DisputeResolver: %w", err)
		}
	}
	for i, rule := range append(append([]FeeRule{}, c.SenderFees...), c.BeneficiaryFees...) {
		if _, err := escrow.ParseAddress(rule.Recipient); err != nil {
			return fmt.Errorf("config: fee rule %d recipient: %w", i, err)
		}
		if rule.FixedAmount != "" && rule.Bps != 0 {
			return fmt.Errorf("config: fee rule %d sets both FixedAmount and Bps", i)
		}
		if rule.FixedAmount != "" {
			if _, ok := new(big.Int).SetString(rule.FixedAmount, 10); !ok {
				return fmt.Errorf("config: fee rule %d has malformed FixedAmount %q", i, rule.FixedAmount)
			}
		}
		if rule.Bps > 10_000 {
			return fmt.Errorf("config: fee rule %d bps %d out of range", i, rule.Bps)
		}
	}
	return nil
}

// EngineParams translates the configuration into engine limits.
func (c *Config) EngineParams() escrow.Params {
	return escrow.Params{
		IncentiveBps:    c.IncentivePercentageBps,
		MaxRemarkLength: c.MaxRemarkLength,
		MaxFeesPerSide:  c.MaxFeesPerSide,
		CancelBuffer:    time.Duration(c.CancelBufferSeconds) * time.Second,
	}
}

// ResolverAddress parses the configured dispute resolver, returning a zero
// address when none is set.
func (c *Config) ResolverAddress() (escrow.Address, error) {
	if c.DisputeResolver == "" {
		return escrow.Address{}, nil
	}
	return escrow.ParseAddress(c.DisputeResolver)
}

func buildRules(rules []FeeRule) ([]escrow.FeeRule, error) {
	out := make([]escrow.FeeRule, 0, len(rules))
	for _, rule := range rules {
		recipient, err := escrow.ParseAddress(rule.Recipient)
		if err != nil {
			return nil, err
		}
		built := escrow.FeeRule{
			Recipient:           recipient,
			Bps:                 rule.Bps,
			ChargeableOnDispute: rule.ChargeableOnDispute,
		}
		if rule.FixedAmount != "" {
			fixed, ok := new(big.Int).SetString(rule.FixedAmount, 10)
			if !ok {
				return nil, fmt.Errorf("config: malformed fee amount %q", rule.FixedAmount)
			}
			built.FixedAmount = fixed
		}
		out = append(out, built)
	}
	return out, nil
}

// FeeEngine builds the fee strategy configured for the daemon.
func (c *Config) FeeEngine() (escrow.FeeEngine, error) {
	if len(c.SenderFees) == 0 && len(c.BeneficiaryFees) == 0 {
		return escrow.NopFeeEngine{}, nil
	}
	sender, err := buildRules(c.SenderFees)
	if err != nil {
		return nil, err
	}
	beneficiary, err := buildRules(c.BeneficiaryFees)
	if err != nil {
		return nil, err
	}
	return escrow.ScheduleFeeEngine{SenderRules: sender, BeneficiaryRules: beneficiary}, nil
}
