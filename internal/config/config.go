// Package config loads the ledger server configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default()           compiled-in defaults for every setting
//  2. the YAML file       optional; a missing file is not an error
//  3. the environment     PORT, DB_PATH, JWT_SECRET, SERVICE_KEY, LOG_LEVEL
//
// The YAML file is decoded on top of the defaults, so it only needs the keys it
// changes. Maps merge key by key; lists (rewards, exempt users, location bands)
// replace the default list.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/score"
)

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Log          LogConfig                `yaml:"log"`
	Database     DatabaseConfig           `yaml:"database"`
	Auth         AuthConfig               `yaml:"auth"`
	Quota        QuotaConfig              `yaml:"quota"`
	Scoring      score.Tables             `yaml:"scoring"`
	Contribution ContributionConfig       `yaml:"contribution"`
	Credits      CreditsConfig            `yaml:"credits"`
	Leaderboard  LeaderboardConfig        `yaml:"leaderboard"`
	Rewards      []model.RewardDefinition `yaml:"rewards"`
	RateLimit    RateLimitConfig          `yaml:"rate_limit"`
	Identify     IdentifyConfig           `yaml:"identify"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

type DatabaseConfig struct {
	// Path is the SQLite file, or ":memory:".
	Path  string      `yaml:"path"`
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the store's retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	JitterFrac  float64       `yaml:"jitter_frac"`
}

type AuthConfig struct {
	// JWTSecret verifies bearer tokens issued by the identity collaborator.
	JWTSecret string `yaml:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
	// ServiceKey authenticates the /internal routes used by game-reward
	// collaborators. Empty disables those routes.
	ServiceKey string `yaml:"service_key"`
}

type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
	// ExemptUsers are user ids that bypass the daily limit.
	ExemptUsers []string `yaml:"exempt_users"`
}

type ContributionConfig struct {
	GrowthBonusCO2    float64            `yaml:"growth_bonus_co2"`
	MaxAgeYears       int                `yaml:"max_age_years"`
	DefaultCO2PerYear float64            `yaml:"default_co2_per_year"`
	DefaultTrust      model.TrustLevel   `yaml:"default_trust"`
	SpeciesCO2        map[string]float64 `yaml:"species_co2"`
	AgeRanges         map[string]int     `yaml:"age_ranges"`
}

type CreditsConfig struct {
	// ThresholdCO2 is the verified CO2 (kg) worth one credit.
	ThresholdCO2 int64 `yaml:"threshold_co2"`
}

type LeaderboardConfig struct {
	Size int `yaml:"size"`
	// Concurrency caps parallel store reads when assembling a summary.
	Concurrency int `yaml:"concurrency"`
}

type RateLimitConfig struct {
	// RequestsPerSecond per authenticated user (or client IP). Zero disables
	// rate limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type IdentifyConfig struct {
	// Endpoint of the species identification service. Empty disables
	// identification; submissions must then carry a species.
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	// MinScore is the lowest match score accepted as an identification.
	MinScore float64 `yaml:"min_score"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Path: "data/ledger.db",
			Retry: RetryConfig{
				MaxAttempts: 5,
				MinBackoff:  10 * time.Millisecond,
				MaxBackoff:  500 * time.Millisecond,
				JitterFrac:  0.2,
			},
		},
		Quota:   QuotaConfig{DailyLimit: 3},
		Scoring: score.DefaultTables(),
		Contribution: ContributionConfig{
			GrowthBonusCO2:    50,
			MaxAgeYears:       30,
			DefaultCO2PerYear: 10,
			DefaultTrust:      model.TrustPhoto,
			SpeciesCO2: map[string]float64{
				"Neem":   22,
				"Mango":  30,
				"Teak":   50,
				"Bamboo": 12,
			},
			AgeRanges: map[string]int{
				"seedling": 1,
				"young":    3,
				"mature":   8,
				"old":      12,
			},
		},
		Credits:     CreditsConfig{ThresholdCO2: 1000},
		Leaderboard: LeaderboardConfig{Size: 10, Concurrency: 4},
		Rewards: []model.RewardDefinition{
			{ID: "amazon50", DisplayName: "₹50 Amazon Voucher", RequiredCredits: 10},
			{ID: "gift200", DisplayName: "₹200 Gift Card", RequiredCredits: 1},
			{ID: "merch", DisplayName: "Exclusive Merchandise", RequiredCredits: 50},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 20},
		Identify: IdentifyConfig{
			Timeout:  5 * time.Second,
			MinScore: 0.2,
		},
	}
}

// Load reads the YAML file at path on top of Default(). An empty path or a
// missing file yields the defaults. Environment overrides are not applied;
// call ApplyEnv for that.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("DB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("SERVICE_KEY"); ok && v != "" {
		c.Auth.ServiceKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.Retry.MaxAttempts < 1 {
		return errors.New("database.retry.max_attempts must be at least 1")
	}
	if c.Database.Retry.MinBackoff < 0 || c.Database.Retry.MaxBackoff < c.Database.Retry.MinBackoff {
		return errors.New("database.retry backoff must satisfy 0 <= min_backoff <= max_backoff")
	}
	if c.Database.Retry.JitterFrac < 0 || c.Database.Retry.JitterFrac > 1 {
		return errors.New("database.retry.jitter_frac must be in [0, 1]")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if c.Quota.DailyLimit < 1 {
		return errors.New("quota.daily_limit must be at least 1")
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if err := c.Contribution.validate(); err != nil {
		return err
	}
	if c.Credits.ThresholdCO2 < 1 {
		return errors.New("credits.threshold_co2 must be positive")
	}
	if c.Leaderboard.Size < 1 {
		return errors.New("leaderboard.size must be positive")
	}
	if c.Leaderboard.Concurrency < 1 {
		return errors.New("leaderboard.concurrency must be positive")
	}
	if err := validateRewards(c.Rewards); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be at least 1 when rate limiting is on")
	}
	if c.Identify.Endpoint != "" && c.Identify.Timeout <= 0 {
		return errors.New("identify.timeout must be positive")
	}
	return nil
}

func (c ContributionConfig) validate() error {
	if c.GrowthBonusCO2 < 0 {
		return errors.New("contribution.growth_bonus_co2 must not be negative")
	}
	if c.MaxAgeYears < 1 {
		return errors.New("contribution.max_age_years must be positive")
	}
	if c.DefaultCO2PerYear <= 0 {
		return errors.New("contribution.default_co2_per_year must be positive")
	}
	for species, rate := range c.SpeciesCO2 {
		if rate <= 0 {
			return fmt.Errorf("contribution.species_co2[%s] must be positive", species)
		}
	}
	for label, years := range c.AgeRanges {
		if years < 0 {
			return fmt.Errorf("contribution.age_ranges[%s] must not be negative", label)
		}
	}
	return nil
}

func validateRewards(rewards []model.RewardDefinition) error {
	seen := make(map[string]bool, len(rewards))
	for i, r := range rewards {
		if r.ID == "" {
			return fmt.Errorf("rewards[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rewards[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if r.RequiredCredits < 1 {
			return fmt.Errorf("rewards[%d] %s: required_credits must be positive", i, r.ID)
		}
		if r.DisplayName == "" {
			return fmt.Errorf("rewards[%d] %s: name is required", i, r.ID)
		}
	}
	return nil
}
