// Package config loads the service configuration from file and environment.
// Precedence is environment over config file over defaults; every key can be
// set as ENGRAM_SECTION_KEY (dots become underscores).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig selects and tunes the storage backend behind one tier.
type BackendConfig struct {
	// Driver is one of: memory, sqlite, redis, vector.
	Driver string `mapstructure:"driver"`
	// Path is the database file for the sqlite driver; ":memory:" keeps it
	// in-process.
	Path string `mapstructure:"path"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

// MaintenanceConfig tunes the background maintenance loop.
type MaintenanceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`

	STMBatchSize        int     `mapstructure:"stm_batch_size"`
	MTMBatchSize        int     `mapstructure:"mtm_batch_size"`
	CandidateImportance float64 `mapstructure:"candidate_importance"`
	CandidateAccess     int     `mapstructure:"candidate_access"`
	PromotionThreshold  float64 `mapstructure:"promotion_threshold"`

	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	BacklogThreshold int           `mapstructure:"backlog_threshold"`
}

// TuningConfig overrides the tiers' built-in scoring and decay defaults.
// Zero values keep the defaults, so a config file only names what it changes.
type TuningConfig struct {
	STM STMTuning `mapstructure:"stm"`
	MTM MTMTuning `mapstructure:"mtm"`
	LTM LTMTuning `mapstructure:"ltm"`
}

type STMTuning struct {
	MaxItems int           `mapstructure:"max_items"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type MTMTuning struct {
	DecayRate  float64 `mapstructure:"decay_rate"`
	DecayFloor float64 `mapstructure:"decay_floor"`
}

type LTMTuning struct {
	DecayRate  float64 `mapstructure:"decay_rate"`
	DecayFloor float64 `mapstructure:"decay_floor"`

	ImportanceWeight   float64 `mapstructure:"importance_weight"`
	RecencyWeight      float64 `mapstructure:"recency_weight"`
	ConnectivityWeight float64 `mapstructure:"connectivity_weight"`

	// RelationshipTypes replaces the built-in type registry when set. Values
	// are the minimum strength per type.
	RelationshipTypes map[string]float64 `mapstructure:"relationship_types"`
}

// EventsConfig bounds the event publisher's dedupe window.
type EventsConfig struct {
	DedupTTL   time.Duration `mapstructure:"dedup_ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json

	HTTPAddr string `mapstructure:"http_addr"`

	STM BackendConfig `mapstructure:"stm"`
	MTM BackendConfig `mapstructure:"mtm"`
	LTM BackendConfig `mapstructure:"ltm"`

	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Tuning      TuningConfig      `mapstructure:"tuning"`
	Events      EventsConfig      `mapstructure:"events"`
}

// Default returns the configuration used when nothing is overridden: the
// fast tiers in memory, the long-term tier on sqlite, maintenance hourly.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTPAddr:  ":8765",
		STM:       BackendConfig{Driver: "memory"},
		MTM:       BackendConfig{Driver: "memory"},
		LTM:       BackendConfig{Driver: "sqlite", Path: "engram.db"},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			Interval:            time.Hour,
			MinInterval:         5 * time.Minute,
			STMBatchSize:        50,
			MTMBatchSize:        50,
			CandidateImportance: 0.7,
			CandidateAccess:     5,
			PromotionThreshold:  0.6,
			FailureThreshold:    3,
			Cooldown:            10 * time.Minute,
		},
		Events: EventsConfig{
			DedupTTL:   5 * time.Minute,
			MaxEntries: 4096,
		},
	}
}

// Load reads configuration from the given file (optional) and the
// environment, layered over Default. A missing default config file is fine;
// an explicitly named one must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("engram")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.engram")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("stm.driver", def.STM.Driver)
	v.SetDefault("mtm.driver", def.MTM.Driver)
	v.SetDefault("ltm.driver", def.LTM.Driver)
	v.SetDefault("ltm.path", def.LTM.Path)
	v.SetDefault("maintenance.enabled", def.Maintenance.Enabled)
	v.SetDefault("maintenance.interval", def.Maintenance.Interval)
	v.SetDefault("maintenance.min_interval", def.Maintenance.MinInterval)
	v.SetDefault("maintenance.stm_batch_size", def.Maintenance.STMBatchSize)
	v.SetDefault("maintenance.mtm_batch_size", def.Maintenance.MTMBatchSize)
	v.SetDefault("maintenance.candidate_importance", def.Maintenance.CandidateImportance)
	v.SetDefault("maintenance.candidate_access", def.Maintenance.CandidateAccess)
	v.SetDefault("maintenance.promotion_threshold", def.Maintenance.PromotionThreshold)
	v.SetDefault("maintenance.failure_threshold", def.Maintenance.FailureThreshold)
	v.SetDefault("maintenance.cooldown", def.Maintenance.Cooldown)
	v.SetDefault("maintenance.backlog_threshold", def.Maintenance.BacklogThreshold)
	v.SetDefault("tuning.stm.max_items", 0)
	v.SetDefault("tuning.stm.max_age", time.Duration(0))
	v.SetDefault("tuning.mtm.decay_rate", 0.0)
	v.SetDefault("tuning.mtm.decay_floor", 0.0)
	v.SetDefault("tuning.ltm.decay_rate", 0.0)
	v.SetDefault("tuning.ltm.decay_floor", 0.0)
	v.SetDefault("tuning.ltm.importance_weight", 0.0)
	v.SetDefault("tuning.ltm.recency_weight", 0.0)
	v.SetDefault("tuning.ltm.connectivity_weight", 0.0)
	v.SetDefault("events.dedup_ttl", def.Events.DedupTTL)
	v.SetDefault("events.max_entries", def.Events.MaxEntries)
}

var validDrivers = map[string]bool{"memory": true, "sqlite": true, "redis": true, "vector": true}

// Validate rejects configurations the manager cannot build.
func (c *Config) Validate() error {
	for _, name := range []string{"stm", "mtm", "ltm"} {
		b := map[string]BackendConfig{"stm": c.STM, "mtm": c.MTM, "ltm": c.LTM}[name]
		if !validDrivers[b.Driver] {
			return fmt.Errorf("config: unknown %s driver %q", name, b.Driver)
		}
		if b.Driver == "sqlite" && b.Path == "" {
			return fmt.Errorf("config: %s sqlite driver needs a path", name)
		}
		if b.Driver == "redis" && b.RedisAddr == "" {
			return fmt.Errorf("config: %s redis driver needs redis_addr", name)
		}
	}
	if c.Maintenance.MinInterval > c.Maintenance.Interval {
		return fmt.Errorf("config: maintenance min_interval exceeds interval")
	}
	for name, rate := range map[string]float64{
		"tuning.mtm.decay_rate": c.Tuning.MTM.DecayRate,
		"tuning.ltm.decay_rate": c.Tuning.LTM.DecayRate,
	} {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("config: %s must be in [0,1)", name)
		}
	}
	for name, v := range map[string]float64{
		"tuning.mtm.decay_floor":         c.Tuning.MTM.DecayFloor,
		"tuning.ltm.decay_floor":         c.Tuning.LTM.DecayFloor,
		"tuning.ltm.importance_weight":   c.Tuning.LTM.ImportanceWeight,
		"tuning.ltm.recency_weight":      c.Tuning.LTM.RecencyWeight,
		"tuning.ltm.connectivity_weight": c.Tuning.LTM.ConnectivityWeight,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must be non-negative", name)
		}
	}
	for relType, floor := range c.Tuning.LTM.RelationshipTypes {
		if floor < 0 || floor > 1 {
			return fmt.Errorf("config: relationship type %q floor must be in [0,1]", relType)
		}
	}
	return nil
}
