// Package config loads server configuration from file, environment and
// defaults. All keys are reachable as LDM_* environment variables with dots
// replaced by underscores (LDM_DATABASE_MODE, LDM_TRASH_RETENTION_DAYS).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/types"
)

// Mode selects the storage backend.
const (
	ModeAuthoritative = "authoritative"
	ModeLocal         = "local"
)

// Config is the full server configuration.
type Config struct {
	Database struct {
		// Mode is authoritative (postgres, multi-user) or local (sqlite,
		// single-user).
		Mode string `mapstructure:"mode"`
		// DSN is the postgres connection string (authoritative mode).
		DSN string `mapstructure:"dsn"`
		// Path is the sqlite file (local mode).
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	TM struct {
		Cascade struct {
			ThresholdFuzzy    float64 `mapstructure:"threshold_fuzzy"`
			ThresholdSemantic float64 `mapstructure:"threshold_semantic"`
			EnableDeep        bool    `mapstructure:"enable_deep"`
		} `mapstructure:"cascade"`
		// IndexDir holds the on-disk vector indexes.
		IndexDir string `mapstructure:"index_dir"`
		// EmbedEndpoint, when set, points at the external embedding
		// service; empty selects the built-in hashing models.
		EmbedEndpoint string `mapstructure:"embed_endpoint"`
	} `mapstructure:"tm"`

	Scheduler struct {
		PoolSize    int            `mapstructure:"pool_size"`
		PerClassMax map[string]int `mapstructure:"per_class_max"`
	} `mapstructure:"scheduler"`

	Trash struct {
		RetentionDays int `mapstructure:"retention_days"`
	} `mapstructure:"trash"`

	Sync struct {
		PollIntervalMs int `mapstructure:"poll_interval_ms"`
		AutoOnFileOpen bool `mapstructure:"auto_on_file_open"`
		// DropFolder, when set, is watched for .tsv files to auto-import
		// into Offline Storage.
		DropFolder string `mapstructure:"drop_folder"`
		// CentralURL is where the local instance reaches the
		// authoritative server.
		CentralURL string `mapstructure:"central_url"`
		// CentralToken authenticates against the central server.
		CentralToken string `mapstructure:"central_token"`
	} `mapstructure:"sync"`

	Server struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"server"`

	Auth struct {
		Tokens []capability.TokenEntry `mapstructure:"tokens"`
	} `mapstructure:"auth"`

	Log struct {
		Level string `mapstructure:"level"`
		// File enables rotated file logging; empty logs to stderr.
		File string `mapstructure:"file"`
	} `mapstructure:"log"`

	Audit struct {
		// Path is the append-only JSONL audit log.
		Path string `mapstructure:"path"`
	} `mapstructure:"audit"`
}

// TrashRetention returns the configured retention as a duration.
func (c *Config) TrashRetention() time.Duration {
	return time.Duration(c.Trash.RetentionDays) * 24 * time.Hour
}

// SyncPollInterval returns the delta-poll period.
func (c *Config) SyncPollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.mode", ModeLocal)
	v.SetDefault("database.path", "ldm.db")
	v.SetDefault("tm.cascade.threshold_fuzzy", 0.85)
	v.SetDefault("tm.cascade.threshold_semantic", 0.75)
	v.SetDefault("tm.cascade.enable_deep", false)
	v.SetDefault("tm.index_dir", "tm-index")
	v.SetDefault("scheduler.pool_size", 0) // 0: scheduler picks 2x cores
	v.SetDefault("trash.retention_days", 30)
	v.SetDefault("sync.poll_interval_ms", 5000)
	v.SetDefault("sync.auto_on_file_open", true)
	v.SetDefault("server.listen", "127.0.0.1:8441")
	v.SetDefault("log.level", "info")
	v.SetDefault("audit.path", "audit.jsonl")
}

// Load reads configuration from path (optional; "" uses defaults and
// environment only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LDM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Wrap(types.KindInvalidArgument, err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.Wrap(types.KindInvalidArgument, err, "parse config")
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Database.Mode {
	case ModeAuthoritative:
		if c.Database.DSN == "" {
			return types.E(types.KindInvalidArgument, "database.dsn is required in authoritative mode")
		}
	case ModeLocal:
		if c.Database.Path == "" {
			return types.E(types.KindInvalidArgument, "database.path is required in local mode")
		}
	default:
		return types.E(types.KindInvalidArgument, "database.mode must be %q or %q, got %q",
			ModeAuthoritative, ModeLocal, c.Database.Mode)
	}
	if c.TM.Cascade.ThresholdFuzzy <= 0 || c.TM.Cascade.ThresholdFuzzy > 1 {
		return types.E(types.KindInvalidArgument, "tm.cascade.threshold_fuzzy must be in (0,1]")
	}
	if c.TM.Cascade.ThresholdSemantic <= 0 || c.TM.Cascade.ThresholdSemantic > 1 {
		return types.E(types.KindInvalidArgument, "tm.cascade.threshold_semantic must be in (0,1]")
	}
	if c.Trash.RetentionDays < 1 {
		return types.E(types.KindInvalidArgument, "trash.retention_days must be at least 1")
	}
	for class := range c.Scheduler.PerClassMax {
		switch types.OpClass(class) {
		case types.ClassIndexing, types.ClassPretranslation, types.ClassUpload, types.ClassBulkEdit:
		default:
			return types.E(types.KindInvalidArgument, "unknown scheduler class %q", class)
		}
	}
	return nil
}
