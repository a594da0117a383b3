package config

import (
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config is constructed once at startup and injected into every component
// that needs it.
type Config struct {
	Environment string `koanf:"environment" default:"development"`

	DatabaseFilePath          string        `koanf:"database_file_path" default:"mangabridge.db" validate:"required"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`

	Feed     FeedConfig     `koanf:"feed"`
	Target   TargetConfig   `koanf:"target"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Rules    RulesConfig    `koanf:"rules"`

	WebhookURL string `koanf:"webhook_url"`
}

// FeedConfig describes where upstream snapshots come from. URL accepts an
// http(s) endpoint or a local file path.
type FeedConfig struct {
	URL     string        `koanf:"url" validate:"required"`
	Origin  string        `koanf:"origin" default:"mangaplus"`
	Timeout time.Duration `koanf:"timeout" default:"30s"`
}

// TargetConfig describes the downstream platform account.
type TargetConfig struct {
	APIURL            string        `koanf:"api_url" default:"https://api.mangadex.org" validate:"required,url"`
	GroupID           string        `koanf:"group_id" validate:"required"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	UserAgent         string        `koanf:"user_agent" default:"mangabridge/1.0"`
	TokenPath         string        `koanf:"token_path" default:".mbauth.json"`
	RequestsPerSecond float64       `koanf:"requests_per_second" default:"5"`
	RetryAttempts     int           `koanf:"retry_attempts" default:"3"`
	RetryBackoff      time.Duration `koanf:"retry_backoff" default:"3s"`
	RateLimitCooldown time.Duration `koanf:"rate_limit_cooldown" default:"60s"`
}

// PipelineConfig controls run cadence.
type PipelineConfig struct {
	SyncInterval  time.Duration `koanf:"sync_interval" default:"1h"`
	DupesInterval time.Duration `koanf:"dupes_interval" default:"24h"`
	PollInterval  time.Duration `koanf:"poll_interval" default:"5s"`
}

// RulesConfig carries the per-manga override tables that tune normalization,
// aliasing and duplicate handling. Keys are source manga ids unless noted.
type RulesConfig struct {
	// TitleOverrides forces a title (possibly empty) per manga.
	TitleOverrides map[string]string `koanf:"title_overrides"`
	// TitlelessManga lists manga whose titles are dropped once a number
	// resolves.
	TitlelessManga []string `koanf:"titleless_manga"`
	// CustomTitleRegexes strips a per-manga prefix pattern before the
	// generic cascade runs.
	CustomTitleRegexes map[string]string `koanf:"custom_title_regexes"`
	// Aliases maps a canonical source chapter id to ids that re-issue the
	// same publishable unit.
	Aliases map[string][]string `koanf:"aliases"`
	// MultiChapterAllowList maps a source chapter url fragment to chapter
	// numbers that legitimately share it (bundled releases), exempting
	// them from duplicate removal.
	MultiChapterAllowList map[string][]string `koanf:"multi_chapter_allow_list"`
	// ExDistanceLimit and ExDefaultDecimal tune extra-chapter number
	// resolution. Heuristics carried over from the upstream sources; not
	// assumed to generalize.
	ExDistanceLimit  int    `koanf:"ex_distance_limit" default:"5"`
	ExDefaultDecimal string `koanf:"ex_default_decimal" default:"5"`
}

const (
	configPathENV = "CONFIG_PATH"
	envPrefix     = "MANGABRIDGE_"
)

// New loads configuration from the yaml file named by CONFIG_PATH (when the
// file exists) and then overlays MANGABRIDGE_* environment variables.
func New() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv(configPathENV)
	if path == "" {
		path = "config.yml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}
