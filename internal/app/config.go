package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"moviebrowse/searchservice/internal/search"
)

// ConfigPathEnvVar names an optional YAML file layered between the defaults
// and the environment.
const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	HTTPAddr    string   `koanf:"http_addr" validate:"required"`
	LogLevel    string   `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat   string   `koanf:"log_format" validate:"oneof=text json"`
	CORSOrigins []string `koanf:"cors_origins"`
	RedisURL    string   `koanf:"redis_url"`

	TMDB   TMDBConfig   `koanf:"tmdb"`
	Search SearchConfig `koanf:"search"`
	Genres GenresConfig `koanf:"genres"`
}

type TMDBConfig struct {
	APIKey         string  `koanf:"api_key"`
	BaseURL        string  `koanf:"base_url" validate:"required,url"`
	ImageBaseURL   string  `koanf:"image_base_url" validate:"required,url"`
	Language       string  `koanf:"language" validate:"required"`
	IncludeAdult   bool    `koanf:"include_adult"`
	TimeoutSeconds int     `koanf:"timeout_seconds" validate:"gt=0"`
	RateLimitRPS   float64 `koanf:"rate_limit_rps" validate:"gt=0"`
	CacheTTLHours  int     `koanf:"cache_ttl_hours" validate:"gte=0"`
	// RetryAttempts counts the first try; 1 disables retries.
	RetryAttempts  int     `koanf:"retry_attempts" validate:"gte=1"`
}

type SearchConfig struct {
	TimeoutSeconds  int    `koanf:"timeout_seconds" validate:"gt=0"`
	CacheTTLMinutes int    `koanf:"cache_ttl_minutes" validate:"gte=0"`
	CacheDisabled   bool   `koanf:"cache_disabled"`
	FanOutMode      string `koanf:"fanout_mode"`
}

type GenresConfig struct {
	TTLHours               int `koanf:"ttl_hours" validate:"gt=0"`
	RefreshIntervalMinutes int `koanf:"refresh_interval_minutes" validate:"gte=0"`
}

func (c TMDBConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c TMDBConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c SearchConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

func (c GenresConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c GenresConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:  ":8090",
		LogLevel:  "info",
		LogFormat: "text",
		TMDB: TMDBConfig{
			BaseURL:        "https://api.themoviedb.org/3",
			ImageBaseURL:   "https://image.tmdb.org/t/p",
			Language:       "en-US",
			TimeoutSeconds: 10,
			RateLimitRPS:   20,
			CacheTTLHours:  24,
			RetryAttempts:  3,
		},
		Search: SearchConfig{
			TimeoutSeconds:  15,
			CacheTTLMinutes: 10,
			FanOutMode:      string(search.FanOutFailFast),
		},
		Genres: GenresConfig{
			TTLHours:               24,
			RefreshIntervalMinutes: 360,
		},
	}
}

// envKeys maps the supported environment variables to config paths.
// Anything not listed is ignored.
var envKeys = map[string]string{
	"HTTP_ADDR":                      "http_addr",
	"LOG_LEVEL":                      "log_level",
	"LOG_FORMAT":                     "log_format",
	"CORS_ORIGINS":                   "cors_origins",
	"REDIS_URL":                      "redis_url",
	"TMDB_API_KEY":                   "tmdb.api_key",
	"TMDB_BASE_URL":                  "tmdb.base_url",
	"TMDB_IMAGE_BASE_URL":            "tmdb.image_base_url",
	"TMDB_LANGUAGE":                  "tmdb.language",
	"TMDB_INCLUDE_ADULT":             "tmdb.include_adult",
	"TMDB_TIMEOUT_SECONDS":           "tmdb.timeout_seconds",
	"TMDB_RATE_LIMIT_RPS":            "tmdb.rate_limit_rps",
	"TMDB_CACHE_TTL_HOURS":           "tmdb.cache_ttl_hours",
	"TMDB_RETRY_ATTEMPTS":            "tmdb.retry_attempts",
	"SEARCH_TIMEOUT_SECONDS":         "search.timeout_seconds",
	"SEARCH_CACHE_TTL_MINUTES":       "search.cache_ttl_minutes",
	"SEARCH_CACHE_DISABLED":          "search.cache_disabled",
	"SEARCH_FANOUT_MODE":             "search.fanout_mode",
	"GENRE_TTL_HOURS":                "genres.ttl_hours",
	"GENRE_REFRESH_INTERVAL_MINUTES": "genres.refresh_interval_minutes",
}

var sliceConfigPaths = []string{"cors_origins"}

// LoadConfig layers defaults, the optional CONFIG_PATH YAML file and the
// environment, in that order, then validates the result.
func LoadConfig() (Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envTransform returns "" for unknown variables, which koanf skips.
func envTransform(key string) string {
	return envKeys[strings.ToUpper(strings.TrimSpace(key))]
}

// envValue also skips blank values so an empty variable keeps the lower layer.
func envValue(key, value string) (string, any) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	return envTransform(key), value
}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		values := make([]string, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.TMDB.APIKey = strings.TrimSpace(c.TMDB.APIKey)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.Search.FanOutMode = strings.ToLower(strings.TrimSpace(c.Search.FanOutMode))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := search.ParseFanOutMode(c.Search.FanOutMode); err != nil {
		return err
	}
	return nil
}

// FanOut returns the validated fan-out mode.
func (c Config) FanOut() search.FanOutMode {
	mode, _ := search.ParseFanOutMode(c.Search.FanOutMode)
	return mode
}
