package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for anything the config file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			CacheTTL:           3 * time.Minute,
			UpstreamTimeout:    10 * time.Second,
			PoolSize:           8,
			DefaultRadiusMiles: 0.15,
			InboundToken:       "IB",
			Timezone:           "America/Los_Angeles",
		},
		Proximity: ProximityConfig{
			RadiusMiles: 0.1,
			TTL:         30 * time.Second,
			Timeout:     2 * time.Second,
		},
		Upstream: UpstreamConfig{
			VisitsURL: "http://api.511.org/transit",
		},
		Storage: StorageConfig{Backend: "memory"},
	}
}

// Loads configuration from a YAML file, then applies overrides from
// the environment (and .env, if present) and validates the result.
//
// If path is blank, only defaults and environment are used.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fillAgencyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := map[string]bool{}
	for _, a := range cfg.Agencies {
		name := strings.ToLower(a.Name)
		if seen[name] {
			return fmt.Errorf("invalid config: duplicate agency %q", a.Name)
		}
		seen[name] = true

		if a.Nearby == "http" && cfg.Upstream.NearbyURL == "" {
			return fmt.Errorf("invalid config: agency %q uses http nearby stops but upstream.nearby_url is not set", a.Name)
		}
		if a.Feed == "grouped" && cfg.Upstream.GroupedURL == "" {
			return fmt.Errorf("invalid config: agency %q uses grouped feed but upstream.grouped_url is not set", a.Name)
		}
	}

	if cfg.Engine.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
			return fmt.Errorf("invalid config: timezone: %w", err)
		}
	}

	return nil
}

// Location of engine.timezone, or time.Local if unset.
func (c *Config) Location() *time.Location {
	if c.Engine.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func fillAgencyDefaults(cfg *Config) {
	for i := range cfg.Agencies {
		a := &cfg.Agencies[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Feed == "" {
			a.Feed = "visits"
		}
		if a.Nearby == "" {
			if a.Stops != "" {
				a.Nearby = "index"
			} else {
				a.Nearby = "http"
			}
		}
	}
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "ARRIVALS_ADDR")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	setString(&cfg.Upstream.APIKey, "API_KEY")
	setString(&cfg.Upstream.APIKey, "ARRIVALS_API_KEY")
	setString(&cfg.Upstream.VisitsURL, "TRANSIT_511_BASE_URL")
	setString(&cfg.Upstream.NearbyURL, "ARRIVALS_NEARBY_URL")
	setString(&cfg.Upstream.GroupedURL, "ARRIVALS_GROUPED_URL")

	setString(&cfg.Storage.Backend, "ARRIVALS_STORAGE")
	setString(&cfg.Storage.Directory, "ARRIVALS_STORAGE_DIR")
	setString(&cfg.Storage.PostgresURL, "DATABASE_URL")
	setString(&cfg.Storage.DownloadCache, "ARRIVALS_DOWNLOAD_CACHE")

	setString(&cfg.Engine.Timezone, "TZ")

	if err := setDuration(&cfg.Engine.CacheTTL, "ARRIVALS_CACHE_TTL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Engine.UpstreamTimeout, "ARRIVALS_UPSTREAM_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("ARRIVALS_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid ARRIVALS_POOL_SIZE: %q", v)
		}
		cfg.Engine.PoolSize = n
	}

	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = d
	return nil
}
