package config

import "time"

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type EngineConfig struct {
	CacheTTL           time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout" validate:"gt=0"`
	PoolSize           int           `yaml:"pool_size" validate:"gte=1"`
	DefaultRadiusMiles float64       `yaml:"default_radius_miles" validate:"gt=0"`
	InboundToken       string        `yaml:"inbound_token" validate:"required"`
	Timezone           string        `yaml:"timezone"`
}

type ProximityConfig struct {
	RadiusMiles float64       `yaml:"radius_miles" validate:"gt=0"`
	TTL         time.Duration `yaml:"ttl" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

type UpstreamConfig struct {
	NearbyURL  string `yaml:"nearby_url" validate:"omitempty,url"`
	VisitsURL  string `yaml:"visits_url" validate:"omitempty,url"`
	GroupedURL string `yaml:"grouped_url" validate:"omitempty,url"`
	APIKey     string `yaml:"api_key"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory sqlite postgres"`
	Directory   string `yaml:"directory"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Backend postgres"`

	// Where downloaded static feeds are cached. Empty disables
	// caching.
	DownloadCache string `yaml:"download_cache"`
}

// One transit agency and where its data comes from.
type AgencyConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Multi-entrance stations are collapsed by station code.
	Hub bool `yaml:"hub"`

	// Realtime feed shape: visits or grouped.
	Feed string `yaml:"feed" validate:"oneof=visits grouped"`

	// Where nearby stops come from: http or index.
	Nearby string `yaml:"nearby" validate:"oneof=http index"`

	// GTFS archive or stops.txt (path or URL) loaded into the stop
	// index. Required when Nearby is index.
	Stops string `yaml:"stops" validate:"required_if=Nearby index"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Proximity ProximityConfig `yaml:"proximity"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Storage   StorageConfig   `yaml:"storage"`
	Agencies  []AgencyConfig  `yaml:"agencies" validate:"required,min=1,dive"`
}
