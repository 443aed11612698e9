package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/config"
	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/storage"
	"tidbyt.dev/arrivals/timetable"
	"tidbyt.dev/arrivals/upstream"
)

var rootCmd = &cobra.Command{
	Use:          "arrivals",
	Short:        "Nearby transit stops and live arrivals",
	Long:         "Finds transit stops near a location and shows their live arrivals",
	SilenceUsage: true,
}

var (
	configPath string
	headers    []string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to config file")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headers,
		"header",
		"",
		[]string{},
		"HTTP header sent to all upstreams",
	)
}

func main() {
	InitLogging()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func InitLogging() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

func openStopIndex(cfg *config.Config) (storage.StopIndex, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		dir := cfg.Storage.Directory
		if dir == "" {
			dir = "."
		}
		return storage.NewSQLiteStopIndex(storage.SQLiteConfig{OnDisk: true, Directory: dir})
	case "postgres":
		return storage.NewPSQLStopIndex(cfg.Storage.PostgresURL, false)
	}
	return storage.NewMemoryStopIndex(), nil
}

// Builds a Coordinator from the config file, loading static stops
// and timetables into the stop index for agencies that have them.
func LoadCoordinator(ctx context.Context, cfg *config.Config) (*arrivals.Coordinator, storage.StopIndex, error) {
	h, err := parseHeaders(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid header: %w", err)
	}
	d := downloader.WithHeaders(downloader.NewHTTP(), h)

	static := d
	if cfg.Storage.DownloadCache != "" {
		fs, err := downloader.NewFilesystem(cfg.Storage.DownloadCache, d)
		if err != nil {
			return nil, nil, err
		}
		static = fs
	}

	index, err := openStopIndex(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening stop index: %w", err)
	}

	agencies := []arrivals.Agency{}
	for _, ac := range cfg.Agencies {
		a := arrivals.Agency{Name: ac.Name, Hub: ac.Hub}

		if ac.Stops != "" {
			n, err := upstream.LoadStaticStops(ctx, index, static, ac.Name, ac.Stops)
			if err != nil {
				index.Close()
				return nil, nil, fmt.Errorf("loading stops for %s: %w", ac.Name, err)
			}
			log.Printf("loaded %d stops for %s", n, ac.Name)

			if store, ok := index.(storage.TimetableStore); ok {
				a.Timetable = timetable.New(store, index, ac.Hub, cfg.Location())
			}
		}

		switch ac.Nearby {
		case "index":
			a.Nearby = index
		case "http":
			nearby := upstream.NewHTTPNearby(cfg.Upstream.NearbyURL, d)
			nearby.Timeout = cfg.Engine.UpstreamTimeout
			a.Nearby = nearby
		}
		a.Vehicles = a.Nearby

		switch ac.Feed {
		case "visits":
			feed := upstream.NewVisitFeed(cfg.Upstream.VisitsURL, cfg.Upstream.APIKey, d)
			feed.Timeout = cfg.Engine.UpstreamTimeout
			a.Feed = feed
		case "grouped":
			feed := upstream.NewGroupedFeed(cfg.Upstream.GroupedURL, d)
			feed.Timeout = cfg.Engine.UpstreamTimeout
			a.Feed = feed
		}

		agencies = append(agencies, a)
	}

	c, err := arrivals.NewCoordinator(agencies, arrivals.Options{
		PoolSize:     cfg.Engine.PoolSize,
		CacheTTL:     cfg.Engine.CacheTTL,
		ProximityTTL: cfg.Proximity.TTL,
	})
	if err != nil {
		index.Close()
		return nil, nil, err
	}

	c.DefaultRadiusMiles = cfg.Engine.DefaultRadiusMiles
	c.UpstreamTimeout = cfg.Engine.UpstreamTimeout
	c.Normalizer.InboundToken = cfg.Engine.InboundToken
	c.Normalizer.Location = cfg.Location()
	c.Normalizer.HintTimeout = cfg.Proximity.Timeout

	for _, a := range agencies {
		if r := c.Resolver(a.Name); r != nil {
			r.RadiusMiles = cfg.Proximity.RadiusMiles
			r.Timeout = cfg.Proximity.Timeout
		}
	}

	return c, index, nil
}
