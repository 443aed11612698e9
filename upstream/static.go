package upstream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/parse"
	"tidbyt.dev/arrivals/storage"
)

// Static stop sets can be larger than realtime payloads.
const StaticMaxSize = 256 << 20

// Static feeds change rarely. Caching downloaders keep them this long.
const StaticCacheTTL = 24 * time.Hour

// Reads an agency's static data from a GTFS archive (.zip) or a
// bare stops.txt. The source is either an http(s) URL or a local
// path. A bare stops.txt has no timetable.
func ReadStatic(ctx context.Context, d downloader.Downloader, agency string, source string) (*parse.Static, error) {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if d == nil {
			d = downloader.NewHTTP()
		}
		data, err = d.Get(ctx, source, nil, downloader.GetOptions{
			MaxSize:  StaticMaxSize,
			Timeout:  DefaultTimeout * 6,
			Cache:    true,
			CacheTTL: StaticCacheTTL,
		})
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}

	static := &parse.Static{}
	if isZip(source, data) {
		static, err = parse.ParseStatic(agency, data)
	} else {
		static.Stops, err = parse.ParseStops(agency, bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	return static, nil
}

// Reads stops for an agency. See ReadStatic.
func ReadStaticStops(ctx context.Context, d downloader.Downloader, agency string, source string) ([]model.RawStop, error) {
	static, err := ReadStatic(ctx, d, agency, source)
	if err != nil {
		return nil, err
	}
	return static.Stops, nil
}

// Loads an agency's stops into the index, replacing whatever it held
// for the agency. Indexes that are also a storage.TimetableStore get
// the agency's timetable as well, or have it cleared if the source
// has none. Returns the number of stops loaded.
func LoadStaticStops(ctx context.Context, index storage.StopIndex, d downloader.Downloader, agency string, source string) (int, error) {
	static, err := ReadStatic(ctx, d, agency, source)
	if err != nil {
		return 0, err
	}

	err = index.WriteStops(agency, static.Stops)
	if err != nil {
		return 0, fmt.Errorf("writing stops for %s: %w", agency, err)
	}

	if store, ok := index.(storage.TimetableStore); ok {
		err = store.WriteTimetable(agency, static.Timetable)
		if err != nil {
			return 0, fmt.Errorf("writing timetable for %s: %w", agency, err)
		}
	}

	return len(static.Stops), nil
}

func isZip(source string, data []byte) bool {
	return strings.HasSuffix(strings.ToLower(source), ".zip") || bytes.HasPrefix(data, []byte("PK\x03\x04"))
}
