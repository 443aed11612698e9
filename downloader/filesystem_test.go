package downloader_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals/downloader"
)

func TestFilesystemCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Write([]byte{'v', byte('0' + n)})
	}))
	defer server.Close()

	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fs, err := downloader.NewFilesystem(dir, nil)
	require.NoError(t, err)
	fs.TimeNow = func() time.Time { return now }

	cached := downloader.GetOptions{Cache: true, CacheTTL: time.Hour}

	body, err := fs.Get(context.Background(), server.URL+"/feed.zip", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body))

	// Served from disk
	body, err = fs.Get(context.Background(), server.URL+"/feed.zip", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body))
	assert.Equal(t, int32(1), hits.Load())

	// Survives a restart
	fs2, err := downloader.NewFilesystem(dir, nil)
	require.NoError(t, err)
	fs2.TimeNow = func() time.Time { return now }
	body, err = fs2.Get(context.Background(), server.URL+"/feed.zip", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body))
	assert.Equal(t, int32(1), hits.Load())

	// Uncached requests pass through
	body, err = fs.Get(context.Background(), server.URL+"/feed.zip", nil, downloader.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))

	// Expired
	now = now.Add(time.Hour)
	body, err = fs.Get(context.Background(), server.URL+"/feed.zip", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFilesystemCacheDoesNotStoreFailures(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	fs, err := downloader.NewFilesystem(t.TempDir(), nil)
	require.NoError(t, err)

	cached := downloader.GetOptions{Cache: true, CacheTTL: time.Hour}

	_, err = fs.Get(context.Background(), server.URL, nil, cached)
	var httpErr *downloader.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)

	fail = false
	body, err := fs.Get(context.Background(), server.URL, nil, cached)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
