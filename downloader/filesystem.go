package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Caches downloaded files on disk, one file per URL, so that static
// feeds survive restarts. Requests without options.Cache go straight
// to the wrapped Downloader.
type Filesystem struct {
	Dir     string
	Inner   Downloader
	TimeNow func() time.Time

	mutex sync.Mutex
}

func NewFilesystem(dir string, inner Downloader) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	if inner == nil {
		inner = NewHTTP()
	}
	return &Filesystem{
		Dir:     dir,
		Inner:   inner,
		TimeNow: time.Now,
	}, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if !options.Cache {
		return f.Inner.Get(ctx, url, headers, options)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	path := f.path(url)

	// Modification time doubles as retrieval time.
	if info, err := os.Stat(path); err == nil {
		if info.ModTime().Add(options.CacheTTL).After(f.TimeNow()) {
			body, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading cached %s: %w", url, err)
			}
			return body, nil
		}
	}

	body, err := f.Inner.Get(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if err := f.save(path, body); err != nil {
		return nil, fmt.Errorf("saving: %w", err)
	}

	return body, nil
}

func (f *Filesystem) path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.Dir, hex.EncodeToString(sum[:]))
}

func (f *Filesystem) save(path string, body []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	now := f.TimeNow()
	if err := os.Chtimes(tmp, now, now); err != nil {
		return fmt.Errorf("setting mtime: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}
	return nil
}
