package normalize

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type hintLookup struct {
	key      groupKey
	lat, lon float64
}

// Looks up vehicle hints concurrently. A lookup that hasn't finished
// within HintTimeout is abandoned and produces no hint.
func (n *Normalizer) resolveHints(ctx context.Context, lookups []hintLookup) map[groupKey]string {
	timeout := n.HintTimeout
	if timeout <= 0 {
		timeout = DefaultHintTimeout
	}

	var mutex sync.Mutex
	hints := map[groupKey]string{}

	g := errgroup.Group{}
	for _, l := range lookups {
		g.Go(func() error {
			hint := n.lookupHint(ctx, l.lat, l.lon, timeout)
			if hint == "" {
				return nil
			}
			mutex.Lock()
			hints[l.key] = hint
			mutex.Unlock()
			return nil
		})
	}
	g.Wait()

	return hints
}

func (n *Normalizer) lookupHint(ctx context.Context, lat, lon float64, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The namer is expected to honor ctx, but a result arriving
	// after the deadline is dropped regardless.
	result := make(chan string, 1)
	go func() {
		result <- n.Namer.NearestStopName(ctx, lat, lon)
	}()

	select {
	case hint := <-result:
		return hint
	case <-ctx.Done():
		return ""
	}
}
