package routing

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/logger"
)

// PreloadingMatrix adapts the OSRM client into a Matrix with a local TTL
// cache. Prefetch pulls one NxN table per cluster; Time serves from cache and
// never performs network I/O, so a cache miss is ErrMatrixUnavailable and the
// caller retries next cycle.
type PreloadingMatrix struct {
	osrm  *OSRMClient
	cache *gocache.Cache
	log   logger.Logger
}

// NewPreloadingMatrix wraps client. Entries expire after ttl so stale travel
// times are refetched rather than trusted forever.
func NewPreloadingMatrix(client *OSRMClient, ttl time.Duration, log logger.Logger) *PreloadingMatrix {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PreloadingMatrix{
		osrm:  client,
		cache: gocache.New(ttl, 2*ttl),
		log:   log,
	}
}

func pairKey(a, b geo.Coord) string {
	return a.String() + "|" + b.String()
}

// Time serves a cached pairing. Identical coordinates are zero by contract.
func (m *PreloadingMatrix) Time(a, b geo.Coord) (float64, error) {
	if a == b {
		return 0, nil
	}
	if v, ok := m.cache.Get(pairKey(a, b)); ok {
		return v.(float64), nil
	}
	return 0, fmt.Errorf("%w: pair %s -> %s not prefetched", ErrMatrixUnavailable, a, b)
}

// Prefetch fetches the full table for coords and caches every routable pair.
// Unroutable cells are left uncached so Time reports them unavailable.
func (m *PreloadingMatrix) Prefetch(ctx context.Context, coords []geo.Coord) error {
	coords = geo.Dedupe(coords)
	if len(coords) < 2 {
		return nil
	}

	durations, err := m.osrm.Table(ctx, coords)
	if err != nil {
		m.log.Warn("osrm table prefetch failed",
			logger.Field{Key: "coords", Value: len(coords)},
			logger.Field{Key: "error", Value: err})
		return err
	}

	cached := 0
	for i, row := range durations {
		if len(row) != len(coords) {
			return fmt.Errorf("%w: osrm table row %d has %d cols for %d coords", ErrMatrixUnavailable, i, len(row), len(coords))
		}
		for j, cell := range row {
			if cell == nil {
				continue
			}
			m.cache.SetDefault(pairKey(coords[i], coords[j]), *cell)
			cached++
		}
	}
	m.log.Debug("osrm table prefetched",
		logger.Field{Key: "coords", Value: len(coords)},
		logger.Field{Key: "pairs", Value: cached})
	return nil
}
