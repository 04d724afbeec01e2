package metrics

import (
	"context"
	"time"

	"github.com/allgood/pigeonhole/logger"
)

// CacheStatsProvider reports the size of the disk program cache.
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically refreshes gauges that are expensive to compute on
// every request.
type Collector struct {
	cache    CacheStatsProvider
	interval time.Duration
}

// NewCollector creates a collector. A zero interval means one minute.
func NewCollector(cache CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = time.Minute
	}
	return &Collector{cache: cache, interval: interval}
}

// Run collects immediately and then on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	c.collect()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("Metrics: collector started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Metrics: collector stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.cache == nil {
		return
	}
	objects, size, err := c.cache.GetStats()
	if err != nil {
		logger.Error("Metrics: error collecting cache stats", "error", err)
		return
	}
	CacheObjectsTotal.Set(float64(objects))
	CacheSizeBytes.Set(float64(size))
	logger.Debug("Metrics: updated cache stats", "objects", objects, "size_bytes", size)
}
