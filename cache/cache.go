// Package cache keeps compiled Sieve programs on local disk. Files live under
// data/xx/yy/<hash>; a SQLite index records size and last use so the cache
// can be purged back under its capacity, least recently used first.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
)

const (
	DataDir = "data"
	IndexDB = "cache_index.db"
)

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}
	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal", "error", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}
	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// PathFor returns the file path of a cache key, fanned out by its first
// four characters.
func (c *Cache) PathFor(key string) string {
	if len(key) < 4 {
		return filepath.Join(c.basePath, DataDir, key)
	}
	return filepath.Join(c.basePath, DataDir, key[:2], key[2:4], key[4:])
}

// Get returns the cached bytes or consts.ErrCacheMiss. A hit refreshes the
// entry's position in the purge order.
func (c *Cache) Get(key string) ([]byte, error) {
	path := c.PathFor(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, consts.ErrCacheMiss
		}
		return nil, err
	}
	c.mu.Lock()
	_, err = c.db.Exec(`UPDATE cache_index SET mod_time = ? WHERE path = ?`, time.Now().UnixNano(), path)
	c.mu.Unlock()
	if err != nil {
		logger.Warn("Cache: failed to touch index entry", "path", path, "error", err)
	}
	return data, nil
}

// Put stores data under key. The file is written to a temporary name and
// renamed into place so readers never see partial content.
func (c *Cache) Put(key string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		return fmt.Errorf("data size %d exceeds object limit %d", len(data), c.maxObjectSize)
	}
	path := c.PathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`,
		path, len(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	logger.Debug("Cache: stored program", "key", key, "size", len(data))
	return nil
}

// Exists consults the index rather than the filesystem.
func (c *Cache) Exists(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE path = ?`, c.PathFor(key)).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}
	return n > 0, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := c.PathFor(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", path, err)
	}
	return nil
}

// SyncFromDisk indexes files already on disk, e.g. after the index was
// lost, and drops index entries whose files are gone.
func (c *Cache) SyncFromDisk(ctx context.Context) error {
	type fileStat struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileStat
	dataDir := filepath.Join(c.basePath, DataDir)
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileStat{path, info.Size(), info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	if len(files) > 0 {
		c.mu.Lock()
		err := func() error {
			tx, err := c.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			for _, f := range files {
				if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`,
					f.path, f.size, f.modTime.UnixNano()); err != nil {
					return err
				}
			}
			return tx.Commit()
		}()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to index cache files: %w", err)
		}
		logger.Info("Cache: synced index from disk", "files", len(files))
	}
	return c.RemoveStaleDBEntries(ctx)
}

// StartPurgeLoop purges on start and then every purge interval until ctx
// is done.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		c.runPurgeCycle(ctx)
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("Cache: purge failed", "error", err)
	}
	if err := c.RemoveStaleDBEntries(ctx); err != nil {
		logger.Warn("Cache: stale entry cleanup failed", "error", err)
	}
}

// PurgeIfNeeded removes least recently used entries until the cache is
// within its capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	paths, err := c.purgeCandidates(ctx)
	if err != nil || len(paths) == 0 {
		return err
	}
	var removed []string
	for _, p := range paths {
		if err := os.Remove(p); err == nil || errors.Is(err, fs.ErrNotExist) {
			removed = append(removed, p)
			removeEmptyParents(p, filepath.Join(c.basePath, DataDir))
		} else {
			logger.Warn("Cache: failed to remove file during purge", "path", p, "error", err)
		}
	}
	if err := c.removeIndexEntries(ctx, removed); err != nil {
		return err
	}
	logger.Info("Cache: purged entries", "count", len(removed))
	return nil
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if total <= c.capacity {
		return nil, nil
	}
	toFree := total - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}
	defer rows.Close()

	var paths []string
	var freed int64
	for freed < toFree && rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			return nil, err
		}
		paths = append(paths, path)
		freed += size
	}
	return paths, rows.Err()
}

func (c *Cache) removeIndexEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}
	return nil
}

// RemoveStaleDBEntries drops index entries whose files no longer exist.
func (c *Cache) RemoveStaleDBEntries(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT path FROM cache_index`)
	if err != nil {
		return fmt.Errorf("failed to query cache_index: %w", err)
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return c.removeIndexEntries(ctx, stale)
}

// PurgeAll empties the cache.
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dataDir := filepath.Join(c.basePath, DataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("failed to remove cache data: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_index`)
	return err
}

// GetStats returns the number of indexed entries and their total size.
func (c *Cache) GetStats() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var count, size int64
	if err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&count, &size); err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return count, size, nil
}

func removeEmptyParents(path, stopAt string) {
	for dir := filepath.Dir(path); dir != stopAt && dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, fs.ErrExist) {
				logger.Debug("Cache: could not remove directory", "dir", dir, "error", err)
			}
			return
		}
	}
}
