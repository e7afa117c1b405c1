// Package cache keeps resolved metadata blobs on disk with sqlite-backed
// size accounting and least-recently-used eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/repository"
)

type FileCache struct {
	cfg  *config.Config
	repo *repository.Repo
	mu   sync.Mutex
}

func NewFileCache(cfg *config.Config, repo *repository.Repo) *FileCache {
	return &FileCache{cfg: cfg, repo: repo}
}

func (c *FileCache) hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (c *FileCache) pathFor(hash string) string {
	return filepath.Join(c.cfg.CacheDir, hash)
}

// GetJSON loads the cached blob for key into v. The second return is false
// on a miss; stale accounting rows for vanished files are pruned on read.
func (c *FileCache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	hash := c.hashKey(key)
	p := c.pathFor(hash)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			_ = c.repo.CacheRemove(ctx, hash)
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		// Corrupt entry, drop it.
		_ = os.Remove(p)
		_ = c.repo.CacheRemove(ctx, hash)
		return false, nil
	}
	_ = c.repo.CacheTouch(ctx, hash, 0, false)
	return true, nil
}

func (c *FileCache) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	hash := c.hashKey(key)
	final := c.pathFor(hash)
	tmp := filepath.Join(c.cfg.CacheDir, "tmp", hash)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = c.repo.CacheTouch(ctx, hash, int64(len(data)), true)
	return c.evictIfNeeded(ctx)
}

func (c *FileCache) evictIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, err := c.repo.CacheTotalBytes(ctx)
	if err != nil {
		return err
	}
	for total > c.cfg.CacheLimitBytes {
		oldest, err := c.repo.CacheOldest(ctx)
		if err != nil {
			return err
		}
		_ = os.Remove(c.pathFor(oldest))
		_ = c.repo.CacheRemove(ctx, oldest)
		total, err = c.repo.CacheTotalBytes(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
