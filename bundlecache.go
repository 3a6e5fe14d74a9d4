package sandbox

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// BundleCache stores job dependency bundles keyed by content address,
// brotli-compressed in a local SQLite database. A cache hit saves a
// round-trip to the supervisor on reassignment of a previously seen job.
type BundleCache struct {
	db *sql.DB
}

const bundleSchema = `
CREATE TABLE IF NOT EXISTS bundles (
	address    TEXT PRIMARY KEY,
	compressed BLOB NOT NULL,
	size       INTEGER NOT NULL,
	stored_at  INTEGER NOT NULL
);`

// ValidateAddress rejects content addresses unusable as cache keys.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("bundle address must not be empty")
	}
	if len(address) > 128 {
		return fmt.Errorf("bundle address too long")
	}
	if strings.ContainsRune(address, 0) {
		return fmt.Errorf("bundle address contains null byte")
	}
	return nil
}

// OpenBundleCache opens (or creates) the cache database at path.
func OpenBundleCache(path string) (*BundleCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening bundle cache %q: %w", path, err)
	}
	// WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(bundleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bundle cache schema: %w", err)
	}
	return &BundleCache{db: db}, nil
}

// NewBundleCacheMemory creates an in-memory cache for testing.
func NewBundleCacheMemory() (*BundleCache, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory bundle cache: %w", err)
	}
	if _, err := db.Exec(bundleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bundle cache schema: %w", err)
	}
	return &BundleCache{db: db}, nil
}

// Put stores a bundle under its content address, replacing any prior entry.
func (c *BundleCache) Put(ctx context.Context, address string, data []byte) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("compressing bundle %s: %w", address, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compressing bundle %s: %w", address, err)
	}

	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO bundles (address, compressed, size, stored_at) VALUES (?, ?, ?, ?)",
		address, buf.Bytes(), len(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing bundle %s: %w", address, err)
	}
	return nil
}

// Get retrieves a bundle by content address. The second return is false on
// a cache miss.
func (c *BundleCache) Get(ctx context.Context, address string) ([]byte, bool, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, false, err
	}

	var compressed []byte
	var size int64
	err := c.db.QueryRowContext(ctx,
		"SELECT compressed, size FROM bundles WHERE address = ?", address).
		Scan(&compressed, &size)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading bundle %s: %w", address, err)
	}

	data, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, false, fmt.Errorf("decompressing bundle %s: %w", address, err)
	}
	if int64(len(data)) != size {
		return nil, false, fmt.Errorf("bundle %s: decompressed %d bytes, recorded %d", address, len(data), size)
	}
	return data, true, nil
}

// Evict removes a bundle from the cache. Missing entries are not an error.
func (c *BundleCache) Evict(ctx context.Context, address string) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, "DELETE FROM bundles WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("evicting bundle %s: %w", address, err)
	}
	return nil
}

// Close closes the underlying database.
func (c *BundleCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
