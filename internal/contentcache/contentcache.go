// Package contentcache persists fetched file contents across sessions.
//
// Entries are keyed by the human-readable name path of a file and scoped per
// mirrored root, so two mirrored trees never share entries. An entry is only
// served while its recorded modification time matches the live entry's.
// Contents are zstd-compressed at rest in a SQLite database and evicted
// least-recently-used first once a scope exceeds its byte budget.
package contentcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
)

// DBName is the database file created inside the cache directory.
const DBName = "content.db"

const schema = `
CREATE TABLE IF NOT EXISTS content (
    scope TEXT NOT NULL,
    name_path TEXT NOT NULL,
    modified_at INTEGER NOT NULL,
    is_text INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL,
    stored_size INTEGER NOT NULL,
    data BLOB NOT NULL,
    last_access INTEGER NOT NULL,
    PRIMARY KEY (scope, name_path)
);

CREATE INDEX IF NOT EXISTS idx_content_lru ON content(scope, last_access);
`

// Item is one cached file content.
type Item struct {
	Data       []byte
	Text       bool
	ModifiedAt time.Time
}

// Stats describes one cache scope.
type Stats struct {
	Scope    string
	Entries  int
	Bytes    int64 // compressed bytes on disk
	RawBytes int64
	MaxBytes int64
}

// Cache is a persistent content cache bound to one scope.
type Cache struct {
	db       *sql.DB
	scope    string
	maxBytes int64

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	access int64 // last handed-out access stamp, strictly increasing
}

// Open opens (or creates) the cache database in dir, bound to scope.
// maxBytes <= 0 disables eviction.
func Open(dir, scope string, maxBytes int64) (*Cache, error) {
	if scope == "" {
		return nil, errors.New("cache scope is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}

	c := &Cache{
		db:       db,
		scope:    scope,
		maxBytes: maxBytes,
		enc:      enc,
		dec:      dec,
		access:   time.Now().UnixNano(),
	}
	if st, err := c.Stats(context.Background()); err == nil {
		metrics.SetCacheBytes(st.Bytes)
	}
	logging.Info("content cache opened",
		logging.String("path", dbPath),
		logging.Root(scope),
		logging.Int64("max_bytes", maxBytes),
	)
	return c, nil
}

// Close releases the database and codecs.
func (c *Cache) Close() error {
	c.dec.Close()
	c.enc.Close()
	return c.db.Close()
}

// Scope returns the mirrored root the cache is bound to.
func (c *Cache) Scope() string {
	return c.scope
}

func (c *Cache) nextAccess() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= c.access {
		now = c.access + 1
	}
	c.access = now
	return now
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromStamp(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Get returns the content cached for namePath if it was stored for the same
// modification time. A stale entry counts as a miss and is dropped.
func (c *Cache) Get(ctx context.Context, namePath string, modifiedAt time.Time) (Item, bool, error) {
	var (
		storedAt int64
		isText   bool
		data     []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT modified_at, is_text, data FROM content WHERE scope = ? AND name_path = ?`,
		c.scope, namePath,
	).Scan(&storedAt, &isText, &data)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordCacheLookup(false)
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("read cache entry: %w", err)
	}

	if storedAt != stamp(modifiedAt) {
		metrics.RecordCacheLookup(false)
		logging.WithContext(ctx).Debug("cache entry stale", logging.NamePath(namePath))
		if err := c.Invalidate(ctx, namePath); err != nil {
			return Item{}, false, err
		}
		return Item{}, false, nil
	}

	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		// A corrupt row is dropped and reported as a miss.
		logging.WithContext(ctx).Warn("cache entry unreadable", logging.NamePath(namePath), logging.Err(err))
		if err := c.Invalidate(ctx, namePath); err != nil {
			return Item{}, false, err
		}
		metrics.RecordCacheLookup(false)
		return Item{}, false, nil
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE content SET last_access = ? WHERE scope = ? AND name_path = ?`,
		c.nextAccess(), c.scope, namePath,
	); err != nil {
		return Item{}, false, fmt.Errorf("touch cache entry: %w", err)
	}

	metrics.RecordCacheLookup(true)
	logging.WithContext(ctx).Debug("cache hit", logging.NamePath(namePath))
	return Item{Data: raw, Text: isText, ModifiedAt: fromStamp(storedAt)}, true, nil
}

// Put stores item under namePath, replacing any previous entry, then evicts
// least-recently-used entries until the scope fits its budget.
func (c *Cache) Put(ctx context.Context, namePath string, item Item) error {
	packed := c.enc.EncodeAll(item.Data, nil)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO content (scope, name_path, modified_at, is_text, size, stored_size, data, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, name_path) DO UPDATE SET
		     modified_at = excluded.modified_at,
		     is_text = excluded.is_text,
		     size = excluded.size,
		     stored_size = excluded.stored_size,
		     data = excluded.data,
		     last_access = excluded.last_access`,
		c.scope, namePath, stamp(item.ModifiedAt), item.Text,
		len(item.Data), len(packed), packed, c.nextAccess(),
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return c.evict(ctx, namePath)
}

// evict removes the oldest entries of the scope until it fits maxBytes.
// keep is never evicted, so a single oversized entry stays usable.
func (c *Cache) evict(ctx context.Context, keep string) error {
	st, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	if c.maxBytes <= 0 || st.Bytes <= c.maxBytes {
		metrics.SetCacheBytes(st.Bytes)
		return nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT name_path, stored_size FROM content
		 WHERE scope = ? AND name_path != ?
		 ORDER BY last_access ASC`,
		c.scope, keep,
	)
	if err != nil {
		return fmt.Errorf("scan cache for eviction: %w", err)
	}
	var victims []string
	total := st.Bytes
	for rows.Next() && total > c.maxBytes {
		var (
			name string
			size int64
		)
		if err := rows.Scan(&name, &size); err != nil {
			rows.Close()
			return fmt.Errorf("scan cache for eviction: %w", err)
		}
		victims = append(victims, name)
		total -= size
	}
	rows.Close()

	if _, err := c.deleteKeys(ctx, victims); err != nil {
		return err
	}
	metrics.RecordCacheEviction(len(victims))
	metrics.SetCacheBytes(total)
	logging.WithContext(ctx).Debug("cache evicted",
		logging.Int("entries", len(victims)),
		logging.Int64("bytes", total),
	)
	return nil
}

func (c *Cache) deleteKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM content WHERE scope = ? AND name_path = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare cache delete: %w", err)
	}
	defer stmt.Close()

	deleted := 0
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, c.scope, k)
		if err != nil {
			return 0, fmt.Errorf("delete cache entry %q: %w", k, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache delete: %w", err)
	}
	return deleted, nil
}

// Invalidate drops the entry for namePath.
func (c *Cache) Invalidate(ctx context.Context, namePath string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM content WHERE scope = ? AND name_path = ?`, c.scope, namePath)
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// InvalidatePrefix drops the entry for namePath and every entry below it.
// The empty name path (the root) drops the whole scope.
func (c *Cache) InvalidatePrefix(ctx context.Context, namePath string) (int, error) {
	if namePath == "" {
		return c.Clear(ctx)
	}
	// Keys below namePath sort between "namePath/" and "namePath0" under
	// the BINARY collation, whatever bytes the name holds.
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM content
		 WHERE scope = ? AND (name_path = ? OR (name_path >= ? AND name_path < ?))`,
		c.scope, namePath, namePath+"/", namePath+"0",
	)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache prefix: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Retain drops every entry of the scope whose key is not in keep and
// returns how many were dropped.
func (c *Cache) Retain(ctx context.Context, keep map[string]bool) (int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name_path FROM content WHERE scope = ?`, c.scope)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fmt.Errorf("list cache keys: %w", err)
		}
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	rows.Close()
	return c.deleteKeys(ctx, stale)
}

// Keys returns the cached name paths of the scope, oldest access first.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name_path FROM content WHERE scope = ? ORDER BY last_access ASC`, c.scope)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list cache keys: %w", err)
		}
		keys = append(keys, name)
	}
	return keys, rows.Err()
}

// Stats returns entry count and sizes for the scope.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Scope: c.scope, MaxBytes: c.maxBytes}
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stored_size), 0), COALESCE(SUM(size), 0)
		 FROM content WHERE scope = ?`, c.scope,
	).Scan(&st.Entries, &st.Bytes, &st.RawBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}

// Clear drops every entry of the scope and returns how many were dropped.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM content WHERE scope = ?`, c.scope)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.SetCacheBytes(0)
	logging.WithContext(ctx).Info("cache cleared", logging.Root(c.scope), logging.Int("entries", int(n)))
	return int(n), nil
}
