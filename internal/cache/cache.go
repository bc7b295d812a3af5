package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists reference embeddings keyed by image content hash and model name, so
// a gallery is only embedded once per model.
type Cache struct {
	db   *sql.DB
	path string
}

// Open creates or opens the cache database at path. ":memory:" gives a private
// in-process cache.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Gallery indexing writes from several goroutines; one connection keeps sqlite happy.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	c := &Cache{db: db, path: path}
	if err := c.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS embeddings (
			hash TEXT NOT NULL,
			model TEXT NOT NULL,
			dim INTEGER NOT NULL,
			vector BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (hash, model)
		)`)
	if err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	return nil
}

// Path returns the database location.
func (c *Cache) Path() string {
	return c.path
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached embedding for (hash, model). ok is false on a miss.
func (c *Cache) Get(ctx context.Context, hash, model string) (vec []float32, ok bool, err error) {
	var dim int
	var blob []byte
	err = c.db.QueryRowContext(ctx,
		`SELECT dim, vector FROM embeddings WHERE hash = ? AND model = ?`, hash, model,
	).Scan(&dim, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding: %w", err)
	}

	vec, err = decodeVector(blob, dim)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores or replaces the embedding for (hash, model).
func (c *Cache) Put(ctx context.Context, hash, model string, vec []float32) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embeddings (hash, model, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hash, model) DO UPDATE SET dim = excluded.dim, vector = excluded.vector, created_at = excluded.created_at`,
		hash, model, len(vec), encodeVector(vec), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	return nil
}

// Len counts cached embeddings across all models.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// Purge deletes every cached embedding.
func (c *Cache) Purge(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("purge embeddings: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("corrupt embedding: %d bytes for dim %d", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}
