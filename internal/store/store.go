package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store mirrors the gallery and past analyses into PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
}

// Identity summarises one gallery identity.
type Identity struct {
	Name       string
	References int
	Videos     int
	CreatedAt  time.Time
}

// Appearance lists the sampled frames of one video in which an identity was found.
type Appearance struct {
	VideoID   string
	VideoPath string
	Frames    []int
	IndexedAt time.Time
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			total_frames INT NOT NULL DEFAULT 0,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS gallery_faces (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			hash TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (path, model)
		);
		CREATE TABLE IF NOT EXISTS frame_identities (
			id BIGSERIAL PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			identity TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS frame_identities_video_id_idx ON frame_identities (video_id);
		CREATE INDEX IF NOT EXISTS frame_identities_identity_idx ON frame_identities (identity);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SyncGallery upserts every reference of g and removes rows for the same model whose
// image is no longer part of the gallery. It returns the number of references stored.
func (s *Store) SyncGallery(ctx context.Context, g *gallery.Gallery) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	refs := g.References()
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		_, err := tx.Exec(ctx, `
			INSERT INTO gallery_faces (name, path, hash, model, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (path, model) DO UPDATE
			SET name = EXCLUDED.name, hash = EXCLUDED.hash, embedding = EXCLUDED.embedding
		`, r.Name, r.Path, r.Hash, g.Model(), pgvector.NewVector(r.Vec))
		if err != nil {
			return 0, fmt.Errorf("store reference %s: %w", r.Path, err)
		}
		paths = append(paths, r.Path)
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM gallery_faces WHERE model = $1 AND NOT (path = ANY($2))",
		g.Model(), paths); err != nil {
		return 0, err
	}

	return len(refs), tx.Commit(ctx)
}

// FindClosestIdentity searches for the nearest gallery reference embedded with model.
// Returns an empty name if the closest reference is not within threshold.
func (s *Store) FindClosestIdentity(ctx context.Context, model string, vec []float32, threshold float64) (string, float64, error) {
	// <-> is the euclidean distance operator in pgvector; on unit vectors it matches euclidean_l2
	query := `
		SELECT name, embedding <-> $1 AS distance
		FROM gallery_faces
		WHERE model = $2
		ORDER BY embedding <-> $1 ASC
		LIMIT 1
	`

	var name string
	var dist float64
	err := s.pool.QueryRow(ctx, query, pgvector.NewVector(utils.Normalize(vec)), model).Scan(&name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if dist >= threshold {
		return "", dist, nil
	}
	return name, dist, nil
}

// SaveAnalysis records which identities were found in which sampled frames. Saving the
// same video again replaces the previous rows.
func (s *Store) SaveAnalysis(ctx context.Context, path string, a types.VideoAnalysis) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Clean up old data to keep re-analysis idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM frame_identities WHERE video_id = $1", a.VideoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO video_metadata (id, path, total_frames, indexed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path, total_frames = EXCLUDED.total_frames
	`, a.VideoID, path, a.TotalFrames); err != nil {
		return err
	}

	var rows [][]any
	for _, f := range a.Frames {
		for _, id := range f.Identities {
			rows = append(rows, []any{a.VideoID, f.Index, id})
		}
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"frame_identities"},
			[]string{"video_id", "frame_index", "identity"},
			pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert frame identities: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListIdentities returns every identity in the stored gallery with its reference count
// and the number of analysed videos it appeared in.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.name, COUNT(*), MIN(g.created_at),
			(SELECT COUNT(DISTINCT f.video_id) FROM frame_identities f WHERE f.identity = g.name)
		FROM gallery_faces g
		GROUP BY g.name
		ORDER BY g.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.Name, &i.References, &i.CreatedAt, &i.Videos); err != nil {
			return nil, err
		}
		identities = append(identities, i)
	}
	return identities, rows.Err()
}

// FindAppearances lists the analysed videos in which name was recognised, most recent
// first.
func (s *Store) FindAppearances(ctx context.Context, name string) ([]Appearance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.path, v.indexed_at, array_agg(DISTINCT f.frame_index ORDER BY f.frame_index)
		FROM frame_identities f
		JOIN video_metadata v ON v.id = f.video_id
		WHERE f.identity = $1
		GROUP BY v.id, v.path, v.indexed_at
		ORDER BY v.indexed_at DESC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appearance
	for rows.Next() {
		var a Appearance
		var frames []int32
		if err := rows.Scan(&a.VideoID, &a.VideoPath, &a.IndexedAt, &frames); err != nil {
			return nil, err
		}
		for _, f := range frames {
			a.Frames = append(a.Frames, int(f))
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS frame_identities CASCADE;
		DROP TABLE IF EXISTS gallery_faces CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
