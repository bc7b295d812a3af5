package store

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	// We use the official pgvector image to ensure the extension is available.
	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("castfinder_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	testcontainers.CleanupContainer(t, pgContainer)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Gallery mirror ---

	g := gallery.New("facenet512", []gallery.Reference{
		{Name: "alice", Path: "/gallery/alice/1.jpg", Hash: "a1", Vec: []float32{1, 0, 0}},
		{Name: "alice", Path: "/gallery/alice/2.jpg", Hash: "a2", Vec: []float32{0.9, 0.1, 0}},
		{Name: "bob", Path: "/gallery/bob/1.jpg", Hash: "b1", Vec: []float32{0, 0, 1}},
	})
	n, err := s.SyncGallery(ctx, g)
	if err != nil {
		t.Fatalf("SyncGallery failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 references stored, got %d", n)
	}

	// Exact match
	name, dist, err := s.FindClosestIdentity(ctx, "facenet512", []float32{2, 0, 0}, 1.04)
	if err != nil {
		t.Fatalf("FindClosestIdentity failed: %v", err)
	}
	if name != "alice" || dist > 1e-6 {
		t.Errorf("Expected alice at distance 0, got %q at %f", name, dist)
	}

	// Green is sqrt(2) from every reference, outside the threshold
	name, _, err = s.FindClosestIdentity(ctx, "facenet512", []float32{0, 1, 0}, 1.04)
	if err != nil {
		t.Fatalf("FindClosestIdentity error: %v", err)
	}
	if name != "" {
		t.Errorf("Expected no match, got %q", name)
	}

	// Other models are invisible
	name, _, err = s.FindClosestIdentity(ctx, "arcface", []float32{1, 0, 0}, 1.04)
	if err != nil || name != "" {
		t.Errorf("Expected no match for another model, got %q, %v", name, err)
	}

	// Re-syncing a smaller gallery drops stale references
	g2 := gallery.New("facenet512", []gallery.Reference{
		{Name: "alice", Path: "/gallery/alice/1.jpg", Hash: "a1", Vec: []float32{1, 0, 0}},
		{Name: "bob", Path: "/gallery/bob/1.jpg", Hash: "b1", Vec: []float32{0, 0, 1}},
	})
	if _, err := s.SyncGallery(ctx, g2); err != nil {
		t.Fatalf("SyncGallery failed: %v", err)
	}

	// --- Analyses ---

	analysis := types.VideoAnalysis{
		VideoID:     "vid_123",
		TotalFrames: 3,
		Identities:  []string{"alice", "bob"},
		Frames: []types.FrameResult{
			{Index: 0, Identities: []string{"alice"}},
			{Index: 1, Identities: []string{}},
			{Index: 2, Identities: []string{"alice", "bob"}},
		},
	}
	if err := s.SaveAnalysis(ctx, "/tmp/video.mp4", analysis); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}
	// Saving twice must not duplicate rows
	if err := s.SaveAnalysis(ctx, "/tmp/video.mp4", analysis); err != nil {
		t.Fatalf("SaveAnalysis (again) failed: %v", err)
	}

	apps, err := s.FindAppearances(ctx, "alice")
	if err != nil {
		t.Fatalf("FindAppearances failed: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("Expected 1 video, got %d", len(apps))
	}
	if apps[0].VideoPath != "/tmp/video.mp4" || !slices.Equal(apps[0].Frames, []int{0, 2}) {
		t.Errorf("Unexpected appearance %+v", apps[0])
	}

	identities, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities failed: %v", err)
	}
	if len(identities) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(identities))
	}
	if identities[0].Name != "alice" || identities[0].References != 1 || identities[0].Videos != 1 {
		t.Errorf("Unexpected identity %+v", identities[0])
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListIdentities(ctx); err == nil {
		t.Error("Expected tables to be gone after Reset")
	}
}
