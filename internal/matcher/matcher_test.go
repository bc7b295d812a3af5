package matcher

import (
	"context"
	"errors"
	"image"
	"os"
	"slices"
	"testing"

	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/types"
)

// fixedEmbedder returns the same vector for every face and records how many temp
// artifacts existed while it ran.
type fixedEmbedder struct {
	vec      []float32
	err      error
	model    string
	dir      string
	seenTemp int
}

func (f *fixedEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if f.dir != "" {
		entries, _ := os.ReadDir(f.dir)
		f.seenTemp = len(entries)
	}
	return f.vec, f.err
}

func (f *fixedEmbedder) Model() string { return f.model }

func aliceBob() *gallery.Gallery {
	return gallery.New("Facenet512", []gallery.Reference{
		{Name: "alice", Path: "gallery/alice/1.jpg", Vec: []float32{1, 0}},
		{Name: "bob", Path: "gallery/bob/1.jpg", Vec: []float32{0, 1}},
	})
}

func crop() image.Image {
	return image.NewNRGBA(image.Rect(0, 0, 12, 12))
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no temp artifacts left in %s, found %d", dir, len(entries))
	}
}

func TestMatch_AcceptsAliceRejectsBob(t *testing.T) {
	dir := t.TempDir()
	emb := &fixedEmbedder{vec: []float32{1, 0.05}, model: "Facenet512", dir: dir}
	m, err := New(emb, aliceBob(), Config{TempDir: dir, Threshold: 1.04})
	if err != nil {
		t.Fatal(err)
	}

	results, err := m.Match(context.Background(), 3, 0, crop())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(results))
	}
	if results[0].Identity != "alice" || !results[0].Accepted {
		t.Errorf("Expected alice accepted first, got %+v", results[0])
	}
	if results[1].Identity != "bob" || results[1].Accepted {
		t.Errorf("Expected bob rejected, got %+v", results[1])
	}
	if !slices.Equal(Names(results), []string{"alice"}) {
		t.Errorf("Names = %v", Names(results))
	}

	if emb.seenTemp != 1 {
		t.Errorf("Expected exactly one artifact during embedding, saw %d", emb.seenTemp)
	}
	assertEmpty(t, dir)
}

func TestMatch_RemovesArtifactOnError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("engine exploded")
	m, _ := New(&fixedEmbedder{err: boom}, aliceBob(), Config{TempDir: dir, Threshold: 1.04})

	_, err := m.Match(context.Background(), 0, 1, crop())
	if !errors.Is(err, boom) {
		t.Fatalf("Expected embed error, got %v", err)
	}
	assertEmpty(t, dir)
}

func TestMatch_EmptyGallery(t *testing.T) {
	dir := t.TempDir()
	emb := &fixedEmbedder{vec: []float32{1, 0}}
	m, err := New(emb, gallery.New("", nil), Config{TempDir: dir, Threshold: 1.04})
	if err != nil {
		t.Fatal(err)
	}
	results, err := m.Match(context.Background(), 0, 0, crop())
	if err != nil {
		t.Fatalf("Expected no error for empty gallery, got %v", err)
	}
	if len(results) != 0 || len(Names(results)) != 0 {
		t.Errorf("Expected no matches, got %+v", results)
	}
	assertEmpty(t, dir)
}

func TestMatch_Idempotent(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(&fixedEmbedder{vec: []float32{0.7, 0.7}}, aliceBob(), Config{TempDir: dir, Threshold: 1.04})

	a, _ := m.Match(context.Background(), 1, 0, crop())
	b, _ := m.Match(context.Background(), 1, 0, crop())
	if !slices.Equal(a, b) {
		t.Errorf("Same crop and gallery must give the same decision: %v vs %v", a, b)
	}
}

func TestNew_ModelMismatch(t *testing.T) {
	_, err := New(&fixedEmbedder{model: "ArcFace"}, aliceBob(), Config{})
	if !errors.Is(err, ErrModelMismatch) {
		t.Errorf("Expected ErrModelMismatch, got %v", err)
	}
}

func TestMatch_TopK(t *testing.T) {
	g := gallery.New("", []gallery.Reference{
		{Name: "a", Vec: []float32{1, 0, 0}},
		{Name: "b", Vec: []float32{0, 1, 0}},
		{Name: "c", Vec: []float32{0, 0, 1}},
	})
	m, _ := New(&fixedEmbedder{vec: []float32{1, 0, 0}}, g, Config{TempDir: t.TempDir(), Threshold: 1, TopK: 1})
	results, _ := m.Match(context.Background(), 0, 0, crop())
	if len(results) != 2 {
		t.Fatalf("Expected the accepted match plus TopK=1 rejected, got %d", len(results))
	}
	if !results[0].Accepted || results[1].Accepted {
		t.Errorf("Unexpected acceptance flags: %+v", results)
	}
}

func TestMatch_TopKDoesNotCapAccepted(t *testing.T) {
	var refs []gallery.Reference
	var want []string
	for i := 0; i < 7; i++ {
		name := string(rune('a' + i))
		refs = append(refs, gallery.Reference{Name: name, Vec: []float32{1, float32(i) / 20}})
		want = append(want, name)
	}
	g := gallery.New("", refs)

	m, _ := New(&fixedEmbedder{vec: []float32{1, 0}}, g, Config{TempDir: t.TempDir(), Threshold: 1.04, TopK: 5})
	results, err := m.Match(context.Background(), 0, 0, crop())
	if err != nil {
		t.Fatal(err)
	}
	if got := Names(results); !slices.Equal(got, want) {
		t.Errorf("Expected every identity under the threshold, got %v", got)
	}
}

func TestBestAndAccepted(t *testing.T) {
	results := []types.MatchResult{
		{Identity: "bob", Distance: 0.9, Accepted: true},
		{Identity: "alice", Distance: 0.4, Accepted: true},
		{Identity: "carol", Distance: 0.1, Accepted: false},
	}
	best, ok := Best(results)
	if !ok || best.Identity != "alice" {
		t.Errorf("Best = %+v, %v", best, ok)
	}
	if len(Accepted(results)) != 2 {
		t.Errorf("Accepted kept %d", len(Accepted(results)))
	}
	if _, ok := Best(results[2:]); ok {
		t.Error("Best of only rejected results should report !ok")
	}
	if !slices.Equal(Names(append(results, results...)), []string{"alice", "bob"}) {
		t.Errorf("Names must be distinct and sorted")
	}
}
