package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/castfinder/internal/annotate"
	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/matcher"
	"github.com/andresmejia3/castfinder/internal/types"
)

// centerDetector reports one face in the middle of every frame.
type centerDetector struct {
	calls  atomic.Int32
	closed atomic.Bool
}

func (d *centerDetector) Detect(ctx context.Context, img image.Image) ([]faces.Detection, error) {
	d.calls.Add(1)
	b := img.Bounds()
	return []faces.Detection{{
		Box:        types.BoundingBox{X: b.Dx() / 4, Y: b.Dy() / 4, Width: b.Dx() / 2, Height: b.Dy() / 2},
		Confidence: 0.9,
	}}, nil
}

func (d *centerDetector) Close() error {
	d.closed.Store(true)
	return nil
}

// colorEmbedder embeds a face as the RGB of its centre pixel.
type colorEmbedder struct {
	err    error
	closed atomic.Bool
}

func (e *colorEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2).RGBA()
	return []float32{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}, nil
}

func (e *colorEmbedder) Model() string { return "test-model" }

func (e *colorEmbedder) Close() error {
	e.closed.Store(true)
	return nil
}

func testGallery() *gallery.Gallery {
	return gallery.New("test-model", []gallery.Reference{
		{Name: "alice", Path: "alice/1.jpg", Vec: []float32{1, 0, 0}},
		{Name: "bob", Path: "bob/1.jpg", Vec: []float32{0, 0, 1}},
	})
}

func solidJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestUnit(t *testing.T, det *centerDetector, emb *colorEmbedder) (*FrameUnit, string, string) {
	t.Helper()
	outDir := t.TempDir()
	tmpDir := t.TempDir()
	m, err := matcher.New(emb, testGallery(), matcher.Config{TempDir: tmpDir, Threshold: 1.04})
	if err != nil {
		t.Fatal(err)
	}
	return &FrameUnit{
		Extractor: &faces.Extractor{Detector: det, MinConfidence: 0.5},
		Matcher:   m,
		Annotator: &annotate.Annotator{Dir: outDir},
		Logger:    logging.NewNop(),
		detector:  det,
		embedder:  emb,
	}, outDir, tmpDir
}

func TestFrameUnit_AcceptsAliceRejectsBob(t *testing.T) {
	det := &centerDetector{}
	unit, outDir, tmpDir := newTestUnit(t, det, &colorEmbedder{})

	frame := types.SampledFrame{Index: 3, Data: solidJPEG(t, color.NRGBA{R: 255, A: 255})}
	res, err := unit.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !slices.Equal(res.Identities, []string{"alice"}) {
		t.Errorf("Expected {alice}, got %v", res.Identities)
	}
	if res.Faces != 1 || res.Index != 3 {
		t.Errorf("Unexpected result %+v", res)
	}
	if _, err := os.Stat(filepath.Join(outDir, "frame_3.jpg")); err != nil {
		t.Errorf("Annotated frame not written: %v", err)
	}
	if left, _ := os.ReadDir(tmpDir); len(left) != 0 {
		t.Errorf("Temp artifacts left behind: %v", left)
	}
}

func TestFrameUnit_NoMatch(t *testing.T) {
	unit, _, _ := newTestUnit(t, &centerDetector{}, &colorEmbedder{})

	// Green is far from both references
	res, err := unit.Process(context.Background(), types.SampledFrame{Data: solidJPEG(t, color.NRGBA{G: 255, A: 255})})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Identities) != 0 || res.Faces != 1 {
		t.Errorf("Expected a face with no identity, got %+v", res)
	}
}

func TestFrameUnit_ReusesSampledFaces(t *testing.T) {
	det := &centerDetector{}
	unit, _, _ := newTestUnit(t, det, &colorEmbedder{})

	data := solidJPEG(t, color.NRGBA{B: 255, A: 255})
	img, err := faces.DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := (&faces.Extractor{Detector: &centerDetector{}}).Extract(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	res, err := unit.Process(context.Background(), types.SampledFrame{Data: data, Faces: cached})
	if err != nil {
		t.Fatal(err)
	}
	if det.calls.Load() != 0 {
		t.Errorf("Detector should not run again for frames with cached faces")
	}
	if !slices.Equal(res.Identities, []string{"bob"}) {
		t.Errorf("Expected {bob}, got %v", res.Identities)
	}
}

func TestFrameUnit_EmbedFailure(t *testing.T) {
	boom := errors.New("engine unavailable")
	unit, _, tmpDir := newTestUnit(t, &centerDetector{}, &colorEmbedder{err: boom})

	_, err := unit.Process(context.Background(), types.SampledFrame{Data: solidJPEG(t, color.White)})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected embed error, got %v", err)
	}
	if left, _ := os.ReadDir(tmpDir); len(left) != 0 {
		t.Errorf("Temp artifacts left behind after failure: %v", left)
	}
}

func TestFrameUnit_UndecodableFrame(t *testing.T) {
	unit, _, _ := newTestUnit(t, &centerDetector{}, &colorEmbedder{})
	if _, err := unit.Process(context.Background(), types.SampledFrame{Data: []byte("not a jpeg")}); err == nil {
		t.Fatal("Expected decode error")
	}
}

func TestFrameUnit_CloseSharedEngine(t *testing.T) {
	det := &centerDetector{}
	emb := &colorEmbedder{}
	unit, _, _ := newTestUnit(t, det, emb)
	if err := unit.Close(); err != nil {
		t.Fatal(err)
	}
	if !det.closed.Load() || !emb.closed.Load() {
		t.Error("Both engines should be closed")
	}
}

func testEngines(ctx context.Context, id int) (faces.Detector, matcher.Embedder, error) {
	return &centerDetector{}, &colorEmbedder{}, nil
}

func TestRun_MissingVideo(t *testing.T) {
	p := New(Config{OutputDir: t.TempDir()}, testEngines, testGallery(), logging.NewNop())
	if _, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatal("Expected error for a missing video")
	}
}

func TestRun_UndecodableVideo(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	video := filepath.Join(t.TempDir(), "garbage.mp4")
	if err := os.WriteFile(video, []byte("this is not a video container"), 0644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	p := New(Config{OutputDir: outDir, SampleSeconds: 0.5}, testEngines, testGallery(), logging.NewNop())
	analysis, err := p.Run(context.Background(), video)
	if err != nil {
		t.Fatalf("An undecodable video should give an empty analysis, got %v", err)
	}
	if analysis.TotalFrames != 0 {
		t.Errorf("Expected 0 frames, got %d", analysis.TotalFrames)
	}
	if analysis.Identities == nil || len(analysis.Identities) != 0 {
		t.Errorf("Expected an empty, non-nil identity set, got %#v", analysis.Identities)
	}
	if entries, _ := os.ReadDir(outDir); len(entries) != 0 {
		t.Errorf("No frames should be written, found %d files", len(entries))
	}
}

func TestRun_NoGallery(t *testing.T) {
	p := New(Config{}, testEngines, nil, logging.NewNop())
	_, err := p.Run(context.Background(), "video.mp4")
	if !errors.Is(err, gallery.ErrNoGallery) {
		t.Fatalf("Expected ErrNoGallery, got %v", err)
	}
}

func TestRun_EngineStartupFailure(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	video := makeVideo(t, "red")

	boom := errors.New("no onnxruntime")
	engines := func(ctx context.Context, id int) (faces.Detector, matcher.Embedder, error) {
		return nil, nil, boom
	}
	p := New(Config{OutputDir: t.TempDir(), SampleSeconds: 0.5}, engines, testGallery(), logging.NewNop())
	_, err := p.Run(context.Background(), video)
	if !errors.Is(err, ErrPoolFailure) || !errors.Is(err, boom) {
		t.Fatalf("Expected pool failure wrapping %v, got %v", boom, err)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	video := makeVideo(t, "red")
	outDir := t.TempDir()

	var sampled int
	p := New(Config{
		OutputDir:     outDir,
		TempDir:       t.TempDir(),
		SampleSeconds: 0.5,
		Workers:       2,
		Threshold:     1.04,
		MinConfidence: 0.5,
	}, testEngines, testGallery(), logging.NewNop())
	p.Hooks.OnSampled = func(n int) { sampled = n }

	analysis, err := p.Run(context.Background(), video)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 10 decoded frames at 10fps, one every 5
	if analysis.TotalFrames != 2 || sampled != 2 {
		t.Errorf("Expected 2 sampled frames, got %d (hook %d)", analysis.TotalFrames, sampled)
	}
	if !slices.Equal(analysis.Identities, []string{"alice"}) {
		t.Errorf("Expected {alice}, got %v", analysis.Identities)
	}
	if analysis.VideoID == "" {
		t.Error("Expected a video id")
	}
	for _, name := range []string{"frame_0.jpg", "frame_1.jpg"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Missing %s: %v", name, err)
		}
	}
}

// makeVideo renders a one second 64x64 clip of a solid colour at 10fps.
func makeVideo(t *testing.T, colour string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	cmd := exec.Command("ffmpeg", "-v", "error", "-y",
		"-f", "lavfi", "-i", "color=c="+colour+":s=64x64:d=1:r=10",
		"-c:v", "mjpeg", "-q:v", "2", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not render test clip: %v: %s", err, out)
	}
	return path
}
