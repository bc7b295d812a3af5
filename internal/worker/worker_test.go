package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(responses ...[]byte) (*Worker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, body := range responses {
		// Write the length header (Big Endian uint32) and the body
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(body)))
		dataPipeMock.Write(body)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &Worker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func testImage() image.Image {
	return image.NewGray(image.Rect(0, 0, 8, 8))
}

func TestDetect(t *testing.T) {
	resp := encodeDetections([]faces.Detection{
		{Box: types.BoundingBox{X: 10, Y: 10, Width: 20, Height: 20}, Confidence: 0.99},
		{Box: types.BoundingBox{X: 40, Y: 5, Width: 8, Height: 9}, Confidence: 0.6},
	})
	w, stdin := newMockWorker(resp)

	dets, err := w.Detect(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent a well formed request TO the worker
	sent := stdin.Bytes()
	if len(sent) < 6 {
		t.Fatalf("Request too short: %d bytes", len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); int(n) != len(sent)-4 {
		t.Errorf("Length header %d does not match body %d", n, len(sent)-4)
	}
	if sent[4] != OpDetect {
		t.Errorf("Expected op %q, got %q", OpDetect, sent[4])
	}
	if sent[5] != 0xFF || sent[6] != 0xD8 {
		t.Errorf("Expected JPEG payload, got % X", sent[5:7])
	}

	// Verify Go read the correct data FROM the worker
	if len(dets) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(dets))
	}
	if dets[1].Box != (types.BoundingBox{X: 40, Y: 5, Width: 8, Height: 9}) {
		t.Errorf("Unexpected box %+v", dets[1].Box)
	}
	// Use epsilon for float comparison
	if math.Abs(dets[0].Confidence-0.99) > 1e-6 {
		t.Errorf("Expected confidence approx 0.99, got %f", dets[0].Confidence)
	}
}

func TestEmbed(t *testing.T) {
	vec := make([]float32, 512)
	vec[0] = 0.5
	w, stdin := newMockWorker(encodeEmbedding(vec))

	got, err := w.Embed(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if stdin.Bytes()[4] != OpEmbed {
		t.Errorf("Expected op %q", OpEmbed)
	}
	if len(got) != 512 || got[0] != 0.5 {
		t.Errorf("Unexpected embedding: len=%d first=%v", len(got), got[0])
	}
}

func TestWorkerError(t *testing.T) {
	errMsg := "Exception: model not loaded"
	w, _ := newMockWorker(encodeError(errMsg), encodeModel("Facenet512"))

	_, err := w.Detect(context.Background(), testImage())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "worker error: "+errMsg, err)
	}
	if errors.Is(err, ErrWorkerCrashed) {
		t.Error("A reported error must not be treated as a crash")
	}

	// The connection is still usable afterwards
	model, err := w.QueryModel(context.Background())
	if err != nil || model != "Facenet512" {
		t.Errorf("QueryModel after error = %q, %v", model, err)
	}
}

func TestMalformedResponse(t *testing.T) {
	w, _ := newMockWorker([]byte{StatusOK, 0, 0, 0, 3})
	_, err := w.Detect(context.Background(), testImage())
	if err == nil || errors.Is(err, ErrWorkerCrashed) {
		t.Errorf("Expected a protocol error, got %v", err)
	}
}

func TestCrash(t *testing.T) {
	// Nothing in the data pipe: the worker died before answering
	w, _ := newMockWorker()

	_, err := w.Embed(context.Background(), testImage())
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("Expected ErrWorkerCrashed, got %v", err)
	}
	_, err = w.Embed(context.Background(), testImage())
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Errorf("A crashed worker must stay crashed, got %v", err)
	}
}

func TestReadTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &Worker{
		ID:       2,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pr,
		timeout:  20 * time.Millisecond,
	}

	start := time.Now()
	_, err := w.Detect(context.Background(), testImage())
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("Expected ErrWorkerCrashed on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Timeout was not enforced")
	}
}

func TestContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &Worker{ID: 3, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pr}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Embed(ctx, testImage())
	if !errors.Is(err, ErrWorkerCrashed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected crash wrapping deadline, got %v", err)
	}
}

type fakeEngine struct {
	embedErr error
}

func (f *fakeEngine) Detect(ctx context.Context, img image.Image) ([]faces.Detection, error) {
	b := img.Bounds()
	return []faces.Detection{{Box: types.BoundingBox{Width: b.Dx(), Height: b.Dy()}, Confidence: 0.75}}, nil
}

func (f *fakeEngine) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, 2, 3}, nil
}

func (f *fakeEngine) Model() string { return "Facenet512" }

func TestServeRoundTrip(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	engine := &fakeEngine{}

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), reqR, respW, engine, logging.NewNop())
	}()

	w := &Worker{ID: 4, Stdin: reqW, DataPipe: respR, timeout: time.Second}
	ctx := context.Background()

	model, err := w.QueryModel(ctx)
	if err != nil || model != "Facenet512" {
		t.Fatalf("QueryModel = %q, %v", model, err)
	}

	dets, err := w.Detect(ctx, testImage())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Box.Width != 8 {
		t.Errorf("Unexpected detections %+v", dets)
	}

	vec, err := w.Embed(ctx, testImage())
	if err != nil || len(vec) != 3 || vec[2] != 3 {
		t.Errorf("Embed = %v, %v", vec, err)
	}

	engine.embedErr = errors.New("no face aligned")
	if _, err := w.Embed(ctx, testImage()); err == nil || err.Error() != "worker error: no face aligned" {
		t.Errorf("Expected relayed engine error, got %v", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve should exit cleanly on EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after stdin closed")
	}
}

func TestServeUnknownOp(t *testing.T) {
	var in, out bytes.Buffer
	writeFrame(&in, 'X', nil)
	if err := Serve(context.Background(), &in, &out, &fakeEngine{}, logging.NewNop()); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	body, err := readFrame(&out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeModel(body); err == nil {
		t.Error("Expected unknown op to produce an error response")
	}
}
