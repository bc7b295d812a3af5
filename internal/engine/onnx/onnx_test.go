package onnx

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/types"
)

func TestDecodePredictions(t *testing.T) {
	const anchors = 4
	out := make([]float32, 5*anchors)
	set := func(i int, cx, cy, w, h, conf float32) {
		out[i], out[anchors+i], out[2*anchors+i], out[3*anchors+i], out[4*anchors+i] = cx, cy, w, h, conf
	}
	set(0, 320, 320, 100, 200, 0.9)
	set(1, 10, 10, 4, 4, 0.3) // below threshold
	set(3, 100, 50, 40, 20, 0.51)

	// Original frame is 1280x320: x is scaled by 2, y by 0.5
	dets := decodePredictions(out, anchors, 0.5, 2.0, 0.5)
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	want := types.BoundingBox{X: 540, Y: 110, Width: 200, Height: 100}
	if dets[0].Box != want {
		t.Errorf("Expected %+v, got %+v", want, dets[0].Box)
	}
	if math.Abs(dets[0].Confidence-0.9) > 1e-6 {
		t.Errorf("Unexpected confidence %v", dets[0].Confidence)
	}
}

func TestDecodePredictions_ShortOutput(t *testing.T) {
	if dets := decodePredictions(make([]float32, 3), 8400, 0.5, 1, 1); dets != nil {
		t.Errorf("Expected nil for truncated output, got %v", dets)
	}
}

func TestIoU(t *testing.T) {
	a := types.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}
	tests := []struct {
		name string
		b    types.BoundingBox
		want float64
	}{
		{"identical", a, 1},
		{"disjoint", types.BoundingBox{X: 20, Y: 20, Width: 5, Height: 5}, 0},
		{"half overlap", types.BoundingBox{X: 5, Y: 0, Width: 10, Height: 10}, 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iou(a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("iou = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNonMaxSuppression(t *testing.T) {
	dets := []faces.Detection{
		{Box: types.BoundingBox{X: 1, Y: 1, Width: 10, Height: 10}, Confidence: 0.7},
		{Box: types.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}, Confidence: 0.9},
		{Box: types.BoundingBox{X: 50, Y: 50, Width: 10, Height: 10}, Confidence: 0.6},
	}
	kept := nonMaxSuppression(dets, nmsIoU)
	if len(kept) != 2 {
		t.Fatalf("Expected 2 boxes after NMS, got %d", len(kept))
	}
	if kept[0].Confidence != 0.9 || kept[1].Confidence != 0.6 {
		t.Errorf("Wrong boxes kept: %+v", kept)
	}
}

func TestFillCHW(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})

	dst := make([]float32, 6)
	fillCHW(dst, img, func(v uint8) float32 { return float32(v) })
	want := []float32{255, 0, 0, 255, 128, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("fillCHW = %v, want %v", dst, want)
		}
	}
}

func TestStandardise(t *testing.T) {
	if got := standardise(255); math.Abs(float64(got)-0.99609375) > 1e-6 {
		t.Errorf("standardise(255) = %v", got)
	}
	if got := standardise(0); math.Abs(float64(got)+0.99609375) > 1e-6 {
		t.Errorf("standardise(0) = %v", got)
	}
}
