package onnx

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DetectorInputSize = 640
	detectorAnchors   = 8400
	nmsIoU            = 0.45
)

// Detector runs a YOLO face model: input [1,3,640,640], output [1,5,8400] where the
// five rows are cx, cy, w, h (input pixels) and confidence.
type Detector struct {
	sess       *session
	confidence float64
}

// NewDetector loads the model at path. Detections below confidence are discarded.
func NewDetector(path string, confidence float64, threads int) (*Detector, error) {
	sess, err := newSession(path,
		ort.NewShape(1, 3, DetectorInputSize, DetectorInputSize),
		ort.NewShape(1, 5, detectorAnchors),
		threads)
	if err != nil {
		return nil, err
	}
	return &Detector{sess: sess, confidence: confidence}, nil
}

// Detect returns faces in img, in img's coordinate space, highest confidence first.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]faces.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return []faces.Detection{}, nil
	}

	resized := imaging.Resize(img, DetectorInputSize, DetectorInputSize, imaging.Linear)
	fillCHW(d.sess.in.GetData(), resized, func(v uint8) float32 { return float32(v) / 255.0 })

	if err := d.sess.s.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	scaleX := float64(bounds.Dx()) / DetectorInputSize
	scaleY := float64(bounds.Dy()) / DetectorInputSize
	dets := decodePredictions(d.sess.out.GetData(), detectorAnchors, d.confidence, scaleX, scaleY)
	dets = nonMaxSuppression(dets, nmsIoU)

	for i := range dets {
		dets[i].Box.X += bounds.Min.X
		dets[i].Box.Y += bounds.Min.Y
	}
	return dets, nil
}

// Close destroys the session.
func (d *Detector) Close() error {
	return d.sess.destroy()
}

// decodePredictions reads the channel-major YOLO output.
func decodePredictions(out []float32, anchors int, threshold, scaleX, scaleY float64) []faces.Detection {
	if len(out) < 5*anchors {
		return nil
	}
	dets := make([]faces.Detection, 0, 16)
	for i := 0; i < anchors; i++ {
		conf := float64(out[4*anchors+i])
		if conf < threshold {
			continue
		}
		cx, cy := float64(out[i]), float64(out[anchors+i])
		w, h := float64(out[2*anchors+i]), float64(out[3*anchors+i])

		x1 := (cx - w/2) * scaleX
		y1 := (cy - h/2) * scaleY
		x2 := (cx + w/2) * scaleX
		y2 := (cy + h/2) * scaleY
		dets = append(dets, faces.Detection{
			Box:        types.BoxFromRect(image.Rect(int(x1), int(y1), int(x2+0.5), int(y2+0.5))),
			Confidence: conf,
		})
	}
	return dets
}

// nonMaxSuppression keeps the most confident box of every overlapping cluster.
func nonMaxSuppression(dets []faces.Detection, threshold float64) []faces.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]faces.Detection, 0, len(dets))
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if iou(d.Box, k.Box) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b types.BoundingBox) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	in := float64(inter.Dx() * inter.Dy())
	union := float64(a.Area()+b.Area()) - in
	if union <= 0 {
		return 0
	}
	return in / union
}

// fillCHW writes an NRGBA image into a planar RGB buffer.
func fillCHW(dst []float32, img *image.NRGBA, conv func(uint8) float32) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4:]
			dst[i] = conv(p[0])
			dst[plane+i] = conv(p[1])
			dst[2*plane+i] = conv(p[2])
		}
	}
}
