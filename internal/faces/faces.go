package faces

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/disintegration/imaging"
)

// Detection is a raw detector hit in the coordinates of the image passed to Detect.
type Detection struct {
	Box        types.BoundingBox
	Confidence float64
}

// Detector locates faces in an image. Implementations are not required to be safe for
// concurrent use; the dispatcher gives every worker its own instance.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// Extractor turns detector output into cropped faces ready for embedding.
type Extractor struct {
	Detector      Detector
	MinConfidence float64
}

// Extract returns every face in img above MinConfidence. Boxes are clipped to the
// frame and boxes that end up empty are dropped. A frame without faces yields an empty
// slice and no error.
func (e *Extractor) Extract(ctx context.Context, img image.Image) ([]types.FaceDetection, error) {
	dets, err := e.Detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	bounds := img.Bounds()
	out := make([]types.FaceDetection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < e.MinConfidence {
			continue
		}
		r := d.Box.Rect().Canon().Intersect(bounds)
		if r.Empty() {
			continue
		}
		out = append(out, types.FaceDetection{
			// Crop always yields 8-bit NRGBA, whatever the source colour model was
			Image:      imaging.Crop(img, r),
			Box:        types.BoxFromRect(r),
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

// Largest returns the face with the biggest box. ok is false for an empty slice.
func Largest(faces []types.FaceDetection) (best types.FaceDetection, ok bool) {
	for i, f := range faces {
		if i == 0 || f.Box.Area() > best.Box.Area() {
			best = f
			ok = true
		}
	}
	return best, ok
}

// DecodeFrame decodes a sampled JPEG (or any registered format) and applies EXIF
// orientation so boxes line up with what a viewer shows.
func DecodeFrame(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// LoadImage reads an image file from disk with the same decoding rules as DecodeFrame.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return img, nil
}
