package annotate

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var boxColor = color.NRGBA{G: 255, A: 255}

const (
	strokeWidth    = 2
	labelOffset    = 10
	defaultQuality = 90
)

// Annotator writes one annotated JPEG per sampled frame.
type Annotator struct {
	Dir       string
	SkipEmpty bool // don't write frames without faces
	Quality   int
}

// FrameName is the file name used for the frame with the given sample index.
func FrameName(index int) string {
	return fmt.Sprintf("frame_%d.jpg", index)
}

// Path is where the frame with the given sample index is written.
func (a *Annotator) Path(index int) string {
	return filepath.Join(a.Dir, FrameName(index))
}

// Annotate draws every face box and, where labels[i] is non-empty, that face's name,
// then writes Dir/frame_<index>.jpg. It returns the written path, or "" when the frame
// was skipped. Rewriting the same index replaces the file.
func (a *Annotator) Annotate(frame image.Image, index int, faces []types.FaceDetection, labels []string) (string, error) {
	if a.SkipEmpty && len(faces) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	quality := a.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	path := a.Path(index)
	if err := imaging.Save(Draw(frame, faces, labels), path, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Draw returns an annotated copy of frame. The input is left untouched.
func Draw(frame image.Image, faces []types.FaceDetection, labels []string) *image.NRGBA {
	dst := imaging.Clone(frame)
	offset := frame.Bounds().Min

	for i, f := range faces {
		r := f.Box.Rect().Sub(offset).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		drawRect(dst, r)
		if i < len(labels) && labels[i] != "" {
			drawLabel(dst, r, labelText(labels[i]))
		}
	}
	return dst
}

func drawRect(img *image.NRGBA, r image.Rectangle) {
	for t := 0; t < strokeWidth; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, r.Min.Y+t, boxColor)
			img.SetNRGBA(x, r.Max.Y-1-t, boxColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetNRGBA(r.Min.X+t, y, boxColor)
			img.SetNRGBA(r.Max.X-1-t, y, boxColor)
		}
	}
}

func drawLabel(img *image.NRGBA, box image.Rectangle, text string) {
	face := basicfont.Face7x13
	baseline := box.Min.Y - labelOffset
	// Not enough room above the box: write inside it instead
	if baseline-face.Ascent < 0 {
		baseline = box.Min.Y + face.Ascent + strokeWidth
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(boxColor),
		Face: face,
		Dot:  fixed.P(box.Min.X, baseline),
	}
	d.DrawString(text)
}

// labelText renders an identity in the ASCII range the bitmap font covers.
func labelText(identity string) string {
	return gallery.RemoveDiacritics(gallery.DisplayName(identity))
}
