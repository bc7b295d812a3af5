package types

import "image"

// VideoInfo describes the source a frame was sampled from.
type VideoInfo struct {
	Path     string
	FPS      float64
	Interval int // decoded frames between two samples
}

// SampledFrame is a single frame selected by the sampler and handed to exactly one worker.
type SampledFrame struct {
	Index  int    // 0-based sample index
	Data   []byte // JPEG bytes as produced by the decoder
	Source VideoInfo

	// Faces holds detections made while sampling (face-presence policy).
	// Nil means the frame has not been through a detector yet.
	Faces []FaceDetection
}

// BoundingBox is a face region in pixel coordinates of its parent frame.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area returns the pixel area of the box.
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// BoxFromRect converts an image.Rectangle to a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// FaceDetection is a cropped face plus its location. It lives only for one frame unit.
type FaceDetection struct {
	Image      *image.NRGBA // 8-bit channels, ready to persist
	Box        BoundingBox
	Confidence float64
}

// GalleryEntry is one known identity and its reference images on disk.
type GalleryEntry struct {
	Name   string
	Images []string
}

// MatchResult is one candidate identity for a detected face.
type MatchResult struct {
	Identity  string  `json:"identity"`
	Reference string  `json:"reference"` // reference image that produced the best distance
	Distance  float64 `json:"distance"`
	Accepted  bool    `json:"accepted"`
}

// FrameResult is the outcome of processing one sampled frame.
type FrameResult struct {
	Index      int      `json:"index"`
	Identities []string `json:"identities"`
	Faces      int      `json:"faces"`
	Err        string   `json:"error,omitempty"`
}

// VideoAnalysis is the final output of one video run.
type VideoAnalysis struct {
	VideoID     string        `json:"video_id,omitempty"`
	TotalFrames int           `json:"total_frames"`
	Identities  []string      `json:"identities"`
	Frames      []FrameResult `json:"frames,omitempty"`
}
