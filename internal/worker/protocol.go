package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/types"
)

// Request opcodes.
const (
	OpDetect byte = 'D'
	OpEmbed  byte = 'E'
	OpModel  byte = 'M'
)

// Response status bytes.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

const maxFrameSize = 64 * 1024 * 1024

// checkStatus consumes the status byte. A worker-reported error is a normal,
// per-request failure and does not poison the connection.
func checkStatus(r *bytes.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return errors.New("empty worker response")
	}
	switch status {
	case StatusOK:
		return nil
	case StatusError:
		msg, err := readString(r)
		if err != nil {
			return fmt.Errorf("malformed worker error: %w", err)
		}
		return fmt.Errorf("worker error: %s", msg)
	default:
		return fmt.Errorf("unknown worker status %d", status)
	}
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > maxFrameSize {
		return "", fmt.Errorf("string of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDetections(body []byte) ([]faces.Detection, error) {
	r := bytes.NewReader(body)
	if err := checkStatus(r); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed detect response: %w", err)
	}
	// Each face is 4 x int32 + float32
	if int(n)*20 > r.Len() {
		return nil, fmt.Errorf("malformed detect response: %d faces announced, %d bytes left", n, r.Len())
	}
	out := make([]faces.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed detect response: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("malformed detect response: %w", err)
		}
		out = append(out, faces.Detection{
			Box:        types.BoundingBox{X: int(box[0]), Y: int(box[1]), Width: int(box[2]), Height: int(box[3])},
			Confidence: float64(conf),
		})
	}
	return out, nil
}

func decodeEmbedding(body []byte) ([]float32, error) {
	r := bytes.NewReader(body)
	if err := checkStatus(r); err != nil {
		return nil, err
	}
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("malformed embed response: %w", err)
	}
	if int(dim)*4 != r.Len() {
		return nil, fmt.Errorf("malformed embed response: dim %d with %d bytes", dim, r.Len())
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("malformed embed response: %w", err)
	}
	return vec, nil
}

func decodeModel(body []byte) (string, error) {
	r := bytes.NewReader(body)
	if err := checkStatus(r); err != nil {
		return "", err
	}
	name, err := readString(r)
	if err != nil {
		return "", fmt.Errorf("malformed model response: %w", err)
	}
	return name, nil
}

func encodeError(msg string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(StatusError)
	binary.Write(&buf, binary.BigEndian, uint32(len(msg)))
	buf.WriteString(msg)
	return buf.Bytes()
}

func encodeDetections(dets []faces.Detection) []byte {
	var buf bytes.Buffer
	buf.WriteByte(StatusOK)
	binary.Write(&buf, binary.BigEndian, uint32(len(dets)))
	for _, d := range dets {
		binary.Write(&buf, binary.BigEndian, [4]int32{int32(d.Box.X), int32(d.Box.Y), int32(d.Box.Width), int32(d.Box.Height)})
		binary.Write(&buf, binary.BigEndian, float32(d.Confidence))
	}
	return buf.Bytes()
}

func encodeEmbedding(vec []float32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(StatusOK)
	binary.Write(&buf, binary.BigEndian, uint32(len(vec)))
	binary.Write(&buf, binary.BigEndian, vec)
	return buf.Bytes()
}

func encodeModel(name string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(StatusOK)
	binary.Write(&buf, binary.BigEndian, uint32(len(name)))
	buf.WriteString(name)
	return buf.Bytes()
}
