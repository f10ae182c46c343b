// Package detect defines the detection-source boundary: per-camera streams
// of detection batches feeding the tracking engine.
package detect

import "time"

// Rect is a bounding box in percentage coordinates of the camera frame.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the box centre as normalized 0-1 coordinates.
func (r Rect) Center() (x, y float64) {
	return (r.X + r.Width/2) / 100, (r.Y + r.Height/2) / 100
}

// Detection is one detected object in a frame.
type Detection struct {
	Class       string  `json:"class"`
	Label       string  `json:"label,omitempty"`
	Confidence  float64 `json:"confidence"`
	Box         *Rect   `json:"box,omitempty"`
	Embedding   string  `json:"embedding,omitempty"` // base64 little-endian float32 vector
	DetectionID string  `json:"detection_id,omitempty"`
}

// Batch is one detection event from one camera.
type Batch struct {
	CameraID   string      `json:"camera_id"`
	CameraName string      `json:"camera_name,omitempty"`
	Detections []Detection `json:"detections"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Source yields detection batches for one or more cameras. Subscribe returns
// a channel that is closed when the source is exhausted or stopped.
type Source interface {
	Subscribe() (<-chan Batch, error)
	Close() error
}
