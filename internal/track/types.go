// Package track owns the authoritative tracking state: the tracked objects,
// their lifecycle state machine, and the by-camera visibility index.
package track

import "time"

// State is the lifecycle state of a tracked object.
type State string

const (
	StateActive  State = "active"  // Visible on at least one camera
	StatePending State = "pending" // Left an exit-point frame edge, awaiting re-correlation
	StateExited  State = "exited"  // Finalized: left the property
	StateLost    State = "lost"    // Finalized: dropped without a clean exit
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateExited || s == StateLost
}

// Position is a normalized frame position, 0-1 on each axis.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sighting is one detection event tied to one camera and one instant.
// Immutable once created.
type Sighting struct {
	CameraID    string    `json:"camera_id"`
	CameraName  string    `json:"camera_name,omitempty"`
	Class       string    `json:"class"`
	Label       string    `json:"label,omitempty"`
	Confidence  float64   `json:"confidence"`
	Embedding   string    `json:"embedding,omitempty"` // base64 little-endian float32 vector
	Position    *Position `json:"position,omitempty"`
	DetectionID string    `json:"detection_id,omitempty"` // stream-scoped, for same-camera continuity
	Timestamp   time.Time `json:"timestamp"`
}

// Journey records one cross-camera transition of a tracked object.
type Journey struct {
	FromCameraID   string    `json:"from_camera_id"`
	FromCameraName string    `json:"from_camera_name,omitempty"`
	ToCameraID     string    `json:"to_camera_id"`
	ToCameraName   string    `json:"to_camera_name,omitempty"`
	ExitedAt       time.Time `json:"exited_at"`
	EnteredAt      time.Time `json:"entered_at"`
	TransitMs      int64     `json:"transit_ms"`
	Confidence     float64   `json:"confidence"`
}

// TrackedObject is the unit of identity across cameras. Owned exclusively by
// the Store; callers receive copies.
type TrackedObject struct {
	ID            string          `json:"id"`
	Class         string          `json:"class"`
	Label         string          `json:"label,omitempty"`
	Sightings     []Sighting      `json:"sightings"`
	Journeys      []Journey       `json:"journeys,omitempty"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastSeen      time.Time       `json:"last_seen"`
	ActiveCameras map[string]bool `json:"active_cameras,omitempty"`
	EntryCameraID string          `json:"entry_camera_id,omitempty"`
	ExitCameraID  string          `json:"exit_camera_id,omitempty"`
	Descriptor    string          `json:"descriptor,omitempty"` // first embedding seen
	State         State           `json:"state"`
}

// LastSighting returns the most recent sighting, or nil if there is none.
func (o *TrackedObject) LastSighting() *Sighting {
	if len(o.Sightings) == 0 {
		return nil
	}
	return &o.Sightings[len(o.Sightings)-1]
}

// VisibleFor returns how long the object has been continuously tracked.
func (o *TrackedObject) VisibleFor() time.Duration {
	return o.LastSeen.Sub(o.FirstSeen)
}

// clone deep-copies the object so store internals never leak to callers.
func (o *TrackedObject) clone() *TrackedObject {
	c := *o
	c.Sightings = append([]Sighting(nil), o.Sightings...)
	c.Journeys = append([]Journey(nil), o.Journeys...)
	c.ActiveCameras = make(map[string]bool, len(o.ActiveCameras))
	for k, v := range o.ActiveCameras {
		c.ActiveCameras[k] = v
	}
	return &c
}
