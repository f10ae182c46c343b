// Package topology models the camera graph of a property: nodes for cameras
// and connections carrying expected transit-time ranges and optional
// exit/entry zones. The tracking engine consults it for correlation scoring
// and the transit-learning loop occasionally mutates it.
package topology

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Camera is one node in the property graph.
type Camera struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsEntryPoint bool   `json:"is_entry_point,omitempty"`
	IsExitPoint  bool   `json:"is_exit_point,omitempty"`
}

// TransitRange is the expected transit-time envelope for a connection, in
// milliseconds.
type TransitRange struct {
	MinMs     float64 `json:"min_ms"`
	TypicalMs float64 `json:"typical_ms"`
	MaxMs     float64 `json:"max_ms"`
}

// Connection links two cameras with an expected transit range and optional
// spatial exit/entry zones.
type Connection struct {
	FromCameraID  string       `json:"from_camera_id"`
	ToCameraID    string       `json:"to_camera_id"`
	Transit       TransitRange `json:"transit"`
	ExitZone      *Zone        `json:"exit_zone,omitempty"`
	EntryZone     *Zone        `json:"entry_zone,omitempty"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
	Learned       bool         `json:"learned,omitempty"`
}

// Suggestion is a learned-connection proposal derived from observed transits
// between a camera pair that has no declared connection.
type Suggestion struct {
	FromCameraID string       `json:"from_camera_id"`
	ToCameraID   string       `json:"to_camera_id"`
	Transit      TransitRange `json:"transit"`
	Observations int          `json:"observations"`
	Confidence   float64      `json:"confidence"`
}

// Promote converts a suggestion into a real bidirectional connection.
func (s Suggestion) Promote() Connection {
	return Connection{
		FromCameraID:  s.FromCameraID,
		ToCameraID:    s.ToCameraID,
		Transit:       s.Transit,
		Bidirectional: true,
		Learned:       true,
	}
}

// Snapshot is the serializable form of a topology, used for persistence and
// the HTTP API.
type Snapshot struct {
	Cameras     []Camera     `json:"cameras"`
	Connections []Connection `json:"connections"`
}

// Topology is the mutable camera graph. Safe for concurrent use.
type Topology struct {
	mu          sync.RWMutex
	cameras     map[string]Camera
	connections []Connection
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{cameras: make(map[string]Camera)}
}

// FromSnapshot builds a topology from its serialized form.
func FromSnapshot(snap Snapshot) *Topology {
	t := New()
	for _, c := range snap.Cameras {
		t.cameras[c.ID] = c
	}
	t.connections = append(t.connections, snap.Connections...)
	return t
}

// ParseSnapshot decodes a topology snapshot from JSON.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse topology snapshot: %w", err)
	}
	return snap, nil
}

// Snapshot returns a copy of the current graph.
func (t *Topology) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Cameras:     make([]Camera, 0, len(t.cameras)),
		Connections: append([]Connection(nil), t.connections...),
	}
	for _, c := range t.cameras {
		snap.Cameras = append(snap.Cameras, c)
	}
	return snap
}

// UpsertCamera adds or replaces a camera node.
func (t *Topology) UpsertCamera(c Camera) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cameras[c.ID] = c
}

// Camera returns the camera with the given id.
func (t *Topology) Camera(id string) (Camera, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cameras[id]
	return c, ok
}

// CameraName returns the display name for a camera id, falling back to the
// id itself for unknown cameras.
func (t *Topology) CameraName(id string) string {
	if c, ok := t.Camera(id); ok && c.Name != "" {
		return c.Name
	}
	return id
}

// Cameras returns all camera nodes.
func (t *Topology) Cameras() []Camera {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Camera, 0, len(t.cameras))
	for _, c := range t.cameras {
		out = append(out, c)
	}
	return out
}

// FindConnection looks up the connection from one camera to another,
// honouring the bidirectional flag for reversed lookups. Returns a copy.
func (t *Topology) FindConnection(fromID, toID string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, conn := range t.connections {
		if conn.FromCameraID == fromID && conn.ToCameraID == toID {
			return conn, true
		}
		if conn.Bidirectional && conn.FromCameraID == toID && conn.ToCameraID == fromID {
			// Reversed traversal swaps the zone roles.
			rev := conn
			rev.FromCameraID = fromID
			rev.ToCameraID = toID
			rev.ExitZone, rev.EntryZone = conn.EntryZone, conn.ExitZone
			return rev, true
		}
	}
	return Connection{}, false
}

// UpsertConnection adds a connection or replaces an existing one for the
// same ordered camera pair.
func (t *Topology) UpsertConnection(c Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.connections {
		if existing.FromCameraID == c.FromCameraID && existing.ToCameraID == c.ToCameraID {
			t.connections[i] = c
			return
		}
	}
	t.connections = append(t.connections, c)
}

// UpdateTransit overwrites the transit range of an existing connection.
// Reports whether a connection for the ordered pair was found.
func (t *Topology) UpdateTransit(fromID, toID string, tr TransitRange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, conn := range t.connections {
		if conn.FromCameraID == fromID && conn.ToCameraID == toID {
			t.connections[i].Transit = tr
			return true
		}
		if conn.Bidirectional && conn.FromCameraID == toID && conn.ToCameraID == fromID {
			t.connections[i].Transit = tr
			return true
		}
	}
	return false
}

// RemoveConnection deletes the connection for the ordered camera pair.
func (t *Topology) RemoveConnection(fromID, toID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, conn := range t.connections {
		if conn.FromCameraID == fromID && conn.ToCameraID == toID {
			t.connections = append(t.connections[:i], t.connections[i+1:]...)
			return true
		}
	}
	return false
}

// Connections returns a copy of all connections.
func (t *Topology) Connections() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Connection(nil), t.connections...)
}

// Replace swaps the whole graph for the given snapshot (topology editor
// saves arrive as complete documents).
func (t *Topology) Replace(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cameras = make(map[string]Camera, len(snap.Cameras))
	for _, c := range snap.Cameras {
		t.cameras[c.ID] = c
	}
	t.connections = append([]Connection(nil), snap.Connections...)
}
