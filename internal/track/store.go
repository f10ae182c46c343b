package track

import (
	"sort"
	"sync"
	"time"

	"github.com/sightline-data/sightline/internal/monitoring"
	"github.com/sightline-data/sightline/internal/timeutil"
)

// Persister receives debounced snapshots of the retained object set.
// Implementations are best-effort; errors are logged, never fatal.
type Persister interface {
	SaveObjects(objects []*TrackedObject) error
}

// Observer is notified synchronously, in registration order, after every
// mutating operation, with a copy of the full object list.
type Observer func(objects []*TrackedObject)

// StoreConfig holds tuning for the tracking state store.
type StoreConfig struct {
	PersistDebounce  time.Duration // Coalescing window for persistence writes
	PersistRetention time.Duration // Persist terminal objects seen within this window
}

// Store is the authoritative, concurrency-safe map of tracked objects plus a
// secondary index by "currently visible on camera X". All mutation flows
// through its operations; callers only ever see copies.
type Store struct {
	mu       sync.Mutex
	objects  map[string]*TrackedObject
	byCamera map[string]map[string]bool // cameraID -> set of active object ids

	cfg       StoreConfig
	clock     timeutil.Clock
	persister Persister
	observers []Observer

	flushMu      sync.Mutex
	flushPending timeutil.Timer
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig, clock timeutil.Clock, persister Persister) *Store {
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = 2 * time.Second
	}
	if cfg.PersistRetention <= 0 {
		cfg.PersistRetention = time.Hour
	}
	return &Store{
		objects:   make(map[string]*TrackedObject),
		byCamera:  make(map[string]map[string]bool),
		cfg:       cfg,
		clock:     clock,
		persister: persister,
	}
}

// Subscribe registers an observer for post-mutation notifications.
func (s *Store) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Restore seeds the store from a persisted snapshot, typically at startup.
// Restored objects do not trigger observers or persistence.
func (s *Store) Restore(objects []*TrackedObject) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, obj := range objects {
		c := obj.clone()
		s.objects[c.ID] = c
		if c.State == StateActive || c.State == StatePending {
			for cam := range c.ActiveCameras {
				s.indexAdd(cam, c.ID)
			}
		}
	}
}

// CreateObject constructs and inserts a new object in active state from its
// first sighting. Records the entry camera when the sighting is on an
// entry-point camera.
func (s *Store) CreateObject(id string, sighting Sighting, isEntryPoint bool) *TrackedObject {
	s.mu.Lock()

	obj := &TrackedObject{
		ID:            id,
		Class:         sighting.Class,
		Label:         sighting.Label,
		Sightings:     []Sighting{sighting},
		FirstSeen:     sighting.Timestamp,
		LastSeen:      sighting.Timestamp,
		ActiveCameras: map[string]bool{sighting.CameraID: true},
		Descriptor:    sighting.Embedding,
		State:         StateActive,
	}
	if isEntryPoint {
		obj.EntryCameraID = sighting.CameraID
	}
	s.objects[id] = obj
	s.indexAdd(sighting.CameraID, id)

	out := obj.clone()
	s.afterMutation()
	return out
}

// AddSighting appends a sighting to an existing object, updating last-seen,
// the active-camera set, and opportunistically filling label and visual
// descriptor if still unset. Returns false if the id is unknown.
func (s *Store) AddSighting(id string, sighting Sighting) bool {
	s.mu.Lock()

	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	// Sightings are append-only and non-decreasing in timestamp; clamp
	// stragglers rather than violating the ordering invariant.
	if last := obj.LastSighting(); last != nil && sighting.Timestamp.Before(last.Timestamp) {
		sighting.Timestamp = last.Timestamp
	}
	obj.Sightings = append(obj.Sightings, sighting)
	if sighting.Timestamp.After(obj.LastSeen) {
		obj.LastSeen = sighting.Timestamp
	}
	obj.ActiveCameras[sighting.CameraID] = true
	if obj.State == StateActive || obj.State == StatePending {
		s.indexAdd(sighting.CameraID, id)
	}
	if obj.Label == "" && sighting.Label != "" {
		obj.Label = sighting.Label
	}
	if obj.Descriptor == "" && sighting.Embedding != "" {
		obj.Descriptor = sighting.Embedding
	}

	s.afterMutation()
	return true
}

// AddJourney appends a journey segment and atomically moves the object's
// by-camera index membership from the origin camera to the destination.
// Returns false if the id is unknown.
func (s *Store) AddJourney(id string, j Journey) bool {
	s.mu.Lock()

	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	obj.Journeys = append(obj.Journeys, j)
	delete(obj.ActiveCameras, j.FromCameraID)
	obj.ActiveCameras[j.ToCameraID] = true
	s.indexRemove(j.FromCameraID, id)
	if obj.State == StateActive || obj.State == StatePending {
		s.indexAdd(j.ToCameraID, id)
	}

	s.afterMutation()
	return true
}

// MarkPending transitions an active object to pending. No-op from any other
// state.
func (s *Store) MarkPending(id string) bool {
	return s.transition(id, func(obj *TrackedObject) bool {
		if obj.State != StateActive {
			return false
		}
		obj.State = StatePending
		return true
	})
}

// Reactivate transitions a pending object back to active — the one permitted
// reverse edge in the state machine. No-op from any other state.
func (s *Store) Reactivate(id string) bool {
	return s.transition(id, func(obj *TrackedObject) bool {
		if obj.State != StatePending {
			return false
		}
		obj.State = StateActive
		return true
	})
}

// MarkExited finalizes an object as exited via the given camera. Terminal;
// no-op if already terminal.
func (s *Store) MarkExited(id string, cameraID string) bool {
	return s.transition(id, func(obj *TrackedObject) bool {
		if obj.State.Terminal() {
			return false
		}
		obj.State = StateExited
		obj.ExitCameraID = cameraID
		s.clearVisibility(obj)
		return true
	})
}

// MarkLost finalizes an object as lost. Terminal; no-op if already terminal.
func (s *Store) MarkLost(id string) bool {
	return s.transition(id, func(obj *TrackedObject) bool {
		if obj.State.Terminal() {
			return false
		}
		obj.State = StateLost
		s.clearVisibility(obj)
		return true
	})
}

// Get returns a copy of the object with the given id.
func (s *Store) Get(id string) (*TrackedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	return obj.clone(), true
}

// ActiveObjects returns all objects in active or pending state — the
// candidate pool for correlation.
func (s *Store) ActiveObjects() []*TrackedObject {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TrackedObject, 0, len(s.objects))
	for _, obj := range s.objects {
		if obj.State == StateActive || obj.State == StatePending {
			out = append(out, obj.clone())
		}
	}
	sortByFirstSeen(out)
	return out
}

// ObjectsOnCamera returns active objects currently visible on a camera.
func (s *Store) ObjectsOnCamera(cameraID string) []*TrackedObject {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byCamera[cameraID]
	out := make([]*TrackedObject, 0, len(ids))
	for id := range ids {
		obj, ok := s.objects[id]
		if ok && obj.State == StateActive {
			out = append(out, obj.clone())
		}
	}
	sortByFirstSeen(out)
	return out
}

// All returns a copy of every object, including terminal ones still inside
// the retention window.
func (s *Store) All() []*TrackedObject {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TrackedObject, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj.clone())
	}
	sortByFirstSeen(out)
	return out
}

// Sweep force-transitions active/pending objects not seen since lostBefore
// to lost, and garbage-collects terminal objects not seen since gcBefore.
// Returns the ids of newly lost objects.
func (s *Store) Sweep(lostBefore, gcBefore time.Time) []string {
	s.mu.Lock()

	var lost []string
	for id, obj := range s.objects {
		if (obj.State == StateActive || obj.State == StatePending) && obj.LastSeen.Before(lostBefore) {
			obj.State = StateLost
			s.clearVisibility(obj)
			lost = append(lost, id)
		}
	}
	removed := 0
	for id, obj := range s.objects {
		if obj.State.Terminal() && obj.LastSeen.Before(gcBefore) {
			delete(s.objects, id)
			removed++
		}
	}
	sort.Strings(lost)

	// Garbage collection is a mutation too; observers must see the
	// post-GC list and the removal must reach the persister.
	if len(lost) > 0 || removed > 0 {
		s.afterMutation()
	} else {
		s.mu.Unlock()
	}
	return lost
}

// Flush forces any pending persistence write to happen now.
func (s *Store) Flush() {
	s.flushMu.Lock()
	if s.flushPending != nil {
		s.flushPending.Stop()
		s.flushPending = nil
	}
	s.flushMu.Unlock()
	s.persist()
}

// transition applies fn to the object under lock; fn reports whether a legal
// transition occurred. Illegal transitions are silent no-ops.
func (s *Store) transition(id string, fn func(*TrackedObject) bool) bool {
	s.mu.Lock()

	obj, ok := s.objects[id]
	if !ok || !fn(obj) {
		s.mu.Unlock()
		return false
	}
	s.afterMutation()
	return true
}

// clearVisibility empties the active-camera set and the by-camera index for
// a terminal object. Callers hold s.mu.
func (s *Store) clearVisibility(obj *TrackedObject) {
	for cam := range obj.ActiveCameras {
		s.indexRemove(cam, obj.ID)
	}
	obj.ActiveCameras = make(map[string]bool)
}

func (s *Store) indexAdd(cameraID, id string) {
	set, ok := s.byCamera[cameraID]
	if !ok {
		set = make(map[string]bool)
		s.byCamera[cameraID] = set
	}
	set[id] = true
}

func (s *Store) indexRemove(cameraID, id string) {
	if set, ok := s.byCamera[cameraID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byCamera, cameraID)
		}
	}
}

// afterMutation snapshots the object list, releases the lock, notifies
// observers synchronously in order, and schedules a debounced persistence
// write. Callers hold s.mu on entry; it is released on return.
func (s *Store) afterMutation() {
	snapshot := make([]*TrackedObject, 0, len(s.objects))
	for _, obj := range s.objects {
		snapshot = append(snapshot, obj.clone())
	}
	sortByFirstSeen(snapshot)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(snapshot)
	}
	s.schedulePersist()
}

// schedulePersist arms the debounce timer if no flush is already pending, so
// bursts of sightings coalesce into a single write.
func (s *Store) schedulePersist() {
	if s.persister == nil {
		return
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushPending != nil {
		return
	}
	s.flushPending = s.clock.AfterFunc(s.cfg.PersistDebounce, func() {
		s.flushMu.Lock()
		s.flushPending = nil
		s.flushMu.Unlock()
		s.persist()
	})
}

// persist writes the retained object set: active/pending objects plus
// terminal objects seen within the retention window.
func (s *Store) persist() {
	if s.persister == nil {
		return
	}

	cutoff := s.clock.Now().Add(-s.cfg.PersistRetention)

	s.mu.Lock()
	retained := make([]*TrackedObject, 0, len(s.objects))
	for _, obj := range s.objects {
		if obj.State == StateActive || obj.State == StatePending || !obj.LastSeen.Before(cutoff) {
			retained = append(retained, obj.clone())
		}
	}
	s.mu.Unlock()

	sortByFirstSeen(retained)
	if err := s.persister.SaveObjects(retained); err != nil {
		monitoring.Logf("track: persist failed: %v", err)
	}
}

func sortByFirstSeen(objs []*TrackedObject) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].FirstSeen.Equal(objs[j].FirstSeen) {
			return objs[i].ID < objs[j].ID
		}
		return objs[i].FirstSeen.Before(objs[j].FirstSeen)
	})
}
