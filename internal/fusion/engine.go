package fusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sightline-data/sightline/internal/alert"
	"github.com/sightline-data/sightline/internal/detect"
	"github.com/sightline-data/sightline/internal/monitoring"
	"github.com/sightline-data/sightline/internal/timeutil"
	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

// EngineConfig holds orchestration tuning.
type EngineConfig struct {
	CorrelationWindow      time.Duration // Pending-exit reactivation window
	LostTimeout            time.Duration // Unseen-for-this-long objects are swept to lost
	SweepInterval          time.Duration // Period of the lost-object sweep
	RetentionWindow        time.Duration // Terminal objects kept this long for audit queries
	LoiteringThreshold     time.Duration // Minimum continuous visibility before alerting
	AlertCooldown          time.Duration // Per-object cooldown for new alerts
	EdgeMarginFraction     float64       // Fraction of the frame counted as "near the edge"
	MinDetectionConfidence float64       // Qualifying detection confidence
	QueueSize              int           // Detection work-queue depth
}

// JourneySink receives journey segments and raw transit observations for
// audit persistence. Best-effort; errors are logged.
type JourneySink interface {
	InsertJourney(objectID string, j track.Journey) error
	InsertTransitObservation(fromCameraID, toCameraID string, transitMs float64, observedAt time.Time) error
}

// Engine subscribes to per-camera detection streams, correlates sightings
// against the tracked-object pool, drives the lifecycle state machine and
// its timers, records journeys, feeds transit learning, and raises alerts.
//
// All correlate-and-commit work runs on a single ordered queue, so a
// sighting's correlation can never interleave with another sighting's state
// mutation. Timer callbacks and sweeps enqueue onto the same queue.
type Engine struct {
	cfg        EngineConfig
	store      *track.Store
	topo       *topology.Topology
	correlator *Correlator
	learner    *TransitLearner
	alerts     *alert.Manager
	clock      timeutil.Clock
	journeys   JourneySink // optional

	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu             sync.Mutex
	pendingTimers  map[string]timeutil.Timer
	lastAlertAt    map[string]time.Time
	entryAnnounced map[string]bool
	sources        []detect.Source
}

// NewEngine assembles an engine. journeys may be nil.
func NewEngine(cfg EngineConfig, store *track.Store, topo *topology.Topology, correlator *Correlator, learner *TransitLearner, alerts *alert.Manager, clock timeutil.Clock, journeys JourneySink) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Engine{
		cfg:            cfg,
		store:          store,
		topo:           topo,
		correlator:     correlator,
		learner:        learner,
		alerts:         alerts,
		clock:          clock,
		journeys:       journeys,
		queue:          make(chan func(), cfg.QueueSize),
		done:           make(chan struct{}),
		pendingTimers:  make(map[string]timeutil.Timer),
		lastAlertAt:    make(map[string]time.Time),
		entryAnnounced: make(map[string]bool),
	}
}

// Run starts the work-queue drain and the periodic lost-object sweep.
func (e *Engine) Run() {
	e.wg.Add(2)

	go func() {
		defer e.wg.Done()
		for {
			select {
			case fn := <-e.queue:
				fn()
			case <-e.done:
				return
			}
		}
	}()

	go func() {
		defer e.wg.Done()
		ticker := e.clock.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				e.enqueue(e.sweep)
			case <-e.done:
				return
			}
		}
	}()
}

// AttachSource subscribes to a detection source and pumps its batches into
// the work queue. A source that cannot be subscribed to is skipped with a
// warning; the engine keeps running on the remaining sources.
func (e *Engine) AttachSource(name string, src detect.Source) {
	ch, err := src.Subscribe()
	if err != nil {
		monitoring.Logf("fusion: skipping source %s: subscribe failed: %v", name, err)
		return
	}

	e.mu.Lock()
	e.sources = append(e.sources, src)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for b := range ch {
			e.Ingest(b)
		}
	}()
}

// Ingest enqueues one detection batch for ordered processing.
func (e *Engine) Ingest(b detect.Batch) {
	e.enqueue(func() { e.handleBatch(b) })
}

// Close shuts the engine down: detection subscriptions first, then pending
// timers, then the sweep and drain loops, then a final persistence flush.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		sources := e.sources
		e.sources = nil
		e.mu.Unlock()
		for _, src := range sources {
			if err := src.Close(); err != nil {
				monitoring.Logf("fusion: source close: %v", err)
			}
		}

		e.mu.Lock()
		for id, timer := range e.pendingTimers {
			timer.Stop()
			delete(e.pendingTimers, id)
		}
		e.mu.Unlock()

		close(e.done)
		e.wg.Wait()
		e.store.Flush()
	})
	return nil
}

// Barrier blocks until every item enqueued before the call has been
// processed. Replay tooling uses it to sequence reads of the resulting
// state against the ordered queue.
func (e *Engine) Barrier() {
	done := make(chan struct{})
	e.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-e.done:
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.done:
	}
}

// handleBatch expands a detection batch into sightings. Batches with no
// qualifying detections are silent no-ops.
func (e *Engine) handleBatch(b detect.Batch) {
	for _, d := range b.Detections {
		if d.Confidence < e.cfg.MinDetectionConfidence {
			continue
		}
		s := track.Sighting{
			CameraID:    b.CameraID,
			CameraName:  b.CameraName,
			Class:       d.Class,
			Label:       d.Label,
			Confidence:  d.Confidence,
			Embedding:   d.Embedding,
			DetectionID: d.DetectionID,
			Timestamp:   b.Timestamp,
		}
		if s.CameraName == "" {
			s.CameraName = e.topo.CameraName(b.CameraID)
		}
		if d.Box != nil {
			x, y := d.Box.Center()
			s.Position = &track.Position{X: x, Y: y}
		}
		e.handleSighting(s)
	}
}

// handleSighting is the correlate-and-commit critical section for one
// sighting. It only ever runs on the work-queue goroutine.
func (e *Engine) handleSighting(s track.Sighting) {
	candidates := e.store.ActiveObjects()
	cand, matched := e.correlator.FindBestMatch(s, candidates)

	var id string
	if !matched {
		id = fmt.Sprintf("obj_%s", uuid.NewString())
		cam, _ := e.topo.Camera(s.CameraID)
		e.store.CreateObject(id, s, cam.IsEntryPoint)
	} else {
		id = cand.ObjectID
		last := cand.Object.LastSighting()

		if last != nil && last.CameraID != s.CameraID {
			e.commitTransition(id, cand, *last, s)
		} else {
			// Same-camera continuity. Reactivate is a no-op on an already
			// active object; it matters when the object went pending on
			// this camera and stepped back into frame.
			e.cancelPendingTimer(id)
			e.store.Reactivate(id)
			e.store.AddSighting(id, s)
		}
	}

	obj, ok := e.store.Get(id)
	if !ok {
		return
	}

	e.maybeAnnounceEntry(obj)
	e.maybeMarkPending(obj, s)
}

// commitTransition records a cross-camera journey: journey segment, transit
// learning, forced reactivation, and a movement alert candidate.
func (e *Engine) commitTransition(id string, cand Candidate, last track.Sighting, s track.Sighting) {
	transitMs := s.Timestamp.Sub(last.Timestamp).Milliseconds()
	j := track.Journey{
		FromCameraID:   last.CameraID,
		FromCameraName: e.topo.CameraName(last.CameraID),
		ToCameraID:     s.CameraID,
		ToCameraName:   e.topo.CameraName(s.CameraID),
		ExitedAt:       last.Timestamp,
		EnteredAt:      s.Timestamp,
		TransitMs:      transitMs,
		Confidence:     cand.Confidence,
	}

	e.cancelPendingTimer(id)
	e.store.Reactivate(id)
	e.store.AddJourney(id, j)
	e.store.AddSighting(id, s)

	e.learner.Record(last.CameraID, s.CameraID, float64(transitMs))

	if e.journeys != nil {
		if err := e.journeys.InsertJourney(id, j); err != nil {
			monitoring.Logf("fusion: journey persist for %s: %v", id, err)
		}
		if err := e.journeys.InsertTransitObservation(last.CameraID, s.CameraID, float64(transitMs), s.Timestamp); err != nil {
			monitoring.Logf("fusion: transit observation persist: %v", err)
		}
	}

	obj, ok := e.store.Get(id)
	if !ok || obj.VisibleFor() < e.cfg.LoiteringThreshold {
		return
	}
	e.dispatchAlert(obj, alert.Event{
		Type:         alert.TypeMovement,
		RuleID:       "movement",
		ObjectID:     id,
		Class:        obj.Class,
		Label:        obj.Label,
		FromCameraID: j.FromCameraID,
		ToCameraID:   j.ToCameraID,
		Message:      fmt.Sprintf("%s moved from %s to %s", describeObject(obj), j.FromCameraName, j.ToCameraName),
		Landmarks:    []string{j.FromCameraName, j.ToCameraName},
		Timestamp:    s.Timestamp,
	})
}

// maybeAnnounceEntry raises the one-time entry alert for objects first seen
// on an entry-point camera, once they clear the loitering threshold.
func (e *Engine) maybeAnnounceEntry(obj *track.TrackedObject) {
	if obj.EntryCameraID == "" || obj.State.Terminal() {
		return
	}
	if obj.VisibleFor() < e.cfg.LoiteringThreshold {
		return
	}

	e.mu.Lock()
	announced := e.entryAnnounced[obj.ID]
	if !announced {
		e.entryAnnounced[obj.ID] = true
	}
	e.mu.Unlock()
	if announced {
		return
	}

	e.dispatchAlert(obj, alert.Event{
		Type:      alert.TypeEntry,
		RuleID:    "entry",
		ObjectID:  obj.ID,
		Class:     obj.Class,
		Label:     obj.Label,
		CameraID:  obj.EntryCameraID,
		Message:   fmt.Sprintf("%s entered via %s", describeObject(obj), e.topo.CameraName(obj.EntryCameraID)),
		Timestamp: obj.LastSeen,
	})
}

// maybeMarkPending arms the pending-exit path when a sighting lands near the
// frame edge of an exit-point camera.
func (e *Engine) maybeMarkPending(obj *track.TrackedObject, s track.Sighting) {
	if obj.State != track.StateActive || s.Position == nil {
		return
	}
	cam, ok := e.topo.Camera(s.CameraID)
	if !ok || !cam.IsExitPoint {
		return
	}
	if !e.nearFrameEdge(*s.Position) {
		return
	}

	if e.store.MarkPending(obj.ID) {
		e.armPendingTimer(obj.ID, s.CameraID)
	}
}

// nearFrameEdge reports whether a normalized position is within the margin
// of any frame border.
func (e *Engine) nearFrameEdge(p track.Position) bool {
	m := e.cfg.EdgeMarginFraction
	return p.X <= m || p.X >= 1-m || p.Y <= m || p.Y >= 1-m
}

// armPendingTimer schedules finalization of a pending exit. Any previous
// timer for the object is replaced.
func (e *Engine) armPendingTimer(id, cameraID string) {
	e.mu.Lock()
	if old, ok := e.pendingTimers[id]; ok {
		old.Stop()
	}
	e.pendingTimers[id] = e.clock.AfterFunc(e.cfg.CorrelationWindow, func() {
		e.enqueue(func() { e.finalizeExit(id, cameraID) })
	})
	e.mu.Unlock()
}

// cancelPendingTimer is mandatory on every transition out of pending; a
// stale timer firing later would exit an object that has since returned.
func (e *Engine) cancelPendingTimer(id string) {
	e.mu.Lock()
	if timer, ok := e.pendingTimers[id]; ok {
		timer.Stop()
		delete(e.pendingTimers, id)
	}
	e.mu.Unlock()
}

// finalizeExit fires when a pending object's correlation window lapses
// without a reactivating sighting.
func (e *Engine) finalizeExit(id, cameraID string) {
	e.mu.Lock()
	delete(e.pendingTimers, id)
	e.mu.Unlock()

	obj, ok := e.store.Get(id)
	if !ok || obj.State != track.StatePending {
		return
	}

	e.store.MarkExited(id, cameraID)

	if obj.VisibleFor() >= e.cfg.LoiteringThreshold {
		e.maybeAlert(obj, alert.Event{
			Type:      alert.TypeExit,
			RuleID:    "exit",
			ObjectID:  id,
			Class:     obj.Class,
			Label:     obj.Label,
			CameraID:  cameraID,
			Message:   fmt.Sprintf("%s exited via %s", describeObject(obj), e.topo.CameraName(cameraID)),
			Timestamp: e.clock.Now(),
		})
	}
	e.forgetObject(id)
}

// sweep force-transitions stale objects to lost and garbage-collects
// terminal objects past the retention window. Runs on the work queue.
func (e *Engine) sweep() {
	now := e.clock.Now()
	lost := e.store.Sweep(now.Add(-e.cfg.LostTimeout), now.Add(-e.cfg.RetentionWindow))

	for _, id := range lost {
		e.cancelPendingTimer(id)

		obj, ok := e.store.Get(id)
		if ok && obj.VisibleFor() >= e.cfg.LoiteringThreshold {
			e.maybeAlert(obj, alert.Event{
				Type:      alert.TypeLost,
				RuleID:    "lost",
				ObjectID:  id,
				Class:     obj.Class,
				Label:     obj.Label,
				Message:   fmt.Sprintf("lost track of %s, last seen at %s", describeObject(obj), lastCameraName(obj, e.topo)),
				Timestamp: now,
			})
		}
		e.forgetObject(id)
	}

	e.alerts.PurgeExpired()
}

// maybeAlert applies the engine-side per-object cooldown before handing the
// event to the alert layer. Movement events bypass this path because their
// dedup lives in the active-alert map.
func (e *Engine) maybeAlert(obj *track.TrackedObject, ev alert.Event) {
	now := e.clock.Now()

	e.mu.Lock()
	if last, ok := e.lastAlertAt[obj.ID]; ok && now.Sub(last) < e.cfg.AlertCooldown {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.dispatchAlert(obj, ev)
}

func (e *Engine) dispatchAlert(obj *track.TrackedObject, ev alert.Event) {
	if e.alerts.Dispatch(ev) {
		e.mu.Lock()
		e.lastAlertAt[obj.ID] = e.clock.Now()
		e.mu.Unlock()
	}
}

// forgetObject drops per-object engine bookkeeping for terminal objects.
// Must run after the terminal alert decision so the per-object cooldown
// still sees the object's last dispatch.
func (e *Engine) forgetObject(id string) {
	e.mu.Lock()
	delete(e.entryAnnounced, id)
	delete(e.lastAlertAt, id)
	e.mu.Unlock()
}

func describeObject(obj *track.TrackedObject) string {
	if obj.Label != "" {
		return obj.Label
	}
	return obj.Class
}

func lastCameraName(obj *track.TrackedObject, topo *topology.Topology) string {
	if last := obj.LastSighting(); last != nil {
		return topo.CameraName(last.CameraID)
	}
	return "unknown"
}
