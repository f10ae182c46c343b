package track

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-data/sightline/internal/timeutil"
)

var storeEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// memPersister records SaveObjects calls for debounce assertions.
type memPersister struct {
	mu    sync.Mutex
	calls int
	last  []*TrackedObject
}

func (p *memPersister) SaveObjects(objects []*TrackedObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = objects
	return nil
}

func (p *memPersister) snapshot() (int, []*TrackedObject) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.last
}

func newTestStore(t *testing.T) (*Store, *timeutil.MockClock, *memPersister) {
	t.Helper()
	clock := timeutil.NewMockClock(storeEpoch)
	persister := &memPersister{}
	store := NewStore(StoreConfig{
		PersistDebounce:  2 * time.Second,
		PersistRetention: time.Hour,
	}, clock, persister)
	return store, clock, persister
}

func sightingAt(camera string, at time.Time) Sighting {
	return Sighting{CameraID: camera, Class: "person", Confidence: 0.9, Timestamp: at}
}

func TestCreateObject(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	obj := store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), true)

	assert.Equal(t, StateActive, obj.State)
	assert.Equal(t, "driveway", obj.EntryCameraID)
	assert.Equal(t, storeEpoch, obj.FirstSeen)
	assert.True(t, obj.ActiveCameras["driveway"])

	onCam := store.ObjectsOnCamera("driveway")
	require.Len(t, onCam, 1)
	assert.Equal(t, "obj_1", onCam[0].ID)
}

func TestCreateObjectNonEntryCamera(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	obj := store.CreateObject("obj_1", sightingAt("porch", storeEpoch), false)
	assert.Empty(t, obj.EntryCameraID)
}

func TestAddSighting(t *testing.T) {
	t.Parallel()

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		assert.False(t, store.AddSighting("obj_missing", sightingAt("driveway", storeEpoch)))
	})

	t.Run("updates last seen and camera set", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

		later := storeEpoch.Add(5 * time.Second)
		require.True(t, store.AddSighting("obj_1", sightingAt("porch", later)))

		obj, ok := store.Get("obj_1")
		require.True(t, ok)
		assert.Equal(t, later, obj.LastSeen)
		assert.Len(t, obj.Sightings, 2)
		assert.True(t, obj.ActiveCameras["porch"])
	})

	t.Run("out of order timestamps are clamped", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

		require.True(t, store.AddSighting("obj_1", sightingAt("driveway", storeEpoch.Add(-10*time.Second))))

		obj, _ := store.Get("obj_1")
		require.Len(t, obj.Sightings, 2)
		assert.Equal(t, storeEpoch, obj.Sightings[1].Timestamp, "straggler clamped to the previous timestamp")
		assert.Equal(t, storeEpoch, obj.LastSeen)
	})

	t.Run("fills label and descriptor once", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

		s := sightingAt("driveway", storeEpoch.Add(time.Second))
		s.Label = "delivery-van"
		s.Embedding = "AACAPw=="
		store.AddSighting("obj_1", s)

		s2 := sightingAt("driveway", storeEpoch.Add(2*time.Second))
		s2.Label = "other"
		s2.Embedding = "AACAvw=="
		store.AddSighting("obj_1", s2)

		obj, _ := store.Get("obj_1")
		assert.Equal(t, "delivery-van", obj.Label)
		assert.Equal(t, "AACAPw==", obj.Descriptor)
	})
}

func TestAddJourneyMovesCameraIndex(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

	require.True(t, store.AddJourney("obj_1", Journey{
		FromCameraID: "driveway",
		ToCameraID:   "backyard",
		ExitedAt:     storeEpoch,
		EnteredAt:    storeEpoch.Add(8 * time.Second),
		TransitMs:    8000,
		Confidence:   0.7,
	}))

	assert.Empty(t, store.ObjectsOnCamera("driveway"))
	require.Len(t, store.ObjectsOnCamera("backyard"), 1)

	obj, _ := store.Get("obj_1")
	require.Len(t, obj.Journeys, 1)
	assert.False(t, obj.ActiveCameras["driveway"])
	assert.True(t, obj.ActiveCameras["backyard"])

	assert.False(t, store.AddJourney("obj_missing", Journey{}))
}

// TestStateMachine exercises the legal and illegal lifecycle transitions.
func TestStateMachine(t *testing.T) {
	t.Parallel()

	t.Run("active to pending to active", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

		assert.True(t, store.MarkPending("obj_1"))
		obj, _ := store.Get("obj_1")
		assert.Equal(t, StatePending, obj.State)

		assert.False(t, store.MarkPending("obj_1"), "pending to pending is a no-op")

		assert.True(t, store.Reactivate("obj_1"))
		obj, _ = store.Get("obj_1")
		assert.Equal(t, StateActive, obj.State)

		assert.False(t, store.Reactivate("obj_1"), "active objects cannot be reactivated")
	})

	t.Run("exited is terminal", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("backyard", storeEpoch), false)

		assert.True(t, store.MarkExited("obj_1", "backyard"))
		obj, _ := store.Get("obj_1")
		assert.Equal(t, StateExited, obj.State)
		assert.Equal(t, "backyard", obj.ExitCameraID)
		assert.Empty(t, obj.ActiveCameras, "terminal objects have no visibility")
		assert.Empty(t, store.ObjectsOnCamera("backyard"))

		assert.False(t, store.MarkExited("obj_1", "driveway"), "already terminal")
		assert.False(t, store.MarkLost("obj_1"), "already terminal")
		assert.False(t, store.MarkPending("obj_1"))
		assert.False(t, store.Reactivate("obj_1"))
	})

	t.Run("lost is terminal", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

		assert.True(t, store.MarkLost("obj_1"))
		obj, _ := store.Get("obj_1")
		assert.Equal(t, StateLost, obj.State)
		assert.False(t, store.MarkExited("obj_1", "driveway"))
	})

	t.Run("unknown ids are no-ops", func(t *testing.T) {
		t.Parallel()
		store, _, _ := newTestStore(t)
		assert.False(t, store.MarkPending("nope"))
		assert.False(t, store.Reactivate("nope"))
		assert.False(t, store.MarkExited("nope", "cam"))
		assert.False(t, store.MarkLost("nope"))
	})
}

func TestActiveObjectsIncludesPending(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	store.CreateObject("obj_a", sightingAt("driveway", storeEpoch), false)
	store.CreateObject("obj_b", sightingAt("porch", storeEpoch.Add(time.Second)), false)
	store.CreateObject("obj_c", sightingAt("backyard", storeEpoch.Add(2*time.Second)), false)

	store.MarkPending("obj_b")
	store.MarkExited("obj_c", "backyard")

	active := store.ActiveObjects()
	require.Len(t, active, 2)
	assert.Equal(t, "obj_a", active[0].ID, "ordered by first seen")
	assert.Equal(t, "obj_b", active[1].ID)

	assert.Len(t, store.All(), 3, "All includes terminal objects")
}

func TestSweep(t *testing.T) {
	t.Parallel()

	store, clock, _ := newTestStore(t)
	store.CreateObject("obj_stale", sightingAt("driveway", storeEpoch), false)
	store.CreateObject("obj_fresh", sightingAt("porch", storeEpoch.Add(3*time.Minute)), false)

	clock.Set(storeEpoch.Add(4 * time.Minute))
	now := clock.Now()

	lost := store.Sweep(now.Add(-2*time.Minute), now.Add(-time.Hour))
	assert.Equal(t, []string{"obj_stale"}, lost)

	obj, _ := store.Get("obj_stale")
	assert.Equal(t, StateLost, obj.State)
	fresh, _ := store.Get("obj_fresh")
	assert.Equal(t, StateActive, fresh.State)

	// Second sweep finds nothing new.
	assert.Empty(t, store.Sweep(now.Add(-2*time.Minute), now.Add(-time.Hour)))

	// Once past the retention cutoff the lost object is garbage collected.
	clock.Set(storeEpoch.Add(2 * time.Hour))
	now = clock.Now()
	store.Sweep(now.Add(-2*time.Minute), now.Add(-time.Hour))
	_, ok := store.Get("obj_stale")
	assert.False(t, ok)
}

func TestSweepGCAloneNotifiesAndPersists(t *testing.T) {
	t.Parallel()

	store, clock, persister := newTestStore(t)
	store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)
	store.MarkExited("obj_1", "driveway")
	store.Flush()

	seen := -1
	store.Subscribe(func(objects []*TrackedObject) { seen = len(objects) })

	// Nothing left to mark lost; the sweep only garbage-collects.
	clock.Set(storeEpoch.Add(2 * time.Hour))
	now := clock.Now()
	lost := store.Sweep(now.Add(-2*time.Minute), now.Add(-time.Hour))
	require.Empty(t, lost)

	assert.Equal(t, 0, seen, "observers see the post-GC object list")

	clock.Advance(2 * time.Second)
	calls, saved := persister.snapshot()
	assert.Equal(t, 2, calls, "the removal reaches the persister")
	assert.Empty(t, saved)
}

func TestObserversNotifiedInOrder(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)

	var order []string
	store.Subscribe(func(objects []*TrackedObject) { order = append(order, "first") })
	store.Subscribe(func(objects []*TrackedObject) { order = append(order, "second") })

	store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)
	assert.Equal(t, []string{"first", "second"}, order)

	// Observer snapshots are copies; mutating them must not corrupt state.
	store.Subscribe(func(objects []*TrackedObject) {
		for _, obj := range objects {
			obj.State = StateLost
		}
	})
	store.AddSighting("obj_1", sightingAt("driveway", storeEpoch.Add(time.Second)))
	obj, _ := store.Get("obj_1")
	assert.Equal(t, StateActive, obj.State)
}

func TestPersistDebounceCoalesces(t *testing.T) {
	t.Parallel()

	store, clock, persister := newTestStore(t)

	// A burst of mutations inside the debounce window yields one write.
	store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)
	store.AddSighting("obj_1", sightingAt("driveway", storeEpoch.Add(100*time.Millisecond)))
	store.AddSighting("obj_1", sightingAt("driveway", storeEpoch.Add(200*time.Millisecond)))

	calls, _ := persister.snapshot()
	assert.Equal(t, 0, calls, "no write before the debounce window lapses")

	clock.Advance(2 * time.Second)
	calls, saved := persister.snapshot()
	assert.Equal(t, 1, calls)
	require.Len(t, saved, 1)
	assert.Len(t, saved[0].Sightings, 3)

	// The next mutation arms a fresh timer.
	store.AddSighting("obj_1", sightingAt("driveway", storeEpoch.Add(3*time.Second)))
	clock.Advance(2 * time.Second)
	calls, _ = persister.snapshot()
	assert.Equal(t, 2, calls)
}

func TestFlushForcesPersist(t *testing.T) {
	t.Parallel()

	store, _, persister := newTestStore(t)
	store.CreateObject("obj_1", sightingAt("driveway", storeEpoch), false)

	store.Flush()
	calls, saved := persister.snapshot()
	assert.Equal(t, 1, calls)
	assert.Len(t, saved, 1)
}

func TestPersistSkipsOldTerminalObjects(t *testing.T) {
	t.Parallel()

	store, clock, persister := newTestStore(t)
	store.CreateObject("obj_old", sightingAt("driveway", storeEpoch), false)
	store.MarkExited("obj_old", "driveway")
	store.CreateObject("obj_live", sightingAt("porch", storeEpoch), false)

	clock.Set(storeEpoch.Add(2 * time.Hour))
	store.Flush()

	_, saved := persister.snapshot()
	require.Len(t, saved, 1, "terminal object past retention is not persisted")
	assert.Equal(t, "obj_live", saved[0].ID)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	store, _, persister := newTestStore(t)
	store.Restore([]*TrackedObject{
		{
			ID:            "obj_1",
			Class:         "person",
			State:         StateActive,
			FirstSeen:     storeEpoch,
			LastSeen:      storeEpoch,
			ActiveCameras: map[string]bool{"driveway": true},
		},
		{
			ID:        "obj_2",
			Class:     "car",
			State:     StateExited,
			FirstSeen: storeEpoch,
			LastSeen:  storeEpoch,
		},
	})

	calls, _ := persister.snapshot()
	assert.Equal(t, 0, calls, "restore does not trigger persistence")

	require.Len(t, store.All(), 2)
	require.Len(t, store.ObjectsOnCamera("driveway"), 1)
	assert.Len(t, store.ActiveObjects(), 1)
}
