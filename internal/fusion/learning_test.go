package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-data/sightline/internal/topology"
)

func learnerTopology() *topology.Topology {
	return topology.FromSnapshot(topology.Snapshot{
		Cameras: []topology.Camera{
			{ID: "driveway"}, {ID: "backyard"}, {ID: "porch"},
		},
		Connections: []topology.Connection{
			{
				FromCameraID: "driveway",
				ToCameraID:   "backyard",
				Transit:      topology.TransitRange{MinMs: 3000, TypicalMs: 10000, MaxMs: 30000},
			},
		},
	})
}

func recordN(l *TransitLearner, from, to string, samples []float64) {
	for _, s := range samples {
		l.Record(from, to, s)
	}
}

func TestRecordIgnoresNonPositiveTransit(t *testing.T) {
	t.Parallel()

	topo := learnerTopology()
	l := NewTransitLearner(topo, nil)

	l.Record("porch", "driveway", 0)
	l.Record("porch", "driveway", -100)
	assert.Empty(t, l.Suggestions())
}

func TestConnectionRefinement(t *testing.T) {
	t.Parallel()

	t.Run("too few observations leave the range alone", func(t *testing.T) {
		t.Parallel()
		topo := learnerTopology()
		l := NewTransitLearner(topo, nil)

		recordN(l, "driveway", "backyard", []float64{5000, 5100, 5200, 5300})

		conn, _ := topo.FindConnection("driveway", "backyard")
		assert.Equal(t, 10000.0, conn.Transit.TypicalMs)
	})

	t.Run("small drift does not overwrite", func(t *testing.T) {
		t.Parallel()
		topo := learnerTopology()
		l := NewTransitLearner(topo, nil)

		// Ten observations with a median within 20% of the declared typical.
		samples := make([]float64, 10)
		for i := range samples {
			samples[i] = 10500
		}
		recordN(l, "driveway", "backyard", samples)

		conn, _ := topo.FindConnection("driveway", "backyard")
		assert.Equal(t, 10000.0, conn.Transit.TypicalMs)
	})

	t.Run("large drift overwrites once enough samples accrue", func(t *testing.T) {
		t.Parallel()
		topo := learnerTopology()
		changed := 0
		l := NewTransitLearner(topo, func() { changed++ })

		samples := make([]float64, 10)
		for i := range samples {
			samples[i] = 5000 + float64(i)*10
		}
		recordN(l, "driveway", "backyard", samples)

		conn, _ := topo.FindConnection("driveway", "backyard")
		assert.InDelta(t, 5050, conn.Transit.TypicalMs, 100, "typical moved to the observed median")
		assert.Greater(t, changed, 0, "onChange fires when a range is applied")
	})

	t.Run("known pairs never produce suggestions", func(t *testing.T) {
		t.Parallel()
		topo := learnerTopology()
		l := NewTransitLearner(topo, nil)

		samples := make([]float64, 20)
		for i := range samples {
			samples[i] = 5000
		}
		recordN(l, "driveway", "backyard", samples)
		assert.Empty(t, l.Suggestions())
	})
}

func TestSuggestions(t *testing.T) {
	t.Parallel()

	t.Run("below the observation floor nothing is proposed", func(t *testing.T) {
		t.Parallel()
		l := NewTransitLearner(learnerTopology(), nil)
		recordN(l, "porch", "driveway", []float64{4000, 4100})
		assert.Empty(t, l.Suggestions())
	})

	t.Run("consistent observations produce a confident proposal", func(t *testing.T) {
		t.Parallel()
		l := NewTransitLearner(learnerTopology(), nil)
		recordN(l, "porch", "driveway", []float64{4000, 4050, 4100, 3950, 4020, 4080})

		suggestions := l.Suggestions()
		require.Len(t, suggestions, 1)
		s := suggestions[0]
		assert.Equal(t, "porch", s.FromCameraID)
		assert.Equal(t, "driveway", s.ToCameraID)
		assert.Equal(t, 6, s.Observations)
		assert.GreaterOrEqual(t, s.Confidence, 0.5)
		assert.InDelta(t, 4035, s.Transit.TypicalMs, 100)
	})

	t.Run("wildly inconsistent observations stay below the bar", func(t *testing.T) {
		t.Parallel()
		l := NewTransitLearner(learnerTopology(), nil)
		recordN(l, "porch", "driveway", []float64{100, 90000, 500, 45000})
		assert.Empty(t, l.Suggestions())
	})

	t.Run("ordered by descending confidence", func(t *testing.T) {
		t.Parallel()
		l := NewTransitLearner(learnerTopology(), nil)

		steady := make([]float64, 10)
		for i := range steady {
			steady[i] = 3000
		}
		recordN(l, "porch", "driveway", steady)
		recordN(l, "porch", "backyard", []float64{2000, 2400, 2100, 2600})

		suggestions := l.Suggestions()
		require.Len(t, suggestions, 2)
		assert.Equal(t, "driveway", suggestions[0].ToCameraID)
		assert.GreaterOrEqual(t, suggestions[0].Confidence, suggestions[1].Confidence)
	})
}

func TestAcceptSuggestion(t *testing.T) {
	t.Parallel()

	topo := learnerTopology()
	changed := 0
	l := NewTransitLearner(topo, func() { changed++ })

	recordN(l, "porch", "driveway", []float64{4000, 4000, 4000, 4000, 4000})
	require.NotEmpty(t, l.Suggestions())

	require.NoError(t, l.Accept("porch", "driveway"))
	assert.Equal(t, 1, changed)

	conn, ok := topo.FindConnection("porch", "driveway")
	require.True(t, ok)
	assert.True(t, conn.Learned)
	assert.True(t, conn.Bidirectional)
	assert.Empty(t, l.Suggestions(), "accepted proposal is cleared")

	assert.Error(t, l.Accept("porch", "driveway"), "accepting twice fails")
}

func TestRejectSuggestionClearsHistory(t *testing.T) {
	t.Parallel()

	l := NewTransitLearner(learnerTopology(), nil)
	recordN(l, "porch", "driveway", []float64{4000, 4000, 4000, 4000})
	require.NotEmpty(t, l.Suggestions())

	l.Reject("porch", "driveway")
	assert.Empty(t, l.Suggestions())

	// The pair must earn a fresh history; two new samples are not enough.
	recordN(l, "porch", "driveway", []float64{4000, 4000})
	assert.Empty(t, l.Suggestions())
}

func TestPercentileRange(t *testing.T) {
	t.Parallel()

	buf := []float64{1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000}
	tr := percentileRange(buf)

	assert.LessOrEqual(t, tr.MinMs, tr.TypicalMs)
	assert.LessOrEqual(t, tr.TypicalMs, tr.MaxMs)
	assert.GreaterOrEqual(t, tr.MinMs, 1000.0)
	assert.LessOrEqual(t, tr.MaxMs, 10000.0)
}

func TestSuggestionConfidence(t *testing.T) {
	t.Parallel()

	steady := []float64{3000, 3000, 3000, 3000, 3000, 3000, 3000, 3000, 3000, 3000}
	noisy := []float64{100, 90000, 500, 45000, 20, 60000, 300, 30000, 10, 80000}

	assert.Greater(t, suggestionConfidence(steady), suggestionConfidence(noisy))
	assert.InDelta(t, 1.0, suggestionConfidence(steady), 1e-9, "full count and zero variance saturate at 1")
}
