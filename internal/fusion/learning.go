package fusion

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/sightline-data/sightline/internal/monitoring"
	"github.com/sightline-data/sightline/internal/topology"
)

const (
	// maxTransitSamples bounds the per-pair observation ring buffer.
	maxTransitSamples = 100
	// minSamplesForUpdate is the observation floor before percentiles are
	// recomputed for an existing connection.
	minSamplesForUpdate = 5
	// minSamplesForOverwrite is the observation floor before a connection's
	// transit range may be overwritten.
	minSamplesForOverwrite = 10
	// typicalDriftThreshold is the relative drift of the 50th percentile
	// required before an overwrite is applied.
	typicalDriftThreshold = 0.20
	// minSamplesForSuggestion is the observation floor before a new
	// connection suggestion is maintained.
	minSamplesForSuggestion = 3
	// minSuggestionConfidence gates which suggestions are surfaced.
	minSuggestionConfidence = 0.5
	// suggestionSaturationCount is where the observation-count factor of
	// suggestion confidence saturates.
	suggestionSaturationCount = 10
)

type pairKey struct {
	from string
	to   string
}

func (k pairKey) String() string { return fmt.Sprintf("%s->%s", k.from, k.to) }

// TransitLearner accumulates observed cross-camera transit times, refines
// the transit ranges of known connections, and proposes new connections for
// camera pairs the topology does not yet declare.
type TransitLearner struct {
	mu          sync.Mutex
	topo        *topology.Topology
	samples     map[pairKey][]float64 // transit times in ms, most recent last
	suggestions map[pairKey]topology.Suggestion
	onChange    func() // fired after a connection's transit range is overwritten
}

// NewTransitLearner creates a learner over the given topology. onChange may
// be nil; when set it fires after every applied transit-range update.
func NewTransitLearner(topo *topology.Topology, onChange func()) *TransitLearner {
	return &TransitLearner{
		topo:        topo,
		samples:     make(map[pairKey][]float64),
		suggestions: make(map[pairKey]topology.Suggestion),
		onChange:    onChange,
	}
}

// Record feeds one observed transit between an ordered camera pair.
func (l *TransitLearner) Record(fromID, toID string, transitMs float64) {
	if transitMs <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{from: fromID, to: toID}
	buf := append(l.samples[key], transitMs)
	if len(buf) > maxTransitSamples {
		buf = buf[len(buf)-maxTransitSamples:]
	}
	l.samples[key] = buf

	if conn, ok := l.topo.FindConnection(fromID, toID); ok {
		l.refineConnection(key, conn, buf)
		return
	}
	l.refreshSuggestion(key, buf)
}

// refineConnection recomputes percentiles once enough observations exist and
// overwrites the connection's transit range when the typical value has
// drifted more than the threshold. Callers hold l.mu.
func (l *TransitLearner) refineConnection(key pairKey, conn topology.Connection, buf []float64) {
	if len(buf) < minSamplesForUpdate {
		return
	}

	tr := percentileRange(buf)
	if len(buf) < minSamplesForOverwrite {
		return
	}

	current := conn.Transit.TypicalMs
	if current > 0 && math.Abs(tr.TypicalMs-current)/current <= typicalDriftThreshold {
		return
	}

	if l.topo.UpdateTransit(key.from, key.to, tr) {
		monitoring.Logf("fusion: learned transit update %s: typical %.0fms -> %.0fms (%d obs)",
			key, current, tr.TypicalMs, len(buf))
		if l.onChange != nil {
			l.onChange()
		}
	}
}

// refreshSuggestion maintains the connection proposal for an undeclared
// pair. Callers hold l.mu.
func (l *TransitLearner) refreshSuggestion(key pairKey, buf []float64) {
	if len(buf) < minSamplesForSuggestion {
		return
	}

	l.suggestions[key] = topology.Suggestion{
		FromCameraID: key.from,
		ToCameraID:   key.to,
		Transit:      percentileRange(buf),
		Observations: len(buf),
		Confidence:   suggestionConfidence(buf),
	}
}

// Suggestions returns the proposals confident enough to surface, ordered by
// descending confidence.
func (l *TransitLearner) Suggestions() []topology.Suggestion {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]topology.Suggestion, 0, len(l.suggestions))
	for _, s := range l.suggestions {
		if s.Confidence >= minSuggestionConfidence {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence == out[j].Confidence {
			return out[i].FromCameraID < out[j].FromCameraID
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Accept promotes a suggestion into a real bidirectional connection.
func (l *TransitLearner) Accept(fromID, toID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{from: fromID, to: toID}
	s, ok := l.suggestions[key]
	if !ok {
		return fmt.Errorf("no suggestion for pair %s", key)
	}

	l.topo.UpsertConnection(s.Promote())
	delete(l.suggestions, key)
	delete(l.samples, key)
	if l.onChange != nil {
		l.onChange()
	}
	return nil
}

// Reject discards a suggestion and its accumulated observations; the pair
// must earn a fresh observation history before being proposed again.
func (l *TransitLearner) Reject(fromID, toID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{from: fromID, to: toID}
	delete(l.suggestions, key)
	delete(l.samples, key)
}

// percentileRange derives a {min, typical, max} transit range from the
// 10th/50th/90th percentiles of the observations.
func percentileRange(buf []float64) topology.TransitRange {
	sorted := append([]float64(nil), buf...)
	sort.Float64s(sorted)

	return topology.TransitRange{
		MinMs:     stat.Quantile(0.10, stat.Empirical, sorted, nil),
		TypicalMs: stat.Quantile(0.50, stat.Empirical, sorted, nil),
		MaxMs:     stat.Quantile(0.90, stat.Empirical, sorted, nil),
	}
}

// suggestionConfidence blends an observation-count factor (saturating at
// suggestionSaturationCount) with a consistency factor derived from the
// coefficient of variation, floored at 0.
func suggestionConfidence(buf []float64) float64 {
	countFactor := float64(len(buf)) / suggestionSaturationCount
	if countFactor > 1 {
		countFactor = 1
	}

	mean, std := stat.MeanStdDev(buf, nil)
	consistency := 0.0
	if mean > 0 {
		consistency = 1 - std/mean
		if consistency < 0 {
			consistency = 0
		}
	}

	return 0.5*countFactor + 0.5*consistency
}
