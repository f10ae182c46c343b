// Package fusion contains the cross-camera correlation core: the weighted
// multi-factor scoring of sightings against tracked objects, the tracking
// engine orchestration, and the transit-time learning loop.
package fusion

import (
	"math"

	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

// Factor weights for the combined correlation confidence.
const (
	weightTiming  = 0.30
	weightVisual  = 0.35
	weightSpatial = 0.25
	weightClass   = 0.10
)

// Score for similar-but-not-identical classes (car/vehicle/truck etc).
const similarClassScore = 0.8

// Timing score for a camera pair with no declared connection. Low, but not a
// veto: uncharted paths are plausible until the topology learns them.
const unchartedPathScore = 0.2

// Candidate is the ephemeral result of scoring one (object, sighting) pair.
type Candidate struct {
	ObjectID   string
	Object     *track.TrackedObject
	Confidence float64
	Timing     float64
	Visual     float64
	Spatial    float64
	Class      float64
}

// CorrelatorConfig holds the scoring parameters.
type CorrelatorConfig struct {
	Threshold      float64    // Minimum confidence for a match
	VisualMatching bool       // Enable embedding comparison
	ZoneTolerance  float64    // Near-zone tolerance, percent units
	SimilarClasses [][]string // Groups of near-equivalent class labels
}

// Correlator scores new sightings against the active tracked-object pool.
// It is a pure scorer: every candidate gets a result, and malformed inputs
// (bad embeddings, missing positions, unknown connections) degrade to
// neutral scores rather than errors.
type Correlator struct {
	topo    *topology.Topology
	cfg     CorrelatorConfig
	similar map[string]map[string]bool
}

// NewCorrelator creates a correlator over the given topology.
func NewCorrelator(topo *topology.Topology, cfg CorrelatorConfig) *Correlator {
	similar := make(map[string]map[string]bool)
	for _, group := range cfg.SimilarClasses {
		for _, a := range group {
			if similar[a] == nil {
				similar[a] = make(map[string]bool)
			}
			for _, b := range group {
				if a != b {
					similar[a][b] = true
				}
			}
		}
	}
	return &Correlator{topo: topo, cfg: cfg, similar: similar}
}

// FindBestMatch scores the sighting against every candidate and returns the
// highest-confidence one at or above the threshold. Same-camera track
// continuity (same camera and detection id as a candidate's last sighting)
// is resolved first, at confidence 1.0, without further scoring.
func (c *Correlator) FindBestMatch(s track.Sighting, candidates []*track.TrackedObject) (Candidate, bool) {
	if s.DetectionID != "" {
		for _, obj := range candidates {
			last := obj.LastSighting()
			if last != nil && last.CameraID == s.CameraID && last.DetectionID == s.DetectionID {
				return Candidate{
					ObjectID:   obj.ID,
					Object:     obj,
					Confidence: 1.0,
					Timing:     1.0,
					Visual:     1.0,
					Spatial:    1.0,
					Class:      1.0,
				}, true
			}
		}
	}

	var best Candidate
	found := false
	for _, obj := range candidates {
		cand := c.Score(obj, s)
		if !found || cand.Confidence > best.Confidence {
			best = cand
			found = true
		}
	}

	if !found || best.Confidence < c.cfg.Threshold {
		return Candidate{}, false
	}
	return best, true
}

// Score computes the four factor scores and the combined confidence for one
// (object, sighting) pair. Confidence is forced to 0 when the class or
// timing factor vetoes the pair.
func (c *Correlator) Score(obj *track.TrackedObject, s track.Sighting) Candidate {
	cand := Candidate{
		ObjectID: obj.ID,
		Object:   obj,
		Timing:   c.timingFactor(obj.LastSighting(), s),
		Visual:   c.visualFactor(obj.Descriptor, s.Embedding),
		Spatial:  c.spatialFactor(obj.LastSighting(), s),
		Class:    c.classFactor(obj.Class, s.Class),
	}

	// Hard vetoes: incompatible classes or implausible transit timing kill
	// the pair regardless of the other factors.
	if cand.Class == 0 || cand.Timing == 0 {
		cand.Confidence = 0
		return cand
	}

	cand.Confidence = weightTiming*cand.Timing +
		weightVisual*cand.Visual +
		weightSpatial*cand.Spatial +
		weightClass*cand.Class
	return cand
}

// timingFactor scores the observed transit time against the topology
// connection's expected range.
//
//	same camera                      → 1.0 (trivially continuous)
//	no known connection              → 0.2 (uncharted path)
//	outside [min*0.5, max*2]         → 0   (veto)
//	outside [min, max], inside band  → partial credit by overshoot
//	inside [min, max]                → 0.5..1.0 by closeness to typical
func (c *Correlator) timingFactor(last *track.Sighting, s track.Sighting) float64 {
	if last == nil {
		return 1.0
	}
	if last.CameraID == s.CameraID {
		return 1.0
	}

	conn, ok := c.topo.FindConnection(last.CameraID, s.CameraID)
	if !ok {
		return unchartedPathScore
	}

	transit := float64(s.Timestamp.Sub(last.Timestamp).Milliseconds())
	minMs, typMs, maxMs := conn.Transit.MinMs, conn.Transit.TypicalMs, conn.Transit.MaxMs

	if transit < minMs*0.5 || transit > maxMs*2 {
		return 0
	}
	if transit < minMs {
		// Below the declared minimum but inside the widened band:
		// 0 at min*0.5, rising to 0.5 at min.
		halfMin := minMs * 0.5
		if halfMin == 0 {
			return 0.5
		}
		return 0.5 * (transit - halfMin) / halfMin
	}
	if transit > maxMs {
		// Above the declared maximum but inside the widened band:
		// 0.5 at max, falling to 0 at max*2.
		if maxMs == 0 {
			return 0.5
		}
		return 0.5 * (maxMs*2 - transit) / maxMs
	}

	// Inside [min, max]: 1.0 at typical, linearly decaying to 0.5 with the
	// absolute deviation normalized by half the min-max range.
	halfRange := (maxMs - minMs) / 2
	if halfRange == 0 {
		return 1.0
	}
	deviation := math.Abs(transit-typMs) / halfRange
	if deviation > 1 {
		deviation = 1
	}
	return 1.0 - 0.5*deviation
}

// visualFactor compares the object's stored descriptor with the sighting's
// embedding via cosine similarity mapped to [0, 1]. Disabled matching,
// missing data, or decode failures all resolve to the neutral 0.5.
func (c *Correlator) visualFactor(descriptor, embedding string) float64 {
	if !c.cfg.VisualMatching || descriptor == "" || embedding == "" {
		return 0.5
	}

	a, err := decodeEmbedding(descriptor)
	if err != nil {
		return 0.5
	}
	b, err := decodeEmbedding(embedding)
	if err != nil {
		return 0.5
	}
	if len(a) != len(b) {
		return 0.5
	}

	return (cosineSimilarity(a, b) + 1) / 2
}

// spatialFactor scores frame positions against the connection's exit and
// entry zones. Each side contributes up to 0.5; missing position data on a
// side contributes a flat 0.25 rather than zero.
func (c *Correlator) spatialFactor(last *track.Sighting, s track.Sighting) float64 {
	if last == nil {
		return 0.5
	}
	if last.CameraID == s.CameraID {
		return 1.0
	}

	conn, ok := c.topo.FindConnection(last.CameraID, s.CameraID)
	if !ok {
		return 0.3
	}

	return c.zoneCredit(conn.ExitZone, last.Position) + c.zoneCredit(conn.EntryZone, s.Position)
}

// zoneCredit scores one side of a transition: 0.5 when the position falls
// inside (or near) the zone, 0.25 when position or zone data is missing,
// 0 when the position clearly misses the zone.
func (c *Correlator) zoneCredit(zone *topology.Zone, pos *track.Position) float64 {
	if zone == nil || pos == nil {
		return 0.25
	}
	// Sighting positions are 0-1; zones live in 0-100 space.
	if zone.Near(pos.X*100, pos.Y*100, c.cfg.ZoneTolerance) {
		return 0.5
	}
	return 0
}

// classFactor scores class compatibility: exact match 1.0, configured
// similar pair 0.8, anything else 0 (veto).
func (c *Correlator) classFactor(objClass, sightingClass string) float64 {
	if objClass == sightingClass {
		return 1.0
	}
	if c.similar[objClass][sightingClass] {
		return similarClassScore
	}
	return 0
}
