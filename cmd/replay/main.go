// Command replay reprocesses a recorded detection log offline through the
// full correlation pipeline and prints the resulting tracking state. Useful
// for tuning correlation parameters against a known capture.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sightline-data/sightline/internal/alert"
	"github.com/sightline-data/sightline/internal/config"
	"github.com/sightline-data/sightline/internal/detect"
	"github.com/sightline-data/sightline/internal/fusion"
	"github.com/sightline-data/sightline/internal/storage"
	"github.com/sightline-data/sightline/internal/timeutil"
	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

var (
	logFile      = flag.String("log", "", "Detection JSONL log to replay (required)")
	dbFile       = flag.String("db", ":memory:", "SQLite database to write results into")
	configFile   = flag.String("config", "", "Tuning config JSON file")
	topologyFile = flag.String("topology", "", "Topology JSON document to seed the camera graph")
	paced        = flag.Bool("paced", false, "Replay with recorded timing instead of as fast as possible")
)

// stdoutNotifier prints alerts as they would have fired.
type stdoutNotifier struct{}

func (stdoutNotifier) Notify(title string, p alert.Payload) error {
	fmt.Printf("ALERT %s: %s\n", title, p.Body)
	return nil
}

func main() {
	flag.Parse()

	if *logFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		tuning = loaded
	}

	db, err := storage.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	topo := topology.New()
	if *topologyFile != "" {
		data, err := os.ReadFile(*topologyFile)
		if err != nil {
			log.Fatalf("failed to read topology: %v", err)
		}
		snap, err := topology.ParseSnapshot(data)
		if err != nil {
			log.Fatalf("failed to parse topology: %v", err)
		}
		topo.Replace(snap)
	} else if snap, ok, err := db.LoadTopology(); err != nil {
		log.Fatalf("failed to load topology: %v", err)
	} else if ok {
		topo.Replace(snap)
	}

	clock := timeutil.RealClock{}

	store := track.NewStore(track.StoreConfig{
		PersistDebounce:  tuning.GetPersistDebounce(),
		PersistRetention: tuning.GetRetentionWindow(),
	}, clock, db)

	correlator := fusion.NewCorrelator(topo, fusion.CorrelatorConfig{
		Threshold:      tuning.GetCorrelationThreshold(),
		VisualMatching: tuning.GetVisualMatching(),
		ZoneTolerance:  tuning.GetZoneTolerance(),
		SimilarClasses: toGroups(tuning.GetSimilarClasses()),
	})
	learner := fusion.NewTransitLearner(topo, nil)
	alerts := alert.NewManager(alert.Config{
		RuleCooldown:         tuning.GetAlertCooldown(),
		ActiveAlertTTL:       tuning.GetActiveAlertTTL(),
		UpdateNotifyCooldown: tuning.GetUpdateNotifyCooldown(),
	}, clock, db, stdoutNotifier{})

	engine := fusion.NewEngine(fusion.EngineConfig{
		CorrelationWindow:      tuning.GetCorrelationWindow(),
		LostTimeout:            tuning.GetLostTimeout(),
		SweepInterval:          tuning.GetSweepInterval(),
		RetentionWindow:        tuning.GetRetentionWindow(),
		LoiteringThreshold:     tuning.GetLoiteringThreshold(),
		AlertCooldown:          tuning.GetAlertCooldown(),
		EdgeMarginFraction:     tuning.GetEdgeMarginFraction(),
		MinDetectionConfidence: tuning.GetMinDetectionConfidence(),
		QueueSize:              tuning.GetQueueSize(),
	}, store, topo, correlator, learner, alerts, clock, db)

	engine.Run()

	// Feed batches directly rather than via AttachSource so EOF is visible:
	// once the channel closes and the barrier clears, every sighting has been
	// correlated and committed.
	src := detect.NewReplaySource(*logFile, *paced)
	ch, err := src.Subscribe()
	if err != nil {
		log.Fatalf("failed to open replay log: %v", err)
	}
	batches := 0
	for b := range ch {
		engine.Ingest(b)
		batches++
	}
	engine.Barrier()

	printSummary(batches, store, learner)

	if err := engine.Close(); err != nil {
		log.Fatalf("engine close: %v", err)
	}
	if *topologyFile != "" || len(learner.Suggestions()) > 0 {
		if err := db.SaveTopology(topo.Snapshot()); err != nil {
			log.Fatalf("failed to persist topology: %v", err)
		}
	}
}

func printSummary(batches int, store *track.Store, learner *fusion.TransitLearner) {
	objects := store.All()
	byState := map[track.State]int{}
	journeys := 0
	for _, obj := range objects {
		byState[obj.State]++
		journeys += len(obj.Journeys)
	}

	fmt.Printf("\nreplayed %d batches into %d objects (%d journeys)\n", batches, len(objects), journeys)
	for _, state := range []track.State{track.StateActive, track.StatePending, track.StateExited, track.StateLost} {
		if n := byState[state]; n > 0 {
			fmt.Printf("  %-8s %d\n", state, n)
		}
	}

	for _, obj := range objects {
		fmt.Printf("\n%s [%s] %s", obj.ID, obj.State, obj.Class)
		if obj.Label != "" {
			fmt.Printf(" (%s)", obj.Label)
		}
		fmt.Printf(" sightings=%d\n", len(obj.Sightings))
		for _, j := range obj.Journeys {
			fmt.Printf("  %s -> %s in %dms (confidence %.2f)\n",
				j.FromCameraName, j.ToCameraName, j.TransitMs, j.Confidence)
		}
	}

	if suggestions := learner.Suggestions(); len(suggestions) > 0 {
		fmt.Printf("\nconnection suggestions:\n")
		for _, s := range suggestions {
			fmt.Printf("  %s -> %s typical %.0fms (%d observations, confidence %.2f)\n",
				s.FromCameraID, s.ToCameraID, s.Transit.TypicalMs, s.Observations, s.Confidence)
		}
	}
}

func toGroups(groups []config.SimilarClassGroup) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = []string(g)
	}
	return out
}
