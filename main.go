// Command sightline fuses object-detection events from multiple cameras into
// a property-wide view of objects in motion, correlating sightings across
// cameras and serving the tracking state over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sightline-data/sightline/internal/alert"
	"github.com/sightline-data/sightline/internal/api"
	"github.com/sightline-data/sightline/internal/config"
	"github.com/sightline-data/sightline/internal/detect"
	"github.com/sightline-data/sightline/internal/fusion"
	"github.com/sightline-data/sightline/internal/storage"
	"github.com/sightline-data/sightline/internal/timeutil"
	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "tracking.db", "Path to the SQLite database")
	configFile = flag.String("config", "", "Path to a tuning config JSON file")
	replayLog  = flag.String("replay", "", "Detection JSONL log to replay instead of live sources")
)

// logNotifier is the default notifier when none are configured: alerts land
// in the process log.
type logNotifier struct{}

func (logNotifier) Notify(title string, p alert.Payload) error {
	log.Printf("ALERT %s: %s", title, p.Body)
	return nil
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
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

	clock := timeutil.RealClock{}

	topo := topology.New()
	if snap, ok, err := db.LoadTopology(); err != nil {
		log.Printf("failed to load topology, starting empty: %v", err)
	} else if ok {
		topo.Replace(snap)
	}

	store := track.NewStore(track.StoreConfig{
		PersistDebounce:  tuning.GetPersistDebounce(),
		PersistRetention: tuning.GetRetentionWindow(),
	}, clock, db)
	if objects, err := db.LoadObjects(); err != nil {
		log.Printf("failed to restore tracked objects: %v", err)
	} else if len(objects) > 0 {
		store.Restore(objects)
		log.Printf("restored %d tracked objects", len(objects))
	}

	correlator := fusion.NewCorrelator(topo, fusion.CorrelatorConfig{
		Threshold:      tuning.GetCorrelationThreshold(),
		VisualMatching: tuning.GetVisualMatching(),
		ZoneTolerance:  tuning.GetZoneTolerance(),
		SimilarClasses: toGroups(tuning.GetSimilarClasses()),
	})

	learner := fusion.NewTransitLearner(topo, func() {
		if err := db.SaveTopology(topo.Snapshot()); err != nil {
			log.Printf("failed to persist learned topology: %v", err)
		}
	})

	alerts := alert.NewManager(alert.Config{
		RuleCooldown:         tuning.GetAlertCooldown(),
		ActiveAlertTTL:       tuning.GetActiveAlertTTL(),
		UpdateNotifyCooldown: tuning.GetUpdateNotifyCooldown(),
	}, clock, db, logNotifier{})

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
	defer engine.Close()

	if *replayLog != "" {
		engine.AttachSource("replay", detect.NewReplaySource(*replayLog, true))
		log.Printf("replaying detections from %s", *replayLog)
	}

	server := api.NewServer(store, topo, learner, alerts, db)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.ServeMux(),
	}

	go func() {
		log.Printf("listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Print("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// Engine close (deferred) stops subscriptions, timers, and the sweep,
	// then flushes the final snapshot.
}

func toGroups(groups []config.SimilarClassGroup) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = []string(g)
	}
	return out
}
