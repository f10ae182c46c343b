// Package storage persists tracking state to SQLite: debounced
// tracked-object snapshots, the topology document, journey and transit
// history, and alert records. All writes are best-effort from the engine's
// point of view.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sightline-data/sightline/internal/alert"
	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

// Well-known kv snapshot keys.
const (
	KeyTrackedObjects = "tracked_objects"
	KeyTopology       = "topology"
)

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the database at path and applies pragmas suited
// to a single-process writer. Use ":memory:" for tests.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The engine is the only writer; a single connection sidesteps
	// SQLITE_BUSY across the snapshot and history tables.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{db}, nil
}

// GetItem returns the kv value for key, or ok=false when absent.
func (db *DB) GetItem(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item %q: %w", key, err)
	}
	return value, true, nil
}

// SetItem stores the kv value for key.
func (db *DB) SetItem(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_unix_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix_ms = excluded.updated_unix_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set item %q: %w", key, err)
	}
	return nil
}

// SaveObjects persists the retained tracked-object set as a JSON snapshot.
// Implements track.Persister.
func (db *DB) SaveObjects(objects []*track.TrackedObject) error {
	data, err := json.Marshal(objects)
	if err != nil {
		return fmt.Errorf("marshal object snapshot: %w", err)
	}
	return db.SetItem(KeyTrackedObjects, string(data))
}

// LoadObjects restores the persisted tracked-object snapshot. A missing
// snapshot yields an empty slice.
func (db *DB) LoadObjects() ([]*track.TrackedObject, error) {
	raw, ok, err := db.GetItem(KeyTrackedObjects)
	if err != nil || !ok {
		return nil, err
	}
	var objects []*track.TrackedObject
	if err := json.Unmarshal([]byte(raw), &objects); err != nil {
		return nil, fmt.Errorf("unmarshal object snapshot: %w", err)
	}
	return objects, nil
}

// SaveTopology persists the topology document.
func (db *DB) SaveTopology(snap topology.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	return db.SetItem(KeyTopology, string(data))
}

// LoadTopology restores the persisted topology document. ok is false when no
// topology has been saved yet.
func (db *DB) LoadTopology() (topology.Snapshot, bool, error) {
	raw, found, err := db.GetItem(KeyTopology)
	if err != nil || !found {
		return topology.Snapshot{}, false, err
	}
	snap, err := topology.ParseSnapshot([]byte(raw))
	if err != nil {
		return topology.Snapshot{}, false, err
	}
	return snap, true, nil
}

// InsertJourney appends a journey segment to the audit history.
func (db *DB) InsertJourney(objectID string, j track.Journey) error {
	_, err := db.Exec(`
		INSERT INTO journeys (
			object_id, from_camera_id, to_camera_id,
			exited_unix_ms, entered_unix_ms, transit_ms, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		objectID, j.FromCameraID, j.ToCameraID,
		j.ExitedAt.UnixMilli(), j.EnteredAt.UnixMilli(), j.TransitMs, j.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	return nil
}

// ListJourneys returns the journey history for an object, oldest first.
func (db *DB) ListJourneys(objectID string, limit int) ([]track.Journey, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT from_camera_id, to_camera_id, exited_unix_ms, entered_unix_ms, transit_ms, confidence
		FROM journeys
		WHERE object_id = ?
		ORDER BY entered_unix_ms ASC
		LIMIT ?
	`, objectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journeys: %w", err)
	}
	defer rows.Close()

	var journeys []track.Journey
	for rows.Next() {
		var j track.Journey
		var exitedMs, enteredMs int64
		if err := rows.Scan(&j.FromCameraID, &j.ToCameraID, &exitedMs, &enteredMs, &j.TransitMs, &j.Confidence); err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		j.ExitedAt = time.UnixMilli(exitedMs).UTC()
		j.EnteredAt = time.UnixMilli(enteredMs).UTC()
		journeys = append(journeys, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journeys: %w", err)
	}
	return journeys, nil
}

// InsertTransitObservation appends one raw transit sample to the audit
// history.
func (db *DB) InsertTransitObservation(fromCameraID, toCameraID string, transitMs float64, observedAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO transit_observations (from_camera_id, to_camera_id, transit_ms, observed_unix_ms)
		VALUES (?, ?, ?, ?)
	`, fromCameraID, toCameraID, transitMs, observedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transit observation: %w", err)
	}
	return nil
}

// UpsertAlert persists an alert record, updating in place on id conflict so
// in-flight movement alerts keep a single row. Implements alert.RecordSink.
func (db *DB) UpsertAlert(rec alert.Record) error {
	_, err := db.Exec(`
		INSERT INTO alerts (
			alert_id, alert_type, rule_id, object_id, object_class, label, message,
			created_unix_ms, updated_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			message = excluded.message,
			label = excluded.label,
			updated_unix_ms = excluded.updated_unix_ms
	`,
		rec.ID, rec.Type, rec.RuleID, rec.ObjectID, rec.Class, rec.Label, rec.Message,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ListAlerts returns recent alert records, newest first.
func (db *DB) ListAlerts(limit int) ([]alert.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT alert_id, alert_type, rule_id, object_id, object_class, label, message,
			created_unix_ms, updated_unix_ms
		FROM alerts
		ORDER BY updated_unix_ms DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Record
	for rows.Next() {
		var rec alert.Record
		var createdMs, updatedMs int64
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.RuleID, &rec.ObjectID, &rec.Class,
			&rec.Label, &rec.Message, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}
