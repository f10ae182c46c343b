// Package alert decides whether qualifying tracking events become
// user-visible alerts: per-rule cooldowns, the updatable active-alert map
// for in-flight movements, and fan-out to the configured notifiers.
package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sightline-data/sightline/internal/monitoring"
	"github.com/sightline-data/sightline/internal/timeutil"
)

// Event types.
const (
	TypeEntry    = "entry"
	TypeExit     = "exit"
	TypeMovement = "movement"
	TypeLost     = "lost"
)

// Event is an alert candidate produced by the tracking engine.
type Event struct {
	Type         string
	RuleID       string
	ObjectID     string
	Class        string
	Label        string
	FromCameraID string
	ToCameraID   string
	CameraID     string
	Message      string
	Landmarks    []string
	Timestamp    time.Time
}

// Record is a dispatched or updated alert as persisted and exposed over the
// API.
type Record struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	RuleID    string    `json:"rule_id,omitempty"`
	ObjectID  string    `json:"object_id"`
	Class     string    `json:"class,omitempty"`
	Label     string    `json:"label,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload is the notification body handed to notifiers.
type Payload struct {
	Body  string
	Data  map[string]string
	Image []byte
}

// Notifier delivers one notification. A failing notifier must not prevent
// delivery to the others.
type Notifier interface {
	Notify(title string, payload Payload) error
}

// RecordSink persists alert records, best-effort.
type RecordSink interface {
	UpsertAlert(rec Record) error
}

// Config holds the dedup/cooldown tuning.
type Config struct {
	RuleCooldown         time.Duration // Suppression window per rule+object pair
	ActiveAlertTTL       time.Duration // How long a movement alert stays updatable
	UpdateNotifyCooldown time.Duration // Throttle between update notifications
}

// activeAlert is an in-flight, updatable movement alert.
type activeAlert struct {
	record       Record
	event        Event
	lastNotified time.Time
}

// Manager applies the cooldown/dedup policy and fans notifications out.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	clock     timeutil.Clock
	notifiers []Notifier
	sink      RecordSink

	lastByRule map[string]time.Time    // "rule|object" -> last dispatch
	active     map[string]*activeAlert // "type|rule|object" -> in-flight alert
}

// NewManager creates an alert manager. sink may be nil.
func NewManager(cfg Config, clock timeutil.Clock, sink RecordSink, notifiers ...Notifier) *Manager {
	if cfg.RuleCooldown <= 0 {
		cfg.RuleCooldown = 30 * time.Second
	}
	if cfg.ActiveAlertTTL <= 0 {
		cfg.ActiveAlertTTL = 10 * time.Minute
	}
	if cfg.UpdateNotifyCooldown <= 0 {
		cfg.UpdateNotifyCooldown = time.Minute
	}
	return &Manager{
		cfg:        cfg,
		clock:      clock,
		notifiers:  notifiers,
		sink:       sink,
		lastByRule: make(map[string]time.Time),
		active:     make(map[string]*activeAlert),
	}
}

// Dispatch runs an alert candidate through the dedup policy. It returns true
// when a new alert record was created; in-place updates and suppressions
// return false.
func (m *Manager) Dispatch(e Event) bool {
	now := m.clock.Now()
	activeKey := fmt.Sprintf("%s|%s|%s", e.Type, e.RuleID, e.ObjectID)
	ruleKey := fmt.Sprintf("%s|%s", e.RuleID, e.ObjectID)

	m.mu.Lock()

	// Movement alerts update an in-flight record in place while it is
	// alive, rather than emitting a duplicate.
	if e.Type == TypeMovement {
		if aa, ok := m.active[activeKey]; ok {
			if now.Sub(aa.record.UpdatedAt) < m.cfg.ActiveAlertTTL {
				rec, changed, notifyNow := m.updateActiveLocked(aa, e, now)
				m.mu.Unlock()
				if changed {
					m.persist(rec)
				}
				if notifyNow {
					m.notify(rec)
				}
				return false
			}
			delete(m.active, activeKey)
		}
	}

	if last, ok := m.lastByRule[ruleKey]; ok && now.Sub(last) < m.cfg.RuleCooldown {
		m.mu.Unlock()
		return false
	}

	rec := Record{
		ID:        fmt.Sprintf("alert_%s", uuid.NewString()),
		Type:      e.Type,
		RuleID:    e.RuleID,
		ObjectID:  e.ObjectID,
		Class:     e.Class,
		Label:     e.Label,
		Message:   e.Message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.lastByRule[ruleKey] = now
	if e.Type == TypeMovement {
		m.active[activeKey] = &activeAlert{record: rec, event: e, lastNotified: now}
	}
	m.mu.Unlock()

	m.persist(rec)
	m.notify(rec)
	return true
}

// updateActiveLocked applies a movement event to an in-flight alert. The
// record only changes when the update is meaningful, and a fresh
// notification is further throttled by the update-notify cooldown. The
// caller performs the returned persist/notify work after releasing the lock.
func (m *Manager) updateActiveLocked(aa *activeAlert, e Event, now time.Time) (rec Record, changed, notifyNow bool) {
	if !meaningfulUpdate(aa.event, e) {
		return aa.record, false, false
	}

	aa.event = e
	aa.record.Message = e.Message
	aa.record.Label = e.Label
	aa.record.UpdatedAt = now

	notifyNow = now.Sub(aa.lastNotified) >= m.cfg.UpdateNotifyCooldown
	if notifyNow {
		aa.lastNotified = now
	}
	return aa.record, true, notifyNow
}

// meaningfulUpdate reports whether the new event differs from the one backing
// the active alert in a way worth surfacing: camera pair, class, label, path
// description, or involved-landmark set.
func meaningfulUpdate(prev, next Event) bool {
	if prev.FromCameraID != next.FromCameraID || prev.ToCameraID != next.ToCameraID {
		return true
	}
	if prev.Class != next.Class || prev.Label != next.Label {
		return true
	}
	if prev.Message != next.Message {
		return true
	}
	return !equalLandmarks(prev.Landmarks, next.Landmarks)
}

func equalLandmarks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// PurgeExpired drops active-alert entries past their TTL. Called from the
// engine's periodic sweep.
func (m *Manager) PurgeExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, aa := range m.active {
		if now.Sub(aa.record.UpdatedAt) >= m.cfg.ActiveAlertTTL {
			delete(m.active, key)
		}
	}
}

// ActiveCount returns the number of in-flight movement alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) persist(rec Record) {
	if m.sink == nil {
		return
	}
	if err := m.sink.UpsertAlert(rec); err != nil {
		monitoring.Logf("alert: persist %s failed: %v", rec.ID, err)
	}
}

// notify fans out to every configured notifier; individual failures are
// logged and do not stop delivery to the rest.
func (m *Manager) notify(rec Record) {
	title := fmt.Sprintf("Tracking %s: %s", rec.Type, rec.Class)
	payload := Payload{
		Body: rec.Message,
		Data: map[string]string{
			"alert_id":  rec.ID,
			"type":      rec.Type,
			"object_id": rec.ObjectID,
		},
	}
	for _, n := range m.notifiers {
		if err := n.Notify(title, payload); err != nil {
			monitoring.Logf("alert: notifier failed for %s: %v", rec.ID, err)
		}
	}
}
