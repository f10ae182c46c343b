package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the root configuration for tracking tuning
// parameters. The schema matches the /api/config endpoint so the same JSON
// can be used for both startup configuration and runtime inspection.
//
// All fields are optional; the Get* accessors supply defaults, so partial
// configs are safe.
type TuningConfig struct {
	// Correlation params
	CorrelationThreshold *float64            `json:"correlation_threshold,omitempty"`
	CorrelationWindow    *string             `json:"correlation_window,omitempty"` // duration string like "45s"
	VisualMatching       *bool               `json:"visual_matching,omitempty"`
	ZoneTolerance        *float64            `json:"zone_tolerance,omitempty"` // percent units, 0-100 space
	SimilarClasses       []SimilarClassGroup `json:"similar_classes,omitempty"`

	// Detection params
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`
	EdgeMarginFraction     *float64 `json:"edge_margin_fraction,omitempty"`

	// Lifecycle params
	LostTimeout     *string `json:"lost_timeout,omitempty"`     // duration string like "2m"
	SweepInterval   *string `json:"sweep_interval,omitempty"`   // duration string like "30s"
	RetentionWindow *string `json:"retention_window,omitempty"` // duration string like "1h"

	// Alert params
	LoiteringThreshold   *string `json:"loitering_threshold,omitempty"`
	AlertCooldown        *string `json:"alert_cooldown,omitempty"`
	ActiveAlertTTL       *string `json:"active_alert_ttl,omitempty"`
	UpdateNotifyCooldown *string `json:"update_notify_cooldown,omitempty"`

	// Persistence params
	PersistDebounce *string `json:"persist_debounce,omitempty"`

	// Engine params
	QueueSize *int `json:"queue_size,omitempty"`
}

// SimilarClassGroup is a set of detection class labels treated as
// near-equivalent during correlation (e.g. car/vehicle/truck).
type SimilarClassGroup []string

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.CorrelationThreshold != nil {
		if *c.CorrelationThreshold < 0 || *c.CorrelationThreshold > 1 {
			return fmt.Errorf("correlation_threshold must be between 0 and 1, got %f", *c.CorrelationThreshold)
		}
	}
	if c.MinDetectionConfidence != nil {
		if *c.MinDetectionConfidence < 0 || *c.MinDetectionConfidence > 1 {
			return fmt.Errorf("min_detection_confidence must be between 0 and 1, got %f", *c.MinDetectionConfidence)
		}
	}
	if c.EdgeMarginFraction != nil {
		if *c.EdgeMarginFraction < 0 || *c.EdgeMarginFraction >= 0.5 {
			return fmt.Errorf("edge_margin_fraction must be in [0, 0.5), got %f", *c.EdgeMarginFraction)
		}
	}
	if c.ZoneTolerance != nil && *c.ZoneTolerance < 0 {
		return fmt.Errorf("zone_tolerance must be non-negative, got %f", *c.ZoneTolerance)
	}
	if c.QueueSize != nil && *c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", *c.QueueSize)
	}

	durations := map[string]*string{
		"correlation_window":     c.CorrelationWindow,
		"lost_timeout":           c.LostTimeout,
		"sweep_interval":         c.SweepInterval,
		"retention_window":       c.RetentionWindow,
		"loitering_threshold":    c.LoiteringThreshold,
		"alert_cooldown":         c.AlertCooldown,
		"active_alert_ttl":       c.ActiveAlertTTL,
		"update_notify_cooldown": c.UpdateNotifyCooldown,
		"persist_debounce":       c.PersistDebounce,
	}
	for name, val := range durations {
		if val != nil && *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *val, err)
			}
		}
	}

	return nil
}

func durationOrDefault(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetCorrelationThreshold returns the minimum confidence for a correlation
// match, or the default.
func (c *TuningConfig) GetCorrelationThreshold() float64 {
	if c.CorrelationThreshold == nil {
		return 0.60
	}
	return *c.CorrelationThreshold
}

// GetCorrelationWindow returns the pending-exit correlation window.
func (c *TuningConfig) GetCorrelationWindow() time.Duration {
	return durationOrDefault(c.CorrelationWindow, 45*time.Second)
}

// GetVisualMatching reports whether embedding-based matching is enabled.
func (c *TuningConfig) GetVisualMatching() bool {
	if c.VisualMatching == nil {
		return true
	}
	return *c.VisualMatching
}

// GetZoneTolerance returns the near-zone tolerance in percent units.
func (c *TuningConfig) GetZoneTolerance() float64 {
	if c.ZoneTolerance == nil {
		return 5.0
	}
	return *c.ZoneTolerance
}

// GetSimilarClasses returns the configured similar-class groups, or the
// default car/vehicle/truck and person/human groupings.
func (c *TuningConfig) GetSimilarClasses() []SimilarClassGroup {
	if c.SimilarClasses == nil {
		return []SimilarClassGroup{
			{"car", "vehicle", "truck"},
			{"person", "human"},
		}
	}
	return c.SimilarClasses
}

// GetMinDetectionConfidence returns the qualifying detection confidence.
func (c *TuningConfig) GetMinDetectionConfidence() float64 {
	if c.MinDetectionConfidence == nil {
		return 0.3
	}
	return *c.MinDetectionConfidence
}

// GetEdgeMarginFraction returns the frame-edge margin as a fraction of the
// frame on each axis.
func (c *TuningConfig) GetEdgeMarginFraction() float64 {
	if c.EdgeMarginFraction == nil {
		return 0.12
	}
	return *c.EdgeMarginFraction
}

// GetLostTimeout returns how long an object may go unseen before the sweep
// marks it lost.
func (c *TuningConfig) GetLostTimeout() time.Duration {
	return durationOrDefault(c.LostTimeout, 2*time.Minute)
}

// GetSweepInterval returns the lost-object sweep period.
func (c *TuningConfig) GetSweepInterval() time.Duration {
	return durationOrDefault(c.SweepInterval, 30*time.Second)
}

// GetRetentionWindow returns how long terminal objects are kept for audit
// queries before garbage collection.
func (c *TuningConfig) GetRetentionWindow() time.Duration {
	return durationOrDefault(c.RetentionWindow, time.Hour)
}

// GetLoiteringThreshold returns the minimum continuous visibility before an
// object qualifies for alerting.
func (c *TuningConfig) GetLoiteringThreshold() time.Duration {
	return durationOrDefault(c.LoiteringThreshold, 3*time.Second)
}

// GetAlertCooldown returns the per-object alert cooldown window.
func (c *TuningConfig) GetAlertCooldown() time.Duration {
	return durationOrDefault(c.AlertCooldown, 30*time.Second)
}

// GetActiveAlertTTL returns how long a movement alert stays updatable.
func (c *TuningConfig) GetActiveAlertTTL() time.Duration {
	return durationOrDefault(c.ActiveAlertTTL, 10*time.Minute)
}

// GetUpdateNotifyCooldown returns the throttle between notifications for
// in-place alert updates.
func (c *TuningConfig) GetUpdateNotifyCooldown() time.Duration {
	return durationOrDefault(c.UpdateNotifyCooldown, 60*time.Second)
}

// GetPersistDebounce returns the coalescing window for persistence writes.
func (c *TuningConfig) GetPersistDebounce() time.Duration {
	return durationOrDefault(c.PersistDebounce, 2*time.Second)
}

// GetQueueSize returns the detection work-queue depth.
func (c *TuningConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 256
	}
	return *c.QueueSize
}
