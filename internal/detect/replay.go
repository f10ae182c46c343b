package detect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sightline-data/sightline/internal/monitoring"
)

// ReplaySource reads detection batches from a JSONL log, one Batch per line.
// When Paced is set, batches are delivered with the same relative timing as
// the recorded timestamps; otherwise they are delivered as fast as the
// consumer drains them.
type ReplaySource struct {
	Path  string
	Paced bool

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewReplaySource creates a replay source for the given JSONL file.
func NewReplaySource(path string, paced bool) *ReplaySource {
	return &ReplaySource{Path: path, Paced: paced, done: make(chan struct{})}
}

// Subscribe starts reading the log and returns the batch channel. Malformed
// lines are skipped with a warning; the channel is closed at EOF.
func (r *ReplaySource) Subscribe() (<-chan Batch, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("open replay log: %w", err)
	}

	ch := make(chan Batch)
	go func() {
		defer close(ch)
		defer f.Close()

		var prev time.Time
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			var b Batch
			if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
				monitoring.Logf("detect: skipping malformed replay line %d: %v", line, err)
				continue
			}
			if r.Paced && !prev.IsZero() {
				if gap := b.Timestamp.Sub(prev); gap > 0 {
					select {
					case <-time.After(gap):
					case <-r.done:
						return
					}
				}
			}
			prev = b.Timestamp

			select {
			case ch <- b:
			case <-r.done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			monitoring.Logf("detect: replay read error: %v", err)
		}
	}()

	return ch, nil
}

// Close stops the replay.
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

// ChanSource adapts a plain channel to the Source interface. Used by tests
// and by callers that push batches programmatically.
type ChanSource struct {
	Ch chan Batch
}

// NewChanSource creates a buffered channel source.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{Ch: make(chan Batch, buffer)}
}

// Subscribe returns the underlying channel.
func (c *ChanSource) Subscribe() (<-chan Batch, error) { return c.Ch, nil }

// Close closes the channel; no further batches may be sent.
func (c *ChanSource) Close() error {
	close(c.Ch)
	return nil
}
