package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRectCenter(t *testing.T) {
	t.Parallel()

	x, y := Rect{X: 40, Y: 20, Width: 20, Height: 10}.Center()
	assert.InDelta(t, 0.5, x, 1e-9)
	assert.InDelta(t, 0.25, y, 1e-9)
}

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detections.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func collect(t *testing.T, ch <-chan Batch) []Batch {
	t.Helper()
	var out []Batch
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timeout:
			t.Fatal("replay channel never closed")
		}
	}
}

func TestReplaySource(t *testing.T) {
	t.Parallel()

	t.Run("reads batches and closes at EOF", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, `{"camera_id":"driveway","timestamp":"2026-08-01T12:00:00Z","detections":[{"class":"person","confidence":0.9}]}
{"camera_id":"backyard","timestamp":"2026-08-01T12:00:05Z","detections":[{"class":"car","confidence":0.8,"box":{"x":10,"y":10,"width":20,"height":20}}]}
`)

		src := NewReplaySource(path, false)
		ch, err := src.Subscribe()
		require.NoError(t, err)

		batches := collect(t, ch)
		require.Len(t, batches, 2)
		assert.Equal(t, "driveway", batches[0].CameraID)
		require.Len(t, batches[1].Detections, 1)
		require.NotNil(t, batches[1].Detections[0].Box)
		assert.Equal(t, 10.0, batches[1].Detections[0].Box.X)
	})

	t.Run("skips malformed lines", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, `{"camera_id":"driveway","timestamp":"2026-08-01T12:00:00Z","detections":[]}
this is not json
{"camera_id":"backyard","timestamp":"2026-08-01T12:00:05Z","detections":[]}
`)

		src := NewReplaySource(path, false)
		ch, err := src.Subscribe()
		require.NoError(t, err)

		batches := collect(t, ch)
		require.Len(t, batches, 2)
		assert.Equal(t, "backyard", batches[1].CameraID)
	})

	t.Run("missing file errors on subscribe", func(t *testing.T) {
		t.Parallel()
		src := NewReplaySource(filepath.Join(t.TempDir(), "missing.jsonl"), false)
		_, err := src.Subscribe()
		assert.Error(t, err)
	})

	t.Run("close stops delivery", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, `{"camera_id":"a","timestamp":"2026-08-01T12:00:00Z","detections":[]}
{"camera_id":"b","timestamp":"2026-08-01T12:00:01Z","detections":[]}
`)

		src := NewReplaySource(path, false)
		_, err := src.Subscribe()
		require.NoError(t, err)

		require.NoError(t, src.Close())
		require.NoError(t, src.Close(), "double close is safe")
	})
}

func TestChanSource(t *testing.T) {
	t.Parallel()

	src := NewChanSource(2)
	ch, err := src.Subscribe()
	require.NoError(t, err)

	src.Ch <- Batch{CameraID: "driveway"}
	require.NoError(t, src.Close())

	b, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "driveway", b.CameraID)

	_, ok = <-ch
	assert.False(t, ok, "channel closed after Close")
}
