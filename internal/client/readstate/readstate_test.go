package readstate

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

type write struct {
	chat string
	at   int64
}

type fakeWriter struct {
	writes []write
	err    error
}

func (f *fakeWriter) MarkRead(_ context.Context, chatID string, lastReadAt int64) error {
	f.writes = append(f.writes, write{chatID, lastReadAt})
	return f.err
}

func newTracker(t *testing.T, w Writer) (*Tracker, *loop.Manual) {
	t.Helper()
	r := loop.NewManual()
	t.Cleanup(r.Close)
	return New(r, w, zap.NewNop()), r
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func TestUnreadCountsOthersAfterWatermark(t *testing.T) {
	tr, _ := newTracker(t, nil)
	tr.NoteViewed("k", 100)
	msgs := []models.Message{
		{ID: "a", ChatID: "k", From: "other", CreatedAt: at(90)},
		{ID: "b", ChatID: "k", From: "other", CreatedAt: at(110)},
		{ID: "c", ChatID: "k", From: "self", CreatedAt: at(120)},
		{ID: "d", ChatID: "elsewhere", From: "other", CreatedAt: at(130)},
	}
	assert.Equal(t, 1, tr.Unread("k", "self", msgs))
}

func TestUnreadBoundaryIsStrict(t *testing.T) {
	tr, _ := newTracker(t, nil)
	tr.NoteViewed("k", 100)
	msgs := []models.Message{{ID: "a", ChatID: "k", From: "other", CreatedAt: at(100)}}
	assert.Equal(t, 0, tr.Unread("k", "self", msgs))
}

func TestWatermarkIsMonotonic(t *testing.T) {
	tr, _ := newTracker(t, nil)
	rng := rand.New(rand.NewSource(3))
	var last int64
	for i := 0; i < 500; i++ {
		v := rng.Int63n(1000)
		if rng.Intn(2) == 0 {
			tr.NoteViewed("k", v)
		} else {
			tr.MergeServer(map[string]int64{"k": v, "other": v})
		}
		require.GreaterOrEqual(t, tr.Watermark("k"), last)
		last = tr.Watermark("k")
	}
}

func TestMergeServerTakesMaximum(t *testing.T) {
	tr, _ := newTracker(t, nil)
	tr.NoteViewed("a", 500)
	tr.MergeServer(map[string]int64{"a": 300, "b": 200})
	assert.Equal(t, int64(500), tr.Watermark("a"))
	assert.Equal(t, int64(200), tr.Watermark("b"))
	tr.MergeServer(nil)
	assert.Equal(t, int64(200), tr.Watermark("b"))
}

func TestPersistWritesOnlyAdvances(t *testing.T) {
	w := &fakeWriter{}
	tr, r := newTracker(t, w)

	tr.Persist("k", 100)
	tr.Persist("k", 100)
	tr.Persist("k", 90)
	tr.Persist("k", 150)
	r.Flush()

	assert.Equal(t, []write{{"k", 100}, {"k", 150}}, w.writes)
	assert.Equal(t, int64(150), tr.Acknowledged("k"))
	assert.LessOrEqual(t, tr.Acknowledged("k"), tr.Watermark("k"))
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("boom")}
	tr, r := newTracker(t, w)

	tr.Persist("k", 100)
	r.Flush()
	assert.Equal(t, int64(100), tr.Acknowledged("k"), "acknowledged copy advances optimistically")

	tr.Persist("k", 100)
	r.Flush()
	assert.Len(t, w.writes, 1, "a failed write is not retried eagerly")
}

func TestSyncAcknowledgedSuppressesRewrites(t *testing.T) {
	w := &fakeWriter{}
	tr, r := newTracker(t, w)
	tr.MergeServer(map[string]int64{"k": 400})
	tr.SyncAcknowledged()

	tr.Persist("k", 400)
	r.Flush()
	assert.Empty(t, w.writes)

	tr.Persist("k", 401)
	r.Flush()
	assert.Equal(t, []write{{"k", 401}}, w.writes)
}

func TestReset(t *testing.T) {
	tr, _ := newTracker(t, nil)
	tr.NoteViewed("k", 5)
	tr.Persist("k", 5)
	tr.Reset()
	assert.Zero(t, tr.Watermark("k"))
	assert.Zero(t, tr.Acknowledged("k"))
}
