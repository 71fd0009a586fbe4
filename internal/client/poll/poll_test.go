package poll

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/api"
	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/readstate"
	"github.com/cloudzz-dev/cldzchat/internal/client/store"
)

type fakeFetcher struct {
	snaps []*models.Snapshot
	err   error
	calls int
}

func (f *fakeFetcher) FetchState(context.Context) (*models.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snaps) == 0 {
		return &models.Snapshot{}, nil
	}
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type nopWriter struct{}

func (nopWriter) MarkRead(context.Context, string, int64) error { return nil }

type sink struct {
	added       [][]models.Message
	unreachable int
}

func (s *sink) Refreshed(_ *models.Snapshot, added []models.Message) {
	s.added = append(s.added, added)
}

func (s *sink) Unreachable(error) { s.unreachable++ }

type fixture struct {
	runner  *loop.Manual
	fetcher *fakeFetcher
	store   *store.Store
	reads   *readstate.Tracker
	sink    *sink
	cred    string
	sync    *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{runner: loop.NewManual(), fetcher: &fakeFetcher{}, store: store.New(), sink: &sink{}, cred: "tok"}
	t.Cleanup(f.runner.Close)
	f.reads = readstate.New(f.runner, nopWriter{}, zap.NewNop())
	f.sync = New(f.runner, f.fetcher, f.store, f.reads, f.sink, func() string { return f.cred }, 0, zap.NewNop())
	return f
}

func message(id, chat string) models.Message {
	return models.Message{ID: id, ChatID: chat, From: "u2", Text: id, CreatedAt: time.UnixMilli(1000)}
}

func TestTickAppliesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.fetcher.snaps = []*models.Snapshot{{
		Users:      []models.User{{ID: "u1"}, {ID: "u2"}},
		Groups:     []models.Group{{ID: "g1"}},
		Channels:   []models.Channel{{ID: "c1", GroupID: "g1"}},
		Messages:   []models.Message{message("m1", "u1:u2"), message("m2", "channel:c1")},
		ReadByChat: map[string]int64{"u1:u2": 500},
	}}

	f.sync.Tick()
	f.runner.Flush()

	assert.Equal(t, 2, f.store.Len())
	assert.Len(t, f.store.Users(), 2)
	_, ok := f.store.Channel("c1")
	assert.True(t, ok)
	assert.EqualValues(t, 500, f.reads.Watermark("u1:u2"))
	require.Len(t, f.sink.added, 1)
	assert.Len(t, f.sink.added[0], 2)
}

func TestRepeatedSnapshotAddsNothing(t *testing.T) {
	f := newFixture(t)
	f.fetcher.snaps = []*models.Snapshot{{Messages: []models.Message{message("m1", "u1:u2")}}}

	f.sync.Tick()
	f.runner.Flush()
	f.sync.Tick()
	f.runner.Flush()

	require.Len(t, f.sink.added, 2)
	assert.Empty(t, f.sink.added[1])
	assert.Equal(t, 1, f.store.Len())
}

func TestStartTicksOnInterval(t *testing.T) {
	f := newFixture(t)
	f.sync.Start()
	f.sync.Start()

	f.runner.Advance(DefaultInterval - time.Millisecond)
	assert.Zero(t, f.fetcher.calls)
	f.runner.Advance(time.Millisecond)
	assert.Equal(t, 1, f.fetcher.calls)
	f.runner.Advance(2 * DefaultInterval)
	assert.Equal(t, 3, f.fetcher.calls)
}

func TestFailureKeepsInterval(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = &api.StatusError{Code: 500, Message: "boom"}
	f.sync.Start()

	f.runner.Advance(3 * DefaultInterval)
	assert.Equal(t, 3, f.fetcher.calls)
	assert.Zero(t, f.sink.unreachable)
	assert.Empty(t, f.sink.added)
	assert.True(t, f.sync.Running())
}

func TestTransportFailureReportsUnreachable(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = fmt.Errorf("GET /api/me: %w", api.ErrUnreachable)

	f.sync.Tick()
	f.runner.Flush()
	assert.Equal(t, 1, f.sink.unreachable)

	f.fetcher.err = errors.New("decode")
	f.sync.Tick()
	f.runner.Flush()
	assert.Equal(t, 1, f.sink.unreachable)
}

func TestTickWithoutCredentialIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.cred = ""
	f.sync.Tick()
	f.runner.Flush()
	assert.Zero(t, f.fetcher.calls)
}

func TestStopCancelsInterval(t *testing.T) {
	f := newFixture(t)
	f.sync.Start()
	f.runner.Advance(DefaultInterval)
	f.sync.Stop()
	f.runner.Advance(10 * DefaultInterval)

	assert.Equal(t, 1, f.fetcher.calls)
	assert.False(t, f.sync.Running())
}

func TestResultAfterStopIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.fetcher.snaps = []*models.Snapshot{{Messages: []models.Message{message("m1", "u1:u2")}}}

	f.sync.Tick() // the fetch has run, its result is queued
	f.sync.Stop()
	f.runner.Flush()

	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.sink.added)
}

func TestResultAfterLogoutIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.fetcher.snaps = []*models.Snapshot{{Messages: []models.Message{message("m1", "u1:u2")}}}

	f.sync.Tick()
	f.cred = ""
	f.runner.Flush()

	assert.Zero(t, f.store.Len())
}
