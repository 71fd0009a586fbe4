// Package readstate tracks how far the user has read each conversation.
//
// Two watermarks are kept per conversation key, both in Unix milliseconds:
// the local one, advanced the moment a conversation is viewed, and the
// acknowledged one, the last value written to the server. The acknowledged
// watermark never exceeds the local one and neither ever decreases.
package readstate

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

// Writer upserts a watermark on the remote authority.
type Writer interface {
	MarkRead(ctx context.Context, chatID string, lastReadAt int64) error
}

type Tracker struct {
	local  map[string]int64
	acked  map[string]int64
	writer Writer
	runner loop.Runner
	logger *zap.Logger
}

func New(runner loop.Runner, writer Writer, logger *zap.Logger) *Tracker {
	return &Tracker{
		local:  make(map[string]int64),
		acked:  make(map[string]int64),
		writer: writer,
		runner: runner,
		logger: logger.Named("readstate"),
	}
}

// Watermark returns the local watermark of key, 0 when unknown.
func (t *Tracker) Watermark(key string) int64 {
	return t.local[key]
}

// Acknowledged returns the last watermark written for key.
func (t *Tracker) Acknowledged(key string) int64 {
	return t.acked[key]
}

// NoteViewed raises the local watermark of key to at. It never lowers it.
func (t *Tracker) NoteViewed(key string, at int64) {
	if at > t.local[key] {
		t.local[key] = at
	}
}

// MergeServer folds server-reported watermarks in by taking the maximum.
func (t *Tracker) MergeServer(incoming map[string]int64) {
	for key, ts := range incoming {
		if ts > t.local[key] {
			t.local[key] = ts
		}
	}
}

// SyncAcknowledged marks every local watermark as already known to the
// server. Called right after bootstrap.
func (t *Tracker) SyncAcknowledged() {
	for key, ts := range t.local {
		if ts > t.acked[key] {
			t.acked[key] = ts
		}
	}
}

// Unread counts messages in key authored by someone other than selfID that
// are newer than the local watermark.
func (t *Tracker) Unread(key, selfID string, msgs []models.Message) int {
	mark := t.local[key]
	n := 0
	for _, m := range msgs {
		if m.ChatID != key || m.From == selfID {
			continue
		}
		if models.Millis(m.CreatedAt) > mark {
			n++
		}
	}
	return n
}

// Persist writes value for key unless the server already acknowledged an
// equal or later one. The acknowledged copy is advanced before the write is
// confirmed; a failed write is logged and not retried.
func (t *Tracker) Persist(key string, value int64) {
	if value <= t.acked[key] {
		return
	}
	t.acked[key] = value
	t.NoteViewed(key, value)
	if t.writer == nil {
		return
	}
	t.runner.Go(func(ctx context.Context) func() {
		if err := t.writer.MarkRead(ctx, key, value); err != nil {
			t.logger.Warn("persist read watermark",
				zap.String("chat", key),
				zap.Int64("lastReadAt", value),
				zap.Error(err))
		}
		return nil
	})
}

// Reset forgets all watermarks. Used on logout.
func (t *Tracker) Reset() {
	t.local = make(map[string]int64)
	t.acked = make(map[string]int64)
}
