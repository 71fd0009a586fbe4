// Package poll runs the fixed-interval full refresh that backs up the live
// channel.
package poll

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/api"
	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/readstate"
	"github.com/cloudzz-dev/cldzchat/internal/client/store"
)

const DefaultInterval = 5 * time.Second

type Fetcher interface {
	FetchState(ctx context.Context) (*models.Snapshot, error)
}

// Sink is told about the outcome of each refresh. Its methods run on the
// loop.
type Sink interface {
	// Refreshed follows every applied snapshot with the messages it added.
	Refreshed(snap *models.Snapshot, added []models.Message)
	// Unreachable reports a refresh that never reached the authority.
	Unreachable(err error)
}

type Synchronizer struct {
	runner     loop.Runner
	fetcher    Fetcher
	store      *store.Store
	reads      *readstate.Tracker
	sink       Sink
	credential func() string
	interval   time.Duration
	logger     *zap.Logger

	task     loop.Task
	inflight bool
	gen      uint64
}

func New(runner loop.Runner, fetcher Fetcher, s *store.Store, reads *readstate.Tracker, sink Sink, credential func() string, interval time.Duration, logger *zap.Logger) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		runner:     runner,
		fetcher:    fetcher,
		store:      s,
		reads:      reads,
		sink:       sink,
		credential: credential,
		interval:   interval,
		logger:     logger.Named("poll"),
	}
}

// Start arms the interval. Calling it while running does nothing.
func (p *Synchronizer) Start() {
	if p.task != nil {
		return
	}
	p.task = p.runner.Every(p.interval, p.Tick)
}

// Stop cancels the interval and discards any refresh still in flight.
func (p *Synchronizer) Stop() {
	if p.task != nil {
		p.task.Stop()
		p.task = nil
	}
	p.gen++
	p.inflight = false
}

func (p *Synchronizer) Running() bool {
	return p.task != nil
}

// Tick runs one refresh now. Overlapping ticks are skipped.
func (p *Synchronizer) Tick() {
	if p.credential() == "" || p.inflight {
		return
	}
	p.inflight = true
	gen := p.gen
	p.runner.Go(func(ctx context.Context) func() {
		snap, err := p.fetcher.FetchState(ctx)
		return func() { p.finish(gen, snap, err) }
	})
}

func (p *Synchronizer) finish(gen uint64, snap *models.Snapshot, err error) {
	if gen != p.gen {
		return
	}
	p.inflight = false
	if p.credential() == "" {
		return
	}
	if err != nil {
		p.logger.Warn("refresh failed", zap.Error(err))
		if errors.Is(err, api.ErrUnreachable) {
			p.sink.Unreachable(err)
		}
		return
	}
	added := p.Apply(snap)
	p.sink.Refreshed(snap, added)
}

// Apply folds a snapshot into local state: the directory is replaced, server
// watermarks merged and unseen messages added. It returns the added messages.
func (p *Synchronizer) Apply(snap *models.Snapshot) []models.Message {
	p.store.ReplaceDirectory(snap.Users, snap.Groups, snap.Channels)
	p.reads.MergeServer(snap.ReadByChat)
	for _, m := range snap.Messages {
		if m.ID == "" {
			p.logger.Warn("message without id", zap.String("chat", m.ChatID))
		}
	}
	added := p.store.Merge(snap.Messages)
	if len(added) > 0 {
		p.logger.Debug("merged refresh", zap.Int("added", len(added)))
	}
	return added
}
