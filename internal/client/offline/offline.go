// Package offline probes the authority's health endpoint while the client is
// cut off and reports the first sign of recovery.
package offline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
)

const DefaultInterval = 2 * time.Second

type Prober interface {
	Health(ctx context.Context) error
}

type Monitor struct {
	runner    loop.Runner
	prober    Prober
	interval  time.Duration
	onRecover func()
	logger    *zap.Logger

	task    loop.Task
	probing bool
	gen     uint64
}

// New builds a monitor that calls onRecover on the loop after the first
// successful probe.
func New(runner loop.Runner, prober Prober, interval time.Duration, onRecover func(), logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		runner:    runner,
		prober:    prober,
		interval:  interval,
		onRecover: onRecover,
		logger:    logger.Named("offline"),
	}
}

// Active reports whether the client is in the offline sub-state.
func (m *Monitor) Active() bool {
	return m.task != nil
}

// Enter starts probing, the first probe immediately. Entering twice is a
// no-op.
func (m *Monitor) Enter() {
	if m.task != nil {
		return
	}
	m.gen++
	m.logger.Info("server unreachable, probing health")
	m.task = m.runner.Every(m.interval, m.probe)
	m.probe()
}

// Leave stops probing without reporting recovery.
func (m *Monitor) Leave() {
	if m.task != nil {
		m.task.Stop()
		m.task = nil
	}
	m.gen++
	m.probing = false
}

func (m *Monitor) probe() {
	if m.probing {
		return
	}
	m.probing = true
	gen := m.gen
	m.runner.Go(func(ctx context.Context) func() {
		err := m.prober.Health(ctx)
		return func() {
			if gen != m.gen {
				return
			}
			m.probing = false
			if err != nil {
				m.logger.Debug("health probe failed", zap.Error(err))
				return
			}
			m.logger.Info("server reachable again")
			m.Leave()
			if m.onRecover != nil {
				m.onRecover()
			}
		}
	})
}
