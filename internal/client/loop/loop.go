// Package loop is the single-consumer executor the client engine runs on.
//
// Every mutation of session state happens inside a task posted to the loop, so
// the engine needs no locks around its store. Producers (the websocket reader,
// timers, network workers) only ever hand results back through Post.
package loop

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a scheduled piece of work that can be cancelled.
type Task interface {
	Stop()
}

// Runner is what engine components schedule work on. Loop is the production
// implementation; Manual drives the same components under virtual time.
type Runner interface {
	// Post queues f to run on the loop. It reports false once the runner
	// has been closed and f was dropped.
	Post(f func()) bool
	// AfterFunc runs f on the loop once, after d.
	AfterFunc(d time.Duration, f func()) Task
	// Every runs f on the loop every d until stopped.
	Every(d time.Duration, f func()) Task
	// Go runs work off the loop. A non-nil returned func is posted back.
	Go(work func(ctx context.Context) func())
	// Spawn starts a long-lived producer that posts its own results.
	Spawn(fn func(ctx context.Context))
}

type Loop struct {
	tasks  chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger *zap.Logger
	once   sync.Once
}

func New(logger *zap.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Loop{
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		logger: logger.Named("loop"),
	}
}

// Run executes posted tasks one at a time until Close is called.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.tasks:
			l.exec(f)
		}
	}
}

// exec contains a panicking task so one bad event cannot end the session.
func (l *Loop) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	f()
}

func (l *Loop) Post(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- f:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) Go(work func(ctx context.Context) func()) {
	l.group.Go(func() error {
		if apply := work(l.ctx); apply != nil {
			l.Post(apply)
		}
		return nil
	})
}

func (l *Loop) Spawn(fn func(ctx context.Context)) {
	l.group.Go(func() error {
		fn(l.ctx)
		return nil
	})
}

// Close stops the loop, cancels in-flight work and waits for workers to exit.
// Queued tasks are dropped.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.cancel()
		close(l.done)
	})
	_ = l.group.Wait()
}

type timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *timer) Stop() {
	t.stopped.Store(true)
	t.t.Stop()
}

func (l *Loop) AfterFunc(d time.Duration, f func()) Task {
	tm := &timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have run on the loop after the timer fired.
			if tm.stopped.Swap(true) {
				return
			}
			f()
		})
	})
	return tm
}

type ticker struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped atomic.Bool
}

func (t *ticker) Stop() {
	t.stopped.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
}

func (l *Loop) Every(d time.Duration, f func()) Task {
	tk := &ticker{}
	var arm func()
	arm = func() {
		tk.mu.Lock()
		defer tk.mu.Unlock()
		if tk.stopped.Load() {
			return
		}
		tk.t = time.AfterFunc(d, func() {
			posted := l.Post(func() {
				if tk.stopped.Load() {
					return
				}
				f()
			})
			if posted {
				arm()
			}
		})
	}
	arm()
	return tk
}
