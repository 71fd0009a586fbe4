package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a Runner driven by the caller: posted tasks run on Flush and
// timers fire on Advance. Go runs its work synchronously. It exists so engine
// components can be tested deterministically.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []*manualTimer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type manualTimer struct {
	m       *Manual
	at      time.Duration
	every   time.Duration
	seq     int
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
}

func NewManual() *Manual {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manual{ctx: ctx, cancel: cancel}
}

func (m *Manual) Post(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, f)
	return true
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Task {
	return m.schedule(d, 0, f)
}

func (m *Manual) Every(d time.Duration, f func()) Task {
	return m.schedule(d, d, f)
}

func (m *Manual) schedule(d, every time.Duration, f func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, every: every, seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Go(work func(ctx context.Context) func()) {
	if apply := work(m.ctx); apply != nil {
		m.Post(apply)
	}
}

func (m *Manual) Spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// Flush runs queued tasks, including ones they post, until the queue is empty.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		f()
	}
}

// Advance moves virtual time forward by d, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	m.Flush()
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.f()
		m.Flush()
	}
	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at != m.timers[j].at {
			return m.timers[i].at < m.timers[j].at
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	if len(m.timers) == 0 || m.timers[0].at > target {
		return nil
	}
	t := m.timers[0]
	m.now = t.at
	if t.every > 0 {
		t.at += t.every
	} else {
		t.stopped = true
	}
	return t
}

// Pending reports how many timers are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Elapsed is the virtual time since the runner was created.
func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Close drops further posts, cancels the context handed to workers and waits
// for spawned producers to return.
func (m *Manual) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
