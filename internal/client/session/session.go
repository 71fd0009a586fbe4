// Package session is the client synchronization engine. A Session owns every
// piece of local chat state and the producers that feed it: the live channel,
// the poll interval and the offline monitor. All of it runs on one loop, so
// nothing here takes a lock; the public methods only post work to that loop.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/api"
	"github.com/cloudzz-dev/cldzchat/internal/client/conn"
	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/offline"
	"github.com/cloudzz-dev/cldzchat/internal/client/poll"
	"github.com/cloudzz-dev/cldzchat/internal/client/presence"
	"github.com/cloudzz-dev/cldzchat/internal/client/readstate"
	"github.com/cloudzz-dev/cldzchat/internal/client/store"
)

// DefaultTypingStopDelay is how long after the last keystroke the peer is
// told typing stopped.
const DefaultTypingStopDelay = 1200 * time.Millisecond

const updateBuffer = 64

// Remote is the HTTP side of the authority.
type Remote interface {
	poll.Fetcher
	readstate.Writer
	offline.Prober
	SetCredential(token string)
}

type Config struct {
	PollInterval    time.Duration
	ReconnectDelay  time.Duration
	HealthInterval  time.Duration
	TypingTTL       time.Duration
	TypingStopDelay time.Duration
}

type Session struct {
	cfg      Config
	runner   loop.Runner
	remote   Remote
	logger   *zap.Logger
	store    *store.Store
	reads    *readstate.Tracker
	presence *presence.Handler
	conn     *conn.Manager
	poll     *poll.Synchronizer
	offline  *offline.Monitor
	updates  chan Update

	credential  string
	ready       bool
	self        models.User
	active      Selector
	activeGroup string
	typingStop  loop.Task
}

func New(runner loop.Runner, remote Remote, dialer conn.Dialer, cfg Config, logger *zap.Logger) *Session {
	if cfg.TypingStopDelay <= 0 {
		cfg.TypingStopDelay = DefaultTypingStopDelay
	}
	s := &Session{
		cfg:     cfg,
		runner:  runner,
		remote:  remote,
		logger:  logger.Named("session"),
		store:   store.New(),
		updates: make(chan Update, updateBuffer),
	}
	cred := func() string { return s.credential }
	s.reads = readstate.New(runner, remote, logger)
	s.presence = presence.New(runner, s.store, &s.self, cfg.TypingTTL)
	s.presence.OnTypingChange(func() { s.render(Full) })
	s.conn = conn.NewManager(runner, dialer, live{s}, cred, cfg.ReconnectDelay, logger)
	s.poll = poll.New(runner, remote, s.store, s.reads, refresh{s}, cred, cfg.PollInterval, logger)
	s.offline = offline.New(runner, remote, cfg.HealthInterval, s.recovered, logger)
	return s
}

// Updates delivers a fresh View after every accepted change. When the
// consumer falls behind, the oldest pending update is dropped.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Start signs in with credential: it bootstraps local state, opens the live
// channel and starts polling.
func (s *Session) Start(credential string) {
	s.runner.Post(func() { s.start(credential) })
}

// Stop logs out and cancels every timer the session owns.
func (s *Session) Stop() {
	s.runner.Post(s.logout)
}

func (s *Session) Open(sel Selector) {
	s.runner.Post(func() { s.open(sel) })
}

// SelectGroup switches the sidebar to a group. When the open channel is not
// in it, the group's first channel is opened instead.
func (s *Session) SelectGroup(groupID string) {
	s.runner.Post(func() { s.selectGroup(groupID) })
}

// SendText sends text to the open conversation. Text typed while the live
// channel is down is dropped and a NoticeNotSent update emitted.
func (s *Session) SendText(text string) {
	s.runner.Post(func() { s.sendText(text) })
}

// InputChanged tells a direct-chat peer the user is typing.
func (s *Session) InputChanged() {
	s.runner.Post(s.inputChanged)
}

func (s *Session) start(credential string) {
	if credential == "" {
		s.logger.Warn("start without credential")
		return
	}
	if credential == s.credential {
		return
	}
	if s.credential != "" {
		s.teardown()
	}
	s.credential = credential
	s.remote.SetCredential(credential)
	s.logger.Info("starting session")

	s.runner.Go(func(ctx context.Context) func() {
		snap, err := s.remote.FetchState(ctx)
		return func() { s.bootstrapped(credential, snap, err) }
	})
}

func (s *Session) bootstrapped(credential string, snap *models.Snapshot, err error) {
	if s.credential == "" || s.credential != credential {
		return
	}
	if err != nil {
		if api.IsAuthRejection(err) {
			s.logger.Warn("credential rejected", zap.Error(err))
			s.logout()
			return
		}
		s.logger.Warn("bootstrap failed", zap.Error(err))
		if errors.Is(err, api.ErrUnreachable) {
			s.enterOffline()
		} else {
			s.conn.Connect()
		}
		s.poll.Start()
		return
	}
	added := s.poll.Apply(snap)
	s.applied(snap, added)
	s.conn.Connect()
	s.poll.Start()
}

// applied finishes a snapshot the synchronizer has folded in. The first one
// of a session completes the bootstrap.
func (s *Session) applied(snap *models.Snapshot, added []models.Message) {
	if snap.User.ID != "" {
		s.self = snap.User
	}
	s.ensureGroup()
	if !s.ready {
		s.ready = true
		s.reads.SyncAcknowledged()
		s.render(Full)
		return
	}
	if key := s.activeKey(); key != "" && store.Touches(added, key) {
		s.render(Full)
		return
	}
	s.render(Sidebar)
}

func (s *Session) ensureGroup() {
	if s.activeGroup != "" {
		if _, ok := s.store.Group(s.activeGroup); ok {
			return
		}
	}
	s.activeGroup = ""
	if groups := s.store.Groups(); len(groups) > 0 {
		s.activeGroup = groups[0].ID
	}
}

func (s *Session) enterOffline() {
	if s.credential == "" {
		return
	}
	s.conn.MarkOffline()
	if s.offline.Active() {
		return
	}
	s.offline.Enter()
	s.notice(NoticeOffline)
}

func (s *Session) recovered() {
	if s.credential == "" {
		return
	}
	s.notice(NoticeOnline)
	s.poll.Tick()
	// A transient close already scheduled the one reconnect; dialing now
	// would skip its delay.
	if !s.conn.ReconnectPending() {
		s.conn.Connect()
	}
}

// teardown cancels everything the current credential started and forgets
// all state.
func (s *Session) teardown() {
	s.credential = ""
	s.remote.SetCredential("")
	s.poll.Stop()
	s.offline.Leave()
	s.presence.Clear()
	if s.typingStop != nil {
		s.typingStop.Stop()
		s.typingStop = nil
	}
	s.conn.Close()
	s.store.Reset()
	s.reads.Reset()
	s.ready = false
	s.self = models.User{}
	s.active = Selector{}
	s.activeGroup = ""
}

func (s *Session) logout() {
	if s.credential == "" {
		return
	}
	s.logger.Info("logging out")
	s.teardown()
	s.emit(Update{Kind: LoggedOut, View: s.view(false)})
}

func (s *Session) open(sel Selector) {
	if s.credential == "" {
		return
	}
	if sel != s.active {
		s.presence.Clear()
		if s.typingStop != nil {
			s.typingStop.Stop()
			s.typingStop = nil
		}
		s.active = sel
		if sel.Kind == TargetChannel {
			if ch, ok := s.store.Channel(sel.ID); ok && ch.GroupID != "" {
				if _, ok := s.store.Group(ch.GroupID); ok {
					s.activeGroup = ch.GroupID
				}
			}
		}
	}
	s.render(Full)
}

func (s *Session) selectGroup(groupID string) {
	if s.credential == "" {
		return
	}
	if _, ok := s.store.Group(groupID); !ok {
		s.logger.Debug("unknown group", zap.String("group", groupID))
		return
	}
	s.activeGroup = groupID
	if channels := s.store.ChannelsForGroup(groupID); len(channels) > 0 {
		inGroup := false
		if s.active.Kind == TargetChannel {
			for _, ch := range channels {
				if ch.ID == s.active.ID {
					inGroup = true
					break
				}
			}
		}
		if !inGroup {
			s.open(Channel(channels[0].ID))
			return
		}
	}
	s.render(Full)
}

func (s *Session) sendText(text string) {
	text = strings.TrimSpace(text)
	if s.credential == "" || text == "" {
		return
	}
	var scope models.Scope
	switch s.active.Kind {
	case TargetDirect:
		scope = models.ScopeDirect
	case TargetChannel:
		scope = models.ScopeChannel
	default:
		return
	}
	if !s.conn.Send(text, s.active.ID, scope) {
		s.logger.Info("message dropped, live channel down", zap.String("to", s.active.ID))
		s.notice(NoticeNotSent)
	}
}

func (s *Session) inputChanged() {
	if s.credential == "" || s.active.Kind != TargetDirect {
		return
	}
	peer := s.active.ID
	s.conn.SendTyping(peer, true)
	if s.typingStop != nil {
		s.typingStop.Stop()
	}
	s.typingStop = s.runner.AfterFunc(s.cfg.TypingStopDelay, func() {
		s.typingStop = nil
		if s.credential == "" {
			return
		}
		s.conn.SendTyping(peer, false)
	})
}

func (s *Session) activeKey() string {
	return s.active.Key(s.self.ID)
}

func (s *Session) activePeer() string {
	if s.active.Kind == TargetDirect {
		return s.active.ID
	}
	return ""
}

// live receives the connection manager's events.
type live struct{ s *Session }

func (l live) OnOpen() {
	s := l.s
	if s.credential == "" {
		return
	}
	if s.offline.Active() {
		s.offline.Leave()
		s.notice(NoticeOnline)
	}
	s.render(Sidebar)
}

func (l live) OnMessage(msg models.Message) {
	s := l.s
	if s.credential == "" {
		return
	}
	if msg.ID == "" {
		s.logger.Warn("live message without id", zap.String("chat", msg.ChatID))
		return
	}
	if len(s.store.Merge([]models.Message{msg})) == 0 {
		return
	}
	if key := s.activeKey(); key != "" && msg.ChatID == key {
		s.render(Full)
		return
	}
	s.render(Sidebar)
}

func (l live) OnPresence(evt models.PresenceEvent) {
	s := l.s
	if s.credential == "" {
		return
	}
	if !s.presence.ApplyPresence(evt) {
		s.render(Sidebar)
		return
	}
	if evt.UserID == s.self.ID || evt.UserID == s.activePeer() {
		s.render(Full)
		return
	}
	s.render(Sidebar)
}

func (l live) OnTyping(evt models.TypingEvent) {
	if l.s.credential == "" {
		return
	}
	l.s.presence.ApplyTyping(evt, l.s.activePeer())
}

func (l live) OnRejected(blocked bool) {
	s := l.s
	if blocked {
		s.logger.Warn("account blocked by administrator")
		s.notice(NoticeBlocked)
	} else {
		s.logger.Warn("live channel rejected credential")
	}
	s.logout()
}

func (l live) OnTransientClose(int) {
	l.s.presence.Clear()
	l.s.enterOffline()
}

// refresh receives the poll synchronizer's results.
type refresh struct{ s *Session }

func (r refresh) Refreshed(snap *models.Snapshot, added []models.Message) {
	r.s.applied(snap, added)
}

func (r refresh) Unreachable(error) {
	r.s.enterOffline()
}
