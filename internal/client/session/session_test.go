package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/api"
	"github.com/cloudzz-dev/cldzchat/internal/client/conn"
	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/poll"
	"github.com/cloudzz-dev/cldzchat/internal/client/presence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mark struct {
	chat string
	at   int64
}

type fakeRemote struct {
	snap      *models.Snapshot
	fetchErr  error
	healthErr error
	fetches   int
	marks     []mark
	cred      string
}

func (r *fakeRemote) FetchState(context.Context) (*models.Snapshot, error) {
	r.fetches++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	cp := *r.snap
	cp.Users = append([]models.User(nil), r.snap.Users...)
	cp.Messages = append([]models.Message(nil), r.snap.Messages...)
	return &cp, nil
}

func (r *fakeRemote) MarkRead(_ context.Context, chat string, at int64) error {
	r.marks = append(r.marks, mark{chat, at})
	return nil
}

func (r *fakeRemote) Health(context.Context) error { return r.healthErr }

func (r *fakeRemote) SetCredential(token string) { r.cred = token }

type fakeLink struct {
	closeCode chan int
	done      chan struct{}
	once      sync.Once

	mu      sync.Mutex
	written []any
}

func (l *fakeLink) ReadMessage() ([]byte, error) {
	select {
	case code := <-l.closeCode:
		return nil, &websocket.CloseError{Code: code}
	case <-l.done:
		return nil, errors.New("use of closed connection")
	}
}

func (l *fakeLink) WriteJSON(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, v)
	return nil
}

func (l *fakeLink) Close(int, string) error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) sent() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	links    []*fakeLink
	refuse   int
	attempts int
}

func (d *fakeDialer) Dial(context.Context, string) (conn.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.refuse > 0 {
		d.refuse--
		return nil, errors.New("connection refused")
	}
	l := &fakeLink{closeCode: make(chan int, 1), done: make(chan struct{})}
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *fakeDialer) tries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

type fixture struct {
	runner  *loop.Manual
	remote  *fakeRemote
	dialer  *fakeDialer
	session *Session
}

func ms(v int64) time.Time { return time.UnixMilli(v).UTC() }

func msg(id, chat, from string, at int64) models.Message {
	return models.Message{ID: id, ChatID: chat, From: from, Text: "text " + id, CreatedAt: ms(at)}
}

func baseSnapshot() *models.Snapshot {
	return &models.Snapshot{
		User: models.User{ID: "u1", Nickname: "Ann"},
		Users: []models.User{
			{ID: "u1", Nickname: "Ann"},
			{ID: "u2", Nickname: "Bob"},
			{ID: "u3", Nickname: "Cid"},
		},
		Groups: []models.Group{{ID: "g1", Name: "Team"}, {ID: "g2", Name: "Ops"}},
		Channels: []models.Channel{
			{ID: "c1", Name: "general", GroupID: "g1"},
			{ID: "c2", Name: "random", GroupID: "g1"},
			{ID: "c3", Name: "alerts", GroupID: "g2"},
		},
		Messages:   []models.Message{},
		ReadByChat: map[string]int64{},
	}
}

func newFixture(t *testing.T, snap *models.Snapshot) *fixture {
	t.Helper()
	f := &fixture{runner: loop.NewManual(), remote: &fakeRemote{snap: snap}, dialer: &fakeDialer{}}
	f.session = New(f.runner, f.remote, f.dialer, Config{}, zap.NewNop())
	t.Cleanup(func() {
		f.session.Stop()
		f.runner.Flush()
		f.runner.Close()
	})
	return f
}

// started returns a fixture that has bootstrapped and opened its live
// channel.
func started(t *testing.T, snap *models.Snapshot) *fixture {
	t.Helper()
	f := newFixture(t, snap)
	f.session.Start("tok")
	f.runner.Flush()
	require.Equal(t, conn.Connected, f.session.conn.State())
	return f
}

func (f *fixture) drain() []Update {
	var out []Update
	for {
		select {
		case u := <-f.session.updates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func (f *fixture) lastView(t *testing.T) View {
	t.Helper()
	ups := f.drain()
	require.NotEmpty(t, ups)
	return ups[len(ups)-1].View
}

func (f *fixture) dispatch(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, f.session.conn.Dispatch([]byte(frame)))
	f.runner.Flush()
}

// serverClose closes the live link with code and waits for the session to
// react.
func (f *fixture) serverClose(t *testing.T, code int, until func() bool) {
	t.Helper()
	f.dialer.last().closeCode <- code
	require.Eventually(t, func() bool {
		f.runner.Flush()
		return until()
	}, time.Second, 5*time.Millisecond)
}

func unreadFor(v View, userID string) int {
	for _, u := range v.Users {
		if u.User.ID == userID {
			return u.Unread
		}
	}
	return -1
}

func notices(ups []Update) []NoticeKind {
	var out []NoticeKind
	for _, u := range ups {
		if u.Kind == Notice {
			out = append(out, u.Notice)
		}
	}
	return out
}

func kinds(ups []Update) []Kind {
	out := make([]Kind, len(ups))
	for i, u := range ups {
		out[i] = u.Kind
	}
	return out
}

func TestStartBootstrapsConnectsAndPolls(t *testing.T) {
	snap := baseSnapshot()
	snap.Messages = []models.Message{msg("m1", "u1:u2", "u2", 1000)}
	f := started(t, snap)

	assert.Equal(t, "tok", f.remote.cred)
	assert.Equal(t, 1, f.dialer.dials())

	ups := f.drain()
	require.NotEmpty(t, ups)
	assert.Equal(t, Full, ups[0].Kind)
	v := ups[len(ups)-1].View
	assert.Equal(t, "u1", v.Self.ID)
	assert.Equal(t, "g1", v.ActiveGroup)
	require.Len(t, v.Channels, 2)
	assert.Equal(t, "c1", v.Channels[0].Channel.ID)
	require.Len(t, v.Users, 2, "self is not listed")
	assert.Equal(t, 1, unreadFor(v, "u2"))

	f.runner.Advance(poll.DefaultInterval)
	assert.Equal(t, 2, f.remote.fetches)
}

func TestStartWithoutCredentialDoesNothing(t *testing.T) {
	f := newFixture(t, baseSnapshot())
	f.session.Start("")
	f.runner.Flush()

	assert.Zero(t, f.remote.fetches)
	assert.Zero(t, f.dialer.dials())
	assert.Empty(t, f.drain())
}

func TestUnreadCountsOthersAfterWatermark(t *testing.T) {
	snap := baseSnapshot()
	snap.ReadByChat = map[string]int64{"u1:u2": 100}
	snap.Messages = []models.Message{
		msg("m1", "u1:u2", "u2", 90),
		msg("m2", "u1:u2", "u2", 110),
		msg("m3", "u1:u2", "u1", 120),
	}
	f := started(t, snap)

	assert.Equal(t, 1, unreadFor(f.lastView(t), "u2"))
}

func TestOpenMarksConversationRead(t *testing.T) {
	snap := baseSnapshot()
	snap.Messages = []models.Message{
		msg("m1", "u1:u2", "u2", 1000),
		msg("m2", "u1:u2", "u2", 2000),
	}
	f := started(t, snap)
	f.drain()

	f.session.Open(Direct("u2"))
	f.runner.Flush()

	v := f.lastView(t)
	assert.Equal(t, 0, unreadFor(v, "u2"))
	require.NotNil(t, v.Conversation.Partner)
	assert.Equal(t, "Bob", v.Conversation.Partner.Nickname)
	require.Len(t, v.Conversation.Messages, 2)
	assert.Equal(t, "m1", v.Conversation.Messages[0].Message.ID)
	assert.Equal(t, "Bob", v.Conversation.Messages[0].Author.Nickname)
	assert.Equal(t, []mark{{"u1:u2", 2000}}, f.remote.marks)

	// Re-rendering the same watermark writes nothing.
	f.session.Open(Direct("u2"))
	f.runner.Flush()
	assert.Len(t, f.remote.marks, 1)
}

func TestBootstrapWatermarksAreNotRewritten(t *testing.T) {
	snap := baseSnapshot()
	snap.ReadByChat = map[string]int64{"u1:u2": 2000}
	snap.Messages = []models.Message{msg("m1", "u1:u2", "u2", 2000)}
	f := started(t, snap)

	f.session.Open(Direct("u2"))
	f.runner.Flush()
	assert.Empty(t, f.remote.marks)

	f.dispatch(t, `{"type":"message","message":{"id":"m2","chatId":"u1:u2","from":"u2","text":"new","createdAt":"1970-01-01T00:00:03Z"}}`)
	assert.Equal(t, []mark{{"u1:u2", 3000}}, f.remote.marks)
}

func TestLiveMessageForActiveConversationRendersFull(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Open(Channel("c1"))
	f.runner.Flush()
	f.drain()

	f.dispatch(t, `{"type":"message","message":{"id":"m1","chatId":"channel:c1","from":"u2","text":"hi","createdAt":"1970-01-01T00:00:01Z"}}`)
	ups := f.drain()
	require.Len(t, ups, 1)
	assert.Equal(t, Full, ups[0].Kind)
	require.Len(t, ups[0].View.Conversation.Messages, 1)

	f.dispatch(t, `{"type":"message","message":{"id":"m2","chatId":"u1:u3","from":"u3","text":"psst","createdAt":"1970-01-01T00:00:02Z"}}`)
	ups = f.drain()
	require.Len(t, ups, 1)
	assert.Equal(t, Sidebar, ups[0].Kind)
	assert.Equal(t, 1, unreadFor(ups[0].View, "u3"))

	// Duplicate delivery changes nothing and renders nothing.
	f.dispatch(t, `{"type":"message","message":{"id":"m2","chatId":"u1:u3","from":"u3","text":"psst","createdAt":"1970-01-01T00:00:02Z"}}`)
	assert.Empty(t, f.drain())
}

func TestLiveThenPollSameMessageCountsOnce(t *testing.T) {
	for _, liveFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("liveFirst=%v", liveFirst), func(t *testing.T) {
			f := started(t, baseSnapshot())
			m := msg("m9", "u1:u2", "u2", 5000)
			live := `{"type":"message","message":{"id":"m9","chatId":"u1:u2","from":"u2","text":"text m9","createdAt":"1970-01-01T00:00:05Z"}}`
			viaPoll := func() {
				f.remote.snap.Messages = append(f.remote.snap.Messages, m)
				f.runner.Advance(poll.DefaultInterval)
			}

			if liveFirst {
				f.dispatch(t, live)
				viaPoll()
			} else {
				viaPoll()
				f.dispatch(t, live)
			}

			assert.Equal(t, 1, f.session.store.Len())
			assert.Equal(t, 1, unreadFor(f.lastView(t), "u2"))
		})
	}
}

func TestPollTouchingActiveConversationRendersFull(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Open(Direct("u2"))
	f.runner.Flush()
	f.drain()

	f.remote.snap.Messages = []models.Message{msg("m1", "u1:u2", "u2", 1000)}
	f.runner.Advance(poll.DefaultInterval)
	ups := f.drain()
	require.Len(t, ups, 1)
	assert.Equal(t, Full, ups[0].Kind)
	assert.Equal(t, []mark{{"u1:u2", 1000}}, f.remote.marks)

	f.runner.Advance(poll.DefaultInterval)
	assert.Equal(t, []Kind{Sidebar}, kinds(f.drain()))
}

func TestPresenceUpdatesDirectoryAndSelf(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Open(Direct("u2"))
	f.runner.Flush()
	f.drain()

	f.dispatch(t, `{"type":"presence","userId":"u3","online":true}`)
	ups := f.drain()
	require.Len(t, ups, 1)
	assert.Equal(t, Sidebar, ups[0].Kind)
	for _, u := range ups[0].View.Users {
		if u.User.ID == "u3" {
			assert.True(t, u.User.Online)
		}
	}

	f.dispatch(t, `{"type":"presence","userId":"u2","online":true}`)
	assert.Equal(t, []Kind{Full}, kinds(f.drain()))

	f.dispatch(t, `{"type":"presence","userId":"u1","online":true}`)
	ups = f.drain()
	require.Len(t, ups, 1)
	assert.True(t, ups[0].View.Self.Online)

	f.dispatch(t, `{"type":"presence","userId":"ghost","online":true}`)
	assert.Equal(t, []Kind{Sidebar}, kinds(f.drain()))
}

func TestTypingIndicatorClearsItself(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Open(Direct("u2"))
	f.runner.Flush()
	f.drain()

	f.dispatch(t, `{"type":"typing","from":"u3","isTyping":true}`)
	assert.Empty(t, f.drain(), "only the open peer's typing is shown")

	f.dispatch(t, `{"type":"typing","from":"u2","isTyping":true}`)
	assert.True(t, f.lastView(t).Conversation.PeerTyping)

	f.runner.Advance(presence.DefaultTypingTTL - 100*time.Millisecond)
	f.dispatch(t, `{"type":"typing","from":"u2","isTyping":true}`)
	f.runner.Advance(presence.DefaultTypingTTL - 100*time.Millisecond)
	assert.True(t, f.session.presence.Typing("u2"), "a fresh event restarts the clock")

	f.runner.Advance(100 * time.Millisecond)
	assert.False(t, f.lastView(t).Conversation.PeerTyping)
}

func TestSwitchingConversationClearsTyping(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Open(Direct("u2"))
	f.runner.Flush()
	f.dispatch(t, `{"type":"typing","from":"u2","isTyping":true}`)

	f.session.Open(Direct("u3"))
	f.runner.Flush()
	assert.False(t, f.session.presence.Typing("u2"))
	assert.False(t, f.lastView(t).Conversation.PeerTyping)
}

func TestInputChangedDebouncesTypingStop(t *testing.T) {
	f := started(t, baseSnapshot())
	link := f.dialer.last()

	f.session.InputChanged()
	f.runner.Flush()
	assert.Empty(t, link.sent(), "typing is only sent in direct chats")

	f.session.Open(Direct("u2"))
	f.session.InputChanged()
	f.runner.Flush()
	f.runner.Advance(time.Second)
	f.session.InputChanged()
	f.runner.Flush()
	f.runner.Advance(DefaultTypingStopDelay - time.Millisecond)
	require.Len(t, link.sent(), 2)

	f.runner.Advance(time.Millisecond)
	sent := link.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, models.SendTypingPayload{Type: models.EventTyping, To: "u2", IsTyping: true}, sent[0])
	assert.Equal(t, models.SendTypingPayload{Type: models.EventTyping, To: "u2", IsTyping: false}, sent[2])
}

func TestSendText(t *testing.T) {
	f := started(t, baseSnapshot())
	link := f.dialer.last()

	f.session.SendText("nobody is listening")
	f.session.Open(Channel("c2"))
	f.session.SendText("  hello  ")
	f.session.SendText("   ")
	f.runner.Flush()

	assert.Equal(t, []any{
		models.SendMessagePayload{Type: models.EventMessage, Text: "hello", To: "c2", Scope: models.ScopeChannel},
	}, link.sent())
}

func TestSendTextWhileOfflineIsDropped(t *testing.T) {
	f := started(t, baseSnapshot())
	f.remote.healthErr = api.ErrUnreachable
	f.serverClose(t, conn.CloseAbnormal, func() bool { return f.session.conn.State() == conn.Offline })
	f.drain()

	f.session.Open(Direct("u2"))
	f.session.SendText("hello?")
	f.runner.Flush()

	ups := f.drain()
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	assert.Equal(t, Notice, last.Kind)
	assert.Equal(t, NoticeNotSent, last.Notice)
}

func TestSelectGroupOpensFirstChannel(t *testing.T) {
	f := started(t, baseSnapshot())

	f.session.SelectGroup("g2")
	f.runner.Flush()
	v := f.lastView(t)
	assert.Equal(t, "g2", v.ActiveGroup)
	assert.Equal(t, Channel("c3"), v.Conversation.Selector)
	require.Len(t, v.Channels, 1)
	assert.True(t, v.Channels[0].Active)

	f.session.Open(Channel("c2"))
	f.runner.Flush()
	assert.Equal(t, "g1", f.lastView(t).ActiveGroup)

	f.session.SelectGroup("g1")
	f.runner.Flush()
	assert.Equal(t, Channel("c2"), f.lastView(t).Conversation.Selector, "an open channel of the group is kept")

	f.session.SelectGroup("nope")
	f.runner.Flush()
	assert.Empty(t, f.drain())
}

func TestOpenUnknownTargetsIsNotFound(t *testing.T) {
	f := started(t, baseSnapshot())

	f.session.Open(Channel("gone"))
	f.runner.Flush()
	c := f.lastView(t).Conversation
	assert.True(t, c.NotFound)
	assert.Nil(t, c.Channel)

	f.session.Open(Direct("ghost"))
	f.runner.Flush()
	assert.True(t, f.lastView(t).Conversation.NotFound)
}

func TestRefreshRevalidatesActiveGroup(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.SelectGroup("g2")
	f.runner.Flush()

	f.remote.snap.Groups = []models.Group{{ID: "g1", Name: "Team"}}
	f.runner.Advance(poll.DefaultInterval)
	assert.Equal(t, "g1", f.lastView(t).ActiveGroup)
}

func TestInvalidCredentialCloseLogsOut(t *testing.T) {
	for _, code := range []int{conn.CloseSessionInvalid, conn.CloseSessionRevoked, conn.CloseSessionExpired} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			f := started(t, baseSnapshot())
			f.serverClose(t, code, func() bool { return f.session.credential == "" })

			ups := f.drain()
			require.NotEmpty(t, ups)
			assert.Equal(t, LoggedOut, ups[len(ups)-1].Kind)
			assert.Equal(t, "", f.remote.cred)
			assert.Zero(t, f.session.store.Len())
			assert.Zero(t, f.runner.Pending(), "no reconnect, no poll")

			f.runner.Advance(time.Minute)
			assert.Equal(t, 1, f.dialer.dials())
		})
	}
}

func TestBlockedCloseNotifiesThenLogsOut(t *testing.T) {
	f := started(t, baseSnapshot())
	f.drain()
	f.serverClose(t, conn.CloseBlocked, func() bool { return f.session.credential == "" })

	ups := f.drain()
	require.Len(t, ups, 2)
	assert.Equal(t, Notice, ups[0].Kind)
	assert.Equal(t, NoticeBlocked, ups[0].Notice)
	assert.Equal(t, LoggedOut, ups[1].Kind)
}

func TestTransientCloseReconnectsOnce(t *testing.T) {
	f := started(t, baseSnapshot())
	f.remote.healthErr = api.ErrUnreachable
	f.drain()

	f.serverClose(t, conn.CloseAbnormal, func() bool { return f.session.conn.State() == conn.Offline })
	ups := f.drain()
	require.NotEmpty(t, ups)
	assert.Equal(t, NoticeOffline, ups[0].Notice)
	assert.True(t, ups[0].View.Offline)

	f.runner.Advance(conn.DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials())

	f.runner.Advance(time.Millisecond)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, conn.Connected, f.session.conn.State())
	assert.False(t, f.session.offline.Active())

	f.runner.Advance(time.Minute)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestReachableServerStillWaitsForReconnectDelay(t *testing.T) {
	f := started(t, baseSnapshot())
	f.drain()

	f.serverClose(t, conn.CloseAbnormal, func() bool { return f.session.conn.ReconnectPending() })
	f.runner.Flush()
	assert.Equal(t, []NoticeKind{NoticeOffline, NoticeOnline}, notices(f.drain()))
	assert.False(t, f.session.offline.Active())
	assert.Equal(t, 1, f.dialer.dials())

	f.runner.Advance(conn.DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials())

	f.runner.Advance(time.Millisecond)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, conn.Connected, f.session.conn.State())
}

func TestFailingDialsAreSpacedByReconnectDelay(t *testing.T) {
	f := newFixture(t, baseSnapshot())
	f.dialer.refuse = 3

	f.session.Start("tok")
	f.runner.Flush()
	assert.Equal(t, 1, f.dialer.tries())
	assert.True(t, f.session.conn.ReconnectPending())

	for want := 2; want <= 4; want++ {
		f.runner.Advance(conn.DefaultReconnectDelay - time.Millisecond)
		assert.Equal(t, want-1, f.dialer.tries())
		f.runner.Advance(time.Millisecond)
		assert.Equal(t, want, f.dialer.tries())
	}
	assert.Equal(t, conn.Connected, f.session.conn.State())
	assert.Equal(t, 3*conn.DefaultReconnectDelay, f.runner.Elapsed())
}

func TestLogoutCancelsPendingReconnect(t *testing.T) {
	f := started(t, baseSnapshot())
	f.remote.healthErr = api.ErrUnreachable
	f.serverClose(t, conn.CloseGoingAway, func() bool { return f.session.conn.ReconnectPending() })
	f.drain()

	f.session.Stop()
	f.runner.Flush()
	assert.Zero(t, f.runner.Pending())

	f.runner.Advance(time.Minute)
	assert.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, []Kind{LoggedOut}, kinds(f.drain()))
}

func TestBootstrapRejectionLogsOut(t *testing.T) {
	f := newFixture(t, baseSnapshot())
	f.remote.fetchErr = &api.StatusError{Code: 401, Message: "invalid token"}

	f.session.Start("tok")
	f.runner.Flush()

	assert.Equal(t, []Kind{LoggedOut}, kinds(f.drain()))
	assert.Zero(t, f.dialer.dials())
	assert.Zero(t, f.runner.Pending())
}

func TestBootstrapUnreachableWaitsForRecovery(t *testing.T) {
	f := newFixture(t, baseSnapshot())
	f.remote.fetchErr = fmt.Errorf("fetch state: %w", api.ErrUnreachable)
	f.remote.healthErr = api.ErrUnreachable

	f.session.Start("tok")
	f.runner.Flush()

	ups := f.drain()
	require.Len(t, ups, 1)
	assert.Equal(t, NoticeOffline, ups[0].Notice)
	assert.Zero(t, f.dialer.dials())
	assert.Equal(t, conn.Offline, f.session.conn.State())

	f.remote.fetchErr = nil
	f.remote.healthErr = nil
	f.runner.Advance(time.Second * 2)

	ups = f.drain()
	require.NotEmpty(t, ups)
	assert.Equal(t, NoticeOnline, ups[0].Notice)
	assert.Contains(t, kinds(ups), Full)
	assert.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, conn.Connected, f.session.conn.State())
	assert.Equal(t, "g1", ups[len(ups)-1].View.ActiveGroup)
}

func TestPollTransportFailureEntersOfflineOnce(t *testing.T) {
	f := started(t, baseSnapshot())
	f.drain()
	f.remote.fetchErr = api.ErrUnreachable
	f.remote.healthErr = api.ErrUnreachable

	f.runner.Advance(2 * poll.DefaultInterval)

	var notices int
	for _, u := range f.drain() {
		if u.Kind == Notice {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
	assert.True(t, f.session.offline.Active())
	assert.Equal(t, conn.Connected, f.session.conn.State(), "an open live channel is left alone")
}

func TestStopIsIdempotentAndSilencesLateEvents(t *testing.T) {
	f := started(t, baseSnapshot())
	f.session.Stop()
	f.session.Stop()
	f.runner.Flush()
	assert.Equal(t, []Kind{Full, Sidebar, LoggedOut}, kinds(f.drain()))

	f.session.Open(Direct("u2"))
	f.session.SendText("hi")
	f.runner.Advance(time.Minute)
	assert.Empty(t, f.drain())
}

func TestEmitDropsOldestWhenConsumerLags(t *testing.T) {
	f := started(t, baseSnapshot())
	for i := 0; i < 3*updateBuffer; i++ {
		f.session.Open(Direct("u2"))
	}
	f.runner.Flush()

	ups := f.drain()
	assert.Len(t, ups, updateBuffer)
}

func TestSelectorKey(t *testing.T) {
	assert.Equal(t, "u1:u2", Direct("u2").Key("u1"))
	assert.Equal(t, "u1:u2", Direct("u1").Key("u2"))
	assert.Equal(t, "channel:c1", Channel("c1").Key("u1"))
	assert.Equal(t, "", Selector{}.Key("u1"))
	assert.Equal(t, "", Direct("u2").Key(""))
}
