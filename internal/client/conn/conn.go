// Package conn owns the live channel: dialing, dispatching frames by type,
// interpreting close codes, and the single delayed reconnect after a
// transient drop.
package conn

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	// Offline is the degraded sub-state entered after a transport failure.
	Offline
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Offline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reserved close codes sent by the authority.
const (
	CloseSessionInvalid = 4000
	CloseSessionRevoked = 4001
	CloseSessionExpired = 4002
	CloseBlocked        = 4003
)

// DefaultReconnectDelay is the wait before the one reconnect attempt that
// follows a transient close.
const DefaultReconnectDelay = 1500 * time.Millisecond

// Handler receives everything the live channel produces. All methods run on
// the session loop.
type Handler interface {
	OnOpen()
	OnMessage(msg models.Message)
	OnPresence(evt models.PresenceEvent)
	OnTyping(evt models.TypingEvent)
	// OnRejected is called when the authority invalidated the session.
	// blocked is set when an administrator blocked the account.
	OnRejected(blocked bool)
	// OnTransientClose is called for every other close, after the manager
	// has entered Offline and scheduled its reconnect.
	OnTransientClose(code int)
}

type Manager struct {
	runner     loop.Runner
	dialer     Dialer
	handler    Handler
	credential func() string
	delay      time.Duration
	logger     *zap.Logger

	state     State
	link      Link
	gen       uint64
	reconnect loop.Task
}

func NewManager(runner loop.Runner, dialer Dialer, handler Handler, credential func() string, delay time.Duration, logger *zap.Logger) *Manager {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Manager{
		runner:     runner,
		dialer:     dialer,
		handler:    handler,
		credential: credential,
		delay:      delay,
		logger:     logger.Named("conn"),
	}
}

func (m *Manager) State() State {
	return m.state
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (m *Manager) ReconnectPending() bool {
	return m.reconnect != nil
}

// Connect starts dialing. It does nothing without a credential or while a
// connection is already being made or open.
func (m *Manager) Connect() {
	cred := m.credential()
	if cred == "" {
		return
	}
	switch m.state {
	case Connecting, Connected, Closing:
		return
	}
	m.cancelReconnect()
	m.state = Connecting
	m.gen++
	gen := m.gen
	m.logger.Debug("connecting")
	m.runner.Go(func(ctx context.Context) func() {
		link, err := m.dialer.Dial(ctx, cred)
		return func() { m.handleDialed(gen, link, err) }
	})
}

func (m *Manager) handleDialed(gen uint64, link Link, err error) {
	if gen != m.gen || m.state != Connecting {
		if link != nil {
			_ = link.Close(CloseNormal, "")
		}
		return
	}
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		m.handleClose(gen, CloseCode(err))
		return
	}
	m.link = link
	m.state = Connected
	m.logger.Info("connected")
	m.runner.Spawn(func(ctx context.Context) { m.read(ctx, gen, link) })
	m.handler.OnOpen()
}

// read pumps frames from one connection back onto the loop. It ends when the
// connection fails or is closed.
func (m *Manager) read(ctx context.Context, gen uint64, link Link) {
	stop := context.AfterFunc(ctx, func() { _ = link.Close(CloseGoingAway, "") })
	defer stop()
	for {
		data, err := link.ReadMessage()
		if err != nil {
			code := CloseCode(err)
			m.runner.Post(func() { m.handleClose(gen, code) })
			return
		}
		if !m.runner.Post(func() { m.handleFrame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	if gen != m.gen || m.state != Connected {
		return
	}
	if err := m.Dispatch(data); err != nil {
		m.logger.Error("dropping live frame", zap.Error(err), zap.ByteString("frame", data))
	}
}

// Dispatch routes one frame to the handler by its type tag. Unknown types
// are ignored; malformed frames return an error.
func (m *Manager) Dispatch(data []byte) error {
	evt, err := models.DecodeEvent(data)
	if err != nil {
		return fmt.Errorf("decode live frame: %w", err)
	}
	switch e := evt.(type) {
	case models.MessageEvent:
		m.handler.OnMessage(e.Message)
	case models.PresenceEvent:
		m.handler.OnPresence(e)
	case models.TypingEvent:
		m.handler.OnTyping(e)
	}
	return nil
}

func (m *Manager) handleClose(gen uint64, code int) {
	if gen != m.gen {
		return
	}
	// Later events from this connection are stale.
	m.gen++
	if m.link != nil {
		_ = m.link.Close(CloseNormal, "")
		m.link = nil
	}
	if m.state == Closing {
		m.state = Disconnected
		return
	}
	m.state = Disconnected
	m.logger.Info("live channel closed", zap.Int("code", code))

	switch code {
	case CloseBlocked:
		m.handler.OnRejected(true)
	case CloseSessionInvalid, CloseSessionRevoked, CloseSessionExpired:
		m.handler.OnRejected(false)
	default:
		m.state = Offline
		m.scheduleReconnect()
		m.handler.OnTransientClose(code)
	}
}

func (m *Manager) scheduleReconnect() {
	if m.reconnect != nil {
		return
	}
	m.reconnect = m.runner.AfterFunc(m.delay, func() {
		m.reconnect = nil
		if m.credential() == "" {
			return
		}
		m.Connect()
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// MarkOffline records that a non-live network call failed outright. It has
// no effect while the live channel is connecting or open.
func (m *Manager) MarkOffline() {
	if m.state == Disconnected {
		m.state = Offline
	}
}

// Send writes a chat message. It is dropped, and false returned, unless the
// channel is open; nothing is queued.
func (m *Manager) Send(text, to string, scope models.Scope) bool {
	return m.write(models.SendMessagePayload{Type: models.EventMessage, Text: text, To: to, Scope: scope})
}

// SendTyping announces typing state to a direct-chat peer under the same
// drop rule as Send.
func (m *Manager) SendTyping(to string, typing bool) bool {
	return m.write(models.SendTypingPayload{Type: models.EventTyping, To: to, IsTyping: typing})
}

func (m *Manager) write(v any) bool {
	if m.state != Connected || m.link == nil {
		return false
	}
	if err := m.link.WriteJSON(v); err != nil {
		m.logger.Warn("write failed", zap.Error(err))
		return false
	}
	return true
}

// Close tears the channel down for logout: the pending reconnect is
// cancelled and any late event from the old connection is ignored.
func (m *Manager) Close() {
	m.cancelReconnect()
	m.gen++
	if m.link != nil {
		m.state = Closing
		if err := m.link.Close(CloseNormal, "logout"); err != nil {
			m.logger.Debug("close link", zap.Error(err))
		}
		m.link = nil
	}
	m.state = Disconnected
}
