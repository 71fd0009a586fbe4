package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Link is one open live-channel connection.
type Link interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, credential string) (Link, error)
}

// CloseCode extracts the close code carried by err. Anything that is not a
// close frame counts as an abnormal closure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// WSDialer dials the authority with gorilla/websocket.
type WSDialer struct {
	// URL builds the live-channel address for a credential.
	URL    func(credential string) string
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, credential string) (Link, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, d.URL(credential), nil)
	if err != nil {
		// A refused handshake is the authority rejecting the credential,
		// not a network hiccup.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &websocket.CloseError{Code: CloseSessionRevoked, Text: resp.Status}
		}
		return nil, err
	}
	c.SetReadLimit(maxMessageSize)
	return &wsLink{conn: c}, nil
}

type wsLink struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (l *wsLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	return data, err
}

func (l *wsLink) WriteJSON(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(v)
}

func (l *wsLink) Close(code int, reason string) error {
	var err error
	l.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}
