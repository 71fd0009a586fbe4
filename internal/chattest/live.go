package chattest

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

const writeWait = 5 * time.Second

type peer struct {
	uid  string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *peer) enqueue(data []byte) {
	select {
	case p.send <- data:
	case <-p.done:
	default:
	}
}

// close drops the connection without a close frame.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) closeWith(code int, reason string) {
	p.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) writePump(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Server) readPump(p *peer) {
	defer func() {
		p.close()
		s.unregister(p)
		s.wg.Done()
	}()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(p.uid, data)
	}
}

func (s *Server) handleLive(c *gin.Context) {
	uid, authErr := s.parseToken(c.Query("token"))
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &peer{uid: uid, conn: conn, send: make(chan []byte, 64), done: make(chan struct{})}
	if authErr != nil {
		p.closeWith(4001, "invalid token")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.close()
		return
	}
	if s.blocked[uid] {
		s.mu.Unlock()
		p.closeWith(4003, "blocked")
		return
	}
	set := s.peers[uid]
	if set == nil {
		set = make(map[*peer]struct{})
		s.peers[uid] = set
	}
	set[p] = struct{}{}
	s.setOnlineLocked(uid, true)
	s.wg.Add(2)
	s.mu.Unlock()

	go p.writePump(&s.wg)
	go s.readPump(p)
	s.broadcastPresence(uid)
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	set := s.peers[p.uid]
	if _, ok := set[p]; !ok {
		s.mu.Unlock()
		return
	}
	delete(set, p)
	last := len(set) == 0
	if last {
		delete(s.peers, p.uid)
		s.setOnlineLocked(p.uid, false)
	}
	s.mu.Unlock()
	if last {
		s.broadcastPresence(p.uid)
	}
}

func (s *Server) setOnlineLocked(uid string, online bool) {
	for i := range s.users {
		if s.users[i].ID == uid {
			s.users[i].Online = online
			s.users[i].LastSeen = time.Now().UTC()
		}
	}
}

func (s *Server) broadcastPresence(uid string) {
	s.mu.Lock()
	u, ok := s.userLocked(uid)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.send(models.PresenceEvent{Type: models.EventPresence, UserID: uid, Online: u.Online, LastSeen: u.LastSeen})
}

func (s *Server) handleFrame(from string, data []byte) {
	evt, err := models.DecodeEvent(data)
	if err != nil || evt == nil {
		return
	}
	switch evt.(type) {
	case models.MessageEvent:
		var in models.SendMessagePayload
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return
		}
		s.mu.Lock()
		_, userOK := s.userLocked(in.To)
		channelOK := false
		for _, ch := range s.channels {
			if ch.ID == in.To {
				channelOK = true
			}
		}
		s.mu.Unlock()
		switch {
		case in.Scope == models.ScopeChannel && channelOK:
			s.SendChannel(from, in.To, text)
		case in.Scope == models.ScopeDirect && userOK:
			s.SendDirect(from, in.To, text)
		}
	case models.TypingEvent:
		var in models.SendTypingPayload
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		s.Typing(from, in.To, in.IsTyping)
	}
}

// Kick closes every live connection of userID with the given close code.
func (s *Server) Kick(userID string, code int, reason string) {
	for _, p := range s.peersOf(userID) {
		p.closeWith(code, reason)
	}
}

// Drop cuts the live connections of userID without a close frame.
func (s *Server) Drop(userID string) {
	for _, p := range s.peersOf(userID) {
		p.close()
	}
}

func (s *Server) peersOf(userID string) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers[userID]))
	for p := range s.peers[userID] {
		out = append(out, p)
	}
	return out
}
