// Package chattest runs an in-memory chat authority for tests. It speaks the
// same wire contracts as the production server: the full-refresh endpoint,
// read watermarks, the health probe and the live channel, with credentials
// issued as HS256 JWTs.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloudzz-dev/cldzchat/internal/client/convkey"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

var ginMode sync.Once

type claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type Server struct {
	URL string

	http     *httptest.Server
	secret   []byte
	upgrader websocket.Upgrader
	down     atomic.Bool

	mu       sync.Mutex
	users    []models.User
	groups   []models.Group
	channels []models.Channel
	messages []models.Message
	reads    map[string]map[string]int64
	blocked  map[string]bool
	peers    map[string]map[*peer]struct{}
	last     time.Time
	closed   bool
	wg       sync.WaitGroup
}

// New starts a server on a loopback port. Close it when done.
func New() *Server {
	ginMode.Do(func() { gin.SetMode(gin.TestMode) })
	s := &Server{
		secret:  []byte(uuid.NewString()),
		reads:   make(map[string]map[string]int64),
		blocked: make(map[string]bool),
		peers:   make(map[string]map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.http = httptest.NewServer(s.router())
	s.URL = s.http.URL
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.reachable)
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api := r.Group("/api", s.authenticate)
	api.GET("/me", s.handleMe)
	api.POST("/read", s.handleRead)
	r.GET("/", s.handleLive)
	return r
}

// Close stops the server and disconnects every live peer.
func (s *Server) Close() {
	s.http.Close()
	s.mu.Lock()
	s.closed = true
	var all []*peer
	for _, set := range s.peers {
		for p := range set {
			all = append(all, p)
		}
	}
	s.mu.Unlock()
	for _, p := range all {
		p.close()
	}
	s.wg.Wait()
}

// SetDown makes every request fail at the transport level, as if the server
// had gone away.
func (s *Server) SetDown(down bool) {
	s.down.Store(down)
}

func (s *Server) reachable(c *gin.Context) {
	if !s.down.Load() {
		c.Next()
		return
	}
	c.Abort()
	if conn, _, err := c.Writer.Hijack(); err == nil {
		conn.Close()
	}
}

// Token issues a credential for userID.
func (s *Server) Token(userID string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "chattest",
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) parseToken(token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	cl, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || cl.UserID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userLocked(cl.UserID); !ok {
		return "", fmt.Errorf("unknown user %q", cl.UserID)
	}
	return cl.UserID, nil
}

func (s *Server) authenticate(c *gin.Context) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	uid, err := s.parseToken(strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	s.mu.Lock()
	blocked := s.blocked[uid]
	s.mu.Unlock()
	if blocked {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "blocked"})
		return
	}
	c.Set("uid", uid)
	c.Next()
}

func (s *Server) handleMe(c *gin.Context) {
	uid := c.GetString("uid")
	s.mu.Lock()
	defer s.mu.Unlock()
	self, _ := s.userLocked(uid)
	snap := models.Snapshot{
		User:       self,
		Users:      append([]models.User{}, s.users...),
		Groups:     append([]models.Group{}, s.groups...),
		Channels:   append([]models.Channel{}, s.channels...),
		Messages:   []models.Message{},
		ReadByChat: map[string]int64{},
	}
	for _, m := range s.messages {
		if visible(m.ChatID, uid) {
			snap.Messages = append(snap.Messages, m)
		}
	}
	for k, v := range s.reads[uid] {
		snap.ReadByChat[k] = v
	}
	c.JSON(http.StatusOK, snap)
}

type readRequest struct {
	ChatID     string `json:"chatId" binding:"required"`
	LastReadAt int64  `json:"lastReadAt" binding:"required,gt=0"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := c.GetString("uid")
	s.mu.Lock()
	marks := s.reads[uid]
	if marks == nil {
		marks = make(map[string]int64)
		s.reads[uid] = marks
	}
	if req.LastReadAt > marks[req.ChatID] {
		marks[req.ChatID] = req.LastReadAt
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// visible reports whether uid may see a conversation: every channel, and
// direct chats uid is part of.
func visible(key, uid string) bool {
	if convkey.IsChannel(key) {
		return true
	}
	a, b, ok := strings.Cut(key, ":")
	return ok && (a == uid || b == uid)
}

func (s *Server) AddUser(id, nickname string) models.User {
	u := models.User{ID: id, Nickname: nickname, Username: strings.ToLower(nickname)}
	s.mu.Lock()
	s.users = append(s.users, u)
	s.mu.Unlock()
	return u
}

func (s *Server) AddGroup(id, name string) models.Group {
	g := models.Group{ID: id, Name: name}
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
	return g
}

func (s *Server) AddChannel(id, groupID, name string) models.Channel {
	ch := models.Channel{ID: id, Name: name, GroupID: groupID}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

// Block bars userID: its live connections are closed with 4003 and further
// requests are refused.
func (s *Server) Block(userID string) {
	s.mu.Lock()
	s.blocked[userID] = true
	s.mu.Unlock()
	s.Kick(userID, 4003, "blocked")
}

// Store records msg in history without pushing it to anyone, so it only
// reaches clients through a full refresh. A missing id or timestamp is
// filled in.
func (s *Server) Store(msg models.Message) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(msg)
}

func (s *Server) storeLocked(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.nowLocked()
	}
	s.messages = append(s.messages, msg)
	return msg
}

// nowLocked returns strictly increasing millisecond timestamps.
func (s *Server) nowLocked() time.Time {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now
}

// SendDirect stores a direct message and pushes it to both participants.
func (s *Server) SendDirect(from, to, text string) models.Message {
	s.mu.Lock()
	msg := s.storeLocked(models.Message{ChatID: convkey.Direct(from, to), From: from, Text: text})
	s.mu.Unlock()
	s.Push(msg, from, to)
	return msg
}

// SendChannel stores a channel message and pushes it to every connected
// user.
func (s *Server) SendChannel(from, channelID, text string) models.Message {
	s.mu.Lock()
	msg := s.storeLocked(models.Message{ChatID: convkey.Channel(channelID), From: from, Text: text})
	s.mu.Unlock()
	s.Push(msg)
	return msg
}

// Push delivers msg over the live channel to the given users, or to every
// connected user when none are given. History is left untouched.
func (s *Server) Push(msg models.Message, userIDs ...string) {
	s.send(models.MessageEvent{Type: models.EventMessage, Message: msg}, userIDs...)
}

// Typing pushes a typing event from one user to another.
func (s *Server) Typing(from, to string, typing bool) {
	s.send(models.TypingEvent{Type: models.EventTyping, From: from, IsTyping: &typing}, to)
}

func (s *Server) send(evt any, userIDs ...string) {
	data, err := json.Marshal(evt)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(userIDs) == 0 {
		for uid := range s.peers {
			userIDs = append(userIDs, uid)
		}
	}
	for _, uid := range userIDs {
		for p := range s.peers[uid] {
			p.enqueue(data)
		}
	}
}

// ReadMarks returns the watermarks stored for userID.
func (s *Server) ReadMarks(userID string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.reads[userID]))
	for k, v := range s.reads[userID] {
		out[k] = v
	}
	return out
}

// Online reports how many live connections userID has open.
func (s *Server) Online(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers[userID])
}

// Messages returns the stored history.
func (s *Server) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Server) userLocked(id string) (models.User, bool) {
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return models.User{}, false
}
