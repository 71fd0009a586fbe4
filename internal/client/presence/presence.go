// Package presence applies the transient live-channel signals: user presence
// and the peer-is-typing indicator. Typing state lives only here; it is never
// persisted and no full refresh ever carries it.
package presence

import (
	"time"

	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/store"
)

// DefaultTypingTTL is how long the typing indicator stays up without a fresh
// event.
const DefaultTypingTTL = 1500 * time.Millisecond

type Handler struct {
	store  *store.Store
	runner loop.Runner
	ttl    time.Duration

	// self is the session's own user record, kept in step with the
	// matching entry of the store.
	self *models.User

	typing    bool
	typingFor string
	clearTask loop.Task

	// onChange is called on the loop whenever the typing flag flips.
	onChange func()
}

func New(runner loop.Runner, s *store.Store, self *models.User, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Handler{store: s, runner: runner, self: self, ttl: ttl}
}

// OnTypingChange registers a callback invoked when the indicator turns on or
// off.
func (h *Handler) OnTypingChange(fn func()) {
	h.onChange = fn
}

// ApplyPresence updates the user record in place. It reports whether a known
// user was updated.
func (h *Handler) ApplyPresence(evt models.PresenceEvent) bool {
	found := h.store.UpdateUser(evt.UserID, func(u *models.User) {
		u.Online = evt.Online
		u.LastSeen = evt.LastSeen
	})
	if h.self != nil && h.self.ID != "" && h.self.ID == evt.UserID {
		h.self.Online = evt.Online
		h.self.LastSeen = evt.LastSeen
		found = true
	}
	return found
}

// ApplyTyping shows the indicator when evt comes from the peer of the active
// direct conversation. activePeer is empty when no direct chat is open.
// It reports whether the event was accepted.
func (h *Handler) ApplyTyping(evt models.TypingEvent, activePeer string) bool {
	if activePeer == "" || evt.From != activePeer {
		return false
	}
	if !evt.Typing() {
		h.Clear()
		return true
	}
	if h.clearTask != nil {
		h.clearTask.Stop()
	}
	h.clearTask = h.runner.AfterFunc(h.ttl, func() {
		h.clearTask = nil
		h.set(false, "")
	})
	h.set(true, evt.From)
	return true
}

// Typing reports whether userID is currently shown as typing.
func (h *Handler) Typing(userID string) bool {
	return h.typing && h.typingFor == userID
}

// Clear hides the indicator and cancels its pending auto-clear.
func (h *Handler) Clear() {
	if h.clearTask != nil {
		h.clearTask.Stop()
		h.clearTask = nil
	}
	h.set(false, "")
}

func (h *Handler) set(typing bool, from string) {
	changed := h.typing != typing || h.typingFor != from
	h.typing = typing
	h.typingFor = from
	if changed && h.onChange != nil {
		h.onChange()
	}
}
