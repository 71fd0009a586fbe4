// Package store holds the client's authoritative in-memory view: the
// directory of users, groups and channels, and the accumulated message set.
//
// Messages are merged by identity only, so batches from the live channel and
// from polling can arrive in any order and any number of times. The store is
// not safe for concurrent use; the session loop owns it.
package store

import (
	"sort"

	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

type Store struct {
	users    []models.User
	groups   []models.Group
	channels []models.Channel

	messages []models.Message
	seen     map[string]struct{}
}

func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Merge appends every message whose id has not been seen yet and returns the
// newly added ones. Messages without an id are skipped.
func (s *Store) Merge(incoming []models.Message) []models.Message {
	if len(incoming) == 0 {
		return nil
	}
	var added []models.Message
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
		added = append(added, m)
	}
	return added
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Messages returns a copy of every stored message in insertion order.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Conversation returns the messages of one conversation in insertion order.
func (s *Store) Conversation(key string) []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if m.ChatID == key {
			out = append(out, m)
		}
	}
	return out
}

// Transcript returns a conversation ordered for display: by creation time,
// then by id so equal timestamps have a stable order.
func (s *Store) Transcript(key string) []models.Message {
	out := s.Conversation(key)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Touches reports whether any of msgs belongs to conversation key.
func Touches(msgs []models.Message, key string) bool {
	if key == "" {
		return false
	}
	for _, m := range msgs {
		if m.ChatID == key {
			return true
		}
	}
	return false
}

// Reset discards everything. Used on logout.
func (s *Store) Reset() {
	s.users = nil
	s.groups = nil
	s.channels = nil
	s.messages = nil
	s.seen = make(map[string]struct{})
}
