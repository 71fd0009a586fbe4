package store

import "github.com/cloudzz-dev/cldzchat/internal/client/models"

// ReplaceDirectory swaps users, groups and channels wholesale with a
// full-refresh response. Nil slices are stored as empty.
func (s *Store) ReplaceDirectory(users []models.User, groups []models.Group, channels []models.Channel) {
	s.users = append([]models.User(nil), users...)
	s.groups = append([]models.Group(nil), groups...)
	s.channels = append([]models.Channel(nil), channels...)
}

func (s *Store) Users() []models.User {
	return append([]models.User(nil), s.users...)
}

func (s *Store) Groups() []models.Group {
	return append([]models.Group(nil), s.groups...)
}

func (s *Store) Channels() []models.Channel {
	return append([]models.Channel(nil), s.channels...)
}

func (s *Store) User(id string) (models.User, bool) {
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return models.User{}, false
}

// UpdateUser applies fn to the stored user in place.
func (s *Store) UpdateUser(id string, fn func(*models.User)) bool {
	for i := range s.users {
		if s.users[i].ID == id {
			fn(&s.users[i])
			return true
		}
	}
	return false
}

func (s *Store) Group(id string) (models.Group, bool) {
	for _, g := range s.groups {
		if g.ID == id {
			return g, true
		}
	}
	return models.Group{}, false
}

func (s *Store) Channel(id string) (models.Channel, bool) {
	for _, c := range s.channels {
		if c.ID == id {
			return c, true
		}
	}
	return models.Channel{}, false
}

func (s *Store) ChannelsForGroup(groupID string) []models.Channel {
	var out []models.Channel
	for _, c := range s.channels {
		if c.GroupID == groupID {
			out = append(out, c)
		}
	}
	return out
}
