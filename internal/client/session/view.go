package session

import (
	"github.com/cloudzz-dev/cldzchat/internal/client/conn"
	"github.com/cloudzz-dev/cldzchat/internal/client/convkey"
	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

// Target says what kind of conversation a Selector points at.
type Target int

const (
	TargetNone Target = iota
	TargetDirect
	TargetChannel
)

// Selector identifies the open conversation: a direct chat by peer user id or
// a channel by channel id.
type Selector struct {
	Kind Target
	ID   string
}

func Direct(userID string) Selector {
	return Selector{Kind: TargetDirect, ID: userID}
}

func Channel(channelID string) Selector {
	return Selector{Kind: TargetChannel, ID: channelID}
}

// Key returns the conversation key of the selection as seen by selfID, or ""
// when nothing is selected.
func (s Selector) Key(selfID string) string {
	switch s.Kind {
	case TargetDirect:
		if selfID == "" {
			return ""
		}
		return convkey.Direct(selfID, s.ID)
	case TargetChannel:
		return convkey.Channel(s.ID)
	}
	return ""
}

// Kind is the render scope of an update.
type Kind int

const (
	// Full asks for the whole screen, the open conversation included.
	Full Kind = iota
	// Sidebar asks only for the lists: unread badges, presence, groups.
	Sidebar
	// Notice carries a one-time message for the user.
	Notice
	// LoggedOut follows the end of the session.
	LoggedOut
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Sidebar:
		return "sidebar"
	case Notice:
		return "notice"
	case LoggedOut:
		return "logged-out"
	}
	return "unknown"
}

type NoticeKind int

const (
	NoticeNone NoticeKind = iota
	NoticeOffline
	NoticeOnline
	NoticeBlocked
	NoticeNotSent
)

type Update struct {
	Kind   Kind
	Notice NoticeKind
	View   View
}

type ChannelItem struct {
	Channel models.Channel
	Unread  int
	Active  bool
}

type UserItem struct {
	User   models.User
	Unread int
	Active bool
}

// Entry is one transcript line with its author resolved.
type Entry struct {
	Message models.Message
	// Author is the zero User when the sender is not in the directory.
	Author models.User
	Self   bool
}

// Conversation is the open conversation. NotFound is set when the selection
// names a channel or user the directory does not have.
type Conversation struct {
	Selector   Selector
	Key        string
	NotFound   bool
	Channel    *models.Channel
	Group      *models.Group
	Partner    *models.User
	Messages   []Entry
	PeerTyping bool
}

// View is an immutable projection of the session for one render.
type View struct {
	Self         models.User
	Connection   conn.State
	Offline      bool
	Groups       []models.Group
	ActiveGroup  string
	Channels     []ChannelItem
	Users        []UserItem
	Conversation Conversation
}

func (s *Session) render(kind Kind) {
	if s.credential == "" {
		return
	}
	s.emit(Update{Kind: kind, View: s.view(kind == Full)})
}

func (s *Session) notice(n NoticeKind) {
	if s.credential == "" {
		return
	}
	s.emit(Update{Kind: Notice, Notice: n, View: s.view(false)})
}

// emit never blocks the loop: a full buffer loses its oldest update.
func (s *Session) emit(u Update) {
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// view builds the projection. With markViewed, the open conversation counts
// as read up to its newest message and that watermark is persisted.
func (s *Session) view(markViewed bool) View {
	v := View{
		Self:        s.self,
		Connection:  s.conn.State(),
		Offline:     s.offline.Active(),
		Groups:      s.store.Groups(),
		ActiveGroup: s.activeGroup,
	}
	if s.credential == "" {
		return v
	}

	v.Conversation = s.conversation(markViewed)

	all := s.store.Messages()
	for _, ch := range s.store.ChannelsForGroup(s.activeGroup) {
		v.Channels = append(v.Channels, ChannelItem{
			Channel: ch,
			Unread:  s.reads.Unread(convkey.Channel(ch.ID), s.self.ID, all),
			Active:  s.active == Channel(ch.ID),
		})
	}
	for _, u := range s.store.Users() {
		if u.ID == s.self.ID {
			continue
		}
		v.Users = append(v.Users, UserItem{
			User:   u,
			Unread: s.reads.Unread(convkey.Direct(s.self.ID, u.ID), s.self.ID, all),
			Active: s.active == Direct(u.ID),
		})
	}
	return v
}

func (s *Session) conversation(markViewed bool) Conversation {
	c := Conversation{Selector: s.active, Key: s.activeKey()}
	switch s.active.Kind {
	case TargetNone:
		return c
	case TargetChannel:
		ch, ok := s.store.Channel(s.active.ID)
		if !ok {
			c.NotFound = true
			return c
		}
		c.Channel = &ch
		if g, ok := s.store.Group(ch.GroupID); ok {
			c.Group = &g
		}
	case TargetDirect:
		u, ok := s.store.User(s.active.ID)
		if !ok {
			c.NotFound = true
			return c
		}
		c.Partner = &u
		c.PeerTyping = s.presence.Typing(u.ID)
	}

	transcript := s.store.Transcript(c.Key)
	c.Messages = make([]Entry, 0, len(transcript))
	for _, m := range transcript {
		e := Entry{Message: m, Self: m.From == s.self.ID}
		if e.Self {
			e.Author = s.self
		} else if u, ok := s.store.User(m.From); ok {
			e.Author = u
		}
		c.Messages = append(c.Messages, e)
	}
	if markViewed && len(transcript) > 0 {
		last := models.Millis(transcript[len(transcript)-1].CreatedAt)
		s.reads.NoteViewed(c.Key, last)
		s.reads.Persist(c.Key, last)
	}
	return c
}
