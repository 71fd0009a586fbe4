// Package convkey derives the conversation keys both sides of a chat compute
// independently: a sorted pair of user ids for direct chats and a reserved
// prefix plus the channel id for channels.
package convkey

import (
	"sort"
	"strings"
)

const (
	separator     = ":"
	channelPrefix = "channel" + separator
)

// Direct returns the key of the direct chat between a and b. The result does
// not depend on argument order. A self chat (a == b) is keyed "a:a".
func Direct(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, separator)
}

// Channel returns the key of a channel stream.
func Channel(channelID string) string {
	return channelPrefix + channelID
}

// IsChannel reports whether key was produced by Channel.
func IsChannel(key string) bool {
	return strings.HasPrefix(key, channelPrefix)
}

// ChannelID extracts the channel id from a channel key.
func ChannelID(key string) (string, bool) {
	if !IsChannel(key) {
		return "", false
	}
	return strings.TrimPrefix(key, channelPrefix), true
}
