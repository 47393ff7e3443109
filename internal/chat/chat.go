// Package chat defines the platform-neutral message model shared by the
// chat platforms, the context assembler and the dispatcher.
package chat

import (
	"context"
	"slices"
	"time"
)

// Author identifies who wrote a message.
type Author struct {
	ID    string
	Name  string
	Bot   bool
	Roles []string // role names; empty outside guild channels
}

// Channel identifies where a message was posted. For threads,
// ParentName is the channel the thread hangs off.
type Channel struct {
	ID         string
	Name       string
	ParentName string
	DM         bool
	Thread     bool
}

// Reference points at the message a message replies to.
type Reference struct {
	ChannelID string
	MessageID string
}

// Message is one observed chat message. It is never modified after it
// is built.
type Message struct {
	ID              string
	Author          Author
	CreatedAt       time.Time
	Content         string
	Reference       *Reference
	Channel         Channel
	Mentions        []string // user IDs
	MentionEveryone bool
}

// MentionsUser reports whether the message mentions userID.
func (m *Message) MentionsUser(userID string) bool {
	return slices.Contains(m.Mentions, userID)
}

// HasAnyRole reports whether the author holds at least one of roles.
func (m *Message) HasAnyRole(roles []string) bool {
	for _, r := range m.Author.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// HistorySource reads past messages from a platform.
type HistorySource interface {
	// FetchMessage returns one message by ID.
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)

	// FetchBefore returns up to limit messages posted in channelID
	// strictly before beforeID, in any order.
	FetchBefore(ctx context.Context, channelID, beforeID string, limit int) ([]*Message, error)
}

// Platform is a chat service the bot can read from and reply on.
type Platform interface {
	HistorySource

	// BotUserID is the bot's own user ID on the platform.
	BotUserID() string

	// Reply posts text as a reply to msg. Implementations split text
	// that exceeds the platform's length limit; only the first part
	// references msg.
	Reply(ctx context.Context, to *Message, text string) error

	// Typing shows a typing indicator in the channel for a few seconds.
	Typing(ctx context.Context, channelID string) error
}
