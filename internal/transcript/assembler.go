// Package transcript turns a triggering chat message and the
// conversation around it into the ordered input an agent consumes.
package transcript

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/chat"
)

// DefaultLimit bounds the conversation window when none is configured.
const DefaultLimit = 100

// Source is the history a platform serves plus the bot's own identity,
// which is only known once the platform has connected.
type Source interface {
	chat.HistorySource
	BotUserID() string
}

// Assembler builds agent input from platform history.
type Assembler struct {
	source Source
	limit  int
	logger *slog.Logger
}

// NewAssembler returns an assembler reading from source and keeping at
// most limit prior messages. Messages authored by the bot itself become
// assistant items; every other author, other bots included, is a user.
func NewAssembler(source Source, limit int, logger *slog.Logger) *Assembler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{source: source, limit: limit, logger: logger}
}

// Assemble returns [reference, window..., trigger]. The referenced
// message comes first when the trigger replies to one; the window holds
// the messages before the trigger in ascending time order. Any fetch
// failure is returned as a [*FetchError].
func (a *Assembler) Assemble(ctx context.Context, trigger *chat.Message) (agent.Input, error) {
	var input agent.Input
	self := a.source.BotUserID()

	if ref := trigger.Reference; ref != nil && ref.MessageID != "" {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = trigger.Channel.ID
		}
		msg, err := a.source.FetchMessage(ctx, channelID, ref.MessageID)
		if err != nil {
			return nil, &FetchError{Op: "reference", ChannelID: channelID, MessageID: ref.MessageID, Err: err}
		}
		input = append(input, Item(msg, self))
	}

	window, err := a.source.FetchBefore(ctx, trigger.Channel.ID, trigger.ID, a.limit)
	if err != nil {
		return nil, &FetchError{Op: "history", ChannelID: trigger.Channel.ID, MessageID: trigger.ID, Err: err}
	}
	window = a.bound(window, trigger)
	for _, m := range window {
		input = append(input, Item(m, self))
	}

	// The trigger is what the agent answers, so it is always a user turn.
	input = append(input, UserItem(trigger))

	a.logger.DebugContext(ctx, "assembled input",
		"channel_id", trigger.Channel.ID,
		"message_id", trigger.ID,
		"reference", trigger.Reference != nil,
		"window", len(window),
	)
	return input, nil
}

// bound drops the trigger and anything nil, orders the rest by creation
// time and keeps the newest limit messages.
func (a *Assembler) bound(msgs []*chat.Message, trigger *chat.Message) []*chat.Message {
	out := make([]*chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.ID == trigger.ID {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > a.limit {
		out = out[len(out)-a.limit:]
	}
	return out
}

// Item converts one message to an agent input item. The bot's own
// messages become assistant turns verbatim; everything else is a
// [UserItem].
func Item(m *chat.Message, botUserID string) agent.Item {
	if botUserID != "" && m.Author.ID == botUserID {
		return agent.Item{Role: agent.RoleAssistant, Content: m.Content}
	}
	return UserItem(m)
}

// UserItem is a user turn prefixed with a header naming the author.
func UserItem(m *chat.Message) agent.Item {
	return agent.Item{
		Role:    agent.RoleUser,
		Content: "<context><user>" + m.Author.Name + "</user></context>" + m.Content,
	}
}
