package dispatch

import (
	"slices"
	"strings"

	"github.com/nugget/triagebot/internal/chat"
)

// Decision is the eligibility outcome for one message.
type Decision int

const (
	// Ignore drops the message without a reply.
	Ignore Decision = iota
	// Reject answers with the fixed refusal and does no work.
	Reject
	// Process runs the message through the triage agent.
	Process
)

func (d Decision) String() string {
	switch d {
	case Ignore:
		return "ignore"
	case Reject:
		return "reject"
	case Process:
		return "process"
	default:
		return "unknown"
	}
}

// DM policies.
const (
	DMIgnore = "ignore"
	DMRefuse = "refuse"
)

// Policy decides which messages the bot answers.
type Policy struct {
	AllowDMs bool

	// DMPolicy applies to DMs while AllowDMs is false: DMIgnore (the
	// default) or DMRefuse.
	DMPolicy string

	// TargetChannels limits processing to channels, or threads under
	// channels, with these names. Empty allows every channel.
	TargetChannels []string

	// RequiredRoles gates non-DM messages on role membership. Empty
	// disables the gate.
	RequiredRoles []string
}

// Decide classifies m for the bot with user ID botID and names the rule
// that fired.
func (p Policy) Decide(m *chat.Message, botID string) (Decision, string) {
	if m.Author.ID == botID {
		return Ignore, "own message"
	}

	if m.Channel.DM {
		if p.AllowDMs {
			return Process, "direct message"
		}
		if p.DMPolicy == DMRefuse {
			return Reject, "direct messages disabled"
		}
		return Ignore, "direct messages disabled"
	}

	if m.MentionEveryone {
		return Ignore, "mentions everyone"
	}
	if !m.MentionsUser(botID) {
		return Ignore, "bot not mentioned"
	}
	if !p.targeted(m.Channel) {
		return Ignore, "channel not targeted"
	}
	if len(p.RequiredRoles) > 0 && !m.HasAnyRole(p.RequiredRoles) {
		return Reject, "missing required role"
	}
	return Process, "mentioned"
}

func (p Policy) targeted(ch chat.Channel) bool {
	if len(p.TargetChannels) == 0 {
		return true
	}
	match := func(name string) bool {
		return name != "" && slices.ContainsFunc(p.TargetChannels, func(t string) bool {
			return strings.EqualFold(strings.TrimPrefix(t, "#"), name)
		})
	}
	if match(ch.Name) {
		return true
	}
	return ch.Thread && match(ch.ParentName)
}
