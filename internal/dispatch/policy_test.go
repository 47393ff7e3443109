package dispatch

import (
	"testing"

	"github.com/nugget/triagebot/internal/chat"
)

const botID = "bot"

func TestPolicy_Decide(t *testing.T) {
	mention := []string{botID}
	help := chat.Channel{ID: "c1", Name: "help"}

	tests := []struct {
		name   string
		policy Policy
		msg    chat.Message
		want   Decision
	}{
		{
			name: "own message",
			msg:  chat.Message{Author: chat.Author{ID: botID}, Channel: help, Mentions: mention},
			want: Ignore,
		},
		{
			name: "mentioned in any channel",
			msg:  chat.Message{Author: chat.Author{ID: "u"}, Channel: help, Mentions: mention},
			want: Process,
		},
		{
			name: "not mentioned",
			msg:  chat.Message{Author: chat.Author{ID: "u"}, Channel: help},
			want: Ignore,
		},
		{
			name: "mention everyone",
			msg:  chat.Message{Author: chat.Author{ID: "u"}, Channel: help, Mentions: mention, MentionEveryone: true},
			want: Ignore,
		},
		{
			name:   "target channel match",
			policy: Policy{TargetChannels: []string{"#Help"}},
			msg:    chat.Message{Author: chat.Author{ID: "u"}, Channel: help, Mentions: mention},
			want:   Process,
		},
		{
			name:   "outside target channels",
			policy: Policy{TargetChannels: []string{"help"}},
			msg:    chat.Message{Author: chat.Author{ID: "u"}, Channel: chat.Channel{Name: "general"}, Mentions: mention},
			want:   Ignore,
		},
		{
			name:   "thread under target channel",
			policy: Policy{TargetChannels: []string{"help"}},
			msg: chat.Message{
				Author:   chat.Author{ID: "u"},
				Channel:  chat.Channel{Name: "my build is slow", ParentName: "help", Thread: true},
				Mentions: mention,
			},
			want: Process,
		},
		{
			name:   "parent name ignored outside threads",
			policy: Policy{TargetChannels: []string{"help"}},
			msg: chat.Message{
				Author:   chat.Author{ID: "u"},
				Channel:  chat.Channel{Name: "general", ParentName: "help"},
				Mentions: mention,
			},
			want: Ignore,
		},
		{
			name:   "missing required role",
			policy: Policy{RequiredRoles: []string{"maintainer"}},
			msg:    chat.Message{Author: chat.Author{ID: "u", Roles: []string{"member"}}, Channel: help, Mentions: mention},
			want:   Reject,
		},
		{
			name:   "has required role",
			policy: Policy{RequiredRoles: []string{"maintainer", "contributor"}},
			msg:    chat.Message{Author: chat.Author{ID: "u", Roles: []string{"contributor"}}, Channel: help, Mentions: mention},
			want:   Process,
		},
		{
			name:   "role gate skipped for unmentioned",
			policy: Policy{RequiredRoles: []string{"maintainer"}},
			msg:    chat.Message{Author: chat.Author{ID: "u"}, Channel: help},
			want:   Ignore,
		},
		{
			name: "DM ignored by default",
			msg:  chat.Message{Author: chat.Author{ID: "u"}, Channel: chat.Channel{DM: true}},
			want: Ignore,
		},
		{
			name:   "DM refused",
			policy: Policy{DMPolicy: DMRefuse},
			msg:    chat.Message{Author: chat.Author{ID: "u"}, Channel: chat.Channel{DM: true}},
			want:   Reject,
		},
		{
			name:   "DM allowed without mention or role",
			policy: Policy{AllowDMs: true, RequiredRoles: []string{"maintainer"}, TargetChannels: []string{"help"}},
			msg:    chat.Message{Author: chat.Author{ID: "u"}, Channel: chat.Channel{DM: true}},
			want:   Process,
		},
		{
			name:   "own DM ignored",
			policy: Policy{AllowDMs: true},
			msg:    chat.Message{Author: chat.Author{ID: botID}, Channel: chat.Channel{DM: true}},
			want:   Ignore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.policy.Decide(&tt.msg, botID)
			if got != tt.want {
				t.Errorf("Decide = %s (%s), want %s", got, reason, tt.want)
			}
			if reason == "" {
				t.Error("empty reason")
			}
		})
	}
}
