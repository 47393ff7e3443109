// Package discord connects the dispatcher to Discord through discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nugget/triagebot/internal/chat"
)

// MaxMessageLen is Discord's per-message character limit.
const MaxMessageLen = 2000

// maxPage is the most messages one history request may return.
const maxPage = 100

// roleRefreshInterval bounds how often an unknown role ID triggers a
// refetch of a guild's roles.
const roleRefreshInterval = time.Minute

// api is the subset of the discordgo REST surface the platform uses.
// *discordgo.Session satisfies it.
type api interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// Config configures the Discord platform.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Platform is a [chat.Platform] backed by a Discord bot session.
type Platform struct {
	session *discordgo.Session
	api     api
	logger  *slog.Logger

	botID atomic.Value // string

	now func() time.Time

	mu       sync.Mutex
	channels map[string]*discordgo.Channel
	roles    map[string]guildRoles // by guild ID
}

type guildRoles struct {
	names   map[string]string // role ID -> name
	fetched time.Time
}

// New creates a bot session. It does not connect until [Platform.Run].
func New(cfg Config) (*Platform, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", "discord")

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.LogLevel = discordgo.LogWarning
	RouteLogs(logger)

	p := newPlatform(session, logger)
	p.session = session
	return p, nil
}

func newPlatform(a api, logger *slog.Logger) *Platform {
	p := &Platform{
		api:      a,
		logger:   logger,
		now:      time.Now,
		channels: make(map[string]*discordgo.Channel),
		roles:    make(map[string]guildRoles),
	}
	p.botID.Store("")
	return p
}

// Run connects, delivers every created message to handle and blocks
// until ctx is done. discordgo runs each handler in its own goroutine,
// so handle must be safe for concurrent use.
func (p *Platform) Run(ctx context.Context, handle func(context.Context, *chat.Message)) error {
	p.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		p.botID.Store(r.User.ID)
		p.logger.Info("discord bot connected", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	p.session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
		p.forgetRoles(e.GuildID)
	})
	p.session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
		p.forgetRoles(e.GuildID)
	})
	p.session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
		p.forgetRoles(e.GuildID)
	})
	p.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		msg, err := p.convert(ctx, m.Message)
		if err != nil {
			p.logger.Warn("dropping message", "message_id", m.ID, "error", err)
			return
		}
		handle(ctx, msg)
	})

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	if p.session.State != nil && p.session.State.User != nil {
		p.botID.Store(p.session.State.User.ID)
	}

	<-ctx.Done()
	p.logger.Info("discord bot disconnecting")
	return p.session.Close()
}

// BotUserID implements [chat.Platform].
func (p *Platform) BotUserID() string {
	return p.botID.Load().(string)
}

// FetchMessage implements [chat.HistorySource].
func (p *Platform) FetchMessage(ctx context.Context, channelID, messageID string) (*chat.Message, error) {
	m, err := p.api.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return p.convert(ctx, m)
}

// FetchBefore implements [chat.HistorySource]. It pages backwards from
// beforeID until limit messages are read or the channel start is reached.
// Messages come back newest first.
func (p *Platform) FetchBefore(ctx context.Context, channelID, beforeID string, limit int) ([]*chat.Message, error) {
	var out []*chat.Message
	cursor := beforeID
	for len(out) < limit {
		page := min(limit-len(out), maxPage)
		batch, err := p.api.ChannelMessages(channelID, page, cursor, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, m := range batch {
			msg, err := p.convert(ctx, m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		if len(batch) < page {
			break
		}
		cursor = batch[len(batch)-1].ID
	}
	return out, nil
}

// Reply implements [chat.Platform]. Long text is split on line breaks
// into several messages; only the first one replies to the trigger. Link
// previews are suppressed and only user mentions ping.
func (p *Platform) Reply(ctx context.Context, to *chat.Message, text string) error {
	for i, chunk := range SplitMessage(text, MaxMessageLen) {
		send := &discordgo.MessageSend{
			Content: chunk,
			Flags:   discordgo.MessageFlagsSuppressEmbeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
				RepliedUser: true,
			},
		}
		if i == 0 {
			send.Reference = &discordgo.MessageReference{
				MessageID: to.ID,
				ChannelID: to.Channel.ID,
			}
		}
		if _, err := p.api.ChannelMessageSendComplex(to.Channel.ID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send reply part %d: %w", i+1, err)
		}
	}
	return nil
}

// Typing implements [chat.Platform].
func (p *Platform) Typing(ctx context.Context, channelID string) error {
	return p.api.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// convert maps a discordgo message to the platform-neutral model,
// resolving channel and role names.
func (p *Platform) convert(ctx context.Context, m *discordgo.Message) (*chat.Message, error) {
	if m == nil || m.Author == nil {
		return nil, errors.New("message has no author")
	}

	ch, err := p.channel(ctx, m.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", m.ChannelID, err)
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	msg := &chat.Message{
		ID: m.ID,
		Author: chat.Author{
			ID:   m.Author.ID,
			Name: name,
			Bot:  m.Author.Bot,
		},
		CreatedAt:       m.Timestamp,
		Content:         m.Content,
		MentionEveryone: m.MentionEveryone,
		Channel: chat.Channel{
			ID:     ch.ID,
			Name:   ch.Name,
			DM:     ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM,
			Thread: ch.IsThread(),
		},
	}

	if msg.Channel.Thread && ch.ParentID != "" {
		if parent, err := p.channel(ctx, ch.ParentID); err == nil {
			msg.Channel.ParentName = parent.Name
		} else {
			p.logger.Debug("thread parent lookup failed", "channel_id", ch.ParentID, "error", err)
		}
	}

	for _, u := range m.Mentions {
		msg.Mentions = append(msg.Mentions, u.ID)
	}

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		msg.Reference = &chat.Reference{ChannelID: ref.ChannelID, MessageID: ref.MessageID}
	}

	if m.Member != nil && len(m.Member.Roles) > 0 {
		guildID := m.GuildID
		if guildID == "" {
			guildID = ch.GuildID
		}
		msg.Author.Roles = p.roleNames(ctx, guildID, m.Member.Roles)
	}

	return msg, nil
}

// channel returns channel metadata, cached for the life of the process.
func (p *Platform) channel(ctx context.Context, id string) (*discordgo.Channel, error) {
	p.mu.Lock()
	ch, ok := p.channels[id]
	p.mu.Unlock()
	if ok {
		return ch, nil
	}

	if p.session != nil && p.session.State != nil {
		if st, err := p.session.State.Channel(id); err == nil {
			ch = st
		}
	}
	if ch == nil {
		var err error
		ch, err = p.api.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.channels[id] = ch
	p.mu.Unlock()
	return ch, nil
}

// roleNames maps role IDs to names. An ID missing from the cached map
// refetches the guild's roles, at most once per roleRefreshInterval;
// IDs still unknown are dropped.
func (p *Platform) roleNames(ctx context.Context, guildID string, ids []string) []string {
	p.mu.Lock()
	cached, ok := p.roles[guildID]
	p.mu.Unlock()

	stale := !ok
	if ok && p.now().Sub(cached.fetched) >= roleRefreshInterval {
		for _, id := range ids {
			if _, known := cached.names[id]; !known {
				stale = true
				break
			}
		}
	}

	if stale {
		roles, err := p.api.GuildRoles(guildID, discordgo.WithContext(ctx))
		if err != nil {
			p.logger.Warn("guild role lookup failed", "guild_id", guildID, "error", err)
			if !ok {
				return nil
			}
		} else {
			cached = guildRoles{names: make(map[string]string, len(roles)), fetched: p.now()}
			for _, r := range roles {
				cached.names[r.ID] = r.Name
			}
			p.mu.Lock()
			p.roles[guildID] = cached
			p.mu.Unlock()
		}
	}

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := cached.names[id]; ok {
			names = append(names, n)
		}
	}
	return names
}

// forgetRoles drops a guild's cached roles after a role event.
func (p *Platform) forgetRoles(guildID string) {
	p.mu.Lock()
	delete(p.roles, guildID)
	p.mu.Unlock()
}
