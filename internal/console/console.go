// Package console is a local chat platform for development. Each input
// line is a message addressed to the bot, and the conversation is kept
// in memory so history and replies behave as they do on Discord.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/chat"
	"github.com/nugget/triagebot/internal/connwatch"
)

// Identities used on the console.
const (
	BotUserID   = "triagebot"
	BotName     = "triagebot"
	UserID      = "console-user"
	ChannelID   = "console"
	ChannelName = "console"
)

// recentInvocations is how many records /invocations lists.
const recentInvocations = 10

// InvocationSource reads recorded agent invocations.
// [*agent.InvocationStore] satisfies it.
type InvocationSource interface {
	Get(ctx context.Context, id string) (*agent.InvocationRecord, error)
	List(ctx context.Context, limit int) ([]*agent.InvocationRecord, error)
	ForDispatch(ctx context.Context, dispatchID string) ([]*agent.InvocationRecord, error)
}

// LineReader yields input lines. [readline.Instance] satisfies it.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// NewReadline returns a line editor with persistent history. An empty
// historyFile keeps history in memory only.
func NewReadline(historyFile string) (LineReader, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("console readline: %w", err)
	}
	return rl, nil
}

// Config configures the console platform.
type Config struct {
	In  LineReader
	Out io.Writer

	// UserName is the author name of typed messages.
	UserName string

	// Status reports tool server health for the /status command.
	Status func() []connwatch.ServiceStatus

	// Invocations backs /invocations and /invocation. Nil when no store
	// is configured.
	Invocations InvocationSource

	Logger *slog.Logger
}

// Platform is a [chat.Platform] over a terminal.
type Platform struct {
	in       LineReader
	out      io.Writer
	userName string
	status   func() []connwatch.ServiceStatus
	records  InvocationSource
	logger   *slog.Logger

	mu       sync.Mutex
	messages []*chat.Message
	seq      int

	bot, user, dim, warn *color.Color
}

// New returns a console platform.
func New(cfg Config) *Platform {
	p := &Platform{
		in:       cfg.In,
		out:      cfg.Out,
		userName: cfg.UserName,
		status:   cfg.Status,
		records:  cfg.Invocations,
		logger:   cfg.Logger,
		bot:      color.New(color.FgCyan),
		user:     color.New(color.FgGreen),
		dim:      color.New(color.Faint, color.Italic),
		warn:     color.New(color.FgYellow),
	}
	if p.userName == "" {
		p.userName = "dev"
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run reads lines until EOF, an interrupt, /quit or ctx ends. Messages
// are handled one at a time.
func (p *Platform) Run(ctx context.Context, handle func(context.Context, *chat.Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = p.in.Close() })
	defer stop()
	defer p.in.Close()

	p.dim.Fprintf(p.out, "Talking to %s. Commands: /reply N text, /history, /status, /invocations [dispatch], /invocation ID, /quit\n", BotName)

	for {
		line, err := p.in.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("console read: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		msg, quit := p.command(ctx, line)
		if quit {
			return nil
		}
		if msg != nil {
			handle(ctx, msg)
		}
	}
}

// command interprets a line. It returns the message to dispatch, if
// any, and whether to exit.
func (p *Platform) command(ctx context.Context, line string) (*chat.Message, bool) {
	if !strings.HasPrefix(line, "/") {
		return p.post(line, nil), false
	}

	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/exit":
		return nil, true
	case "/history":
		p.printHistory()
	case "/status":
		p.printStatus()
	case "/invocations":
		p.printInvocations(ctx, strings.TrimSpace(rest))
	case "/invocation":
		p.printInvocation(ctx, strings.TrimSpace(rest))
	case "/reply":
		num, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		n, err := strconv.Atoi(num)
		if err != nil || strings.TrimSpace(text) == "" {
			p.warn.Fprintln(p.out, "usage: /reply N text")
			return nil, false
		}
		return p.post(strings.TrimSpace(text), &chat.Reference{ChannelID: ChannelID, MessageID: formatID(n)}), false
	default:
		p.warn.Fprintf(p.out, "unknown command %s\n", name)
	}
	return nil, false
}

// post records a user message in the transcript.
func (p *Platform) post(text string, ref *chat.Reference) *chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := p.appendLocked(chat.Author{ID: UserID, Name: p.userName}, text)
	msg.Reference = ref
	msg.Mentions = []string{BotUserID}
	return msg
}

func (p *Platform) appendLocked(author chat.Author, text string) *chat.Message {
	p.seq++
	msg := &chat.Message{
		ID:        formatID(p.seq),
		Author:    author,
		CreatedAt: time.Now(),
		Content:   text,
		Channel:   chat.Channel{ID: ChannelID, Name: ChannelName},
	}
	p.messages = append(p.messages, msg)
	return msg
}

func formatID(n int) string {
	return fmt.Sprintf("%06d", n)
}

// BotUserID implements [chat.Platform].
func (p *Platform) BotUserID() string { return BotUserID }

// FetchMessage implements [chat.HistorySource].
func (p *Platform) FetchMessage(_ context.Context, _, messageID string) (*chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown message %s", messageID)
}

// FetchBefore implements [chat.HistorySource].
func (p *Platform) FetchBefore(_ context.Context, _, beforeID string, limit int) ([]*chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := len(p.messages)
	for i, m := range p.messages {
		if m.ID == beforeID {
			end = i
			break
		}
	}
	start := max(0, end-limit)
	return append([]*chat.Message(nil), p.messages[start:end]...), nil
}

// Reply implements [chat.Platform].
func (p *Platform) Reply(_ context.Context, to *chat.Message, text string) error {
	p.mu.Lock()
	msg := p.appendLocked(chat.Author{ID: BotUserID, Name: BotName, Bot: true}, text)
	msg.Reference = &chat.Reference{ChannelID: ChannelID, MessageID: to.ID}
	p.mu.Unlock()

	p.dim.Fprintf(p.out, "[%s] re: %s\n", msg.ID, to.ID)
	p.bot.Fprintf(p.out, "%s: %s\n", BotName, text)
	return nil
}

// Typing implements [chat.Platform].
func (p *Platform) Typing(context.Context, string) error {
	p.dim.Fprintf(p.out, "%s is typing...\n", BotName)
	return nil
}

func (p *Platform) printHistory() {
	p.mu.Lock()
	msgs := append([]*chat.Message(nil), p.messages...)
	p.mu.Unlock()

	if len(msgs) == 0 {
		p.dim.Fprintln(p.out, "(no messages yet)")
		return
	}
	for _, m := range msgs {
		c := p.user
		if m.Author.Bot {
			c = p.bot
		}
		c.Fprintf(p.out, "[%s] %s: %s\n", m.ID, m.Author.Name, m.Content)
	}
}

func (p *Platform) printStatus() {
	if p.status == nil {
		p.dim.Fprintln(p.out, "(no tool servers watched)")
		return
	}
	statuses := p.status()
	if len(statuses) == 0 {
		p.dim.Fprintln(p.out, "(no tool servers watched)")
		return
	}
	for _, s := range statuses {
		if s.Ready {
			p.user.Fprintf(p.out, "%-12s ready   (checked %s)\n", s.Name, s.LastCheck.Format(time.TimeOnly))
			continue
		}
		p.warn.Fprintf(p.out, "%-12s down    %s\n", s.Name, s.LastError)
	}
}

// printInvocations lists the latest invocations, or every invocation of
// one dispatch when dispatchID is set.
func (p *Platform) printInvocations(ctx context.Context, dispatchID string) {
	if p.records == nil {
		p.dim.Fprintln(p.out, "(no invocation store; set data_dir)")
		return
	}

	var (
		recs []*agent.InvocationRecord
		err  error
	)
	if dispatchID == "" {
		recs, err = p.records.List(ctx, recentInvocations)
	} else {
		recs, err = p.records.ForDispatch(ctx, dispatchID)
	}
	if err != nil {
		p.warn.Fprintf(p.out, "invocations: %v\n", err)
		return
	}
	if len(recs) == 0 {
		p.dim.Fprintln(p.out, "(no invocations)")
		return
	}

	for _, r := range recs {
		c := p.user
		status := "ok"
		switch {
		case r.Error != "":
			c, status = p.warn, "error"
		case r.Exhausted:
			c, status = p.warn, "exhausted"
		}
		c.Fprintf(p.out, "%s %s %-14s %-9s turns=%d tokens=%d/%d %dms dispatch=%s\n",
			r.StartedAt.Local().Format(time.TimeOnly), r.ID, r.Agent, status,
			r.Turns, r.InputTokens, r.OutputTokens, r.DurationMs, r.DispatchID)
	}
}

// printInvocation shows one invocation in full.
func (p *Platform) printInvocation(ctx context.Context, id string) {
	if p.records == nil {
		p.dim.Fprintln(p.out, "(no invocation store; set data_dir)")
		return
	}
	if id == "" {
		p.warn.Fprintln(p.out, "usage: /invocation ID")
		return
	}

	r, err := p.records.Get(ctx, id)
	if err != nil {
		p.warn.Fprintf(p.out, "invocation %s: %v\n", id, err)
		return
	}

	p.bot.Fprintf(p.out, "%s (%s) dispatch=%s\n", r.Agent, r.Model, r.DispatchID)
	fmt.Fprintf(p.out, "  turns:    %d/%d\n", r.Turns, r.MaxTurns)
	fmt.Fprintf(p.out, "  tokens:   %d in, %d out\n", r.InputTokens, r.OutputTokens)
	fmt.Fprintf(p.out, "  duration: %dms\n", r.DurationMs)
	for _, name := range slices.Sorted(maps.Keys(r.ToolsCalled)) {
		fmt.Fprintf(p.out, "  tool:     %s x%d\n", name, r.ToolsCalled[name])
	}
	fmt.Fprintf(p.out, "  request:  %s\n", r.Request)
	fmt.Fprintf(p.out, "  result:   %s\n", r.Result)
	if r.Error != "" {
		p.warn.Fprintf(p.out, "  error:    %s\n", r.Error)
	}
}
