// Package dispatch handles one incoming chat message end to end:
// eligibility, context assembly, triage and exactly one reply.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/chat"
)

// Defaults.
const (
	DefaultHandleTimeout = 5 * time.Minute
	DefaultRefusal       = "Sorry, I can only help members with the required role. Please ask a maintainer for access."
	DefaultFallback      = "Sorry, I couldn't come up with an answer to that. Could you rephrase or add more detail?"

	// typingInterval re-arms the platform typing indicator before it
	// lapses.
	typingInterval = 8 * time.Second

	// replyTimeout bounds posting the reply once the handle context has
	// ended.
	replyTimeout = 30 * time.Second
)

// Assembler builds agent input for a triggering message.
type Assembler interface {
	Assemble(ctx context.Context, trigger *chat.Message) (agent.Input, error)
}

// Invoker runs the triage agent.
type Invoker interface {
	Invoke(ctx context.Context, input agent.Input, actx agent.Context) (*agent.Result, error)
}

// Config wires a [Dispatcher].
type Config struct {
	Platform  chat.Platform
	Assembler Assembler
	Triage    Invoker
	Policy    Policy

	HandleTimeout time.Duration
	Refusal       string
	Fallback      string
	Logger        *slog.Logger
}

// Dispatcher handles messages from one platform. Handle is safe for
// concurrent use.
type Dispatcher struct {
	platform  chat.Platform
	assembler Assembler
	triage    Invoker
	policy    Policy
	timeout   time.Duration
	refusal   string
	fallback  string
	logger    *slog.Logger
}

// New returns a dispatcher with defaults applied.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		platform:  cfg.Platform,
		assembler: cfg.Assembler,
		triage:    cfg.Triage,
		policy:    cfg.Policy,
		timeout:   cfg.HandleTimeout,
		refusal:   cfg.Refusal,
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultHandleTimeout
	}
	if d.refusal == "" {
		d.refusal = DefaultRefusal
	}
	if d.fallback == "" {
		d.fallback = DefaultFallback
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Handle processes m and returns the decision taken. Every message that
// is not ignored gets exactly one reply; failures are reported in that
// reply rather than returned.
func (d *Dispatcher) Handle(ctx context.Context, m *chat.Message) Decision {
	decision, reason := d.policy.Decide(m, d.platform.BotUserID())

	log := d.logger.With(
		"message_id", m.ID,
		"channel_id", m.Channel.ID,
		"author", m.Author.Name,
	)

	switch decision {
	case Ignore:
		log.Debug("message ignored", "reason", reason)
		return Ignore
	case Reject:
		log.Info("message rejected", "reason", reason)
		d.reply(ctx, log, m, d.refusal)
		return Reject
	}

	dispatchID := newDispatchID()
	log = log.With("dispatch_id", dispatchID)
	log.Info("dispatch started", "reason", reason)
	start := time.Now()

	text := d.process(ctx, log, m, dispatchID)
	d.reply(ctx, log, m, text)

	log.Info("dispatch completed", "elapsed", time.Since(start).Round(time.Millisecond))
	return Process
}

// process returns the reply text for an eligible message.
func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, m *chat.Message, dispatchID string) string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	stopTyping := d.startTyping(ctx, log, m.Channel.ID)
	defer stopTyping()

	input, err := d.assembler.Assemble(ctx, m)
	if err != nil {
		log.Error("context assembly failed", "error", err)
		return errorReply(err)
	}

	res, err := d.triage.Invoke(ctx, input, agent.Context{
		UserName:   m.Author.Name,
		UserID:     m.Author.ID,
		DispatchID: dispatchID,
	})
	if err != nil {
		log.Error("triage failed", "error", err)
		return errorReply(err)
	}

	text := replyText(res)
	if kind, ok := res.Structured["kind"].(string); ok {
		summary, _ := res.Structured["summary"].(string)
		log.Info("triage classified", "kind", kind, "summary", summary)
	}
	if text == "" {
		log.Warn("triage returned empty text", "turns", res.Turns)
		return d.fallback
	}

	log.Debug("triage answered",
		"turns", res.Turns,
		"tool_calls", len(res.ToolCalls),
		"exhausted", res.Exhausted,
		"reply_len", len(text),
	)
	return text
}

// replyText prefers the answer field of a classified result and falls
// back to the raw final text.
func replyText(res *agent.Result) string {
	if answer, ok := res.Structured["answer"].(string); ok && strings.TrimSpace(answer) != "" {
		return strings.TrimSpace(answer)
	}
	return strings.TrimSpace(res.Text)
}

// reply posts text once. It outlives a cancelled handle context so a
// timeout is still reported to the user.
func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, m *chat.Message, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()

	if err := d.platform.Reply(ctx, m, text); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}

// startTyping shows the typing indicator until the returned func is
// called or ctx ends.
func (d *Dispatcher) startTyping(ctx context.Context, log *slog.Logger, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := d.platform.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				log.Debug("typing indicator failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func errorReply(err error) string {
	return fmt.Sprintf("Error triaging message: %v", err)
}

func newDispatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
