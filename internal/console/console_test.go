package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/chat"
	"github.com/nugget/triagebot/internal/connwatch"
)

// scriptedReader returns lines in order, then io.EOF.
type scriptedReader struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPlatform(lines ...string) (*Platform, *bytes.Buffer) {
	out := &bytes.Buffer{}
	p := New(Config{
		In:       &scriptedReader{lines: lines},
		Out:      out,
		UserName: "ada",
		Logger:   quietLogger(),
	})
	return p, out
}

func TestRun_DispatchesLines(t *testing.T) {
	p, out := newTestPlatform("hello", "   ", "second question")

	var got []*chat.Message
	err := p.Run(context.Background(), func(ctx context.Context, m *chat.Message) {
		got = append(got, m)
		_ = p.Reply(ctx, m, "answer to "+m.Content)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("handled %d messages, want 2", len(got))
	}
	first := got[0]
	if first.Author.Name != "ada" || first.Author.Bot || !first.MentionsUser(BotUserID) {
		t.Errorf("first message = %+v", first)
	}
	if !strings.Contains(out.String(), "answer to second question") {
		t.Errorf("output missing reply:\n%s", out.String())
	}
}

func TestTranscript_HistoryAndReference(t *testing.T) {
	p, _ := newTestPlatform("what is dagger?", "/reply 1 and how do I install it?")

	var last *chat.Message
	err := p.Run(context.Background(), func(ctx context.Context, m *chat.Message) {
		last = m
		_ = p.Reply(ctx, m, "reply")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if last == nil || last.Reference == nil || last.Reference.MessageID != "000001" {
		t.Fatalf("last message reference = %+v, want 000001", last)
	}
	if last.Content != "and how do I install it?" {
		t.Errorf("content = %q", last.Content)
	}

	ref, err := p.FetchMessage(context.Background(), ChannelID, last.Reference.MessageID)
	if err != nil || ref.Content != "what is dagger?" {
		t.Errorf("FetchMessage = %+v, %v", ref, err)
	}

	before, err := p.FetchBefore(context.Background(), ChannelID, last.ID, 100)
	if err != nil {
		t.Fatalf("FetchBefore: %v", err)
	}
	if len(before) != 2 || before[0].Content != "what is dagger?" || !before[1].Author.Bot {
		t.Errorf("history = %+v", before)
	}

	limited, err := p.FetchBefore(context.Background(), ChannelID, last.ID, 1)
	if err != nil {
		t.Fatalf("FetchBefore: %v", err)
	}
	if len(limited) != 1 || !limited[0].Author.Bot {
		t.Errorf("limited history = %+v, want only the newest message", limited)
	}
}

func TestCommands(t *testing.T) {
	p, out := newTestPlatform("/history", "/reply x", "/bogus", "/status", "/quit", "never read")
	p.status = func() []connwatch.ServiceStatus {
		return []connwatch.ServiceStatus{
			{Name: "github", Ready: true, LastCheck: time.Now()},
			{Name: "notion", Ready: false, LastError: "ping timeout"},
		}
	}

	handled := 0
	if err := p.Run(context.Background(), func(context.Context, *chat.Message) { handled++ }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled != 0 {
		t.Errorf("handled %d messages, want 0", handled)
	}

	for _, want := range []string{"(no messages yet)", "usage: /reply N text", "unknown command /bogus", "github", "ready", "notion", "ping timeout"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestInvocationCommands(t *testing.T) {
	store, err := agent.OpenInvocationStore(":memory:")
	if err != nil {
		t.Fatalf("OpenInvocationStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, r := range []*agent.InvocationRecord{
		{ID: "inv-a", DispatchID: "d-1", Agent: "triage", Model: "gpt-4o", Request: "why slow?", Result: "use the cache"},
		{ID: "inv-b", DispatchID: "d-1", Agent: "issue_agent", Model: "gpt-4o", Request: "file it", Error: "model down",
			ToolsCalled: map[string]int{"forge_search_issues": 2}},
		{ID: "inv-c", DispatchID: "d-2", Agent: "triage", Model: "gpt-4o", Request: "hi", Exhausted: true},
	} {
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		r.CompletedAt = r.StartedAt
		if err := store.Record(context.Background(), r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		name    string
		line    string
		want    []string
		notWant []string
	}{
		{
			name: "recent",
			line: "/invocations",
			want: []string{"inv-a", "inv-b", "inv-c", "exhausted", "error"},
		},
		{
			name:    "one dispatch",
			line:    "/invocations d-1",
			want:    []string{"inv-a", "inv-b", "dispatch=d-1"},
			notWant: []string{"inv-c"},
		},
		{
			name: "unknown dispatch",
			line: "/invocations d-9",
			want: []string{"(no invocations)"},
		},
		{
			name: "detail",
			line: "/invocation inv-b",
			want: []string{"issue_agent (gpt-4o) dispatch=d-1", "forge_search_issues x2", "request:  file it", "error:    model down"},
		},
		{
			name: "missing id",
			line: "/invocation",
			want: []string{"usage: /invocation ID"},
		},
		{
			name: "unknown id",
			line: "/invocation nope",
			want: []string{"invocation nope:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out := newTestPlatform(tt.line)
			p.records = store
			if err := p.Run(context.Background(), func(context.Context, *chat.Message) {}); err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
			for _, bad := range tt.notWant {
				if strings.Contains(out.String(), bad) {
					t.Errorf("output has %q:\n%s", bad, out.String())
				}
			}
		})
	}
}

func TestInvocationCommands_NoStore(t *testing.T) {
	p, out := newTestPlatform("/invocations", "/invocation x")
	if err := p.Run(context.Background(), func(context.Context, *chat.Message) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := strings.Count(out.String(), "(no invocation store; set data_dir)"); n != 2 {
		t.Errorf("store notice printed %d times, want 2:\n%s", n, out.String())
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	p, _ := newTestPlatform("first", "second")
	ctx, cancel := context.WithCancel(context.Background())

	handled := 0
	err := p.Run(ctx, func(context.Context, *chat.Message) {
		handled++
		cancel()
		// AfterFunc closes the reader asynchronously.
		time.Sleep(50 * time.Millisecond)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled != 1 {
		t.Errorf("handled %d messages, want 1", handled)
	}
}

func TestFetchMessage_Unknown(t *testing.T) {
	p, _ := newTestPlatform()
	if _, err := p.FetchMessage(context.Background(), ChannelID, "999999"); err == nil {
		t.Error("FetchMessage succeeded for an unknown ID")
	}
}
