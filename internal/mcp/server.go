package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/triagebot/internal/buildinfo"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCallTimeout    = 120 * time.Second
)

// deathGrace is how long a failed call waits for the session watcher to
// confirm that the subprocess is gone before treating the failure as an
// ordinary error.
const deathGrace = 250 * time.Millisecond

// ServerConfig is the identity of one tool server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string

	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// State is the lifecycle stage of a [Server].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ToolDefinition describes one tool exposed by a server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Server is a handle on one tool server subprocess.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	session *sdk.ClientSession
	done    chan struct{} // closed when the session ends
	kill    context.CancelFunc
}

// NewServer returns a handle in the idle state. No process is started
// until [Server.Connect].
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("mcp_server", cfg.Name),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// State returns the current lifecycle stage.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the subprocess is live and callable.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Connect launches the subprocess and blocks until the initialize
// handshake completes. A handle connects at most once: a second call,
// or a call after a failed attempt or after Cleanup, returns
// [ErrAlreadyConnected]. The lock is not held during the handshake, so
// State and Connected answer immediately. A handshake that outlives
// ConnectTimeout kills the subprocess at the deadline.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect %s: %w (state %s)", s.cfg.Name, ErrAlreadyConnected, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	session, kill, pid, err := s.launch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateClosed
		return &UnavailableError{Server: s.cfg.Name, Op: "connect", Err: err}
	}
	if s.state != StateConnecting {
		// Cleanup ran during the handshake.
		_ = session.Close()
		kill()
		return &UnavailableError{Server: s.cfg.Name, Op: "connect", Err: errors.New("cleaned up while connecting")}
	}

	done := make(chan struct{})
	go func() {
		err := session.Wait()
		s.logger.Debug("tool server session ended", "error", err)
		close(done)
	}()

	s.session = session
	s.done = done
	s.kill = kill
	s.state = StateConnected
	s.logger.Info("tool server connected", "pid", pid)
	return nil
}

// launch starts the subprocess and runs the handshake. The process lives
// until the returned kill func is called; on failure it is already dead.
func (s *Server) launch(ctx context.Context) (*sdk.ClientSession, context.CancelFunc, int, error) {
	s.logger.Info("starting tool server",
		"command", s.cfg.Command,
		"args", s.cfg.Args,
	)

	procCtx, kill := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		kill()
		return nil, nil, 0, err
	}
	go s.drainStderr(stderr)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	// The subprocess dies at the deadline rather than after the SDK's
	// shutdown grace period.
	stopKill := context.AfterFunc(hctx, kill)

	client := sdk.NewClient(&sdk.Implementation{
		Name:    "triagebot",
		Version: buildinfo.Version,
	}, nil)

	session, err := client.Connect(hctx, &sdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		kill()
		if hctx.Err() != nil {
			err = fmt.Errorf("handshake timed out after %s: %w", s.cfg.ConnectTimeout, err)
		}
		return nil, nil, 0, err
	}
	if !stopKill() {
		// The deadline hit as the handshake finished.
		_ = session.Close()
		return nil, nil, 0, fmt.Errorf("handshake timed out after %s", s.cfg.ConnectTimeout)
	}

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	return session, kill, pid, nil
}

// Cleanup terminates the subprocess and releases the session. It is
// safe to call on a handle that never connected, failed to connect or
// was already cleaned up.
func (s *Server) Cleanup() error {
	s.mu.Lock()
	session, done, kill := s.session, s.done, s.kill
	s.session, s.kill = nil, nil
	s.state = StateClosed
	s.mu.Unlock()

	if session == nil {
		return nil
	}

	err := session.Close()
	<-done
	kill()
	s.logger.Info("tool server stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close %s: %w", s.cfg.Name, err)
	}
	return nil
}

// live returns the session for a call, or an UnavailableError.
func (s *Server) live(op string) (*sdk.ClientSession, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.session == nil {
		return nil, nil, &UnavailableError{Server: s.cfg.Name, Op: op, Err: fmt.Errorf("not connected (state %s)", s.state)}
	}
	return s.session, s.done, nil
}

// classify turns a session error into an UnavailableError when the
// subprocess is gone or the call hit its deadline.
func (s *Server) classify(parent, callCtx context.Context, op string, done chan struct{}, err error) error {
	if parent.Err() != nil {
		return err
	}
	if callCtx.Err() != nil {
		return &UnavailableError{Server: s.cfg.Name, Op: op, Err: fmt.Errorf("no response within %s: %w", s.cfg.CallTimeout, err)}
	}
	select {
	case <-done:
		return &UnavailableError{Server: s.cfg.Name, Op: op, Err: err}
	case <-time.After(deathGrace):
		return err
	}
}

// ListTools returns every tool the server exposes, following pagination.
func (s *Server) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	session, done, err := s.live("list")
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	var out []ToolDefinition
	params := &sdk.ListToolsParams{}
	for {
		res, err := session.ListTools(callCtx, params)
		if err != nil {
			return nil, s.classify(ctx, callCtx, "list", done, fmt.Errorf("list tools: %w", err))
		}
		for _, t := range res.Tools {
			out = append(out, ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes one tool and returns its text result. A result the
// server flags as an error is returned as an ordinary error carrying the
// server's text.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session, done, err := s.live("call")
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := session.CallTool(callCtx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", s.classify(ctx, callCtx, "call", done, fmt.Errorf("call %s: %w", name, err))
	}

	text := resultText(res)
	s.logger.Debug("tool call complete",
		"tool", name,
		"is_error", res.IsError,
		"result_len", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s: %s", name, text)
	}
	return text, nil
}

// Ping checks that the server still answers.
func (s *Server) Ping(ctx context.Context) error {
	session, done, err := s.live("ping")
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := session.Ping(callCtx, &sdk.PingParams{}); err != nil {
		return s.classify(ctx, callCtx, "ping", done, err)
	}
	return nil
}

func (s *Server) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// resultText flattens a call result into the text observation handed to
// the model.
func resultText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *sdk.TextContent:
			parts = append(parts, v.Text)
		case *sdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *sdk.EmbeddedResource:
			if v.Resource != nil && v.Resource.Text != "" {
				parts = append(parts, v.Resource.Text)
			} else if v.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", v.Resource.URI))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaMap normalizes whatever schema representation the SDK hands
// back into a plain JSON object map.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
