// Package subagent runs agent definitions as nested agents on behalf of a
// parent run, keeping per-session conversations so a caller can continue
// where an earlier invocation stopped.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/engine"
	"github.com/stellarlinkco/clawcore/internal/fault"
)

const DefaultMaxDepth = 3

var (
	ErrRecursionLimit = errors.New("subagent: recursion limit reached")
	ErrSessionOwner   = errors.New("subagent: session belongs to another agent")
	ErrEmptyPrompt    = errors.New("subagent: prompt is empty")
)

// Runner executes one agent run. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, def agentdef.Definition, conversation []engine.Message, client engine.ModelClient) (engine.Outcome, error)
}

type Request struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

type Response struct {
	Agent     string `json:"agent"`
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// session fields other than mu are guarded by Invoker.mu; mu serializes runs.
type session struct {
	mu      sync.Mutex
	agent   string
	conv    []engine.Message
	updated time.Time
}

// SessionInfo describes a stored session.
type SessionInfo struct {
	ID       string
	Agent    string
	Messages int
	Updated  time.Time
}

// Invoker resolves agent names against a catalog and runs them one level
// deeper than the calling run.
type Invoker struct {
	catalog  *agentdef.Catalog
	runner   Runner
	client   engine.ModelClient
	maxDepth int
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Invoker)

func WithMaxDepth(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxDepth = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

func New(catalog *agentdef.Catalog, runner Runner, client engine.ModelClient, opts ...Option) *Invoker {
	inv := &Invoker{
		catalog:  catalog,
		runner:   runner,
		client:   client,
		maxDepth: DefaultMaxDepth,
		logger:   zerolog.Nop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

func (i *Invoker) Catalog() *agentdef.Catalog { return i.catalog }

func (i *Invoker) MaxDepth() int { return i.maxDepth }

// Invoke runs req.AgentName with req.Prompt appended to the session's
// conversation. The returned Response is filled in as far as the invocation
// got; err carries the fault kind when the run did not complete.
func (i *Invoker) Invoke(ctx context.Context, req Request) (Response, error) {
	resp := Response{Agent: req.AgentName}

	depth := engine.DepthFrom(ctx) + 1
	if depth > i.maxDepth {
		err := fault.Wrap(fault.RecursionLimitReached,
			fmt.Errorf("%w: depth %d exceeds maximum %d", ErrRecursionLimit, depth, i.maxDepth))
		resp.Error = err.Error()
		return resp, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		err := fault.Wrap(fault.ToolInvocationError, ErrEmptyPrompt)
		resp.Error = err.Error()
		return resp, err
	}
	def, err := i.catalog.Get(req.AgentName)
	if err != nil {
		err = fault.Wrap(fault.ToolNotFound, err)
		resp.Error = err.Error()
		return resp, err
	}

	id, sess, err := i.session(def.Name, req.SessionID)
	if err != nil {
		err = fault.Wrap(fault.ToolInvocationError, err)
		resp.Error = err.Error()
		return resp, err
	}
	resp.SessionID = id

	// One run at a time per session keeps the transcript linear.
	sess.mu.Lock()
	defer sess.mu.Unlock()

	i.mu.Lock()
	conv := make([]engine.Message, len(sess.conv), len(sess.conv)+1)
	copy(conv, sess.conv)
	i.mu.Unlock()
	conv = append(conv, engine.UserMessage(req.Prompt))

	i.logger.Debug().Str("agent", def.Name).Str("session", id).Int("depth", depth).Msg("invoking sub-agent")
	out, err := i.runner.Run(engine.WithDepth(ctx, depth), def, conv, i.client)
	if err != nil {
		err = fault.Wrap(fault.ToolInvocationError, err)
		resp.Error = err.Error()
		return resp, err
	}

	i.mu.Lock()
	sess.conv = out.Conversation
	sess.updated = time.Now()
	i.mu.Unlock()
	resp.Response = out.Text
	if out.Status != engine.StatusDone {
		resp.Error = fmt.Sprintf("sub-agent %s ended with status %s", def.Name, out.Status)
		if out.Err != nil {
			resp.Error += ": " + out.Err.Error()
		}
		return resp, out.Err
	}
	resp.Success = true
	return resp, nil
}

// session finds or creates the session for id. An empty id creates a fresh
// session; an unknown id starts a new session under that id.
func (i *Invoker) session(agent, id string) (string, *session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if id == "" {
		for {
			id = newSessionID(agent)
			if _, taken := i.sessions[id]; !taken {
				break
			}
		}
	}
	sess, ok := i.sessions[id]
	if !ok {
		sess = &session{agent: agent, updated: time.Now()}
		i.sessions[id] = sess
		return id, sess, nil
	}
	if sess.agent != agent {
		return "", nil, fmt.Errorf("%w: %s is owned by %s", ErrSessionOwner, id, sess.agent)
	}
	return id, sess, nil
}

// Sessions lists stored sessions sorted by id.
func (i *Invoker) Sessions() []SessionInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]SessionInfo, 0, len(i.sessions))
	for id, sess := range i.sessions {
		out = append(out, SessionInfo{ID: id, Agent: sess.agent, Messages: len(sess.conv), Updated: sess.updated})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Conversation returns a copy of the session transcript.
func (i *Invoker) Conversation(id string) ([]engine.Message, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	sess, ok := i.sessions[id]
	if !ok {
		return nil, false
	}
	return append([]engine.Message(nil), sess.conv...), true
}

func newSessionID(agent string) string {
	return sanitize(agent) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
