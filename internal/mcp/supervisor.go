// Package mcp supervises external tool servers: one child process per
// configured server, each driven through an explicit state machine and
// exposed to the engine as server-qualified tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopGrace        = 3 * time.Second
)

var ErrUnknownServer = errors.New("mcp: unknown server")

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Status is a snapshot of one server.
type Status struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	Pid         int       `json:"pid,omitempty"`
	Tools       []string  `json:"tools,omitempty"`
	Protocol    string    `json:"protocol"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Since       time.Time `json:"since"`
}

type server struct {
	name string
	// op serializes lifecycle operations on this server.
	op sync.Mutex

	// Guarded by Supervisor.mu.
	cfg     ServerConfig
	state   State
	diag    string
	conn    Conn
	tools   []string
	since   time.Time
	removed bool
}

// Supervisor owns every server process. Operations on different servers run
// independently; operations on one server are serialized.
type Supervisor struct {
	registry  *tool.Registry
	logger    zerolog.Logger
	handshake time.Duration
	grace     time.Duration
	dial      Dialer
	onState   func(name string, state State)

	mu      sync.RWMutex
	servers map[string]*server
}

type Option func(*Supervisor)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.handshake = d
		}
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithDialer replaces process startup.
func WithDialer(d Dialer) Option {
	return func(s *Supervisor) {
		if d != nil {
			s.dial = d
		}
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(name string, state State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

func NewSupervisor(cfg Config, registry *tool.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:  registry,
		logger:    zerolog.Nop(),
		handshake: DefaultHandshakeTimeout,
		grace:     DefaultStopGrace,
		servers:   make(map[string]*server),
	}
	s.dial = s.defaultDial
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	for name, sc := range cfg.Servers {
		s.servers[name] = &server{name: name, cfg: sc, state: StateStopped, since: time.Now()}
	}
	return s
}

func (s *Supervisor) defaultDial(ctx context.Context, name string, cfg ServerConfig) (Conn, error) {
	switch cfg.protocol() {
	case ProtocolLine:
		c, err := dialLine(ctx, name, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProtocolMCP:
		c, err := dialSDK(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
}

func (s *Supervisor) get(name string) (*server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return srv, nil
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(srv *server, state State, diag string) {
	srv.state, srv.diag, srv.since = state, diag, time.Now()
	if s.onState != nil {
		s.onState(srv.name, state)
	}
}

// Start launches name and registers its tools once the handshake succeeds.
// Starting a running server is a no-op.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	srv, err := s.get(name)
	if err != nil {
		return err
	}
	srv.op.Lock()
	defer srv.op.Unlock()
	return s.start(ctx, srv)
}

func (s *Supervisor) start(ctx context.Context, srv *server) error {
	s.mu.Lock()
	if srv.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, srv.name)
	}
	if srv.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	cfg := srv.cfg
	s.setState(srv, StateStarting, "")
	s.mu.Unlock()

	log := s.logger.With().Str("server", srv.name).Logger()
	log.Info().Str("command", cfg.Command).Str("protocol", cfg.protocol()).Msg("starting server")

	hctx, cancel := context.WithTimeout(ctx, s.handshake)
	defer cancel()

	if err := cfg.validate(); err != nil {
		return s.fail(srv, fmt.Errorf("invalid config: %w", err))
	}
	conn, err := s.dial(hctx, srv.name, cfg)
	if err != nil {
		return s.fail(srv, err)
	}
	infos, err := conn.ListTools(hctx)
	if err != nil {
		select {
		case <-conn.Done():
			err = fmt.Errorf("%w (%s)", err, conn.Diagnostic())
		default:
		}
		_ = conn.Close(s.grace)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("handshake timed out after %s", s.handshake)
		}
		return s.fail(srv, fmt.Errorf("handshake: %w", err))
	}
	tools, err := adaptTools(s, srv.name, infos)
	if err == nil {
		err = s.registry.Register(tools...)
	}
	if err != nil {
		_ = conn.Close(s.grace)
		return s.fail(srv, fmt.Errorf("register tools: %w", err))
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Spec().Name
	}
	s.mu.Lock()
	srv.conn, srv.tools = conn, names
	s.setState(srv, StateRunning, "")
	s.mu.Unlock()

	go s.watch(srv, conn)
	log.Info().Int("pid", conn.Pid()).Int("tools", len(names)).Msg("server running")
	return nil
}

func (s *Supervisor) fail(srv *server, cause error) error {
	s.mu.Lock()
	s.setState(srv, StateFailed, cause.Error())
	s.mu.Unlock()
	s.logger.Warn().Str("server", srv.name).Err(cause).Msg("server failed")
	return fault.Wrap(fault.ServerUnavailable, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, srv.name, cause))
}

// watch moves a running server to failed when its process exits without
// being stopped.
func (s *Supervisor) watch(srv *server, conn Conn) {
	<-conn.Done()
	s.markFailed(srv, conn, "process exited: "+conn.Diagnostic())
}

// markFailed fails srv if conn is still its live channel.
func (s *Supervisor) markFailed(srv *server, conn Conn, diag string) {
	s.mu.Lock()
	if srv.conn != conn || srv.state != StateRunning {
		s.mu.Unlock()
		return
	}
	names := srv.tools
	srv.conn, srv.tools = nil, nil
	s.setState(srv, StateFailed, diag)
	s.mu.Unlock()

	s.registry.Unregister(names...)
	s.logger.Warn().Str("server", srv.name).Str("diagnostic", diag).Msg("server failed")
	_ = conn.Close(s.grace)
}

// Stop unregisters the server's tools and shuts its process down.
func (s *Supervisor) Stop(name string) error {
	srv, err := s.get(name)
	if err != nil {
		return err
	}
	srv.op.Lock()
	defer srv.op.Unlock()
	return s.stop(srv)
}

func (s *Supervisor) stop(srv *server) error {
	s.mu.Lock()
	conn, names := srv.conn, srv.tools
	srv.conn, srv.tools = nil, nil
	s.setState(srv, StateStopped, "")
	s.mu.Unlock()

	s.registry.Unregister(names...)
	if conn == nil {
		return nil
	}
	s.logger.Info().Str("server", srv.name).Msg("stopping server")
	return conn.Close(s.grace)
}

func (s *Supervisor) Restart(ctx context.Context, name string) error {
	srv, err := s.get(name)
	if err != nil {
		return err
	}
	srv.op.Lock()
	defer srv.op.Unlock()
	if err := s.stop(srv); err != nil {
		s.logger.Warn().Str("server", name).Err(err).Msg("stop during restart")
	}
	return s.start(ctx, srv)
}

// StartAll starts every enabled server concurrently. All are attempted; the
// first failure is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, srv := range s.snapshot() {
		s.mu.RLock()
		enabled := srv.cfg.Enabled
		s.mu.RUnlock()
		if !enabled {
			continue
		}
		g.Go(func() error {
			srv.op.Lock()
			defer srv.op.Unlock()
			return s.start(ctx, srv)
		})
	}
	return g.Wait()
}

// StopAll stops every server and waits for the processes to exit.
func (s *Supervisor) StopAll() error {
	var g errgroup.Group
	for _, srv := range s.snapshot() {
		g.Go(func() error {
			srv.op.Lock()
			defer srv.op.Unlock()
			return s.stop(srv)
		})
	}
	return g.Wait()
}

// Reload applies cfg: removed servers are stopped, added enabled servers are
// started and changed servers are restarted. Servers whose configuration did
// not change are left alone.
func (s *Supervisor) Reload(ctx context.Context, cfg Config) error {
	type change struct {
		srv *server
		cfg ServerConfig
	}
	var removed, added []*server
	var changed []change

	s.mu.Lock()
	for name, srv := range s.servers {
		if _, ok := cfg.Servers[name]; !ok {
			srv.removed = true
			delete(s.servers, name)
			removed = append(removed, srv)
		}
	}
	for name, sc := range cfg.Servers {
		srv, ok := s.servers[name]
		if !ok {
			srv = &server{name: name, cfg: sc, state: StateStopped, since: time.Now()}
			s.servers[name] = srv
			if s.onState != nil {
				s.onState(name, StateStopped)
			}
			if sc.Enabled {
				added = append(added, srv)
			}
			continue
		}
		if !srv.cfg.equal(sc) {
			changed = append(changed, change{srv: srv, cfg: sc})
		}
	}
	s.mu.Unlock()

	s.logger.Info().Int("added", len(added)).Int("removed", len(removed)).Int("changed", len(changed)).Msg("reloading servers")

	var g errgroup.Group
	for _, srv := range removed {
		g.Go(func() error {
			srv.op.Lock()
			defer srv.op.Unlock()
			return s.stop(srv)
		})
	}
	for _, srv := range added {
		g.Go(func() error {
			srv.op.Lock()
			defer srv.op.Unlock()
			return s.start(ctx, srv)
		})
	}
	for _, c := range changed {
		g.Go(func() error {
			c.srv.op.Lock()
			defer c.srv.op.Unlock()
			if err := s.stop(c.srv); err != nil {
				s.logger.Warn().Str("server", c.srv.name).Err(err).Msg("stop during reload")
			}
			s.mu.Lock()
			c.srv.cfg = c.cfg
			s.mu.Unlock()
			if !c.cfg.Enabled {
				return nil
			}
			return s.start(ctx, c.srv)
		})
	}
	return g.Wait()
}

// Probe checks every running server by listing its tools. A server that
// does not answer within the handshake timeout is marked failed.
func (s *Supervisor) Probe(ctx context.Context) {
	for _, srv := range s.snapshot() {
		s.mu.RLock()
		conn, state := srv.conn, srv.state
		s.mu.RUnlock()
		if state != StateRunning || conn == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.handshake)
		_, err := conn.ListTools(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.markFailed(srv, conn, "health check: "+err.Error())
		}
	}
}

// CallTool sends one tool call to a running server.
func (s *Supervisor) CallTool(ctx context.Context, serverName, toolName string, args []byte) (CallResult, error) {
	srv, err := s.get(serverName)
	if err != nil {
		return CallResult{}, fault.Wrap(fault.ServerUnavailable, err)
	}
	s.mu.RLock()
	conn, state := srv.conn, srv.state
	s.mu.RUnlock()
	if state != StateRunning || conn == nil {
		return CallResult{}, unavailable("%s is %s", serverName, state)
	}
	return conn.CallTool(ctx, toolName, args)
}

// Status returns a snapshot of every server sorted by name.
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, s.status(srv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) StatusOf(name string) (Status, error) {
	srv, err := s.get(name)
	if err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status(srv), nil
}

// status must be called with s.mu held.
func (s *Supervisor) status(srv *server) Status {
	st := Status{
		Name:        srv.name,
		State:       srv.state,
		Diagnostic:  srv.diag,
		Tools:       append([]string(nil), srv.tools...),
		Protocol:    srv.cfg.protocol(),
		Description: srv.cfg.Description,
		Enabled:     srv.cfg.Enabled,
		Since:       srv.since,
	}
	if srv.conn != nil {
		st.Pid = srv.conn.Pid()
	}
	return st
}

func (s *Supervisor) snapshot() []*server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
