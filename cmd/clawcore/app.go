package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/config"
	"github.com/stellarlinkco/clawcore/internal/diff"
	"github.com/stellarlinkco/clawcore/internal/engine"
	"github.com/stellarlinkco/clawcore/internal/llm"
	"github.com/stellarlinkco/clawcore/internal/logging"
	"github.com/stellarlinkco/clawcore/internal/mcp"
	"github.com/stellarlinkco/clawcore/internal/metrics"
	"github.com/stellarlinkco/clawcore/internal/shell"
	"github.com/stellarlinkco/clawcore/internal/subagent"
	"github.com/stellarlinkco/clawcore/internal/tool"
	"github.com/stellarlinkco/clawcore/internal/tool/builtin"
	"github.com/stellarlinkco/clawcore/internal/workspace"
)

var errNoAPIKey = errors.New("API key not set. Run 'clawcore onboard' or set CLAWCORE_API_KEY / ANTHROPIC_API_KEY")

// ClientFactory creates the model client (allows mocking in tests)
type ClientFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (engine.ModelClient, error)

// DefaultClientFactory connects to the configured provider through agentsdk-go.
func DefaultClientFactory(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (engine.ModelClient, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errNoAPIKey
	}
	return llm.FromConfig(ctx, cfg, logger)
}

type AppOptions struct {
	ClientFactory ClientFactory
	// Servers starts the configured external tool servers, the health
	// probe and the config watcher.
	Servers bool
}

// App is one assembled agent process.
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	bus      *bus.Bus
	registry *tool.Registry
	engine   *engine.Engine
	catalog  *agentdef.Catalog
	invoker  *subagent.Invoker
	sup      *mcp.Supervisor
	probe    *mcp.HealthProbe
	metrics  *metrics.Recorder
	client   engine.ModelClient

	cancel context.CancelFunc
	bg     sync.WaitGroup
	once   sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	logger := logging.For("app")

	factory := opts.ClientFactory
	if factory == nil {
		factory = DefaultClientFactory
	}
	client, err := factory(ctx, cfg, logging.For("llm"))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Agent.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	root, err := workspace.New(cfg.Agent.Workspace)
	if err != nil {
		return nil, err
	}

	catalog, err := agentdef.Load(cfg.Agent.AgentsDir, logging.For("agentdef"))
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	rec := metrics.New()
	events := bus.New(0, logging.For("bus"))
	registry := tool.NewRegistry()

	env := builtin.NewEnv(root, logging.For("tools"))
	env.Diff = diff.NewEngine(root, diff.WithFuzz(cfg.Tools.PatchFuzz))
	env.Shell = shell.New(
		shell.WithDefaultTimeout(cfg.Tools.ExecTimeoutDuration()),
		shell.WithMaxTimeout(cfg.Tools.MaxExecTimeoutDuration()),
		shell.WithLogger(logging.For("shell")),
	)
	env.OutputLimit = cfg.Tools.OutputLimit
	if err := builtin.Register(registry, env); err != nil {
		events.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	eng := engine.New(registry,
		engine.WithMaxIterations(cfg.Agent.MaxToolIterations),
		engine.WithMaxParallelTools(cfg.Agent.MaxParallelTools),
		engine.WithModel(cfg.Agent.Model),
		engine.WithPublisher(events),
		engine.WithRecorder(rec),
		engine.WithLogger(logging.For("engine")),
	)
	inv := subagent.New(catalog, eng, client,
		subagent.WithMaxDepth(cfg.SubAgents.MaxDepth),
		subagent.WithLogger(logging.For("subagent")),
	)
	if err := subagent.Register(registry, inv); err != nil {
		events.Close()
		return nil, fmt.Errorf("register sub-agent tools: %w", err)
	}

	servers, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.MCP.ConfigPath).Msg("mcp config ignored")
		servers = mcp.Config{}
	}
	sup := mcp.NewSupervisor(servers, registry,
		mcp.WithLogger(logging.For("supervisor")),
		mcp.WithHandshakeTimeout(cfg.MCP.HandshakeTimeoutDuration()),
		mcp.WithStopGrace(cfg.MCP.StopGraceDuration()),
		mcp.WithStateHook(rec.ServerState),
	)

	bgCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      events,
		registry: registry,
		engine:   eng,
		catalog:  catalog,
		invoker:  inv,
		sup:      sup,
		probe:    mcp.NewHealthProbe(sup, cfg.MCP.HealthIntervalDuration(), logging.For("health")),
		metrics:  rec,
		client:   client,
		cancel:   cancel,
	}

	if cfg.Metrics.Addr != "" {
		a.background(func() {
			if err := rec.Serve(bgCtx, cfg.Metrics.Addr, logging.For("metrics")); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		})
	}
	if opts.Servers {
		a.startServers(ctx, bgCtx)
	}
	return a, nil
}

func (a *App) startServers(ctx, bgCtx context.Context) {
	if err := a.sup.StartAll(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("some tool servers failed to start")
	}
	if err := a.probe.Start(bgCtx); err != nil {
		a.logger.Warn().Err(err).Msg("health probe not started")
	}
	if a.cfg.MCP.Watch {
		w := mcp.NewWatcher(a.cfg.MCP.ConfigPath, a.sup, logging.For("watcher"))
		a.background(func() {
			if err := w.Run(bgCtx); err != nil {
				a.logger.Warn().Err(err).Msg("mcp config watcher stopped")
			}
		})
	}
}

func (a *App) background(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

// Agent resolves a definition that may run at the top level.
func (a *App) Agent(name string) (agentdef.Definition, error) {
	if name == "" {
		name = a.cfg.Agent.DefaultAgent
	}
	def, err := a.catalog.Get(name)
	if err != nil {
		return agentdef.Definition{}, err
	}
	if def.Visibility == agentdef.Sub {
		return agentdef.Definition{}, fmt.Errorf("agent %s can only run as a sub-agent", name)
	}
	return def, nil
}

// Run executes one prompt on top of conv.
func (a *App) Run(ctx context.Context, def agentdef.Definition, conv []engine.Message, prompt string) (engine.Outcome, error) {
	next := make([]engine.Message, len(conv), len(conv)+1)
	copy(next, conv)
	next = append(next, engine.UserMessage(prompt))
	return a.engine.Run(ctx, def, next, a.client)
}

// Close stops background work and servers, then drains the event bus.
func (a *App) Close() {
	a.once.Do(func() {
		a.cancel()
		a.probe.Stop()
		if err := a.sup.StopAll(); err != nil {
			a.logger.Warn().Err(err).Msg("stop tool servers")
		}
		a.bg.Wait()
		a.bus.Close()
	})
}
