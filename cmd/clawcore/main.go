package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/config"
	"github.com/stellarlinkco/clawcore/internal/engine"
	"github.com/stellarlinkco/clawcore/internal/logging"
)

// AgentOptions for running agent with custom dependencies
type AgentOptions struct {
	ClientFactory ClientFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func (o AgentOptions) streams() (io.Reader, io.Writer, io.Writer) {
	stdin, stdout, stderr := o.Stdin, o.Stdout, o.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdin, stdout, stderr
}

var rootCmd = &cobra.Command{
	Use:           "clawcore",
	Short:         "clawcore - coding agent runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent in single message or REPL mode",
	RunE:  runAgent,
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve prompts from stdin and stream events as JSON lines",
	RunE:  runBridge,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent definitions",
	RunE:  runAgents,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace and server list",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clawcore status",
	RunE:  runStatus,
}

var (
	messageFlag     string
	agentFlag       string
	allAgentsFlag   bool
	logLevelFlag    string
	prettyFlag      bool
	metricsAddrFlag string
	workspaceFlag   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&prettyFlag, "pretty", false, "Human-readable logs")
	rootCmd.PersistentFlags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Working tree the tools operate on")

	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	agentCmd.Flags().StringVar(&agentFlag, "agent", "", "Agent definition to run")
	bridgeCmd.Flags().StringVar(&agentFlag, "agent", "", "Default agent definition")
	agentsCmd.Flags().BoolVar(&allAgentsFlag, "all", false, "Include hidden agents")

	rootCmd.AddCommand(agentCmd, bridgeCmd, agentsCmd, mcpCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config, applies command-line overrides and installs
// the logger. Logs go to stderr so stdout stays clean for output.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if prettyFlag {
		cfg.Log.Pretty = true
	}
	if metricsAddrFlag != "" {
		cfg.Metrics.Addr = metricsAddrFlag
	}
	if workspaceFlag != "" {
		cfg.Agent.Workspace = workspaceFlag
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)
	return cfg, nil
}

// runAgent is the command handler that uses default options
func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

// runAgentWithOptions runs the agent with injectable dependencies for testing
func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := newApp(ctx, cfg, AppOptions{ClientFactory: opts.ClientFactory, Servers: true})
	if err != nil {
		return err
	}
	defer app.Close()

	def, err := app.Agent(agentFlag)
	if err != nil {
		return err
	}

	stdin, stdout, stderr := opts.streams()
	out := newPrinter(stdout)
	unsubscribe := app.bus.Subscribe("printer", out.Handle)
	defer unsubscribe()

	// Single message mode
	if messageFlag != "" {
		outcome, err := runOnce(ctx, app, out, def, nil, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		if outcome.Status != engine.StatusDone {
			if outcome.Err != nil {
				return fmt.Errorf("agent %s: %w", outcome.Status, outcome.Err)
			}
			return fmt.Errorf("agent %s", outcome.Status)
		}
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "clawcore agent %s (type 'exit' to quit, Ctrl-C cancels a run)\n", def.Title())
	var conv []engine.Message
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if input == "/reset" {
			conv = nil
			fmt.Fprintln(stdout, "conversation cleared")
			continue
		}

		outcome, err := runOnce(ctx, app, out, def, conv, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		conv = outcome.Conversation
	}
	return nil
}

// runOnce runs one prompt with Ctrl-C bound to the run and waits until its
// events have been printed.
func runOnce(ctx context.Context, app *App, out *printer, def agentdef.Definition, conv []engine.Message, prompt string) (engine.Outcome, error) {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	outcome, err := app.Run(runCtx, def, conv, prompt)
	if err != nil {
		return outcome, err
	}
	out.Wait(outcome.RunID)
	return outcome, nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
