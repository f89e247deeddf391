package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/config"
	"github.com/stellarlinkco/clawcore/internal/logging"
	"github.com/stellarlinkco/clawcore/internal/mcp"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect and control external tool servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Args:  cobra.NoArgs,
	RunE:  runMCPList,
}

var mcpStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a server, print its tools, then shut it down",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPStart,
}

var mcpStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPStop,
}

var mcpRestartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Restart a server and print its tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPRestart,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd, mcpStartCmd, mcpStopCmd, mcpRestartCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := agentdef.Load(cfg.Agent.AgentsDir, logging.For("agentdef"))
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers("NAME", "VISIBILITY", "SOURCE", "DESCRIPTION")
	for _, d := range catalog.List(allAgentsFlag) {
		source := d.Source
		if source == "" {
			source = "builtin"
		}
		name := d.Name
		if d.Name == cfg.Agent.DefaultAgent {
			name += " *"
		}
		t.Row(name, string(d.Visibility), source, d.Description)
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return nil
}

// newSupervisor builds a supervisor over the configured server list for a
// single command.
func newSupervisor(cfg *config.Config) (*mcp.Supervisor, error) {
	servers, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		return nil, err
	}
	return mcp.NewSupervisor(servers, tool.NewRegistry(),
		mcp.WithLogger(logging.For("supervisor")),
		mcp.WithHandshakeTimeout(cfg.MCP.HandshakeTimeoutDuration()),
		mcp.WithStopGrace(cfg.MCP.StopGraceDuration()),
	), nil
}

func runMCPList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sup, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	statuses := sup.Status()
	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintf(out, "No servers configured in %s\n", cfg.MCP.ConfigPath)
		return nil
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers("NAME", "ENABLED", "PROTOCOL", "STATE", "DESCRIPTION")
	for _, st := range statuses {
		t.Row(st.Name, fmt.Sprint(st.Enabled), st.Protocol, string(st.State), st.Description)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func runMCPStart(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, args[0], func(ctx context.Context, sup *mcp.Supervisor) error {
		return sup.Start(ctx, args[0])
	})
}

func runMCPStop(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, args[0], func(_ context.Context, sup *mcp.Supervisor) error {
		return sup.Stop(args[0])
	})
}

func runMCPRestart(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, args[0], func(ctx context.Context, sup *mcp.Supervisor) error {
		return sup.Restart(ctx, args[0])
	})
}

// withSupervisor applies op to one server, prints the resulting status and
// stops everything it started.
func withSupervisor(cmd *cobra.Command, name string, op func(context.Context, *mcp.Supervisor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sup, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer sup.StopAll()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	opErr := op(ctx, sup)
	st, err := sup.StatusOf(name)
	if err != nil {
		return err
	}
	printServerStatus(cmd.OutOrStdout(), st)
	return opErr
}

func printServerStatus(w io.Writer, st mcp.Status) {
	fmt.Fprintf(w, "%s: %s (%s)\n", st.Name, st.State, st.Protocol)
	if st.Pid > 0 {
		fmt.Fprintf(w, "  pid: %d\n", st.Pid)
	}
	if st.Diagnostic != "" {
		fmt.Fprintf(w, "  diagnostic: %s\n", st.Diagnostic)
	}
	for _, name := range st.Tools {
		fmt.Fprintf(w, "  tool: %s\n", name)
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.Agent.Workspace, cfg.Agent.AgentsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(cfg.MCP.ConfigPath); os.IsNotExist(err) {
		if err := mcp.SaveConfig(cfg.MCP.ConfigPath, mcp.SampleConfig()); err != nil {
			return fmt.Errorf("write server list: %w", err)
		}
		fmt.Fprintf(out, "  Created: %s\n", cfg.MCP.ConfigPath)
	}
	writeIfNotExists(out, filepath.Join(cfg.Agent.AgentsDir, "reviewer.md"), sampleAgentMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", cfg.Agent.Workspace)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CLAWCORE_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'clawcore agent -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Fprintf(out, "Workspace: %s (not found, run 'clawcore onboard')\n", cfg.Agent.Workspace)
	} else {
		fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	}
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Default agent: %s\n", cfg.Agent.DefaultAgent)

	if catalog, err := agentdef.Load(cfg.Agent.AgentsDir, logging.For("agentdef")); err != nil {
		fmt.Fprintf(out, "Agents: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Agents: %d listed\n", len(catalog.List(false)))
	}

	if servers, err := mcp.LoadConfig(cfg.MCP.ConfigPath); err != nil {
		fmt.Fprintf(out, "MCP servers: error (%v)\n", err)
	} else {
		enabled := 0
		for _, s := range servers.Servers {
			if s.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(out, "MCP servers: %d configured, %d enabled\n", len(servers.Servers), enabled)
	}

	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(out, "Metrics: %s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "Metrics: disabled")
	}
	return nil
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

var sampleAgentMD = strings.TrimLeft(`
---
name: reviewer
display_name: Code Reviewer
description: Reviews changes for bugs and missing tests
visibility: sub
tools: [read_file, list_files, grep]
preset: read_only
---
You review code. Read the files involved, point out bugs, risky changes and
missing tests. Quote file paths and line numbers. Do not modify anything.
`, "\n")
