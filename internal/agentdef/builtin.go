package agentdef

import "github.com/stellarlinkco/clawcore/internal/capability"

// DefaultAgent is selected when no agent is named.
const DefaultAgent = "clawcore"

const mainPrompt = `You are clawcore, a coding agent working inside the user's project.

Work in small verified steps:
- Explore before changing anything: list_files, grep and read_file.
- Prefer edit_file with replacements for targeted changes. Each old_text must match exactly once; include enough surrounding lines to make it unique.
- Use apply_diff for changes spanning several files.
- Run tests or builds with run_shell_command after editing.
- Delegate focused research to sub-agents with invoke_agent; list_agents shows who is available.
- Use share_your_reasoning to explain your plan before larger changes.

When the task is done, reply with a short summary of what changed.`

const explorePrompt = `You are a read-only exploration agent. Find the code relevant to the request quickly.

Search with grep and list_files, confirm with read_file, and answer with concrete file paths and line numbers. You cannot modify files or run commands.`

const plannerPrompt = `You are a planning agent. Break the request into clear, ordered, verifiable steps.

Read the relevant code first. Each step names the files involved and how to check it worked. You may delegate exploration to other agents but never modify files yourself.`

// Builtins returns the definitions shipped with the binary.
func Builtins() []Definition {
	return []Definition{
		{
			Name:         DefaultAgent,
			DisplayName:  "Clawcore",
			Description:  "General coding agent with full file, shell and delegation access",
			SystemPrompt: mainPrompt,
			Capabilities: capability.Full(),
			Visibility:   Main,
		},
		{
			Name:         "explore",
			DisplayName:  "Explore",
			Description:  "Fast read-only codebase exploration and search",
			SystemPrompt: explorePrompt,
			Tools:        []string{"read_file", "list_files", "grep", "share_your_reasoning"},
			Capabilities: capability.ReadOnly(),
			Visibility:   Sub,
		},
		{
			Name:         "planner",
			DisplayName:  "Planner",
			Description:  "Breaks complex tasks into actionable steps",
			SystemPrompt: plannerPrompt,
			Tools:        []string{"read_file", "list_files", "grep", "share_your_reasoning", "invoke_agent", "list_agents"},
			Capabilities: capability.Planning(),
			Visibility:   Main,
		},
	}
}
