package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/stellarlinkco/clawcore/internal/bus"
)

const maxArgsShown = 120

// printer renders bus events for a terminal. Styles degrade to plain text
// when w is not a terminal.
type printer struct {
	w io.Writer

	tool    lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	dim     lipgloss.Style
	agent   lipgloss.Style
	atStart bool

	mu   sync.Mutex
	cond *sync.Cond
	done map[string]bool
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	p := &printer{
		w:       w,
		tool:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("9")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("8")),
		agent:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		atStart: true,
		done:    make(map[string]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Handle is a bus.Handler.
func (p *printer) Handle(ev bus.Event) {
	indent := strings.Repeat("  ", ev.Depth)
	switch ev.Type {
	case bus.TextDelta:
		text := ev.Text
		if ev.Depth > 0 {
			text = p.dim.Render(text)
		}
		p.write(text)
		p.atStart = strings.HasSuffix(ev.Text, "\n")
	case bus.ToolCallStart:
		label := p.tool.Render(ev.ToolName)
		if ev.Depth > 0 {
			label = p.agent.Render(ev.Agent) + " " + label
		}
		p.line(fmt.Sprintf("%s> %s %s", indent, label, p.dim.Render(clip(ev.Args, maxArgsShown))))
	case bus.ToolOutput:
		p.write(p.dim.Render(ev.Text))
		p.atStart = strings.HasSuffix(ev.Text, "\n")
	case bus.ToolCallEnd:
		if ev.Status == "error" {
			p.line(fmt.Sprintf("%s  %s %s", indent, p.failed.Render("x "+ev.ToolName), clip(firstLine(ev.Text), maxArgsShown)))
		} else {
			p.line(fmt.Sprintf("%s  %s", indent, p.ok.Render("ok "+ev.ToolName)))
		}
	case bus.Error:
		p.line(p.failed.Render(fmt.Sprintf("%serror [%s]: %s", indent, ev.Kind, ev.Message)))
	case bus.Complete:
		if ev.Depth > 0 {
			p.line(p.dim.Render(fmt.Sprintf("%s< %s %s", indent, ev.Agent, ev.Status)))
			return
		}
		if !p.atStart {
			p.write("\n")
			p.atStart = true
		}
		p.mu.Lock()
		p.done[ev.RunID] = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Wait blocks until the top-level run's completion has been printed.
func (p *printer) Wait(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done[runID] {
		p.cond.Wait()
	}
	delete(p.done, runID)
}

func (p *printer) write(s string) {
	_, _ = io.WriteString(p.w, s)
}

func (p *printer) line(s string) {
	if !p.atStart {
		p.write("\n")
	}
	p.write(s + "\n")
	p.atStart = true
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
