package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
)

var (
	runStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	nodeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	interruptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// eventPrinter renders session events as they drain. It implements
// session.Notifier.
type eventPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	// printed counts the messages already shown, so each node end prints
	// only what the node added.
	printed int
}

func newEventPrinter(out io.Writer, verbose bool) *eventPrinter {
	return &eventPrinter{out: out, verbose: verbose}
}

func (p *eventPrinter) Notify(_ context.Context, _ string, ev graph.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.print(ev)
	return nil
}

func (p *eventPrinter) print(ev graph.Event) {
	switch ev.Kind {
	case graph.EventRunStart:
		fmt.Fprintf(p.out, "%s %s\n", runStyle.Render("▶ run"), dimStyle.Render(ev.RunID))
	case graph.EventNodeStart:
		if p.verbose {
			fmt.Fprintf(p.out, "  %s %s\n", nodeStyle.Render("→"), ev.Name)
		}
	case graph.EventNodeStream:
		fmt.Fprintf(p.out, "  %s %s\n", dimStyle.Render(ev.Name+" ~"), renderData(ev.Data))
	case graph.EventNodeEnd:
		end, _ := ev.Data.(graph.NodeEnd)
		p.printMessages(end.State)
		if p.verbose && end.Next != "" {
			fmt.Fprintf(p.out, "  %s %s → %s\n", dimStyle.Render("step"), ev.Name, end.Next)
		}
	case graph.EventInterrupt:
		in, _ := ev.Data.(graph.Interrupt)
		fmt.Fprintf(p.out, "%s %s %s (next: %s)\n",
			interruptStyle.Render("⏸ interrupted"), in.When, in.Node, in.Next)
	case graph.EventRunEnd:
		end, _ := ev.Data.(graph.RunEnd)
		p.printMessages(end.State)
		style := statusComplete
		if end.Status != graph.StatusCompleted && end.Status != graph.StatusInterrupted {
			style = statusFailed
		}
		line := style.Render("■ " + end.Status)
		if end.Reason != "" {
			line += " " + dimStyle.Render(end.Reason)
		}
		fmt.Fprintln(p.out, line)
	}
}

func (p *eventPrinter) printMessages(st *state.State) {
	if st == nil {
		return
	}
	if len(st.Messages) < p.printed {
		p.printed = 0
	}
	for _, m := range st.Messages[p.printed:] {
		switch m.Role {
		case state.RoleUser:
			fmt.Fprintf(p.out, "  %s %s\n", dimStyle.Render("user:"), m.Content)
		case state.RoleTool:
			if p.verbose {
				fmt.Fprintf(p.out, "  %s %s\n", dimStyle.Render("tool:"), m.Content)
			}
		default:
			name := m.Name
			if name == "" {
				name = string(m.Role)
			}
			fmt.Fprintf(p.out, "  %s %s\n", nodeStyle.Render(name+":"), m.Content)
		}
	}
	p.printed = len(st.Messages)
}

func renderData(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}
