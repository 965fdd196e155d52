package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/client"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	gray   = color.New(color.FgHiBlack)
	bold   = color.New(color.Bold)
)

func disableColor() {
	color.NoColor = true
}

// renderer prints store changes. Replayed messages are printed once.
type renderer struct {
	out io.Writer

	mu      sync.Mutex
	printed map[string]struct{}
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[string]struct{})}
}

func (r *renderer) handle(ev models.Event, state client.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case models.ThoughtEvent:
		gray.Fprintf(r.out, "  … %s\n", e.Content)
	case models.MessageEvent:
		if e.Message.Role != models.RoleAssistant || r.seen(e.Message.ID) {
			return
		}
		if e.Message.Graph != nil {
			renderGraph(r.out, *e.Message.Graph)
		}
		green.Fprint(r.out, "assistant ▶ ")
		fmt.Fprintln(r.out, e.Message.Content)
		if state.Complete() {
			green.Fprintln(r.out, "✓ Pipeline complete")
		}
	case models.ErrorEvent:
		if e.IsNodeData() {
			red.Fprintf(r.out, "node %s: %s\n", e.NodeID, e.Content)
			return
		}
		if r.seen(e.ID) {
			return
		}
		red.Fprint(r.out, "error ▶ ")
		fmt.Fprintln(r.out, e.Content)
	case models.NodeDataEvent:
		renderNodeDetail(r.out, e.Detail)
	case models.ClearEvent:
		r.printed = make(map[string]struct{})
		yellow.Fprintln(r.out, "Session cleared.")
	}
}

func (r *renderer) seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.printed[id]; ok {
		return true
	}
	r.printed[id] = struct{}{}
	return false
}

// renderGraph prints nodes in order followed by their connections
func renderGraph(w io.Writer, g models.WorkflowGraph) {
	bold.Fprintln(w, "Pipeline")
	if len(g.Nodes) == 0 {
		gray.Fprintln(w, "  (no nodes yet)")
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(w, "  %-12s %-20s ", n.Type, n.Name)
		statusColor(n.Status).Fprintf(w, "%-8s", n.Status)
		if missing := n.MissingFields(); len(missing) > 0 {
			gray.Fprintf(w, " needs %s", strings.Join(missing, ", "))
		}
		fmt.Fprintln(w)
	}

	names := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		names[n.ID] = n.Name
	}
	for _, c := range g.Connections {
		fmt.Fprintf(w, "  %s → %s\n", names[c.SourceNodeID], names[c.TargetNodeID])
	}
}

func renderNodeDetail(w io.Writer, d models.NodeDetail) {
	cyan.Fprintf(w, "%s (%s)\n", d.NodeTitle, d.NodeID)
	if len(d.FilledValues) == 0 {
		gray.Fprintln(w, "  no values filled in")
		return
	}
	keys := make([]string, 0, len(d.FilledValues))
	for k := range d.FilledValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, d.FilledValues[k])
	}
}

func statusColor(s models.NodeStatus) *color.Color {
	switch s {
	case models.NodeStatusComplete:
		return green
	case models.NodeStatusPartial:
		return yellow
	case models.NodeStatusError:
		return red
	default:
		return gray
	}
}
