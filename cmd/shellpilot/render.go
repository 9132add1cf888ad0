package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"shellpilot/internal/domain"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	denyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	confirmStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderer prints run events for a terminal and remembers how the run ended.
type renderer struct {
	w       io.Writer
	stage   domain.Stage
	failure string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// Err reports the terminal failure, if any, once the stream is drained.
func (r *renderer) Err() error {
	if r.failure == "" {
		return nil
	}
	return errors.New(r.failure)
}

func (r *renderer) event(ev domain.RunEvent) {
	switch d := ev.Data.(type) {
	case domain.PlanEventData:
		r.plan(d)
	case domain.StepEventData:
		r.step(d)
	case domain.PolicyEventData:
		reason := "needs confirmation (rerun with --yes)"
		if d.Reason == domain.PolicyHardDeny {
			reason = "denied by policy"
		}
		fmt.Fprintln(r.w, denyStyle.Render("blocked: "+reason))
		r.failure = "plan blocked: " + string(d.Reason)
	case domain.ErrorEventData:
		prefix := fmt.Sprintf("error (%s)", d.Stage)
		if d.Index != nil {
			prefix = fmt.Sprintf("error (%s, step %d)", d.Stage, *d.Index+1)
		}
		fmt.Fprintln(r.w, denyStyle.Render(prefix+": ")+d.Message)
		r.failure = d.Message
	case domain.DoneEventData:
		r.stage = d.Stage
		if r.failure == "" {
			fmt.Fprintln(r.w, okStyle.Render("done"))
		}
	}
}

func (r *renderer) plan(d domain.PlanEventData) {
	fmt.Fprintln(r.w, headerStyle.Render(fmt.Sprintf("plan (%s/%s on %s)", d.Engine, d.Model, d.Runtime)))
	if d.InputTruncated {
		fmt.Fprintln(r.w, dimStyle.Render("  instructions were truncated"))
	}
	if len(d.Plan.Commands) == 0 {
		fmt.Fprintln(r.w, dimStyle.Render("  (no commands)"))
		return
	}
	for i, c := range d.Plan.Commands {
		line := fmt.Sprintf("  %d. %s", i+1, c.Cmd)
		if i < len(d.Safety) {
			line += safetyMark(d.Safety[i].SafetyDecision)
		}
		fmt.Fprintln(r.w, line)
		if c.Explain != "" {
			fmt.Fprintln(r.w, dimStyle.Render("     # "+c.Explain))
		}
	}
}

func safetyMark(s domain.SafetyDecision) string {
	var parts []string
	if s.HardDeny {
		parts = append(parts, denyStyle.Render("[deny]"))
	}
	if s.NeedsConfirm {
		parts = append(parts, confirmStyle.Render("[confirm]"))
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + strings.Join(parts, " ")
}

func (r *renderer) step(d domain.StepEventData) {
	if d.Status == domain.StepStart {
		fmt.Fprintln(r.w, headerStyle.Render(fmt.Sprintf("-> [%d] %s", d.Index+1, d.Cmd)))
		return
	}
	writeIndented(r.w, d.Stdout)
	if d.Stderr != "" {
		writeIndented(r.w, dimStyle.Render(d.Stderr))
	}
	status := okStyle.Render(fmt.Sprintf("   exit %d", d.ExitCode))
	if d.Failed() {
		status = denyStyle.Render(fmt.Sprintf("   exit %d", d.ExitCode))
		r.failure = fmt.Sprintf("step %d exited with code %d", d.Index+1, d.ExitCode)
	}
	if d.Truncated {
		status += dimStyle.Render(" (truncated)")
	}
	fmt.Fprintln(r.w, status)
	if d.AIAnalysis != "" {
		fmt.Fprintln(r.w, confirmStyle.Render("   analysis:"))
		writeIndented(r.w, d.AIAnalysis)
	}
}

func writeIndented(w io.Writer, s string) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return
	}
	for _, line := range strings.Split(s, "\n") {
		fmt.Fprintln(w, "   "+line)
	}
}
