// Package safety classifies candidate shell commands as allowed, needing
// confirmation, or denied.
package safety

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"shellpilot/internal/domain"
)

// Environment variables consulted on every evaluation.
const (
	EnvDenyPatterns    = "DENY_COMMAND_REGEX"
	EnvConfirmPatterns = "CONFIRM_COMMAND_REGEX"
)

// DefaultDenyPatterns flag a command ending in a bare root path marker.
var DefaultDenyPatterns = []string{`:\/$`}

// DefaultConfirmPatterns flag destructive or administrative verbs.
var DefaultConfirmPatterns = []string{
	`\brm\s+-rf\b`,
	`\bmkfs\b`,
	`\bdd\s+if=`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\buserdel\b`,
	`\biptables\s+-F\b`,
	`\bsystemctl\s+stop\b`,
}

// Summary aggregates the decisions for a whole plan.
type Summary struct {
	HardDeny     bool
	NeedsConfirm bool
}

// Evaluator is safe for concurrent use. Compiled patterns are memoized by
// source text, so a changed environment is picked up on the next call.
type Evaluator struct {
	deny    []string
	confirm []string
	getenv  func(string) string
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// New builds an Evaluator. Empty configured lists fall back to the defaults.
func New(denyPatterns, confirmPatterns []string, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		deny:    denyPatterns,
		confirm: confirmPatterns,
		getenv:  os.Getenv,
		logger:  logger,
		cache:   make(map[string]*regexp.Regexp),
	}
}

// Evaluate tests cmd against every deny and every confirm pattern.
func (e *Evaluator) Evaluate(cmd string) domain.SafetyDecision {
	deny := e.patterns(EnvDenyPatterns, e.deny, DefaultDenyPatterns)
	confirm := e.patterns(EnvConfirmPatterns, e.confirm, DefaultConfirmPatterns)

	d := domain.SafetyDecision{Reasons: []string{}}
	for _, re := range deny {
		if re.MatchString(cmd) {
			d.HardDeny = true
			d.Reasons = append(d.Reasons, "Denied by pattern: "+re.String())
		}
	}
	for _, re := range confirm {
		if re.MatchString(cmd) {
			d.NeedsConfirm = true
			d.Reasons = append(d.Reasons, "Needs confirmation by pattern: "+re.String())
		}
	}
	return d
}

// EvaluatePlan evaluates each command of plan in order.
func (e *Evaluator) EvaluatePlan(plan domain.Plan) ([]domain.StepSafety, Summary) {
	out := make([]domain.StepSafety, 0, len(plan.Commands))
	var sum Summary
	for i, c := range plan.Commands {
		d := e.Evaluate(c.Cmd)
		sum.HardDeny = sum.HardDeny || d.HardDeny
		sum.NeedsConfirm = sum.NeedsConfirm || d.NeedsConfirm
		out = append(out, domain.StepSafety{Index: i, Cmd: c.Cmd, SafetyDecision: d})
	}
	return out, sum
}

// patterns resolves one pattern set: environment, then configuration, then
// defaults. A source with an invalid entry is skipped as a whole.
func (e *Evaluator) patterns(envVar string, configured, defaults []string) []*regexp.Regexp {
	if raw := e.getenv(envVar); raw != "" {
		res, err := e.compileAll(splitList(raw))
		if err == nil && len(res) > 0 {
			return res
		}
		if err != nil {
			e.logger.Warn("invalid safety patterns in environment, falling back", "env", envVar, "error", err)
		}
	}
	if len(configured) > 0 {
		res, err := e.compileAll(configured)
		if err == nil {
			return res
		}
		e.logger.Warn("invalid configured safety patterns, using defaults", "error", err)
	}
	res, _ := e.compileAll(defaults)
	return res
}

func (e *Evaluator) compileAll(sources []string) ([]*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, ok := e.cache[src]
		if !ok {
			var err error
			re, err = regexp.Compile("(?i)" + src)
			if err != nil {
				return nil, err
			}
			e.cache[src] = re
		}
		out = append(out, re)
	}
	return out, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
