package orchestrator

import "unicode/utf8"

// Governor enforces the cumulative output cap of one run. The cap is
// checked before a step's output is accepted, so output already handed to
// the caller is never cut afterwards.
type Governor struct {
	max      int
	used     int
	exceeded bool
}

// NewGovernor creates a Governor allowing limit bytes across all steps.
// A non-positive limit disables the cap.
func NewGovernor(limit int) *Governor {
	return &Governor{max: limit}
}

// Admit clips one step's output to what is left of the cap and charges it.
// truncated reports whether anything was cut; once that happens the cap is
// exceeded and the run must stop.
func (g *Governor) Admit(stdout, stderr string) (string, string, bool) {
	if g.max <= 0 {
		g.used += len(stdout) + len(stderr)
		return stdout, stderr, false
	}
	remaining := max(g.max-g.used, 0)
	out, errOut, truncated := Clip(stdout, stderr, remaining)
	g.used += len(out) + len(errOut)
	if truncated {
		g.exceeded = true
	}
	return out, errOut, truncated
}

// Exceeded reports whether a step was cut by the cumulative cap.
func (g *Governor) Exceeded() bool { return g.exceeded }

// Used returns the bytes admitted so far.
func (g *Governor) Used() int { return g.used }

// Max returns the configured cap.
func (g *Governor) Max() int { return g.max }

// Clip shortens stdout and stderr so their combined length fits limit,
// sharing the limit in proportion to their lengths. Cuts never split a
// UTF-8 sequence.
func Clip(stdout, stderr string, limit int) (string, string, bool) {
	total := len(stdout) + len(stderr)
	if total <= limit {
		return stdout, stderr, false
	}
	outMax := int(int64(limit) * int64(len(stdout)) / int64(max(total, 1)))
	errMax := limit - outMax
	return cut(stdout, outMax), cut(stderr, errMax), true
}

func cut(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
