package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"shellpilot/internal/domain"
)

// InputLimiter bounds the instructions accepted for one run.
type InputLimiter struct {
	MaxChars        int
	AllowTruncation bool
}

// Limit returns the instructions to use and whether they were truncated.
// Oversized input is cut when truncation is allowed and rejected otherwise.
func (l InputLimiter) Limit(s string) (string, bool, error) {
	if strings.TrimSpace(s) == "" {
		return "", false, domain.NewDomainError("InputLimiter.Limit", domain.ErrInvalidInput, "instructions is required")
	}
	if l.MaxChars <= 0 || utf8.RuneCountInString(s) <= l.MaxChars {
		return s, false, nil
	}
	if !l.AllowTruncation {
		return "", true, domain.NewDomainError("InputLimiter.Limit", domain.ErrInvalidInput,
			fmt.Sprintf("input exceeded limit of %d chars", l.MaxChars))
	}
	n := 0
	for i := range s {
		if n == l.MaxChars {
			return s[:i], true, nil
		}
		n++
	}
	return s, false, nil
}
