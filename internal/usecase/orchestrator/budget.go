package orchestrator

import (
	"fmt"
	"math"
	"sync"

	"shellpilot/internal/domain"
)

// Budget is the process-wide running total of declared LLM cost.
type Budget struct {
	mu    sync.Mutex
	max   *float64
	spent float64
}

// NewBudget creates a Budget. A nil ceiling means unlimited.
func NewBudget(ceiling *float64) *Budget {
	if ceiling != nil {
		c := *ceiling
		ceiling = &c
	}
	return &Budget{max: ceiling}
}

// Reserve charges cost against the ceiling. When the charge would exceed
// it nothing is charged and ErrBudgetExceeded is returned.
func (b *Budget) Reserve(cost float64) error {
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return domain.NewDomainError("Budget.Reserve", domain.ErrInvalidInput, fmt.Sprintf("cost must be a non-negative number, got %v", cost))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max != nil && b.spent+cost > *b.max {
		return domain.NewDomainError("Budget.Reserve", domain.ErrBudgetExceeded,
			fmt.Sprintf("remaining $%.4f", *b.max-b.spent))
	}
	b.spent += cost
	return nil
}

// Spent returns the total charged so far.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining returns the unspent amount and false when the budget is unlimited.
func (b *Budget) Remaining() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max == nil {
		return 0, false
	}
	return *b.max - b.spent, true
}
