// Package quota is the per-tenant cost gate for metered operations. It keeps
// an in-memory ledger and answers "may this tenant spend more in the trailing
// window?".
package quota

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultWindowDays = 30

// Decision is the answer to a Check. Remaining is never negative.
type Decision struct {
	Allowed     bool    `json:"allowed"`
	Budget      float64 `json:"budget"`
	CurrentCost float64 `json:"currentCost"`
	Remaining   float64 `json:"remaining"`
	WindowDays  int     `json:"windowDays"`
}

type charge struct {
	cost float64
	at   time.Time
}

type Guard struct {
	mu            sync.Mutex
	defaultBudget float64
	budgets       map[string]float64
	ledger        map[string][]charge
	retention     time.Duration
	now           func() time.Time
}

// NewGuard builds a guard. A tenant without its own budget uses
// defaultBudget; a budget of zero allows nothing.
func NewGuard(defaultBudget float64, budgets map[string]float64) *Guard {
	g := &Guard{
		ledger:    map[string][]charge{},
		retention: 90 * 24 * time.Hour,
		now:       time.Now,
	}
	g.SetBudgets(defaultBudget, budgets)
	return g
}

// SetBudgets replaces the budget table; recorded charges are kept.
func (g *Guard) SetBudgets(defaultBudget float64, budgets map[string]float64) {
	copied := make(map[string]float64, len(budgets))
	for tenant, budget := range budgets {
		copied[strings.TrimSpace(tenant)] = math.Max(budget, 0)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultBudget = math.Max(defaultBudget, 0)
	g.budgets = copied
}

func (g *Guard) Check(tenantID string, windowDays int) Decision {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	tenantID = strings.TrimSpace(tenantID)
	since := g.now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	g.mu.Lock()
	defer g.mu.Unlock()
	budget := g.budgetLocked(tenantID)
	var spent float64
	for _, c := range g.ledger[tenantID] {
		if !c.at.Before(since) {
			spent += c.cost
		}
	}
	spent = roundCents(spent)
	remaining := roundCents(math.Max(budget-spent, 0))
	return Decision{
		Allowed:     remaining > 0,
		Budget:      budget,
		CurrentCost: spent,
		Remaining:   remaining,
		WindowDays:  windowDays,
	}
}

// Record adds a charge. Charges older than the retention horizon are
// dropped as new ones arrive.
func (g *Guard) Record(tenantID string, cost float64, at time.Time) {
	if cost <= 0 {
		return
	}
	if at.IsZero() {
		at = g.now()
	}
	tenantID = strings.TrimSpace(tenantID)
	horizon := g.now().Add(-g.retention)

	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.ledger[tenantID][:0]
	for _, c := range g.ledger[tenantID] {
		if !c.at.Before(horizon) {
			kept = append(kept, c)
		}
	}
	kept = append(kept, charge{cost: cost, at: at})
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].at.Before(kept[j].at) })
	g.ledger[tenantID] = kept
}

func (g *Guard) budgetLocked(tenantID string) float64 {
	if budget, ok := g.budgets[tenantID]; ok && budget > 0 {
		return budget
	}
	return g.defaultBudget
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
