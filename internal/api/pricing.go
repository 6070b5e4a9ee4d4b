package api

import (
	"sort"
	"strings"

	"widget-credits-go/internal/models"
)

// Default action prices in credits
var defaultPrices = map[string]int64{
	"process":  1,
	"analyze":  2,
	"generate": 3,
}

// Pricing maps metered actions to credit costs
type Pricing struct {
	prices        map[string]int64
	defaultCost   int64
	rejectUnknown bool
}

func NewPricing(cfg models.MeteringConfig) *Pricing {
	prices := make(map[string]int64, len(defaultPrices))
	for action, cost := range defaultPrices {
		prices[action] = cost
	}
	for action, cost := range cfg.Prices {
		if cost > 0 {
			prices[normalizeAction(action)] = cost
		}
	}

	defaultCost := cfg.DefaultCost
	if defaultCost <= 0 {
		defaultCost = 1
	}

	return &Pricing{
		prices:        prices,
		defaultCost:   defaultCost,
		rejectUnknown: cfg.RejectUnknownActions,
	}
}

// Price returns the cost of an action. Unknown actions cost the default
// unless the strict policy is on, in which case ok is false.
func (p *Pricing) Price(action string) (cost int64, ok bool) {
	if cost, known := p.prices[normalizeAction(action)]; known {
		return cost, true
	}
	if p.rejectUnknown {
		return 0, false
	}
	return p.defaultCost, true
}

// Known reports whether an action has an explicit price
func (p *Pricing) Known(action string) bool {
	_, ok := p.prices[normalizeAction(action)]
	return ok
}

// Actions lists the priced actions in name order
func (p *Pricing) Actions() []string {
	actions := make([]string, 0, len(p.prices))
	for action := range p.prices {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Table returns a copy of the price list
func (p *Pricing) Table() map[string]int64 {
	table := make(map[string]int64, len(p.prices))
	for action, cost := range p.prices {
		table[action] = cost
	}
	return table
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
