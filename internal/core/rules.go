package core

import "hemocore/pkg/domain"

// DefaultRulesEngine returns an engine loaded with the invariant rules every
// deployment runs: request transition legality, unit lifecycle legality,
// non-negative inventory counters, and the per-line fulfillment bound.
func DefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(RequestTransitionRule())
	engine.Register(UnitLifecycleRule())
	engine.Register(InventoryBalanceRule())
	engine.Register(FulfillmentBoundRule())
	return engine
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
