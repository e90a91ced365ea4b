package services

import (
	"math"

	"github.com/greenfelt/wallet/internal/config"
)

// rakeRule is the resolver's working form of a configured rule: the percent
// converted once to basis points so every Resolve runs in exact int64
// arithmetic.
type rakeRule struct {
	basisPoints int64
	cap         int64
}

// RakeResolver maps a stake to its rake rule and computes the rake owed on
// a pot. Pure and deterministic; the table is injected at construction.
type RakeResolver struct {
	version string
	rules   map[string]rakeRule
}

func NewRakeResolver(table config.RakeTable) *RakeResolver {
	rules := make(map[string]rakeRule, len(table.Rules))
	for stake, rule := range table.Rules {
		rules[stake] = rakeRule{
			basisPoints: int64(math.Round(rule.Percent * 10000)),
			cap:         rule.Cap,
		}
	}
	return &RakeResolver{version: table.Version, rules: rules}
}

// Resolve returns the rake owed on totalPot for the given stake.
//
// A missing stake resolves to zero rake: absence of configuration must never
// block settlement. Floor (not round) keeps the rake within what the pot can
// support and makes repeated computation stable. The product is split around
// the basis-point divisor so the floor stays exact for pots past the float64
// mantissa and cannot overflow int64.
func (r *RakeResolver) Resolve(totalPot int64, stake string) int64 {
	if totalPot <= 0 {
		return 0
	}
	rule, ok := r.rules[stake]
	if !ok || rule.basisPoints <= 0 {
		return 0
	}
	whole, part := totalPot/10000, totalPot%10000
	rake := whole*rule.basisPoints + part*rule.basisPoints/10000
	if rake > rule.cap {
		rake = rule.cap
	}
	if rake < 0 {
		return 0
	}
	return rake
}

// TableVersion reports which rake table this resolver was built with.
func (r *RakeResolver) TableVersion() string {
	return r.version
}
