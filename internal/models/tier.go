package models

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier is an ordered commission band. Accounts move up through tiers as
// their lifetime qualifying sales grow; they are never moved back down.
type Tier int

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
	TierDiamond
)

var tierNames = map[Tier]string{
	TierBronze:   "bronze",
	TierSilver:   "silver",
	TierGold:     "gold",
	TierPlatinum: "platinum",
	TierDiamond:  "diamond",
}

var tiersByName = map[string]Tier{
	"bronze":   TierBronze,
	"silver":   TierSilver,
	"gold":     TierGold,
	"platinum": TierPlatinum,
	"diamond":  TierDiamond,
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps a tier name to its ordered value.
func ParseTier(name string) (Tier, error) {
	t, ok := tiersByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown tier name %q", name)
	}
	return t, nil
}

// TierDefinition describes one band of the commission program: the lifetime
// qualifying sales needed to enter it and the rate earned while in it.
type TierDefinition struct {
	Tier             Tier
	MinLifetimeSales decimal.Decimal
	Rate             decimal.Decimal
}

// TierTable is the ordered set of tier definitions. Both the entry threshold
// and the rate must be strictly increasing from one tier to the next, and
// every rate must sit in (0, 1].
type TierTable struct {
	defs []TierDefinition
}

// NewTierTable validates and orders the given definitions.
func NewTierTable(defs []TierDefinition) (*TierTable, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("tier table must define at least one tier")
	}

	ordered := make([]TierDefinition, len(defs))
	copy(ordered, defs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Tier < ordered[j].Tier })

	one := decimal.NewFromInt(1)
	for i, def := range ordered {
		if def.Rate.LessThanOrEqual(decimal.Zero) || def.Rate.GreaterThan(one) {
			return nil, fmt.Errorf("tier %s: rate %s outside (0, 1]", def.Tier, def.Rate)
		}
		if def.MinLifetimeSales.IsNegative() {
			return nil, fmt.Errorf("tier %s: negative sales threshold", def.Tier)
		}
		if i == 0 {
			continue
		}
		prev := ordered[i-1]
		if def.Tier == prev.Tier {
			return nil, fmt.Errorf("tier %s defined twice", def.Tier)
		}
		if !def.MinLifetimeSales.GreaterThan(prev.MinLifetimeSales) {
			return nil, fmt.Errorf("tier %s: threshold %s not above %s tier",
				def.Tier, def.MinLifetimeSales, prev.Tier)
		}
		if !def.Rate.GreaterThan(prev.Rate) {
			return nil, fmt.Errorf("tier %s: rate %s not above %s tier", def.Tier, def.Rate, prev.Tier)
		}
	}

	return &TierTable{defs: ordered}, nil
}

// DefaultTierTable returns the standard program bands.
func DefaultTierTable() *TierTable {
	table, err := NewTierTable([]TierDefinition{
		{Tier: TierBronze, MinLifetimeSales: decimal.Zero, Rate: decimal.RequireFromString("0.15")},
		{Tier: TierSilver, MinLifetimeSales: decimal.NewFromInt(5000), Rate: decimal.RequireFromString("0.20")},
		{Tier: TierGold, MinLifetimeSales: decimal.NewFromInt(25000), Rate: decimal.RequireFromString("0.25")},
		{Tier: TierPlatinum, MinLifetimeSales: decimal.NewFromInt(100000), Rate: decimal.RequireFromString("0.30")},
		{Tier: TierDiamond, MinLifetimeSales: decimal.NewFromInt(500000), Rate: decimal.RequireFromString("0.35")},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Lowest returns the entry tier of the program.
func (t *TierTable) Lowest() TierDefinition {
	return t.defs[0]
}

// TierFor returns the highest tier whose threshold is covered by the given
// lifetime qualifying sales total.
func (t *TierTable) TierFor(lifetimeSales decimal.Decimal) TierDefinition {
	current := t.defs[0]
	for _, def := range t.defs[1:] {
		if lifetimeSales.LessThan(def.MinLifetimeSales) {
			break
		}
		current = def
	}
	return current
}

// Definition looks up the band for a named tier.
func (t *TierTable) Definition(tier Tier) (TierDefinition, bool) {
	for _, def := range t.defs {
		if def.Tier == tier {
			return def, true
		}
	}
	return TierDefinition{}, false
}

// Next returns the band above the given tier, if one exists.
func (t *TierTable) Next(tier Tier) (TierDefinition, bool) {
	for i, def := range t.defs {
		if def.Tier == tier && i+1 < len(t.defs) {
			return t.defs[i+1], true
		}
	}
	return TierDefinition{}, false
}

// Definitions returns a copy of the ordered bands.
func (t *TierTable) Definitions() []TierDefinition {
	out := make([]TierDefinition, len(t.defs))
	copy(out, t.defs)
	return out
}
