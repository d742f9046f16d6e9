package risk

import (
	"arbflow/internal/market"
)

// Reason enumerates why the gate rejected an opportunity.
type Reason string

const (
	ReasonExecutionRisk     Reason = "execution_risk"
	ReasonFundingRisk       Reason = "funding_risk"
	ReasonLiquidity         Reason = "liquidity"
	ReasonPositionLimit     Reason = "position_limit"
	ReasonVenueExposure     Reason = "venue_exposure"
	ReasonPortfolioExposure Reason = "portfolio_exposure"
)

// Decision is the gate's verdict for one opportunity.
type Decision struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

func accept() Decision { return Decision{Accepted: true} }

func reject(r Reason, detail string) Decision {
	return Decision{Accepted: false, Reason: r, Detail: detail}
}

// Limits are the immutable policy values the gate checks against. They come
// from configuration and never change after the engine starts.
type Limits struct {
	MaxExecutionRisk     float64
	MaxFundingRisk       float64
	MinLiquidityScore    float64
	DefaultPositionLimit float64
	PerSymbolLimit       map[market.Symbol]float64
	PerVenueExposure     map[market.Venue]float64
	MaxPortfolioExposure float64
}

// PositionSnapshot is the host-supplied view of current exposure, read-only
// for the gate. Quantities are base-asset units, exposures are USD.
type PositionSnapshot struct {
	BySymbol      map[market.Symbol]float64
	ByVenue       map[market.Venue]float64
	TotalExposure float64
}

// Position returns the current net position for a symbol.
func (p PositionSnapshot) Position(sym market.Symbol) float64 {
	if p.BySymbol == nil {
		return 0
	}
	return p.BySymbol[sym]
}

// VenueExposure returns the current USD exposure at a venue.
func (p PositionSnapshot) VenueExposure(v market.Venue) float64 {
	if p.ByVenue == nil {
		return 0
	}
	return p.ByVenue[v]
}

// Gate applies the policy checks to opportunities. It holds only immutable
// limits and is safe to call concurrently.
type Gate struct {
	limits Limits
}

// NewGate builds a gate from the configured limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Check runs the policy checks in their fixed order; the first failure wins.
//
//  1. execution risk
//  2. funding risk (perpetual legs only)
//  3. liquidity score
//  4. per-symbol position limits
//  5. per-venue exposure limits
//  6. total portfolio exposure
func (g *Gate) Check(o market.Opportunity, pos PositionSnapshot) Decision {
	l := g.limits

	if o.ExecutionRisk > l.MaxExecutionRisk {
		return reject(ReasonExecutionRisk, "execution risk above limit")
	}

	if o.HasPerpetualLeg() && o.FundingRisk > l.MaxFundingRisk {
		return reject(ReasonFundingRisk, "funding risk above limit")
	}

	if o.LiquidityScore < l.MinLiquidityScore {
		return reject(ReasonLiquidity, "liquidity score below minimum")
	}

	// Per-leg projected positions; each leg must fit on its own because the
	// legs execute independently.
	for _, leg := range o.Legs {
		limit, ok := l.PerSymbolLimit[leg.Symbol]
		if !ok {
			limit = l.DefaultPositionLimit
		}
		if limit <= 0 {
			continue
		}
		next := pos.Position(leg.Symbol) + leg.SignedQuantity()
		if abs(next) > limit+market.Epsilon {
			return reject(ReasonPositionLimit, "projected position for "+leg.Symbol+" exceeds limit")
		}
	}

	// Projected venue exposure per leg notional.
	venueAdd := make(map[market.Venue]float64, len(o.Legs))
	for _, leg := range o.Legs {
		venueAdd[leg.Venue] += leg.Notional()
	}
	for v, add := range venueAdd {
		limit, ok := l.PerVenueExposure[v]
		if !ok || limit <= 0 {
			continue
		}
		if pos.VenueExposure(v)+add > limit+market.Epsilon {
			return reject(ReasonVenueExposure, "projected exposure at "+v.String()+" exceeds limit")
		}
	}

	if l.MaxPortfolioExposure > 0 &&
		pos.TotalExposure+o.RequiredCapital > l.MaxPortfolioExposure+market.Epsilon {
		return reject(ReasonPortfolioExposure, "portfolio exposure limit exceeded")
	}

	return accept()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
