package market

import (
	"fmt"
	"time"
)

// OpportunityKind classifies how an opportunity was detected.
type OpportunityKind uint8

const (
	SpotArbitrage OpportunityKind = iota
	SyntheticArbitrage
	FundingArbitrage
	CalendarArbitrage
)

func (k OpportunityKind) String() string {
	switch k {
	case SpotArbitrage:
		return "spot"
	case SyntheticArbitrage:
		return "synthetic"
	case FundingArbitrage:
		return "funding"
	case CalendarArbitrage:
		return "calendar"
	default:
		return "unknown"
	}
}

// Tag returns the strategy tag embedded in opportunity ids.
func (k OpportunityKind) Tag() string {
	switch k {
	case SpotArbitrage:
		return "SPOT"
	case SyntheticArbitrage:
		return "SYNTHETIC"
	case FundingArbitrage:
		return "FUNDING"
	case CalendarArbitrage:
		return "CALENDAR"
	default:
		return "UNKNOWN"
	}
}

// Leg is one side of an arbitrage opportunity.
type Leg struct {
	Venue      Venue
	Symbol     Symbol
	Instrument InstrumentKind
	Side       Side
	Price      float64
	Quantity   float64
	Synthetic  bool
}

// Notional returns price times quantity.
func (l Leg) Notional() float64 { return l.Price * l.Quantity }

// SignedQuantity is positive for buys and negative for sells.
func (l Leg) SignedQuantity() float64 {
	if l.Side == Buy {
		return l.Quantity
	}
	return -l.Quantity
}

// Opportunity is a detected, not yet executed arbitrage. Opportunities are
// handed to consumers by value; each consumer owns its copy.
type Opportunity struct {
	ID        string
	CreatedAt time.Time
	TTL       time.Duration
	Kind      OpportunityKind
	Legs      []Leg

	ExpectedProfit  float64
	ProfitBPS       float64
	RequiredCapital float64

	ExecutionRisk  float64
	FundingRisk    float64
	LiquidityScore float64

	Executable bool
}

// ExpiresAt returns the instant the opportunity goes stale.
func (o Opportunity) ExpiresAt() time.Time { return o.CreatedAt.Add(o.TTL) }

// Expired reports whether the opportunity is stale at now.
func (o Opportunity) Expired(now time.Time) bool { return now.After(o.ExpiresAt()) }

// HasPerpetualLeg reports whether any leg is a perpetual, which makes the
// funding risk check applicable.
func (o Opportunity) HasPerpetualLeg() bool {
	for _, l := range o.Legs {
		if l.Instrument == Perpetual {
			return true
		}
	}
	return false
}

// CrossVenue reports whether the legs span more than one venue.
func (o Opportunity) CrossVenue() bool {
	if len(o.Legs) == 0 {
		return false
	}
	first := o.Legs[0].Venue
	for _, l := range o.Legs[1:] {
		if l.Venue != first {
			return true
		}
	}
	return false
}

// Validate enforces the structural invariants: at least two legs, a
// non-empty id, nonnegative capital, a ttl that does not move expiry before
// creation, and execution risk and liquidity score within [0,1]. It does not
// check that the id is unique.
func (o Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("opportunity missing id")
	}
	if len(o.Legs) < 2 {
		return fmt.Errorf("opportunity %s has %d legs, need at least 2", o.ID, len(o.Legs))
	}
	if o.TTL < 0 {
		return fmt.Errorf("opportunity %s has negative ttl", o.ID)
	}
	if o.RequiredCapital < 0 {
		return fmt.Errorf("opportunity %s has negative required capital", o.ID)
	}
	if o.ExecutionRisk < 0 || o.ExecutionRisk > 1 {
		return fmt.Errorf("opportunity %s execution risk %.3f outside [0,1]", o.ID, o.ExecutionRisk)
	}
	if o.LiquidityScore < 0 || o.LiquidityScore > 1 {
		return fmt.Errorf("opportunity %s liquidity score %.3f outside [0,1]", o.ID, o.LiquidityScore)
	}
	return nil
}
