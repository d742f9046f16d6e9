package market

import (
	"fmt"
	"math"
	"time"
)

// Epsilon is the tolerance used for float comparisons on prices and
// quantities throughout the engine.
const Epsilon = 1e-9

// EpsEq reports whether two floats are equal within Epsilon.
func EpsEq(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// Symbol is a venue-normalized instrument identifier such as "BTC-USDT".
type Symbol = string

// Venue identifies a supported trading venue. The enumeration is closed;
// the zero value is invalid.
type Venue uint8

const (
	VenueUnknown Venue = iota
	VenueBinance
	VenueBybit
	VenueOKX
	VenueKucoin
)

// Venues lists all supported venues in their fixed tie-break order.
var Venues = []Venue{VenueBinance, VenueBybit, VenueOKX, VenueKucoin}

func (v Venue) String() string {
	switch v {
	case VenueBinance:
		return "binance"
	case VenueBybit:
		return "bybit"
	case VenueOKX:
		return "okx"
	case VenueKucoin:
		return "kucoin"
	default:
		return "unknown"
	}
}

// ParseVenue converts a venue name from configuration into a Venue.
func ParseVenue(s string) (Venue, error) {
	switch s {
	case "binance":
		return VenueBinance, nil
	case "bybit":
		return VenueBybit, nil
	case "okx":
		return VenueOKX, nil
	case "kucoin":
		return VenueKucoin, nil
	default:
		return VenueUnknown, fmt.Errorf("unknown venue %q", s)
	}
}

// InstrumentKind classifies an instrument.
type InstrumentKind uint8

const (
	InstrumentUnknown InstrumentKind = iota
	Spot
	Perpetual
	Future
	Option
)

func (k InstrumentKind) String() string {
	switch k {
	case Spot:
		return "spot"
	case Perpetual:
		return "perpetual"
	case Future:
		return "future"
	case Option:
		return "option"
	default:
		return "unknown"
	}
}

// ParseInstrument converts an instrument name from configuration.
func ParseInstrument(s string) (InstrumentKind, error) {
	switch s {
	case "spot":
		return Spot, nil
	case "perpetual", "perp", "swap":
		return Perpetual, nil
	case "future", "futures":
		return Future, nil
	case "option":
		return Option, nil
	default:
		return InstrumentUnknown, fmt.Errorf("unknown instrument kind %q", s)
	}
}

// Side of an order or opportunity leg.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Key addresses one instrument on one venue. Keys are comparable and used
// directly as map keys across the engine.
type Key struct {
	Venue      Venue
	Symbol     Symbol
	Instrument InstrumentKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.Symbol, k.Instrument)
}

// PriceLevel is one rung of an order book ladder. A level with Quantity == 0
// in a delta means "remove this price"; stored levels always have positive
// quantity.
type PriceLevel struct {
	Price      float64
	Quantity   float64
	OrderCount uint32
}

// Ticker is the venue top-of-book summary for an instrument.
type Ticker struct {
	Bid         float64
	Ask         float64
	BidSize     float64
	AskSize     float64
	Last        float64
	Volume24h   float64
	FundingRate float64
	HasFunding  bool
	Timestamp   time.Time
}

// Mid returns the midpoint of bid and ask, or false when either side is
// missing.
func (t Ticker) Mid() (float64, bool) {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0, false
	}
	return (t.Bid + t.Ask) / 2, true
}

// Spread returns ask minus bid, or false when either side is missing.
func (t Ticker) Spread() (float64, bool) {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0, false
	}
	return t.Ask - t.Bid, true
}

// SpreadBPS returns the spread in basis points of the mid.
func (t Ticker) SpreadBPS() (float64, bool) {
	mid, ok := t.Mid()
	if !ok || mid <= 0 {
		return 0, false
	}
	return (t.Ask - t.Bid) / mid * 1e4, true
}

// Valid reports whether the ticker satisfies bid <= ask when both sides are
// present.
func (t Ticker) Valid() bool {
	if t.Bid <= 0 || t.Ask <= 0 {
		return true
	}
	return t.Bid <= t.Ask+Epsilon
}

// FundingRecord is the current funding state of a perpetual on one venue.
type FundingRecord struct {
	Rate        float64
	NextFunding time.Time
	Timestamp   time.Time
}

// TradeRecord is the last observed trade for an instrument. It carries no
// book side effect and is kept for last-trade statistics only.
type TradeRecord struct {
	Price     float64
	Quantity  float64
	Side      Side
	Timestamp time.Time
}

// ConnectionState is the per-venue adapter connection state machine.
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
