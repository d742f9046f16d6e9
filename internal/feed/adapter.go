package feed

import (
	"context"

	"arbflow/internal/market"
)

// VenueAdapter is the contract a venue implementation fulfills. The
// dispatcher is the sole owner of adapter instances; adapters never hold
// references back into the engine.
//
// Adapters deliver already-normalized events on the Events channel from
// their own ingest goroutines. Events for a given key must be delivered in
// the venue's order of receipt; across keys no ordering is guaranteed.
// Connection state transitions surface both through State and as StateChange
// events.
type VenueAdapter interface {
	Venue() market.Venue

	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect() error

	SubscribeBook(sym market.Symbol, kind market.InstrumentKind) error
	SubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error
	SubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error
	SubscribeFunding(sym market.Symbol) error

	UnsubscribeBook(sym market.Symbol, kind market.InstrumentKind) error
	UnsubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error
	UnsubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error
	UnsubscribeFunding(sym market.Symbol) error
	UnsubscribeAll() error

	// Events is the adapter's outbound normalized stream. The channel is
	// closed only when the adapter is torn down for good.
	Events() <-chan market.Event

	State() market.ConnectionState
}

// ResyncRequester is implemented by adapters that can re-request an order
// book snapshot after a desync without a full resubscribe.
type ResyncRequester interface {
	RequestResync(sym market.Symbol, kind market.InstrumentKind) error
}
