package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"arbflow/internal/market"
	"arbflow/logger"
)

// AdapterCore carries the state every venue adapter shares: the outbound
// event channel, the connection state machine and non-blocking emission.
// Venue implementations embed it and call Emit from their own ingest
// goroutines only.
type AdapterCore struct {
	venue  market.Venue
	events chan market.Event
	state  atomic.Uint32
	log    *logger.Log

	closeOnce sync.Once
}

// NewAdapterCore builds the shared state with the given event buffer.
func NewAdapterCore(v market.Venue, buffer int) AdapterCore {
	if buffer <= 0 {
		buffer = 1024
	}
	return AdapterCore{
		venue:  v,
		events: make(chan market.Event, buffer),
		log:    logger.GetLogger(),
	}
}

// Venue returns the adapter's venue.
func (c *AdapterCore) Venue() market.Venue { return c.venue }

// Events returns the outbound normalized stream.
func (c *AdapterCore) Events() <-chan market.Event { return c.events }

// State returns the current connection state.
func (c *AdapterCore) State() market.ConnectionState {
	return market.ConnectionState(c.state.Load())
}

// SetState records a transition and emits the matching StateChange event.
func (c *AdapterCore) SetState(s market.ConnectionState, reason string) {
	prev := market.ConnectionState(c.state.Swap(uint32(s)))
	if prev == s {
		return
	}
	c.Emit(market.StateChange{
		Venue:  c.venue,
		State:  s,
		Reason: reason,
		Time:   time.Now(),
	})
}

// Emit delivers one event without ever blocking the venue's read loop. On a
// full channel the event is dropped with a warning; book consumers recover
// through the desync/resync path.
func (c *AdapterCore) Emit(ev market.Event) {
	select {
	case c.events <- ev:
		if _, ok := ev.(market.StateChange); !ok {
			logger.RecordChannelMessage(c.venue.String()+"_events", 1)
		}
	default:
		c.log.WithComponent(c.venue.String() + "_adapter").Warn("event channel full, dropping message")
	}
}

// CloseEvents closes the outbound stream. Only called on final teardown.
func (c *AdapterCore) CloseEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// Logger returns the shared logger.
func (c *AdapterCore) Logger() *logger.Log { return c.log }
