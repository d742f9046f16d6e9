package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/index"
	"arbflow/internal/market"
	"arbflow/logger"
)

// subscription is one (symbol, instrument) pair requested across venues,
// re-issued after every reconnect.
type subscription struct {
	Symbol     market.Symbol
	Instrument market.InstrumentKind
}

// Dispatcher owns every venue adapter, binds their event streams to the
// market index and supervises reconnects. All index writes for a venue
// happen on that venue's ingest goroutine, which gives the single-writer-
// per-key property the index relies on.
type Dispatcher struct {
	cfg *appconfig.Config
	idx *index.MarketIndex
	log *logger.Log

	mu       sync.Mutex
	adapters map[market.Venue]VenueAdapter
	breakers map[market.Venue]*gobreaker.CircuitBreaker
	states   map[market.Venue]market.ConnectionState
	subs     []subscription
	running  bool
	stopping chan struct{}
	stopped  chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group

	resyncLimiter *rate.Limiter
	rng           *rand.Rand
}

// NewDispatcher builds a dispatcher over the shared index.
func NewDispatcher(cfg *appconfig.Config, idx *index.MarketIndex) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		idx:      idx,
		log:      logger.GetLogger(),
		adapters: make(map[market.Venue]VenueAdapter),
		breakers: make(map[market.Venue]*gobreaker.CircuitBreaker),
		states:   make(map[market.Venue]market.ConnectionState),
		resyncLimiter: rate.NewLimiter(
			rate.Limit(cfg.Dispatcher.ResyncRate.RequestsPerSecond),
			cfg.Dispatcher.ResyncRate.Burst,
		),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddAdapter registers an adapter. Must be called before Start.
func (d *Dispatcher) AddAdapter(a VenueAdapter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("cannot add adapter while dispatcher is running")
	}
	v := a.Venue()
	if _, ok := d.adapters[v]; ok {
		return fmt.Errorf("adapter for %s already registered", v)
	}
	d.adapters[v] = a
	d.states[v] = market.Disconnected

	cbCfg := d.cfg.Dispatcher.CircuitBreaker
	d.breakers[v] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("venue-%s", v),
		Timeout: cbCfg.RecoveryTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbCfg.FailureThreshold
		},
	})
	return nil
}

// RemoveAdapter disconnects a venue and drops its keys from aggregation.
func (d *Dispatcher) RemoveAdapter(v market.Venue) error {
	d.mu.Lock()
	a, ok := d.adapters[v]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no adapter registered for %s", v)
	}
	delete(d.adapters, v)
	delete(d.breakers, v)
	d.states[v] = market.Disconnected
	d.mu.Unlock()

	if err := a.Disconnect(); err != nil {
		d.log.WithComponent("dispatcher").WithError(err).Warn("adapter disconnect failed")
	}
	d.idx.RemoveVenue(v)
	return nil
}

// SubscribeAllVenues requests book, ticker and trade streams for the pair on
// every registered venue, plus funding for perpetuals. The subscription is
// remembered and re-issued after reconnects.
func (d *Dispatcher) SubscribeAllVenues(sym market.Symbol, kind market.InstrumentKind) error {
	d.mu.Lock()
	d.subs = append(d.subs, subscription{Symbol: sym, Instrument: kind})
	adapters := make([]VenueAdapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	d.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := d.subscribePair(a, sym, kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) subscribePair(a VenueAdapter, sym market.Symbol, kind market.InstrumentKind) error {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"venue":      a.Venue().String(),
		"symbol":     sym,
		"instrument": kind.String(),
	})
	if err := a.SubscribeBook(sym, kind); err != nil {
		log.WithError(err).Warn("book subscription failed")
		return err
	}
	if err := a.SubscribeTicker(sym, kind); err != nil {
		log.WithError(err).Warn("ticker subscription failed")
		return err
	}
	if err := a.SubscribeTrades(sym, kind); err != nil {
		log.WithError(err).Warn("trade subscription failed")
		return err
	}
	if kind == market.Perpetual {
		if err := a.SubscribeFunding(sym); err != nil {
			log.WithError(err).Warn("funding subscription failed")
			return err
		}
	}
	return nil
}

// UnsubscribeAll drops every remembered subscription on every venue and
// removes the affected keys from the index.
func (d *Dispatcher) UnsubscribeAll() error {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	adapters := make([]VenueAdapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	d.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.UnsubscribeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, s := range subs {
			d.idx.RemoveKey(market.Key{Venue: a.Venue(), Symbol: s.Symbol, Instrument: s.Instrument})
		}
	}
	return firstErr
}

// Start connects every adapter and launches one ingest worker and one
// supervision task per adapter. Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopping = make(chan struct{})
	d.stopped = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	group, runCtx := errgroup.WithContext(runCtx)
	d.group = group
	adapters := make([]VenueAdapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher")
	log.WithFields(logger.Fields{"adapters": len(adapters)}).Info("starting dispatcher")

	for _, a := range adapters {
		adapter := a
		if err := d.connectThroughBreaker(runCtx, adapter); err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": adapter.Venue().String()}).
				Warn("initial connect failed, supervisor will retry")
			d.setState(adapter.Venue(), market.Reconnecting)
		} else {
			d.setState(adapter.Venue(), market.Connected)
		}

		stateCh := make(chan market.StateChange, 16)
		group.Go(func() error {
			return d.ingest(runCtx, adapter, stateCh)
		})
		group.Go(func() error {
			return d.supervise(runCtx, adapter, stateCh)
		})
	}

	log.Info("dispatcher started successfully")
	return nil
}

// Stop disconnects adapters, cancels tasks and drains in-flight events. It
// is idempotent; a concurrent second Stop waits for the first to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		if d.stopped != nil {
			stopped := d.stopped
			d.mu.Unlock()
			<-stopped
			return
		}
		d.mu.Unlock()
		return
	}
	select {
	case <-d.stopping:
		stopped := d.stopped
		d.mu.Unlock()
		<-stopped
		return
	default:
	}
	close(d.stopping)
	adapters := make([]VenueAdapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	cancel := d.cancel
	group := d.group
	stopped := d.stopped
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher")
	log.Info("stopping dispatcher")

	for _, a := range adapters {
		if err := a.Disconnect(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": a.Venue().String()}).
				Warn("adapter disconnect failed")
		}
		d.setState(a.Venue(), market.Disconnected)
	}

	cancel()
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("dispatcher task exited with error")
		}
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	close(stopped)

	log.Info("dispatcher stopped")
}

// State reports the per-venue connection state.
func (d *Dispatcher) State() map[market.Venue]market.ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[market.Venue]market.ConnectionState, len(d.states))
	for v, s := range d.states {
		out[v] = s
	}
	return out
}

func (d *Dispatcher) setState(v market.Venue, s market.ConnectionState) {
	d.mu.Lock()
	d.states[v] = s
	d.mu.Unlock()
}

func (d *Dispatcher) connectThroughBreaker(ctx context.Context, a VenueAdapter) error {
	d.mu.Lock()
	cb := d.breakers[a.Venue()]
	d.mu.Unlock()
	if cb == nil {
		return a.Connect(ctx)
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, a.Connect(ctx)
	})
	return err
}

// ingest drains one adapter's event stream into the index. A panic from a
// malformed event marks the venue failed instead of crashing the engine.
func (d *Dispatcher) ingest(ctx context.Context, a VenueAdapter, stateCh chan<- market.StateChange) (err error) {
	venue := a.Venue()
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"venue":  venue.String(),
		"worker": "ingest",
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("ingest worker panicked, marking venue failed")
			d.setState(venue, market.Failed)
			d.idx.RemoveVenue(venue)
			err = nil
		}
		close(stateCh)
	}()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the adapter already produced before returning.
			for {
				select {
				case ev, ok := <-a.Events():
					if !ok {
						return nil
					}
					d.apply(a, ev, stateCh, log)
				default:
					return nil
				}
			}
		case ev, ok := <-a.Events():
			if !ok {
				return nil
			}
			d.apply(a, ev, stateCh, log)
		}
	}
}

func (d *Dispatcher) apply(a VenueAdapter, ev market.Event, stateCh chan<- market.StateChange, log *logger.Entry) {
	switch e := ev.(type) {
	case market.BookSnapshot:
		if err := d.idx.ApplyBookSnapshot(e.Key, e.Bids, e.Asks, e.Seq, e.Time); err != nil {
			if errors.Is(err, book.ErrStaleUpdate) {
				log.WithFields(logger.Fields{"key": e.Key.String()}).Debug("discarded out-of-order snapshot")
			} else {
				log.WithError(err).WithFields(logger.Fields{"key": e.Key.String()}).Warn("snapshot apply failed")
			}
			return
		}
		logger.IncrementEventIngested(len(e.Bids) + len(e.Asks))
	case market.BookDelta:
		if err := d.idx.ApplyBookDelta(e.Key, e.Bids, e.Asks, e.Seq, e.Time); err != nil {
			if errors.Is(err, book.ErrDesync) {
				d.requestResync(a, e.Key, log)
			} else {
				log.WithError(err).WithFields(logger.Fields{"key": e.Key.String()}).Warn("delta apply failed")
			}
			return
		}
		logger.IncrementEventIngested(len(e.Bids) + len(e.Asks))
	case market.TickerUpdate:
		d.idx.UpsertTicker(e.Key, e.Ticker)
		logger.IncrementEventIngested(1)
	case market.Trade:
		d.idx.ApplyTrade(e.Key, market.TradeRecord{
			Price:     e.Price,
			Quantity:  e.Quantity,
			Side:      e.Side,
			Timestamp: e.Time,
		})
		logger.IncrementEventIngested(1)
	case market.FundingUpdate:
		d.idx.UpsertFunding(e.Key, market.FundingRecord{
			Rate:        e.Rate,
			NextFunding: e.NextFunding,
			Timestamp:   e.Time,
		})
		logger.IncrementEventIngested(1)
	case market.StateChange:
		select {
		case stateCh <- e:
		default:
			log.Warn("supervision channel full, dropping state change")
		}
	}
}

// requestResync asks the adapter for a fresh snapshot after a desync,
// throttled so a flapping venue cannot hammer its REST endpoint.
func (d *Dispatcher) requestResync(a VenueAdapter, k market.Key, log *logger.Entry) {
	logger.IncrementResync()
	log.WithFields(logger.Fields{"key": k.String()}).Warn("order book desync, requesting snapshot")

	if !d.resyncLimiter.Allow() {
		log.WithFields(logger.Fields{"key": k.String()}).Debug("resync throttled")
		return
	}

	if rr, ok := a.(ResyncRequester); ok {
		if err := rr.RequestResync(k.Symbol, k.Instrument); err != nil {
			log.WithError(err).Warn("resync request failed")
		}
		return
	}
	if err := a.SubscribeBook(k.Symbol, k.Instrument); err != nil {
		log.WithError(err).Warn("book resubscribe failed")
	}
}

// supervise reacts to connection state transitions from one adapter and
// drives reconnection with exponential backoff and jitter, bounded by the
// configured attempt cap. After the cap the venue is marked failed and its
// keys leave aggregation until operator intervention.
func (d *Dispatcher) supervise(ctx context.Context, a VenueAdapter, stateCh <-chan market.StateChange) error {
	venue := a.Venue()
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"venue":  venue.String(),
		"worker": "supervisor",
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case sc, ok := <-stateCh:
			if !ok {
				return nil
			}
			d.setState(venue, sc.State)
			log.WithFields(logger.Fields{
				"state":  sc.State.String(),
				"reason": sc.Reason,
			}).Info("venue state change")

			switch sc.State {
			case market.Reconnecting, market.Failed, market.Disconnected:
				select {
				case <-d.stopping:
					// Shutdown in progress; disconnects are expected.
					continue
				default:
				}
				if err := d.reconnect(ctx, a, log); err != nil {
					d.setState(venue, market.Failed)
					d.idx.RemoveVenue(venue)
					log.WithError(err).Error("venue failed after reconnect attempts, removed from aggregation")
				}
			case market.Connected:
				d.resubscribe(a, log)
			}
		}
	}
}

func (d *Dispatcher) reconnect(ctx context.Context, a VenueAdapter, log *logger.Entry) error {
	rc := d.cfg.Dispatcher.Reconnect
	delay := rc.BaseDelay()

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		d.setState(a.Venue(), market.Reconnecting)
		logger.IncrementRetryCount()

		// Full jitter keeps simultaneous venue drops from reconnecting in
		// lockstep.
		d.mu.Lock()
		jittered := time.Duration(d.rng.Int63n(int64(delay) + 1))
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopping:
			return nil
		case <-time.After(jittered):
		}

		log.WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   jittered.String(),
		}).Info("reconnecting venue")

		if err := d.connectThroughBreaker(ctx, a); err != nil {
			log.WithError(err).Warn("reconnect attempt failed")
			delay *= 2
			if delay > rc.MaxDelay() {
				delay = rc.MaxDelay()
			}
			continue
		}

		d.setState(a.Venue(), market.Connected)
		d.resubscribe(a, log)
		return nil
	}
	return fmt.Errorf("venue %s unreachable after %d attempts", a.Venue(), rc.MaxAttempts)
}

// resubscribe re-issues every remembered subscription after a reconnect.
func (d *Dispatcher) resubscribe(a VenueAdapter, log *logger.Entry) {
	d.mu.Lock()
	subs := append([]subscription(nil), d.subs...)
	d.mu.Unlock()

	for _, s := range subs {
		if err := d.subscribePair(a, s.Symbol, s.Instrument); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol":     s.Symbol,
				"instrument": s.Instrument.String(),
			}).Warn("resubscribe failed")
		}
	}
}
