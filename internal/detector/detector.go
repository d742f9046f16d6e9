package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "arbflow/config"
	"arbflow/internal/bus"
	"arbflow/internal/clock"
	"arbflow/internal/index"
	"arbflow/internal/market"
	"arbflow/internal/pricer"
	"arbflow/internal/risk"
	"arbflow/logger"
)

// Watch is one (symbol, instruments) pair the detector scans.
type Watch struct {
	Symbol      market.Symbol
	Instruments []market.InstrumentKind
}

// PositionProvider supplies the current portfolio snapshot for risk checks.
// The engine never mutates positions itself.
type PositionProvider func() risk.PositionSnapshot

// Statistics is a point-in-time summary of detector activity.
type Statistics struct {
	OpportunitiesDetected uint64
	OpportunitiesExpired  uint64
	OpportunitiesDropped  uint64
	CyclesRun             uint64
	CyclesSkipped         uint64
	AvgProfitBPS          float64
	TotalProfitPotential  float64
}

// Detector periodically scans the market index for arbitrage opportunities,
// gates them through risk policy and publishes survivors to the bus. It owns
// a single periodic goroutine; candidate errors are logged and skipped so a
// bad symbol never stalls the cycle.
type Detector struct {
	cfg       *appconfig.Config
	policy    appconfig.PolicyConfig
	idx       *index.MarketIndex
	pricer    *pricer.Pricer
	gate      *risk.Gate
	bus       *bus.Bus
	clk       clock.Clock
	positions PositionProvider
	watch     []Watch
	calendar  []appconfig.CalendarConfig
	log       *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	live     []market.Opportunity
	idSeq    atomic.Uint64
	detected atomic.Uint64
	expired  atomic.Uint64
	dropped  atomic.Uint64
	cycles   atomic.Uint64
	skipped  atomic.Uint64
}

// New wires a detector. The position provider may be nil, in which case an
// empty snapshot is used.
func New(cfg *appconfig.Config, idx *index.MarketIndex, pr *pricer.Pricer, gate *risk.Gate, b *bus.Bus, clk clock.Clock, watch []Watch, positions PositionProvider) *Detector {
	if positions == nil {
		positions = func() risk.PositionSnapshot { return risk.PositionSnapshot{} }
	}
	return &Detector{
		cfg:       cfg,
		policy:    cfg.Policy,
		idx:       idx,
		pricer:    pr,
		gate:      gate,
		bus:       b,
		clk:       clk,
		positions: positions,
		watch:     watch,
		calendar:  cfg.Calendar,
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},
	}
}

// Start launches the periodic detection loop.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("detector already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("detector").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols":     len(d.watch),
		"interval_ms": d.policy.DetectionIntervalMs,
	}).Info("starting detector")

	d.wg.Add(1)
	go d.loop()

	log.Info("detector started successfully")
	return nil
}

// Stop terminates the detection loop and waits for the current cycle.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("detector").Info("stopping detector")
	d.wg.Wait()
	d.log.WithComponent("detector").Info("detector stopped")
}

func (d *Detector) loop() {
	defer d.wg.Done()

	interval := d.policy.DetectionInterval()
	ticker := d.clk.NewTicker(interval)
	defer ticker.Stop()

	skipNext := false
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C():
			d.mu.RLock()
			running := d.running
			d.mu.RUnlock()
			if !running {
				return
			}
			if skipNext {
				skipNext = false
				d.skipped.Add(1)
				logger.IncrementSkippedCycle()
				d.log.WithComponent("detector").Warn("skipping detection tick after overrun")
				continue
			}

			start := d.clk.Now()
			d.runCycle()
			elapsed := d.clk.Since(start)
			if elapsed > interval {
				skipNext = true
				d.log.WithComponent("detector").WithFields(logger.Fields{
					"elapsed_ms":  float64(elapsed.Nanoseconds()) / 1e6,
					"interval_ms": d.policy.DetectionIntervalMs,
				}).Warn("detection cycle exceeded interval")
			}
		}
	}
}

// runCycle performs one full scan: spot before synthetic before funding
// before calendar, each class ranked by profit then capital, then a cleanup
// pass over the live list.
func (d *Detector) runCycle() {
	d.cycles.Add(1)
	cycleID := uuid.New().String()
	now := d.clk.Now()

	classes := [][]market.Opportunity{
		d.scanSpot(now),
		d.scanSynthetic(now),
		d.scanFunding(now),
		d.scanCalendar(now),
	}

	for _, opps := range classes {
		rankOpportunities(opps)
		for _, o := range opps {
			d.submit(o, cycleID)
		}
	}

	d.cleanup(now)
}

// rankOpportunities orders a class by profit bps descending, then required
// capital ascending.
func rankOpportunities(opps []market.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].ProfitBPS != opps[j].ProfitBPS {
			return opps[i].ProfitBPS > opps[j].ProfitBPS
		}
		return opps[i].RequiredCapital < opps[j].RequiredCapital
	})
}

// submit validates, gates and publishes one opportunity, then stores it on
// the bounded live list.
func (d *Detector) submit(o market.Opportunity, cycleID string) {
	log := d.log.WithComponent("detector").WithFields(logger.Fields{
		"cycle_id":       cycleID,
		"opportunity_id": o.ID,
		"kind":           o.Kind.String(),
	})

	if err := o.Validate(); err != nil {
		log.WithError(err).Warn("discarding malformed opportunity")
		return
	}

	d.detected.Add(1)
	logger.IncrementOpportunityDetected()

	decision := d.gate.Check(o, d.positions())
	if !decision.Accepted {
		logger.IncrementOpportunityRejected()
		log.WithFields(logger.Fields{
			"reason": string(decision.Reason),
			"detail": decision.Detail,
		}).Debug("opportunity rejected by risk gate")
		return
	}
	logger.IncrementOpportunityAccepted()

	d.bus.Publish(o)

	d.mu.Lock()
	if len(d.live) >= d.policy.MaxOpportunityQueue {
		// Drop oldest on overflow.
		copy(d.live, d.live[1:])
		d.live = d.live[:len(d.live)-1]
		d.dropped.Add(1)
	}
	d.live = append(d.live, o)
	d.mu.Unlock()

	log.WithFields(logger.Fields{
		"profit_bps":       o.ProfitBPS,
		"expected_profit":  o.ExpectedProfit,
		"required_capital": o.RequiredCapital,
		"legs":             len(o.Legs),
	}).Info("opportunity published")
}

// cleanup drops live opportunities whose TTL elapsed. Consumers that already
// received a copy keep it.
func (d *Detector) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.live[:0]
	for _, o := range d.live {
		if o.Expired(now) {
			d.expired.Add(1)
			continue
		}
		kept = append(kept, o)
	}
	d.live = kept
}

// Live returns a copy of the not-yet-expired opportunities.
func (d *Detector) Live() []market.Opportunity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]market.Opportunity(nil), d.live...)
}

// Stats summarizes detector activity since start.
func (d *Detector) Stats() Statistics {
	s := Statistics{
		OpportunitiesDetected: d.detected.Load(),
		OpportunitiesExpired:  d.expired.Load(),
		OpportunitiesDropped:  d.dropped.Load(),
		CyclesRun:             d.cycles.Load(),
		CyclesSkipped:         d.skipped.Load(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.live) > 0 {
		var totalBPS float64
		for _, o := range d.live {
			totalBPS += o.ProfitBPS
			s.TotalProfitPotential += o.ExpectedProfit
		}
		s.AvgProfitBPS = totalBPS / float64(len(d.live))
	}
	return s
}

// nextID composes an opportunity id from the strategy tag, a microsecond
// timestamp and a process-wide monotonic sequence so sub-microsecond
// emissions stay unique.
func (d *Detector) nextID(kind market.OpportunityKind, now time.Time) string {
	return fmt.Sprintf("%s-%d-%d", kind.Tag(), now.UnixMicro(), d.idSeq.Add(1))
}

// RunCycleOnce exposes a single synchronous cycle for tests and manual
// triggering.
func (d *Detector) RunCycleOnce() {
	d.runCycle()
}
