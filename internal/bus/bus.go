package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"arbflow/internal/market"

	"arbflow/logger"
)

// DropPolicy selects which end of a full consumer queue loses an
// opportunity.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// Consumer is one registered subscriber. Delivery order equals production
// order; a slow consumer only ever loses its own messages.
type Consumer struct {
	name    string
	ch      chan market.Opportunity
	policy  DropPolicy
	dropped atomic.Uint64
}

// Ch returns the receive side of the consumer queue. The channel is closed
// when the bus shuts down.
func (c *Consumer) Ch() <-chan market.Opportunity { return c.ch }

// Name returns the consumer's registration name.
func (c *Consumer) Name() string { return c.name }

// Dropped returns the number of opportunities this consumer lost to
// overflow.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

// Bus fans accepted opportunities out to registered consumers. Publish never
// blocks: each consumer has its own bounded queue with a configured drop
// policy.
type Bus struct {
	mu        sync.RWMutex
	consumers []*Consumer
	closed    bool
	log       *logger.Log
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{log: logger.GetLogger()}
}

// Register adds a consumer with its queue size and back-pressure choice.
// Size must be positive; an unrecognized policy defaults to drop_oldest.
func (b *Bus) Register(name string, size int, policy DropPolicy) (*Consumer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("consumer %q queue size must be positive, got %d", name, size)
	}
	if policy != DropOldest && policy != DropNewest {
		policy = DropOldest
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	c := &Consumer{
		name:   name,
		ch:     make(chan market.Opportunity, size),
		policy: policy,
	}
	b.consumers = append(b.consumers, c)
	return c, nil
}

// Publish delivers one opportunity to every consumer without blocking. On a
// full queue drop_oldest evicts the head and retries; drop_newest discards
// the incoming value. Either way the consumer's drop counter increments.
func (b *Bus) Publish(o market.Opportunity) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, c := range b.consumers {
		select {
		case c.ch <- o:
			continue
		default:
		}

		switch c.policy {
		case DropNewest:
			c.dropped.Add(1)
			logger.IncrementOpportunityDrop()
		default: // DropOldest
			select {
			case <-c.ch:
			default:
			}
			c.dropped.Add(1)
			logger.IncrementOpportunityDrop()
			select {
			case c.ch <- o:
			default:
				// Consumer raced us to fill the queue again; count the loss
				// against the incoming value instead.
			}
		}
		b.log.WithComponent("opportunity_bus").WithFields(logger.Fields{
			"consumer": c.name,
			"policy":   string(c.policy),
		}).Debug("consumer queue full, dropping opportunity")
	}
}

// Close shuts the bus down and closes every consumer channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.consumers {
		close(c.ch)
	}
}
