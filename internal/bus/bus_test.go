package bus

import (
	"testing"
	"time"

	"arbflow/internal/market"
)

func opportunity(id string) market.Opportunity {
	return market.Opportunity{
		ID:        id,
		CreatedAt: time.UnixMilli(1),
		TTL:       time.Second,
		Kind:      market.SpotArbitrage,
	}
}

func TestRegisterValidation(t *testing.T) {
	b := New()
	if _, err := b.Register("bad", 0, DropOldest); err == nil {
		t.Fatalf("expected error for zero queue size")
	}
	if _, err := b.Register("ok", 1, DropPolicy("bogus")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeliveryIsFIFO(t *testing.T) {
	b := New()
	c, err := b.Register("fifo", 8, DropOldest)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		b.Publish(opportunity(id))
	}

	for _, want := range []string{"a", "b", "c"} {
		got := <-c.Ch()
		if got.ID != want {
			t.Fatalf("expected %s, got %s", want, got.ID)
		}
	}
}

func TestDropOldestOverflow(t *testing.T) {
	b := New()
	c, err := b.Register("slow", 2, DropOldest)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b.Publish(opportunity("A"))
	b.Publish(opportunity("B"))
	b.Publish(opportunity("C"))

	if got := c.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}
	first := <-c.Ch()
	second := <-c.Ch()
	if first.ID != "B" || second.ID != "C" {
		t.Fatalf("expected [B C], got [%s %s]", first.ID, second.ID)
	}
}

func TestDropNewestOverflow(t *testing.T) {
	b := New()
	c, err := b.Register("slow", 2, DropNewest)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b.Publish(opportunity("A"))
	b.Publish(opportunity("B"))
	b.Publish(opportunity("C"))

	if got := c.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}
	first := <-c.Ch()
	second := <-c.Ch()
	if first.ID != "A" || second.ID != "B" {
		t.Fatalf("expected [A B], got [%s %s]", first.ID, second.ID)
	}
}

func TestConsumersAreIndependent(t *testing.T) {
	b := New()
	fast, _ := b.Register("fast", 8, DropOldest)
	slow, _ := b.Register("slow", 1, DropOldest)

	b.Publish(opportunity("A"))
	b.Publish(opportunity("B"))

	if got := fast.Dropped(); got != 0 {
		t.Fatalf("fast consumer dropped %d", got)
	}
	if got := slow.Dropped(); got != 1 {
		t.Fatalf("slow consumer should have dropped 1, got %d", got)
	}
	if got := <-fast.Ch(); got.ID != "A" {
		t.Fatalf("fast consumer first = %s", got.ID)
	}
	if got := <-slow.Ch(); got.ID != "B" {
		t.Fatalf("slow consumer kept %s, want B", got.ID)
	}
}

func TestCloseClosesConsumers(t *testing.T) {
	b := New()
	c, _ := b.Register("x", 1, DropOldest)
	b.Close()
	if _, ok := <-c.Ch(); ok {
		t.Fatalf("expected closed channel")
	}
	if _, err := b.Register("late", 1, DropOldest); err == nil {
		t.Fatalf("expected error registering on closed bus")
	}
	// Publishing after close must not panic.
	b.Publish(opportunity("A"))
}
