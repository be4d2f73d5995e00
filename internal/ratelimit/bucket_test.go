package ratelimit

import (
	"testing"
	"time"
)

func TestAllowExhaustsThenRefills(t *testing.T) {
	b := New(1, 30*time.Millisecond)
	defer b.Close()

	if !b.Allow() {
		t.Fatal("expected first Allow to succeed")
	}
	if b.Allow() {
		t.Fatal("expected second Allow to fail before refill")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected Allow to succeed after refill")
	}
}

func TestConsumeCost(t *testing.T) {
	b := New(5, time.Second)
	defer b.Close()

	if !b.Consume(3) {
		t.Fatal("expected to consume 3 of 5")
	}
	if b.Remaining() != 2 {
		t.Fatalf("expected 2 remaining, got %d", b.Remaining())
	}
	if b.Consume(3) {
		t.Fatal("expected consume of 3 more to fail with only 2 remaining")
	}
}

func TestCapacityPanicsOnInvalidArgs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive capacity")
		}
	}()
	New(0, time.Second)
}
