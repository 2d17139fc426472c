package passthrough

import (
	"net"
	"testing"
	"time"
)

func TestAdmitTCPRejectsWhenMaxIsZero(t *testing.T) {
	e := New(0)
	c1, c2 := net.Pipe()
	defer c2.Close()
	if e.AdmitTCP("alice", "bob", c1) {
		t.Fatal("expected rejection when max == 0")
	}
}

func TestAdmitTCPPairsReciprocalRequests(t *testing.T) {
	e := New(2)

	fromConnA, fromConnB := net.Pipe()
	defer fromConnB.Close()
	if !e.AdmitTCP("alice", "bob", fromConnA) {
		t.Fatal("expected first half to be parked as pending")
	}
	active, pending := e.Counts()
	if active != 0 || pending != 1 {
		t.Fatalf("got active=%d pending=%d, want active=0 pending=1", active, pending)
	}

	toConnA, toConnB := net.Pipe()
	defer toConnB.Close()
	if !e.AdmitTCP("bob", "alice", toConnA) {
		t.Fatal("expected reciprocal half to pair and start the pump")
	}

	// Give the pump goroutine a moment to register as active.
	time.Sleep(20 * time.Millisecond)
	active, pending = e.Counts()
	if pending != 0 {
		t.Fatalf("expected pending slot to be cleared after pairing, got %d", pending)
	}
	_ = active
}

func TestAdmitTCPEvictsOldestUnderCapacity(t *testing.T) {
	e := New(1)

	c1, c1b := net.Pipe()
	defer c1b.Close()
	if !e.AdmitTCP("a", "b", c1) {
		t.Fatal("expected first request admitted under capacity")
	}

	c2, c2b := net.Pipe()
	defer c2b.Close()
	if !e.AdmitTCP("c", "d", c2) {
		t.Fatal("expected second, unrelated request to evict the first and be admitted")
	}

	_, pending := e.Counts()
	if pending != 1 {
		t.Fatalf("got pending=%d, want 1 (the evicted slot replaced by the new one)", pending)
	}
}
