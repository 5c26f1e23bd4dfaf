package congestion

import (
	"testing"
	"time"
)

func TestFixedWindowCwndNeverChanges(t *testing.T) {
	f := NewFixedWindow(64 * 1024)
	now := time.Now()

	f.OnNewAck(1200, now)
	f.OnFastRetransmit(now)
	f.OnTimeout(now)

	if f.Cwnd() != 64*1024 {
		t.Errorf("Cwnd() = %d, want unchanged 64KiB", f.Cwnd())
	}
}

func TestFixedWindowStillFastRetransmitsOnTripleDupAck(t *testing.T) {
	f := NewFixedWindow(64 * 1024)
	now := time.Now()

	if f.OnDupAck(now) || f.OnDupAck(now) {
		t.Errorf("first two dup acks should not fire")
	}
	if !f.OnDupAck(now) {
		t.Errorf("third dup ack should fire fast retransmit even with a fixed window")
	}
}

func TestFixedWindowPhaseIsAlwaysCongestionAvoidance(t *testing.T) {
	f := NewFixedWindow(1200)
	if f.Phase() != CongestionAvoidance {
		t.Errorf("Phase() = %v, want CongestionAvoidance", f.Phase())
	}
}
