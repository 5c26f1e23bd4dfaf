package congestion

import "time"

// FixedWindow is the non-congestion-controlled variant: the window is a
// fixed configured cap rather than something that grows or shrinks with
// network feedback. Duplicate-ACK counting and the resulting fast
// retransmit still happen, since that is a loss-recovery mechanism, not a
// congestion-control one, but OnFastRetransmit/OnTimeout do not touch the
// window.
type FixedWindow struct {
	windowBytes uint32
	dupAckCount int
}

// NewFixedWindow returns a FixedWindow capped at windowBytes.
func NewFixedWindow(windowBytes uint32) *FixedWindow {
	return &FixedWindow{windowBytes: windowBytes}
}

func (f *FixedWindow) OnNewAck(ackedBytes int, now time.Time) {
	f.dupAckCount = 0
}

func (f *FixedWindow) OnDupAck(now time.Time) bool {
	f.dupAckCount++
	if f.dupAckCount >= FastRetransmitThreshold {
		f.dupAckCount = 0
		return true
	}
	return false
}

func (f *FixedWindow) OnFastRetransmit(now time.Time) {
	f.dupAckCount = 0
}

func (f *FixedWindow) OnTimeout(now time.Time) {}

func (f *FixedWindow) Cwnd() uint32     { return f.windowBytes }
func (f *FixedWindow) Ssthresh() uint32 { return f.windowBytes }
func (f *FixedWindow) Phase() Phase     { return CongestionAvoidance }

func (f *FixedWindow) Statistics() map[string]any {
	return map[string]any{
		"window_bytes":  f.windowBytes,
		"dup_ack_count": f.dupAckCount,
	}
}
