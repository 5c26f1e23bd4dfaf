// Package rtt implements the smoothed RTT/RTTVAR estimator and derived
// retransmission timeout used by the sender. All functions take now as an
// argument so tests can replay arbitrary timing without a fake clock.
package rtt

import "time"

const (
	// Alpha weights the SRTT update (1/8, per the classical estimator).
	Alpha = 1.0 / 8.0
	// Beta weights the RTTVAR update (1/4).
	Beta = 1.0 / 4.0
	// K scales RTTVAR's contribution to the RTO.
	K = 4.0

	// MinRTO is the floor the computed RTO is clamped to.
	MinRTO = 50 * time.Millisecond
	// MaxRTO is the ceiling the computed RTO is clamped to.
	MaxRTO = 3 * time.Second
	// InitialRTO is used before the first sample arrives.
	InitialRTO = 300 * time.Millisecond

	// TimeoutBackoffFactor multiplicatively inflates the RTO after every
	// timeout-triggered retransmission, capped at MaxRTO.
	TimeoutBackoffFactor = 1.5
)

// Estimator maintains smoothed RTT, RTT variance, minimum RTT, and the
// derived retransmission timeout. The zero value is not usable; construct
// with New.
type Estimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	rttMin time.Duration

	hasSample bool
}

// New returns an Estimator with the session-initial RTO and no RTT history.
func New() *Estimator {
	return &Estimator{rto: InitialRTO}
}

// Sample records an RTT observation and recomputes SRTT/RTTVAR/RTO.
// Callers must never pass a sample drawn from a retransmitted segment
// (Karn's rule): the estimator itself does not know which segments were
// retransmitted, so enforcing the rule is the caller's job
// (internal/quantum/retransmit.Queue only returns send times eligible for
// sampling for exactly this reason).
func (e *Estimator) Sample(r time.Duration) {
	if !e.hasSample {
		e.srtt = r
		e.rttvar = r / 2
		e.hasSample = true
	} else {
		delta := e.srtt - r
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = time.Duration((1-Beta)*float64(e.rttvar) + Beta*float64(delta))
		e.srtt = time.Duration((1-Alpha)*float64(e.srtt) + Alpha*float64(r))
	}

	if e.rttMin == 0 || r < e.rttMin {
		e.rttMin = r
	}

	e.rto = clamp(e.srtt+time.Duration(K*float64(e.rttvar)), MinRTO, MaxRTO)
}

// BackoffTimeout multiplicatively inflates the RTO after a timeout-driven
// retransmission. The next valid Sample resets it to the smoothed value.
func (e *Estimator) BackoffTimeout() {
	e.rto = clamp(time.Duration(TimeoutBackoffFactor*float64(e.rto)), MinRTO, MaxRTO)
}

// RTO returns the current retransmission timeout.
func (e *Estimator) RTO() time.Duration {
	return e.rto
}

// SRTT returns the current smoothed RTT, or zero if no sample has arrived.
func (e *Estimator) SRTT() time.Duration {
	return e.srtt
}

// MinRTT returns the minimum RTT observed this session, or zero if no
// sample has arrived.
func (e *Estimator) MinRTT() time.Duration {
	return e.rttMin
}

// HasSample reports whether at least one RTT sample has been recorded.
func (e *Estimator) HasSample() bool {
	return e.hasSample
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
