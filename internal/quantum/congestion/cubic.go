package congestion

import (
	"math"
	"time"
)

// CUBIC bookkeeping constants.
const (
	CubicBeta = 0.7 // multiplicative window reduction on a congestion event
	CubicC    = 0.4 // CUBIC scaling constant
)

// Config configures a Cubic controller.
type Config struct {
	MSS uint32 // segment size used to convert the byte-scale window into
	// the segment-scale units the CUBIC K/w_cubic derivation uses (K is
	// expressed in units of segments, so w_max is divided by MSS before
	// cubing).
	InitialCwnd     uint32
	InitialSsthresh uint32
	MaxCwnd         uint32

	// EnableQueueGradientTrim turns on a queuing-delay-gradient early trim
	// on top of the standard CUBIC response. Off by default so the
	// standards-aligned behavior is unchanged.
	EnableQueueGradientTrim bool
}

// DefaultConfig returns sensible defaults: MSS 1200, initial cwnd one MSS,
// initial ssthresh effectively infinite until the first congestion event,
// max cwnd 8 MiB.
func DefaultConfig() Config {
	return Config{
		MSS:             1200,
		InitialCwnd:     1200,
		InitialSsthresh: 2 * 1024 * 1024 * 1024,
		MaxCwnd:         8 * 1024 * 1024,
	}
}

// Cubic implements a CUBIC-like congestion controller.
type Cubic struct {
	cfg Config
	rtt RTTSource

	phase    Phase
	cwnd     float64 // bytes; float for fractional per-ACK increments
	ssthresh uint32

	wMax            float64 // bytes; window at the most recent congestion event
	tLastCongestion time.Time
	k               float64 // seconds

	dupAckCount int

	// queuing-delay gradient trim state
	prevQDelay    time.Duration
	qGradLastTime time.Time
	qGrad         float64
	lastTrimAt    time.Time
}

// NewCubic constructs a Cubic controller. rtt supplies MinRTT/SRTT for the
// w_tcp() Reno-friendly lower bound; it may be nil, in which case w_tcp()
// is treated as always below w_cubic() (no RTT observed yet).
func NewCubic(cfg Config, rtt RTTSource) *Cubic {
	return &Cubic{
		cfg:      cfg,
		rtt:      rtt,
		phase:    SlowStart,
		cwnd:     float64(cfg.InitialCwnd),
		ssthresh: cfg.InitialSsthresh,
	}
}

func (c *Cubic) Cwnd() uint32 {
	return uint32(math.Max(float64(c.cfg.MSS), c.cwnd))
}

func (c *Cubic) Ssthresh() uint32 { return c.ssthresh }
func (c *Cubic) Phase() Phase     { return c.phase }

// OnNewAck grows the window: additively in SlowStart, via the CUBIC target
// function in CongestionAvoidance.
func (c *Cubic) OnNewAck(ackedBytes int, now time.Time) {
	c.dupAckCount = 0

	switch c.phase {
	case SlowStart:
		c.cwnd += float64(ackedBytes)
		if uint32(c.cwnd) >= c.ssthresh {
			c.phase = CongestionAvoidance
			if c.wMax == 0 {
				c.wMax = c.cwnd
			}
			c.tLastCongestion = now
			c.recomputeK()
		}
	case CongestionAvoidance:
		if c.cwnd <= 0 {
			c.cwnd = float64(c.cfg.MSS)
		}
		wTarget := c.cubicTarget(now)
		delta := math.Max(0, wTarget-c.cwnd) * float64(ackedBytes) / c.cwnd
		c.cwnd = math.Min(c.cwnd+delta, float64(c.cfg.MaxCwnd))
	}

	c.clampCwnd()

	if c.cfg.EnableQueueGradientTrim {
		c.applyQueueGradientTrim(now)
	}
}

// cubicTarget computes w_target = max(w_cubic(t), w_tcp(t)) in bytes.
func (c *Cubic) cubicTarget(now time.Time) float64 {
	t := now.Sub(c.tLastCongestion).Seconds()
	mss := float64(c.cfg.MSS)

	wMaxSeg := c.wMax / mss
	wCubicSeg := CubicC*math.Pow(t-c.k, 3) + wMaxSeg
	wCubic := wCubicSeg * mss

	rttMin := time.Duration(0)
	if c.rtt != nil {
		rttMin = c.rtt.MinRTT()
		if rttMin == 0 {
			rttMin = c.rtt.SRTT()
		}
	}
	wTcp := 0.0
	if rttMin > 0 {
		wTcp = float64(c.ssthresh) + (3*CubicBeta/(2-CubicBeta))*(t/rttMin.Seconds())*mss
	}

	return math.Max(wCubic, wTcp)
}

// recomputeK derives K from the current w_max.
func (c *Cubic) recomputeK() {
	mss := float64(c.cfg.MSS)
	wMaxSeg := math.Max(1, c.wMax/mss)
	num := wMaxSeg * (1 - CubicBeta) / CubicC
	if num > 0 {
		c.k = math.Cbrt(num)
	} else {
		c.k = 0
	}
}

// OnDupAck counts a duplicate ACK and fires a fast retransmit on the third.
func (c *Cubic) OnDupAck(now time.Time) bool {
	c.dupAckCount++
	if c.dupAckCount >= FastRetransmitThreshold {
		c.dupAckCount = 0
		return true
	}
	return false
}

// OnFastRetransmit applies the standard multiplicative decrease with the
// fast-convergence rule.
func (c *Cubic) OnFastRetransmit(now time.Time) {
	c.congestionEvent(now)
}

// OnTimeout soft-collapses cwnd to ssthresh, not to one MSS.
func (c *Cubic) OnTimeout(now time.Time) {
	c.congestionEvent(now)
}

func (c *Cubic) congestionEvent(now time.Time) {
	preCwnd := c.cwnd

	c.ssthresh = uint32(math.Max(preCwnd*CubicBeta, float64(2*c.cfg.MSS)))
	c.cwnd = float64(c.ssthresh)
	c.phase = CongestionAvoidance
	c.dupAckCount = 0

	// Fast-convergence rule: yield faster to a newer flow if we were
	// already below the previous w_max when this congestion event hit.
	if preCwnd < c.wMax {
		c.wMax = preCwnd * (1 + CubicBeta) / 2
	} else {
		c.wMax = preCwnd
	}

	c.tLastCongestion = now
	c.recomputeK()
	c.clampCwnd()
}

func (c *Cubic) clampCwnd() {
	if c.cwnd < float64(c.cfg.MSS) {
		c.cwnd = float64(c.cfg.MSS)
	}
	if c.cwnd > float64(c.cfg.MaxCwnd) {
		c.cwnd = float64(c.cfg.MaxCwnd)
	}
	if c.ssthresh < 2*c.cfg.MSS {
		c.ssthresh = 2 * c.cfg.MSS
	}
}

// applyQueueGradientTrim reacts to an early queue-buildup warning: a
// rising gradient of (srtt - rtt_min) trims cwnd before a timeout or
// triple-dup-ack would.
func (c *Cubic) applyQueueGradientTrim(now time.Time) {
	if c.rtt == nil || c.rtt.MinRTT() == 0 {
		return
	}
	qDelay := c.rtt.SRTT() - c.rtt.MinRTT()
	if qDelay < 0 {
		qDelay = 0
	}

	if c.qGradLastTime.IsZero() {
		c.prevQDelay = qDelay
		c.qGradLastTime = now
		return
	}

	dt := now.Sub(c.qGradLastTime).Seconds()
	if dt <= 0 {
		return
	}
	rawGrad := float64(qDelay-c.prevQDelay) / dt
	c.qGrad = 0.75*c.qGrad + 0.25*rawGrad
	c.prevQDelay = qDelay
	c.qGradLastTime = now

	const threshold = 0.03
	refractory := 3 * c.rtt.SRTT()
	if refractory < 50*time.Millisecond {
		refractory = 50 * time.Millisecond
	}
	if c.qGrad > threshold && now.Sub(c.lastTrimAt) > refractory {
		c.cwnd = math.Max(c.cwnd*0.90, float64(8*c.cfg.MSS))
		c.ssthresh = uint32(math.Max(c.cwnd*0.9, float64(2*c.cfg.MSS)))
		c.phase = CongestionAvoidance
		c.lastTrimAt = now
	}
}

func (c *Cubic) Statistics() map[string]any {
	return map[string]any{
		"phase":             c.phase.String(),
		"cwnd_bytes":        c.Cwnd(),
		"ssthresh_bytes":    c.ssthresh,
		"w_max_bytes":       c.wMax,
		"k_seconds":         c.k,
		"dup_ack_count":     c.dupAckCount,
		"t_last_congestion": c.tLastCongestion,
	}
}
