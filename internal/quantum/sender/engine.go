// Package sender implements the sender side of a session: a single-
// threaded cooperative event loop driving the retransmission queue, RTT
// estimator, and congestion controller against one UDP socket. Step takes
// `now` as an argument and performs exactly one iteration's worth of work,
// so a test can drive it with synthetic clocks instead of wall time.
package sender

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantumxfer/internal/quantum/congestion"
	"github.com/aetherflow/quantumxfer/internal/quantum/diag"
	"github.com/aetherflow/quantumxfer/internal/quantum/fec"
	"github.com/aetherflow/quantumxfer/internal/quantum/metrics"
	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/retransmit"
	"github.com/aetherflow/quantumxfer/internal/quantum/rtt"
	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
	"github.com/aetherflow/quantumxfer/pkg/guuid"
)

// Tunables governing loop pacing, watchdog, and retry limits.
const (
	DefaultWait         = 200 * time.Millisecond
	WatchdogTimeout     = 30 * time.Second
	RetransmitCap       = 15
	RetransmitBatchSize = 8 // "a small batch limit to avoid starvation"
	MinPacingInterval   = 100 * time.Microsecond
	PacingDivisor       = 2.2
	PacingJitterPct     = 0.08
	eofPayloadLen       = 3
)

// ErrWatchdogExpired is returned when no ACK has arrived for WatchdogTimeout.
var ErrWatchdogExpired = errors.New("sender: watchdog expired, no ACK received")

// ErrRetransmitCapped is returned when a single segment has been
// retransmitted more than RetransmitCap times.
var ErrRetransmitCapped = errors.New("sender: retransmission cap exceeded")

// Config configures an Engine.
type Config struct {
	FixedWindow uint32          // 0 disables: use the CUBIC congestion controller
	EnableFEC   bool
	CSVLogPath  string          // empty disables the diagnostic CSV log
	Metrics     *metrics.Sender // nil disables Prometheus gauge updates
}

// Engine drives one send session to completion.
type Engine struct {
	sock    *netio.Socket
	queue   *retransmit.Queue
	rttEst  *rtt.Estimator
	cong    congestion.Controller
	log     *zap.Logger
	pacer   *rate.Limiter
	diagLog *diag.CSVLogger
	fecEnc  *fec.Encoder
	metrics *metrics.Sender

	sessionID   guuid.GUUID
	payload     []byte
	offset      uint32 // next byte of payload not yet enqueued
	finalOffset uint32
	eofSent     bool

	lastAckAt       time.Time
	nextSendAllowed time.Time
	randSeed        uint64 // simple counter-based jitter, avoids global rand state
}

// New constructs an Engine that will transmit payload over sock.
func New(sock *netio.Socket, payload []byte, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	rttEst := rtt.New()

	var cong congestion.Controller
	if cfg.FixedWindow > 0 {
		cong = congestion.NewFixedWindow(cfg.FixedWindow)
	} else {
		cong = congestion.NewCubic(congestion.DefaultConfig(), rttEst)
	}

	var diagLog *diag.CSVLogger
	if cfg.CSVLogPath != "" {
		if dl, err := diag.NewCSVLogger(cfg.CSVLogPath); err == nil {
			diagLog = dl
		} else {
			log.Warn("could not open cwnd diagnostic log", zap.Error(err))
		}
	}

	var fecEnc *fec.Encoder
	if cfg.EnableFEC {
		if enc, err := fec.NewEncoder(fec.DefaultConfig()); err == nil {
			fecEnc = enc
		} else {
			log.Warn("could not start FEC shield, continuing without it", zap.Error(err))
		}
	}

	sessionID, err := guuid.New()
	if err != nil {
		log.Warn("could not generate session id", zap.Error(err))
	}

	return &Engine{
		sock:        sock,
		queue:       retransmit.New(0),
		rttEst:      rttEst,
		cong:        cong,
		log:         log.With(zap.String("session_id", sessionID.String())),
		pacer:       rate.NewLimiter(rate.Inf, 1),
		diagLog:     diagLog,
		fecEnc:      fecEnc,
		metrics:     cfg.Metrics,
		sessionID:   sessionID,
		payload:     payload,
		finalOffset: uint32(len(payload)),
	}
}

// done reports whether the session finished successfully.
func (e *Engine) done(now time.Time) bool {
	return e.eofSent && e.queue.Len() == 0
}

// Step runs one iteration of the sender loop: it blocks on the socket
// until a datagram arrives or its computed deadline passes,
// drains any further already-available datagrams with only a brief poll,
// scans for timeouts, and emits new segments. It returns the deadline the
// caller should next invoke Step by, whether the session is finished, and
// a terminal error if the session must abort.
func (e *Engine) Step(now time.Time) (deadline time.Time, finished bool, err error) {
	if e.lastAckAt.IsZero() {
		e.lastAckAt = now
	}

	waitDeadline := e.nextDeadline(now)
	if err := e.drainAcks(now, waitDeadline); err != nil {
		return now, true, err
	}

	stepNow := now
	if waitDeadline.After(stepNow) {
		stepNow = waitDeadline
	}

	if err := e.scanRetransmissions(stepNow); err != nil {
		return stepNow, true, err
	}

	e.sendNewSegments(stepNow)

	if e.done(stepNow) {
		return stepNow, true, nil
	}

	if stepNow.Sub(e.lastAckAt) > WatchdogTimeout {
		return stepNow, true, ErrWatchdogExpired
	}

	return e.nextDeadline(stepNow), false, nil
}

func (e *Engine) nextDeadline(now time.Time) time.Time {
	deadline := now.Add(DefaultWait)
	if oldest, ok := e.queue.PeekOldestSendTime(); ok {
		rtoDeadline := oldest.Add(e.rttEst.RTO())
		if rtoDeadline.Before(deadline) {
			deadline = rtoDeadline
		}
	}
	if e.nextSendAllowed.After(now) && e.nextSendAllowed.Before(deadline) {
		deadline = e.nextSendAllowed
	}
	return deadline
}

// drainAcks blocks on the socket until it is readable or waitDeadline
// passes, then keeps reading every immediately-available datagram, polling
// at most a millisecond for each further one: all available ACKs are
// processed before any retransmission is considered. The wall-clock wait is
// waitDeadline - now, so a synthetic `now` never stretches it. Every ACK
// processed during one Step call is timestamped with the same `now` that
// Step received, rather than re-querying the wall clock per datagram.
func (e *Engine) drainAcks(now, waitDeadline time.Time) error {
	readDeadline := time.Now().Add(waitDeadline.Sub(now))
	for {
		seg, _, ok, err := e.sock.Recv(readDeadline)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.lastAckAt = now
		e.processAck(seg, now)
		readDeadline = time.Now().Add(time.Millisecond) // brief poll for the remaining backlog
	}
}

// processAck applies one inbound ACK to the queue, RTT estimator, and
// congestion controller.
func (e *Engine) processAck(seg wire.Segment, now time.Time) {
	if !seg.Header.Flags.Has(wire.FlagACK) {
		return
	}
	cumAck := seg.Header.Ack
	base := e.queue.Base()

	switch {
	case cumAck > base:
		acked, sampleTime, sampleOK := e.queue.Ack(cumAck)
		if sampleOK {
			e.rttEst.Sample(now.Sub(sampleTime))
		}
		e.cong.OnNewAck(acked, now)
		e.logCwnd(now)

		if seg.Header.HasSACK() {
			e.queue.Sack(seg.Header.SackStart, seg.Header.SackEnd)
		}

		if seg.Header.Flags.Has(wire.FlagEOF) && cumAck > e.finalOffset {
			// session complete; queue should already be empty once this
			// ACK's coverage is applied.
		}

	case cumAck == base:
		if seg.Header.HasSACK() {
			e.queue.Sack(seg.Header.SackStart, seg.Header.SackEnd)
		}
		if e.cong.OnDupAck(now) {
			if oldest := e.queue.OldestUnsacked(); oldest != nil {
				e.retransmitRecord(oldest, now)
			}
			e.cong.OnFastRetransmit(now)
			e.logCwnd(now)
		}

	default:
		// stale ACK, ignore
	}
}

// scanRetransmissions performs timeout-driven retransmission, batched,
// with on_timeout fired exactly once per RTO event regardless of how many
// records it covers.
func (e *Engine) scanRetransmissions(now time.Time) error {
	expired := e.queue.Expired(now, e.rttEst.RTO(), RetransmitBatchSize)
	if len(expired) == 0 {
		return nil
	}

	for _, r := range expired {
		if r.RetransCount+1 > RetransmitCap {
			return ErrRetransmitCapped
		}
	}

	for _, r := range expired {
		e.retransmitRecord(r, now)
	}
	e.rttEst.BackoffTimeout()
	e.cong.OnTimeout(now)
	e.logCwnd(now)
	return nil
}

func (e *Engine) retransmitRecord(r *retransmit.Record, now time.Time) {
	e.queue.Retransmit(r, now)
	if e.metrics != nil {
		e.metrics.Retransmissions.Inc()
	}
	seg := wire.Segment{
		Header:  wire.Header{Seq: r.Seq},
		Payload: r.Payload,
	}
	if err := e.sock.Send(seg); err != nil {
		e.log.Warn("retransmit send failed", zap.Error(err), zap.Uint32("seq", r.Seq))
	}
}

// sendNewSegments emits fresh segments while the window allows, then the
// EOF sentinel once the source is exhausted and nothing remains in flight.
func (e *Engine) sendNewSegments(now time.Time) {
	if now.Before(e.nextSendAllowed) {
		return
	}

	for e.queue.BytesInFlight() < e.cong.Cwnd() && e.offset < e.finalOffset {
		end := e.offset + wire.MaxPayloadSize
		if end > e.finalOffset {
			end = e.finalOffset
		}
		payload := e.payload[e.offset:end]

		r := e.queue.Enqueue(payload, now)
		seg := wire.Segment{Header: wire.Header{Seq: r.Seq}, Payload: payload}
		if e.fecEnc != nil {
			groupID, shardIndex := e.fecEnc.Peek()
			seg.Header.SackStart = groupID
			seg.Header.SackEnd = uint32(shardIndex)
		}
		if err := e.sock.Send(seg); err != nil {
			e.log.Warn("send failed", zap.Error(err), zap.Uint32("seq", r.Seq))
		}
		e.sendFECParity(seg)
		e.offset = end

		e.applyPacing(now)
		if now.Before(e.nextSendAllowed) {
			return
		}
	}

	if e.offset >= e.finalOffset && e.queue.Len() == 0 && !e.eofSent {
		r := e.queue.Enqueue(make([]byte, eofPayloadLen), now)
		seg := wire.Segment{
			Header:  wire.Header{Seq: r.Seq, Flags: wire.FlagEOF},
			Payload: r.Payload,
		}
		if err := e.sock.Send(seg); err != nil {
			e.log.Warn("EOF send failed", zap.Error(err))
		}
		e.eofSent = true
	}
}

// sendFECParity feeds a just-sent data segment into the FEC shield and,
// once a group of DataShards segments has accumulated, proactively
// transmits the resulting parity segments. A no-op when the shield is
// disabled.
func (e *Engine) sendFECParity(seg wire.Segment) {
	if e.fecEnc == nil {
		return
	}
	parity, err := e.fecEnc.AddData(seg)
	if err != nil {
		e.log.Warn("fec encode failed", zap.Error(err))
		return
	}
	for _, p := range parity {
		if err := e.sock.Send(p); err != nil {
			e.log.Warn("fec parity send failed", zap.Error(err), zap.Uint32("group", p.Header.Seq))
		}
	}
}

// applyPacing spaces sends out: sleep for max(100µs, srtt/(2.2·cwnd/MSS))
// with ±8% jitter, spread across one
// cwnd's worth of segments over roughly half an RTT. Rather than actually
// sleeping (which would break Step's determinism), it records the
// earliest time the next send may occur; nextDeadline folds this into the
// caller's wait.
func (e *Engine) applyPacing(now time.Time) {
	cwndSegs := float64(e.cong.Cwnd()) / float64(wire.MSS)
	if cwndSegs <= 0 {
		cwndSegs = 1
	}
	srtt := e.rttEst.SRTT()
	if srtt <= 0 {
		e.nextSendAllowed = now
		return
	}
	interval := time.Duration(float64(srtt) / (PacingDivisor * cwndSegs))
	if interval < MinPacingInterval {
		interval = MinPacingInterval
	}
	interval = e.jitter(interval)

	e.pacer.SetLimitAt(now, rate.Every(interval))
	e.pacer.SetBurstAt(now, 1)
	delay := e.pacer.ReserveN(now, 1).DelayFrom(now)
	e.nextSendAllowed = now.Add(delay)
}

// jitter applies deterministic ±8% variation using a counter-based LCG
// instead of math/rand's global state, keeping Step free of hidden
// mutable globals.
func (e *Engine) jitter(d time.Duration) time.Duration {
	e.randSeed = e.randSeed*6364136223846793005 + 1442695040888963407
	frac := float64(e.randSeed>>11) / float64(1<<53) // uniform in [0,1)
	mult := 1 - PacingJitterPct + 2*PacingJitterPct*frac
	return time.Duration(float64(d) * mult)
}

func (e *Engine) logCwnd(now time.Time) {
	if e.metrics != nil {
		e.metrics.CwndBytes.Set(float64(e.cong.Cwnd()))
		e.metrics.SsthreshBytes.Set(float64(e.cong.Ssthresh()))
		e.metrics.SRTTSeconds.Set(e.rttEst.SRTT().Seconds())
	}
	if e.diagLog == nil {
		return
	}
	if err := e.diagLog.Write(now, e.cong.Cwnd(), e.cong.Ssthresh(), e.cong.Phase().String()); err != nil {
		e.log.Warn("cwnd diagnostic log write failed", zap.Error(err))
	}
}

// Close releases the diagnostic log, if open.
func (e *Engine) Close() error {
	if e.diagLog != nil {
		return e.diagLog.Close()
	}
	return nil
}

// Statistics returns a diagnostic snapshot.
func (e *Engine) Statistics() map[string]any {
	stats := map[string]any{
		"session_id":      e.sessionID.String(),
		"base":            e.queue.Base(),
		"next_seq":        e.queue.NextSeq(),
		"bytes_in_flight": e.queue.BytesInFlight(),
		"rto":             e.rttEst.RTO(),
		"srtt":            e.rttEst.SRTT(),
		"eof_sent":        e.eofSent,
	}
	for k, v := range e.cong.Statistics() {
		stats[fmt.Sprintf("cong_%s", k)] = v
	}
	return stats
}
