// Package receiver implements the receiver side of a session: a single-
// threaded cooperative event loop maintaining next_expected and the
// out-of-order reassembly buffer, emitting one ACK per received data
// segment (FEC parity segments are not acknowledged).
// Shares the same Step(now) shape as internal/quantum/sender.Engine.
package receiver

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantumxfer/internal/quantum/fec"
	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/reassembly"
	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
	"github.com/aetherflow/quantumxfer/pkg/guuid"
)

// DefaultWait bounds how long Step blocks when nothing has arrived.
const DefaultWait = 200 * time.Millisecond

// WatchdogTimeout mirrors the sender's timeout loosely: the receiver gets
// a 15-30s grace period with no data; this implementation uses the upper
// bound.
const WatchdogTimeout = 30 * time.Second

// ErrWatchdogExpired is returned when no data has arrived for WatchdogTimeout.
var ErrWatchdogExpired = errors.New("receiver: watchdog expired, no data received")

// Config configures an Engine.
type Config struct {
	EnableFEC bool
}

// Engine drives one receive session to completion.
type Engine struct {
	sock *netio.Socket
	buf  *reassembly.Buffer
	sink io.Writer
	log  *zap.Logger

	fecDec             *fec.Decoder
	fecGroupsRecovered int

	sessionID  guuid.GUUID
	lastDataAt time.Time
	eofDone    bool
}

// New constructs an Engine writing the delivered byte stream to sink.
func New(sock *netio.Socket, sink io.Writer, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}

	var fecDec *fec.Decoder
	if cfg.EnableFEC {
		if dec, err := fec.NewDecoder(fec.DefaultConfig()); err == nil {
			fecDec = dec
		} else {
			log.Warn("could not start FEC shield, continuing without it", zap.Error(err))
		}
	}

	sessionID, err := guuid.New()
	if err != nil {
		log.Warn("could not generate session id", zap.Error(err))
	}

	return &Engine{
		sock:      sock,
		buf:       reassembly.New(0),
		sink:      sink,
		log:       log.With(zap.String("session_id", sessionID.String())),
		fecDec:    fecDec,
		sessionID: sessionID,
	}
}

// Prime feeds a segment obtained outside the normal Step loop into the
// engine exactly as Step would. Used for the first data segment received
// during the handshake retry loop, which the receiver treats as the
// handshake response.
func (e *Engine) Prime(seg wire.Segment, now time.Time) (finished bool, err error) {
	if e.lastDataAt.IsZero() {
		e.lastDataAt = now
	}
	e.lastDataAt = now
	return e.process(seg, now)
}

// Step runs one iteration: block for one datagram (or the deadline),
// process it, and return whether the session finished.
func (e *Engine) Step(now time.Time) (deadline time.Time, finished bool, err error) {
	if e.lastDataAt.IsZero() {
		e.lastDataAt = now
	}

	waitDeadline := now.Add(DefaultWait)
	seg, from, ok, err := e.sock.Recv(waitDeadline)
	if err != nil {
		return now, true, err
	}
	if ok {
		e.sock.SetRemote(from)
		e.lastDataAt = now
		done, procErr := e.process(seg, now)
		if procErr != nil {
			return now, true, procErr
		}
		if done {
			return now, true, nil
		}
	}

	if e.eofDone {
		return now, true, nil
	}

	if now.Sub(e.lastDataAt) > WatchdogTimeout {
		return now, true, ErrWatchdogExpired
	}

	return now.Add(DefaultWait), false, nil
}

// process dispatches a received segment across its four ordering branches
// (in-order EOF, in-order data, ahead-of-window, duplicate), plus an FEC
// side-channel branch for segments carrying parity shards instead of
// stream data.
func (e *Engine) process(seg wire.Segment, now time.Time) (done bool, err error) {
	if seg.Header.Flags.Has(wire.FlagFEC) {
		e.handleFECShard(seg)
		return false, nil
	}

	seq := seg.Header.Seq
	next := e.buf.NextExpected()

	if e.fecDec != nil {
		e.fecDec.AddDataShard(seg.Header.SackStart, int(seg.Header.SackEnd), seg.Payload)
		e.tryFECReconstruct(seg.Header.SackStart)
	}

	switch {
	case seg.Header.Flags.Has(wire.FlagEOF) && seq == next:
		// The EOF payload is a sentinel, not stream data: it is not written
		// to the sink.
		e.sendAck(seq+1, wire.FlagACK|wire.FlagEOF, 0, 0)
		e.eofDone = true
		return true, nil

	case seq == next:
		// EOF always arrives as the final in-order segment (the sender
		// never enqueues data past it), so a drained backlog here is
		// always ordinary payload; the dedicated EOF branch above is the
		// only place a session ends.
		var deliverErr error
		e.buf.Drain(seq, seg.Payload, func(drainedSeq uint32, payload []byte) bool {
			if err := e.deliver(drainedSeq, payload); err != nil {
				deliverErr = err
				return false
			}
			return true
		})
		if deliverErr != nil {
			return false, deliverErr
		}

		run, end, hasRun := e.buf.LowestRun()
		if hasRun {
			e.sendAck(e.buf.NextExpected(), wire.FlagACK, run, end)
		} else {
			e.sendAck(e.buf.NextExpected(), wire.FlagACK, 0, 0)
		}
		return false, nil

	case seq > next:
		if !e.buf.Contains(seq) && !e.buf.Full() {
			e.buf.Insert(seq, append([]byte(nil), seg.Payload...))
		}
		start, end, hasRun := e.buf.LowestRun()
		if hasRun {
			e.sendAck(next, wire.FlagACK, start, end)
		} else {
			e.sendAck(next, wire.FlagACK, seq, seg.End())
		}
		return false, nil

	default: // seq < next: duplicate of already-delivered data
		start, end, hasRun := e.buf.LowestRun()
		if hasRun {
			e.sendAck(next, wire.FlagACK, start, end)
		} else {
			e.sendAck(next, wire.FlagACK, 0, 0)
		}
		return false, nil
	}
}

// handleFECShard records an incoming parity segment against its group and
// opportunistically attempts reconstruction.
func (e *Engine) handleFECShard(seg wire.Segment) {
	if e.fecDec == nil {
		return
	}
	e.fecDec.AddParityShard(seg)
	e.tryFECReconstruct(seg.Header.Seq)
}

// tryFECReconstruct attempts to recover groupID's missing data shards. The
// shield only recovers raw shard bytes, not their original byte offsets;
// that correlation stays with the ordinary SACK and retransmission path.
// A successful reconstruction here is a diagnostic win against redundant
// retransmission work, not a substitute for delivering bytes through the
// reassembly buffer.
func (e *Engine) tryFECReconstruct(groupID uint32) {
	shards, ok, err := e.fecDec.Reconstruct(groupID)
	if err != nil {
		e.log.Warn("fec reconstruct failed", zap.Error(err), zap.Uint32("group", groupID))
		return
	}
	if !ok {
		return
	}
	e.fecGroupsRecovered++
	e.log.Info("fec group reconstructed",
		zap.Uint32("group", groupID),
		zap.Int("shards", len(shards)),
	)
}

func (e *Engine) deliver(seq uint32, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := e.sink.Write(payload)
	return err
}

func (e *Engine) sendAck(cumAck uint32, flags wire.Flags, sackStart, sackEnd uint32) {
	seg := wire.Segment{Header: wire.Header{
		Ack:       cumAck,
		Flags:     flags,
		SackStart: sackStart,
		SackEnd:   sackEnd,
	}}
	if err := e.sock.Send(seg); err != nil {
		e.log.Warn("ack send failed", zap.Error(err))
	}
}

// Statistics returns a diagnostic snapshot.
func (e *Engine) Statistics() map[string]any {
	return map[string]any{
		"session_id":           e.sessionID.String(),
		"next_expected":        e.buf.NextExpected(),
		"buffered_entries":     e.buf.Len(),
		"eof_done":             e.eofDone,
		"fec_groups_recovered": e.fecGroupsRecovered,
	}
}
