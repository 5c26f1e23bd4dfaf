package sender

import (
	"net"
	"testing"
	"time"

	"github.com/aetherflow/quantumxfer/internal/quantum/fec"
	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
)

// newPair returns a connected (sender-socket, peer *net.UDPConn) pair on
// loopback: the sender socket is dialed to the peer's address, and the
// third result is the sender socket's own address for the peer to reply to.
func newPair(t *testing.T) (*netio.Socket, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peerConn.Close() })

	sock, err := netio.Dial(peerConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("netio.Dial: %v", err)
	}
	t.Cleanup(func() { sock.Close() })

	return sock, peerConn, sock.LocalAddr()
}

func recvFrom(t *testing.T, conn *net.UDPConn, timeout time.Duration) (wire.Segment, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	seg, err := wire.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("wire.Unmarshal: %v", err)
	}
	return seg, addr
}

func ackSegment(cumAck uint32) wire.Segment {
	return wire.Segment{Header: wire.Header{Ack: cumAck, Flags: wire.FlagACK}}
}

func TestEngineZeroBytePayloadEmitsOnlyEOF(t *testing.T) {
	sock, peer, peerAddr := newPair(t)
	e := New(sock, nil, Config{}, nil)

	now := time.Now()
	_, finished, err := e.Step(now)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if finished {
		t.Fatalf("should not finish before the EOF ack arrives")
	}

	seg, _ := recvFrom(t, peer, time.Second)
	if !seg.Header.Flags.Has(wire.FlagEOF) {
		t.Fatalf("expected an EOF segment for a zero-byte payload, got flags %v", seg.Header.Flags)
	}
	if seg.Header.Seq != 0 {
		t.Errorf("EOF seq = %d, want 0", seg.Header.Seq)
	}

	peer.WriteToUDP(ackSegmentWithEOF(1).Marshal(), peerAddr)

	_, finished, err = e.Step(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("Step after EOF ack: %v", err)
	}
	if !finished {
		t.Errorf("expected session to finish after an ACK with cum_ack > final_offset")
	}
}

func ackSegmentWithEOF(cumAck uint32) wire.Segment {
	return wire.Segment{Header: wire.Header{Ack: cumAck, Flags: wire.FlagACK | wire.FlagEOF}}
}

func TestEngineSendsOneSegmentAndAdvancesOnAck(t *testing.T) {
	sock, peer, peerAddr := newPair(t)
	payload := make([]byte, 500)
	e := New(sock, payload, Config{}, nil)

	now := time.Now()
	e.Step(now)

	seg, _ := recvFrom(t, peer, time.Second)
	if seg.Header.Seq != 0 || len(seg.Payload) != 500 {
		t.Fatalf("unexpected first segment: seq=%d len=%d", seg.Header.Seq, len(seg.Payload))
	}

	peer.WriteToUDP(ackSegment(500).Marshal(), peerAddr)
	e.Step(now.Add(time.Millisecond))

	if e.queue.Base() != 500 {
		t.Errorf("Base() = %d, want 500 after ack covering the whole payload", e.queue.Base())
	}
}

func TestEngineWatchdogExpiresWithoutAnyAck(t *testing.T) {
	sock, _, _ := newPair(t)
	e := New(sock, make([]byte, 100), Config{}, nil)

	now := time.Now()
	e.Step(now)

	_, finished, err := e.Step(now.Add(WatchdogTimeout + time.Second))
	if err != ErrWatchdogExpired {
		t.Errorf("expected ErrWatchdogExpired, got %v (finished=%v)", err, finished)
	}
}

func TestEngineRetransmitCapAborts(t *testing.T) {
	sock, _, _ := newPair(t)
	e := New(sock, make([]byte, 100), Config{}, nil)

	now := time.Now()
	e.Step(now) // sends seq 0

	for i := 0; i < RetransmitCap+2; i++ {
		now = now.Add(time.Hour) // force every record past RTO every iteration
		e.lastAckAt = now        // keep the 30s watchdog out of the way so the cap is what ends the session
		_, finished, err := e.Step(now)
		if err == ErrRetransmitCapped {
			if !finished {
				t.Errorf("expected finished=true alongside ErrRetransmitCapped")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error before cap reached: %v", err)
		}
	}
	t.Errorf("expected ErrRetransmitCapped within %d retransmissions", RetransmitCap+2)
}

func TestEngineDupAckTriggersFastRetransmitOnThird(t *testing.T) {
	sock, peer, peerAddr := newPair(t)
	e := New(sock, make([]byte, 3000), Config{}, nil)

	now := time.Now()
	e.Step(now) // emits segments up to initial cwnd

	// drain whatever the sender emitted first (may be more than one
	// segment, since the initial cwnd can cover several MSS-sized sends).
	for i := 0; i < e.queue.Len(); i++ {
		recvFrom(t, peer, time.Second)
	}

	for i := 0; i < 3; i++ {
		peer.WriteToUDP(ackSegment(0).Marshal(), peerAddr)
		e.Step(now.Add(time.Duration(i+1) * time.Millisecond))
	}

	// the fast retransmit should have resent seq 0.
	seg, _ := recvFrom(t, peer, time.Second)
	if seg.Header.Seq != 0 {
		t.Errorf("expected fast retransmit of seq 0, got seq %d", seg.Header.Seq)
	}
}

func TestEngineFixedWindowConfigCapsCwnd(t *testing.T) {
	sock, _, _ := newPair(t)
	e := New(sock, make([]byte, 100), Config{FixedWindow: 1200}, nil)
	if e.cong.Cwnd() != 1200 {
		t.Errorf("Cwnd() = %d, want fixed window 1200", e.cong.Cwnd())
	}
}

func TestEngineWithFECSendsParityOnceGroupFills(t *testing.T) {
	sock, peer, _ := newPair(t)
	payload := make([]byte, fec.DefaultDataShards*wire.MaxPayloadSize)
	// A large fixed window so one Step sends the whole group without
	// waiting on acks to grow cwnd.
	e := New(sock, payload, Config{EnableFEC: true, FixedWindow: uint32(len(payload))}, nil)

	now := time.Now()
	e.Step(now)

	var dataCount, parityCount int
	for i := 0; i < fec.DefaultDataShards+fec.DefaultParityShards; i++ {
		seg, _ := recvFrom(t, peer, time.Second)
		if seg.Header.Flags.Has(wire.FlagFEC) {
			parityCount++
		} else {
			dataCount++
		}
	}
	if dataCount != fec.DefaultDataShards {
		t.Errorf("data segments sent = %d, want %d", dataCount, fec.DefaultDataShards)
	}
	if parityCount != fec.DefaultParityShards {
		t.Errorf("parity segments sent = %d, want %d", parityCount, fec.DefaultParityShards)
	}
}
