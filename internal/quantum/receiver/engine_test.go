package receiver

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/aetherflow/quantumxfer/internal/quantum/fec"
	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
)

func newPair(t *testing.T) (*netio.Socket, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peerConn.Close() })

	sock, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("netio.Listen: %v", err)
	}
	t.Cleanup(func() { sock.Close() })

	return sock, peerConn, sock.LocalAddr()
}

func sendSegment(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, seg wire.Segment) {
	t.Helper()
	if _, err := conn.WriteToUDP(seg.Marshal(), to); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func recvAck(t *testing.T, conn *net.UDPConn) wire.Segment {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	seg, err := wire.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("wire.Unmarshal: %v", err)
	}
	return seg
}

func TestReceiverInOrderDeliveryAndAck(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 0}, Payload: []byte("hello")})

	now := time.Now()
	_, finished, err := e.Step(now)
	if err != nil || finished {
		t.Fatalf("Step: err=%v finished=%v", err, finished)
	}

	if sink.String() != "hello" {
		t.Errorf("sink = %q, want %q", sink.String(), "hello")
	}

	ack := recvAck(t, peer)
	if ack.Header.Ack != 5 {
		t.Errorf("ack = %d, want 5", ack.Header.Ack)
	}
	if !ack.Header.Flags.Has(wire.FlagACK) {
		t.Errorf("expected ACK flag set")
	}
}

func TestReceiverOutOfOrderBufferedThenDrained(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})
	now := time.Now()

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 5}, Payload: []byte("world")})
	e.Step(now)
	ack1 := recvAck(t, peer)
	if ack1.Header.Ack != 0 {
		t.Errorf("ack for out-of-order segment should still cumulative-ack 0, got %d", ack1.Header.Ack)
	}
	if !ack1.Header.HasSACK() || ack1.Header.SackStart != 5 || ack1.Header.SackEnd != 10 {
		t.Errorf("expected SACK block [5,10), got [%d,%d)", ack1.Header.SackStart, ack1.Header.SackEnd)
	}

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 0}, Payload: []byte("hello")})
	e.Step(now.Add(time.Millisecond))

	if sink.String() != "helloworld" {
		t.Errorf("sink = %q, want %q", sink.String(), "helloworld")
	}
	ack2 := recvAck(t, peer)
	if ack2.Header.Ack != 10 {
		t.Errorf("ack = %d, want 10 after the gap is filled", ack2.Header.Ack)
	}
}

func TestReceiverDuplicateBelowNextExpectedReAcksCumulative(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})
	now := time.Now()

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 0}, Payload: []byte("hi")})
	e.Step(now)
	recvAck(t, peer)

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 0}, Payload: []byte("hi")})
	e.Step(now.Add(time.Millisecond))

	ack := recvAck(t, peer)
	if ack.Header.Ack != 2 {
		t.Errorf("duplicate below next_expected should re-ack the current cumulative value, got %d", ack.Header.Ack)
	}
	if sink.String() != "hi" {
		t.Errorf("duplicate delivery must not be written twice, sink = %q", sink.String())
	}
}

func TestReceiverEOFInOrderEndsSession(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})
	now := time.Now()

	sendSegment(t, peer, recvAddr, wire.Segment{
		Header:  wire.Header{Seq: 0, Flags: wire.FlagEOF},
		Payload: []byte{0, 0, 0},
	})

	_, finished, err := e.Step(now)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !finished {
		t.Fatalf("expected session to finish on an in-order EOF")
	}

	ack := recvAck(t, peer)
	if ack.Header.Ack != 1 {
		t.Errorf("EOF ack = %d, want 1 (final_offset + 1)", ack.Header.Ack)
	}
	if !ack.Header.Flags.Has(wire.FlagEOF) || !ack.Header.Flags.Has(wire.FlagACK) {
		t.Errorf("EOF ack should carry both ACK and EOF flags, got %v", ack.Header.Flags)
	}
}

func TestReceiverZeroByteSegmentDoesNotCorruptSink(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})
	now := time.Now()

	sendSegment(t, peer, recvAddr, wire.Segment{Header: wire.Header{Seq: 0}, Payload: nil})
	e.Step(now)

	if sink.Len() != 0 {
		t.Errorf("expected empty sink after a zero-length segment, got %q", sink.String())
	}
}

func TestReceiverWatchdogExpiresWithNoData(t *testing.T) {
	sock, _, _ := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{})

	now := time.Now()
	e.Step(now)

	_, finished, err := e.Step(now.Add(WatchdogTimeout + time.Second))
	if err != ErrWatchdogExpired || !finished {
		t.Errorf("expected ErrWatchdogExpired/finished=true, got err=%v finished=%v", err, finished)
	}
}

func TestReceiverFECReconstructsAMissingDataShard(t *testing.T) {
	sock, peer, recvAddr := newPair(t)
	var sink bytes.Buffer
	e := New(sock, &sink, nil, Config{EnableFEC: true})
	now := time.Now()

	cfg := fec.DefaultConfig()
	enc, err := fec.NewEncoder(cfg)
	if err != nil {
		t.Fatalf("fec.NewEncoder: %v", err)
	}

	var dataSegs []wire.Segment
	var parity []wire.Segment
	seq := uint32(0)
	for i := 0; i < cfg.DataShards; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, wire.MaxPayloadSize)
		seg := wire.Segment{Header: wire.Header{Seq: seq}, Payload: payload}
		seg.Header.SackStart, seg.Header.SackEnd = uint32(1), uint32(i) // group 1, shard i
		dataSegs = append(dataSegs, seg)

		p, err := enc.AddData(seg)
		if err != nil {
			t.Fatalf("AddData: %v", err)
		}
		if p != nil {
			parity = p
		}
		seq += uint32(len(payload))
	}
	if parity == nil {
		t.Fatalf("expected parity once the group filled")
	}

	// Deliver every data shard except the second (simulating a loss), plus
	// all parity, and feed the gap through the reassembly path so next
	// stays correct; the engine's FEC bookkeeping runs alongside it.
	for i, seg := range dataSegs {
		if i == 1 {
			continue
		}
		sendSegment(t, peer, recvAddr, seg)
		e.Step(now)
	}
	for _, p := range parity {
		sendSegment(t, peer, recvAddr, p)
		e.Step(now)
	}

	if e.fecGroupsRecovered != 1 {
		t.Errorf("fecGroupsRecovered = %d, want 1 after data+parity cover the missing shard", e.fecGroupsRecovered)
	}
}
