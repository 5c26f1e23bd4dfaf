// Package netio wraps a UDP socket for the single-threaded cooperative
// event loop the sender and receiver engines run: datagram reads bounded
// by a caller-supplied deadline, with a pooled read buffer reused across
// reads.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
)

// ReadBufferSize and WriteBufferSize size the kernel socket buffers.
const (
	ReadBufferSize  = 2 * 1024 * 1024
	WriteBufferSize = 2 * 1024 * 1024
)

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("netio: connection closed")

// segmentPool recycles the fixed-size read buffer across Recv calls.
var segmentPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, wire.MaxDatagramSize)
		return &b
	},
}

// Socket is a UDP transport for wire.Segment datagrams.
type Socket struct {
	conn   *net.UDPConn
	local  *net.UDPAddr
	remote *net.UDPAddr

	mu     sync.RWMutex
	closed bool

	stats Statistics
}

// Statistics is a point-in-time snapshot of a connection's transport
// counters.
type Statistics struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
	MalformedDropped uint64 // datagrams that failed wire.Unmarshal; dropped, never surfaced
}

func setBuffers(conn *net.UDPConn) error {
	if err := conn.SetReadBuffer(ReadBufferSize); err != nil {
		return fmt.Errorf("netio: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(WriteBufferSize); err != nil {
		return fmt.Errorf("netio: set write buffer: %w", err)
	}
	return nil
}

// Listen opens a UDP socket bound to address, for the side of the session
// that stays put and learns its peer's address from the first datagram it
// sees (the sender: spec.md §6's advertised IP/port; or the receiver, in
// its engine tests) via SetRemote.
func Listen(address string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %q: %w", address, err)
	}
	if err := setBuffers(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Socket{conn: conn, local: conn.LocalAddr().(*net.UDPAddr)}, nil
}

// Dial opens a UDP socket connected to address, for the side that already
// knows its peer's address up front (the receiver: spec.md §6's
// server-ip/server-port arguments it sends its handshake request to).
func Dial(address string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dial %q: %w", address, err)
	}
	if err := setBuffers(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Socket{
		conn:   conn,
		local:  conn.LocalAddr().(*net.UDPAddr),
		remote: addr,
	}, nil
}

// SetRemote fixes the peer address a Listen-side socket replies to, once
// learned from the first datagram; a Listen-side socket is address-agnostic
// until then.
func (s *Socket) SetRemote(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = addr
}

// Remote returns the peer address, if known.
func (s *Socket) Remote() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Send marshals seg and writes it to the connected/learned peer.
func (s *Socket) Send(seg wire.Segment) error {
	s.mu.RLock()
	closed := s.closed
	remote := s.remote
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data := seg.Marshal()
	var n int
	var err error
	if remote != nil && s.conn.RemoteAddr() == nil {
		n, err = s.conn.WriteToUDP(data, remote)
	} else {
		n, err = s.conn.Write(data)
	}
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return fmt.Errorf("netio: send: %w", err)
	}

	s.mu.Lock()
	s.stats.SegmentsSent++
	s.stats.BytesSent += uint64(n)
	s.mu.Unlock()
	return nil
}

// SendRaw writes data verbatim to the connected/learned peer, bypassing
// the wire.Segment codec. Used only for the file-request handshake
// datagram, a single byte with value 0x01, which predates the session
// having a wire.Segment to send.
func (s *Socket) SendRaw(data []byte) error {
	s.mu.RLock()
	closed := s.closed
	remote := s.remote
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	var err error
	if remote != nil && s.conn.RemoteAddr() == nil {
		_, err = s.conn.WriteToUDP(data, remote)
	} else {
		_, err = s.conn.Write(data)
	}
	if err != nil {
		return fmt.Errorf("netio: send raw: %w", err)
	}
	return nil
}

// RecvRaw blocks until a datagram arrives or deadline passes, returning its
// bytes undecoded. Used only for the file-request handshake datagram,
// which is a single byte and not a valid wire.Segment.
func (s *Socket) RecvRaw(deadline time.Time) (data []byte, from *net.UDPAddr, ok bool, err error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, nil, false, ErrClosed
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, false, fmt.Errorf("netio: set read deadline: %w", err)
	}

	bufPtr := segmentPool.Get().(*[]byte)
	defer segmentPool.Put(bufPtr)
	buf := *bufPtr

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("netio: recv raw: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, addr, true, nil
}

// Recv blocks until a valid segment arrives or deadline passes, whichever
// comes first. ok is false on a read timeout; the caller's Step loop treats
// this as nothing to do this tick, not an error. A malformed datagram
// (§4.8: "dropped; counted; does not affect state") is never surfaced to
// the caller as an error or a timeout: it is silently discarded and the
// read retried against the same deadline, so one burst of garbage cannot
// look like a socket timeout or abort a session. The returned Segment's
// payload is a fresh copy, independent of the pooled read buffer.
func (s *Socket) Recv(deadline time.Time) (seg wire.Segment, from *net.UDPAddr, ok bool, err error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return wire.Segment{}, nil, false, ErrClosed
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return wire.Segment{}, nil, false, fmt.Errorf("netio: set read deadline: %w", err)
	}

	bufPtr := segmentPool.Get().(*[]byte)
	defer segmentPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
				return wire.Segment{}, nil, false, nil
			}
			s.mu.Lock()
			s.stats.Errors++
			s.mu.Unlock()
			return wire.Segment{}, nil, false, fmt.Errorf("netio: recv: %w", err)
		}

		parsed, err := wire.Unmarshal(buf[:n])
		if err != nil {
			s.mu.Lock()
			s.stats.MalformedDropped++
			s.mu.Unlock()
			continue // try again; the deadline already set on the conn still governs
		}
		if len(parsed.Payload) > 0 {
			payload := make([]byte, len(parsed.Payload))
			copy(payload, parsed.Payload)
			parsed.Payload = payload
		}

		s.mu.Lock()
		s.stats.SegmentsReceived++
		s.stats.BytesReceived += uint64(n)
		s.mu.Unlock()

		return parsed, addr, true, nil
	}
}

// LocalAddr returns the socket's local address.
func (s *Socket) LocalAddr() *net.UDPAddr { return s.local }

// Stats returns a snapshot of transport statistics.
func (s *Socket) Stats() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
