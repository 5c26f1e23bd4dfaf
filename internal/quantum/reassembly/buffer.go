// Package reassembly implements the receiver's out-of-order buffer: a
// priority queue of buffered segments keyed by sequence number, draining
// its contiguous prefix to a sink as next_expected advances.
package reassembly

import "container/heap"

// MaxBuffered is the receiver's out-of-order buffer cap.
const MaxBuffered = 2000

// entry is one buffered out-of-order segment.
type entry struct {
	seq     uint32
	payload []byte
	index   int
}

// entryHeap is a min-heap on seq, implementing container/heap.Interface.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Buffer holds segments received out of order, ahead of next_expected.
// Invariant: no entry has seq < nextExpected; no two entries share the
// same seq.
type Buffer struct {
	nextExpected uint32
	h            entryHeap
	bySeq        map[uint32]*entry
}

// New returns a Buffer expecting bytes starting at nextExpected.
func New(nextExpected uint32) *Buffer {
	return &Buffer{
		nextExpected: nextExpected,
		bySeq:        make(map[uint32]*entry),
	}
}

// NextExpected returns the next in-order byte offset the sink expects.
func (b *Buffer) NextExpected() uint32 { return b.nextExpected }

// Len returns the number of buffered out-of-order entries.
func (b *Buffer) Len() int { return len(b.bySeq) }

// Contains reports whether seq is already buffered.
func (b *Buffer) Contains(seq uint32) bool {
	_, ok := b.bySeq[seq]
	return ok
}

// Full reports whether the buffer is at its capacity.
func (b *Buffer) Full() bool { return len(b.bySeq) >= MaxBuffered }

// Insert buffers an out-of-order segment. The caller must have already
// checked seq > NextExpected(), !Contains(seq), and !Full(); Insert
// silently no-ops if those preconditions don't hold.
func (b *Buffer) Insert(seq uint32, payload []byte) {
	if seq <= b.nextExpected || b.Contains(seq) || b.Full() {
		return
	}
	e := &entry{seq: seq, payload: payload}
	b.bySeq[seq] = e
	heap.Push(&b.h, e)
}

// Drain advances nextExpected past seq/len(payload of the just-delivered
// in-order segment, then pulls every now-contiguous buffered entry in
// sequence order, invoking sink for each (the freshly-arrived segment
// first, then buffered ones). sink is called with (seq, payload) in
// strictly increasing seq order. It stops if sink returns false, which the
// receiver loop uses to stop draining the moment a write to its output
// fails.
func (b *Buffer) Drain(seq uint32, payload []byte, sink func(seq uint32, payload []byte) bool) {
	if seq != b.nextExpected {
		return
	}
	b.nextExpected = seq + uint32(len(payload))
	if !sink(seq, payload) {
		return
	}

	for b.h.Len() > 0 {
		next := b.h[0]
		if next.seq != b.nextExpected {
			break
		}
		heap.Pop(&b.h)
		delete(b.bySeq, next.seq)
		b.nextExpected = next.seq + uint32(len(next.payload))
		if !sink(next.seq, next.payload) {
			return
		}
	}
}

// LowestRun returns the lowest-sequence buffered run's bounds [start, end)
// for the single SACK block every ACK carries: at most one SACK block, the
// earliest contiguous buffered run. ok is false when nothing is buffered.
func (b *Buffer) LowestRun() (start, end uint32, ok bool) {
	if b.h.Len() == 0 {
		return 0, 0, false
	}
	// Find the minimum-seq entry, then extend the run while consecutive
	// buffered entries chain seq -> seq+len directly.
	min := b.h[0]
	for _, e := range b.h {
		if e.seq < min.seq {
			min = e
		}
	}
	start = min.seq
	end = min.seq + uint32(len(min.payload))
	for {
		next, ok := b.bySeq[end]
		if !ok {
			break
		}
		end = next.seq + uint32(len(next.payload))
	}
	return start, end, true
}
