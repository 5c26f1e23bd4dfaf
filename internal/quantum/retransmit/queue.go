// Package retransmit implements the sender's retransmission queue: a
// map from sequence number to in-flight record, with an auxiliary
// oldest-first view for timeout scanning.
//
// The queue assumes a single-threaded cooperative caller and takes no
// lock of its own.
package retransmit

import (
	"container/list"
	"time"
)

// Record describes one in-flight segment.
type Record struct {
	Seq          uint32
	Payload      []byte
	FirstSend    time.Time
	SendTime     time.Time // time of the most recent (re)transmission
	RetransCount int
	Sacked       bool

	elem *list.Element
}

// Queue is a hash map keyed by sequence number (lowest-sequence lookups
// scan every record; the map itself keeps no order), plus a doubly linked
// list giving an oldest-first view by most recent send time. Ownership of
// payload bytes lives here; callers hold only slice references.
type Queue struct {
	records map[uint32]*Record
	order   *list.List // oldest send time at Front, most recent at Back

	base    uint32 // lowest sequence number not yet cumulatively acknowledged
	nextSeq uint32 // next sequence number to assign
}

// New returns an empty queue whose sequence space starts at start.
func New(start uint32) *Queue {
	return &Queue{
		records: make(map[uint32]*Record),
		order:   list.New(),
		base:    start,
		nextSeq: start,
	}
}

// Base returns the lowest sequence number not yet cumulatively acknowledged.
func (q *Queue) Base() uint32 { return q.base }

// NextSeq returns the next sequence number Enqueue will assign.
func (q *Queue) NextSeq() uint32 { return q.nextSeq }

// BytesInFlight returns nextSeq - base, the number of unacknowledged bytes
// the sender believes are outstanding (invariant: base ≤ seq < nextSeq has
// a record present).
func (q *Queue) BytesInFlight() uint32 { return q.nextSeq - q.base }

// Len returns the number of in-flight records.
func (q *Queue) Len() int { return len(q.records) }

// Enqueue records a freshly emitted segment and advances nextSeq by
// len(payload). Called exactly once per freshly emitted segment.
func (q *Queue) Enqueue(payload []byte, now time.Time) *Record {
	seq := q.nextSeq
	r := &Record{
		Seq:       seq,
		Payload:   payload,
		FirstSend: now,
		SendTime:  now,
	}
	r.elem = q.order.PushBack(r)
	q.records[seq] = r
	q.nextSeq += uint32(len(payload))
	return r
}

// Lookup returns the record at seq, if any.
func (q *Queue) Lookup(seq uint32) (*Record, bool) {
	r, ok := q.records[seq]
	return r, ok
}

// Ack removes every record with Seq < cumAck and advances base to cumAck.
// It returns the number of bytes newly acknowledged and, per Karn's rule,
// the send time of the latest-sent record among those removed whose
// RetransCount was 0 at ACK time — suitable for an RTT sample. sampleOK is
// false when no removed record qualifies (all were retransmitted, or
// nothing was newly acked).
func (q *Queue) Ack(cumAck uint32) (ackedBytes int, sampleTime time.Time, sampleOK bool) {
	if cumAck <= q.base {
		return 0, time.Time{}, false
	}

	for seq, r := range q.records {
		if seq >= cumAck {
			continue
		}
		ackedBytes += len(r.Payload)
		if r.RetransCount == 0 && (!sampleOK || r.SendTime.After(sampleTime)) {
			sampleTime = r.SendTime
			sampleOK = true
		}
		q.order.Remove(r.elem)
		delete(q.records, seq)
	}

	q.base = cumAck
	return ackedBytes, sampleTime, sampleOK
}

// Sack marks every record whose byte range [Seq, Seq+len(Payload)) lies
// entirely within [start, end) as SACK'd. SACK'd records remain in the
// queue — they are still in flight until the cumulative ACK passes them —
// but are skipped by fast retransmit and timeout scanning.
func (q *Queue) Sack(start, end uint32) {
	if end <= start {
		return
	}
	for seq, r := range q.records {
		if seq >= start && seq+uint32(len(r.Payload)) <= end {
			r.Sacked = true
		}
	}
}

// OldestUnsacked returns the lowest-sequence record whose SACK bit is
// clear, or nil if every in-flight record is SACK'd (or the queue is
// empty).
func (q *Queue) OldestUnsacked() *Record {
	var best *Record
	for seq, r := range q.records {
		if r.Sacked {
			continue
		}
		if best == nil || seq < best.Seq {
			best = r
		}
	}
	return best
}

// PeekOldestSendTime returns the send time of the longest-outstanding
// record, used to compute the sender's next wake-up deadline. ok is false
// when the queue is empty.
func (q *Queue) PeekOldestSendTime() (t time.Time, ok bool) {
	front := q.order.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*Record).SendTime, true
}

// Expired returns, oldest-first, every unsacked record whose age exceeds
// rto, up to limit records (a small batch limit avoids starving new sends).
// It does not mutate the queue; callers that retransmit a record must call
// Retransmit to update its bookkeeping.
func (q *Queue) Expired(now time.Time, rto time.Duration, limit int) []*Record {
	var out []*Record
	for e := q.order.Front(); e != nil && len(out) < limit; e = e.Next() {
		r := e.Value.(*Record)
		if r.Sacked {
			continue
		}
		if now.Sub(r.SendTime) > rto {
			out = append(out, r)
		}
	}
	return out
}

// Retransmit records a resend of r: increments its retransmit count,
// updates its send time, and moves it to the tail of the oldest-first view.
func (q *Queue) Retransmit(r *Record, now time.Time) {
	r.RetransCount++
	r.SendTime = now
	q.order.MoveToBack(r.elem)
}

// Reset clears all state, starting a fresh sequence space at start.
func (q *Queue) Reset(start uint32) {
	q.records = make(map[uint32]*Record)
	q.order = list.New()
	q.base = start
	q.nextSeq = start
}
