package bootstrap

import "github.com/loci-run/loci/parcel"

// Pending is a deferred parcel waiting for the barrier to open. The sequence
// number records submission order, so that delivery order during the flush
// matches submission order for any given destination.
type Pending struct {
	Parcel *parcel.Parcel
	Seq    uint64
}

// pendingQueue buffers parcels submitted while the barrier is closed. It is
// guarded by the barrier mutex and drained exactly once, by the flush.
type pendingQueue struct {
	entries []Pending
	nextSeq uint64
	cursor  int
}

// push appends a parcel and assigns it the next sequence number.
func (q *pendingQueue) push(p *parcel.Parcel) uint64 {
	q.nextSeq++
	p.SeqNumber = q.nextSeq
	q.entries = append(q.entries, Pending{Parcel: p, Seq: q.nextSeq})

	return q.nextSeq
}

// next advances the drain cursor and returns the next entry in ascending
// sequence order. Once the queue is drained, the backing array is dropped:
// the queue stays permanently empty afterwards.
func (q *pendingQueue) next() (Pending, bool) {
	if q.cursor >= len(q.entries) {
		q.entries = nil
		q.cursor = 0

		return Pending{}, false
	}

	pend := q.entries[q.cursor]
	q.cursor++

	return pend, true
}

// remaining returns the number of entries not yet drained.
func (q *pendingQueue) remaining() int {
	return len(q.entries) - q.cursor
}
