package syncapi

import (
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

// ReorderBuffer delivers envelopes to a Mirror in strict sequence order.
// Envelopes below the expected sequence are duplicates or pre-sync leftovers
// and are discarded; envelopes above it are parked until the gap fills.
type ReorderBuffer struct {
	mirror      *Mirror
	expectedSeq int64
	pending     map[int64]*types.Envelope
}

func NewReorderBuffer(mirror *Mirror) *ReorderBuffer {
	return &ReorderBuffer{
		mirror:  mirror,
		pending: make(map[int64]*types.Envelope),
	}
}

// OnSync seeds the buffer from a sync snapshot: the mirror is reset to the
// snapshot, all parked envelopes are dropped, and delivery resumes at
// sync.Seq+1.
func (b *ReorderBuffer) OnSync(sync *types.SyncSnapshot) {
	b.mirror.Reset(sync)
	b.pending = make(map[int64]*types.Envelope)
	b.expectedSeq = sync.Seq + 1
}

// OnEnvelope accepts one envelope in any order and applies every envelope
// that has become contiguous. Returns the number of envelopes applied.
func (b *ReorderBuffer) OnEnvelope(env *types.Envelope) int {
	switch {
	case env.Seq < b.expectedSeq:
		logrus.WithFields(logrus.Fields{
			"seq":      env.Seq,
			"expected": b.expectedSeq,
		}).Debug("Discarding stale envelope")
		return 0
	case env.Seq > b.expectedSeq:
		b.pending[env.Seq] = env
		return 0
	}

	applied := 0
	b.mirror.Apply(env.By, env.Op)
	b.expectedSeq++
	applied++
	// Drain whatever the arrival made contiguous.
	for {
		next, ok := b.pending[b.expectedSeq]
		if !ok {
			return applied
		}
		delete(b.pending, b.expectedSeq)
		b.mirror.Apply(next.By, next.Op)
		b.expectedSeq++
		applied++
	}
}

// ExpectedSeq is the next sequence number the buffer will apply.
func (b *ReorderBuffer) ExpectedSeq() int64 {
	return b.expectedSeq
}

// PendingCount is the number of parked out-of-order envelopes.
func (b *ReorderBuffer) PendingCount() int {
	return len(b.pending)
}
