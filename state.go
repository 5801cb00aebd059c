// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"github.com/benbjohnson/immutable"

	"github.com/dreamsxin/stm/segment"
)

// state is an immutable snapshot of the region's segment bookkeeping: the
// tag-indexed table plus the live and pending-free lists. Readers resolve
// tags against the snapshot without a lock; all mutations clone the state
// under the segment-lifecycle lock and atomically swap the new snapshot in.
type state struct {
	// table maps a segment tag to the segment. A tag is present from the
	// moment its segment is published until the segment's deferred free is
	// flushed; tags are never reissued.
	table *immutable.SortedMap[uint64, *segment.Segment]

	// live holds segments reachable by new transactions, in allocation
	// order. The initial segment is always live.
	live []*segment.Segment

	// pending holds segments moved off the live list by Free, awaiting
	// reclamation on the next successful Alloc. The move happens when Free
	// is called, not when its transaction ends.
	pending []*segment.Segment
}

// clone returns a shallow copy whose lists may be mutated without affecting
// the snapshot other readers hold.
func (s *state) clone() state {
	return state{
		table:   s.table,
		live:    append([]*segment.Segment(nil), s.live...),
		pending: append([]*segment.Segment(nil), s.pending...),
	}
}

// lookup resolves a tag against the table snapshot.
func (s *state) lookup(tag uint16) (*segment.Segment, bool) {
	return s.table.Get(uint64(tag))
}

// publish links a freshly created segment into the table and live list.
func (s *state) publish(seg *segment.Segment) {
	s.table = s.table.Set(uint64(seg.Tag()), seg)
	s.live = append(s.live, seg)
}

// deferFree moves a live segment to the pending-free list. Reports whether
// the segment was found live; a second free of the same segment is a no-op.
func (s *state) deferFree(seg *segment.Segment) bool {
	for i, l := range s.live {
		if l == seg {
			s.live = append(s.live[:i], s.live[i+1:]...)
			s.pending = append(s.pending, seg)
			return true
		}
	}
	return false
}

// flush drops every pending segment and removes its tag from the table, so
// later resolutions of those tags fail cleanly. In-flight transactions that
// resolved a pending segment before the flush keep it alive through their
// own references. Returns the number of segments reclaimed.
func (s *state) flush() int {
	n := len(s.pending)
	for _, seg := range s.pending {
		s.table = s.table.Delete(uint64(seg.Tag()))
	}
	s.pending = nil
	return n
}
