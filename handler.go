// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"github.com/dreamsxin/stm/types"
)

// writeEntry is one speculative write buffered by a transaction: a private
// copy of the payload, the shared destination it targets and the payload
// length. One entry is recorded per Write call; the commit pipeline derives
// the per-word lock set from the entry's address range.
type writeEntry struct {
	src  []byte
	dest types.Address
	size uint64
}

// Tx is a per-transaction handler. It is created by Begin, destroyed by End
// regardless of outcome, and must never be shared between goroutines.
type Tx struct {
	id       uint64
	readOnly bool

	// rv is the global clock value sampled at Begin; a read-only
	// transaction's reads may advance it after revalidating the read set.
	// Every word this
	// transaction reads must still carry a version <= rv at commit
	// validation.
	rv uint64

	readSet  []types.Address
	writeSet []writeEntry

	aborted bool
}

func (tx *Tx) addRead(a types.Address) {
	tx.readSet = append(tx.readSet, a)
}

func (tx *Tx) addWrite(src []byte, dest types.Address) {
	tx.writeSet = append(tx.writeSet, writeEntry{src: src, dest: dest, size: uint64(len(src))})
}

// findWrite resolves a read-after-write: it returns the privately buffered
// align bytes for the word at addr, if any entry covers it. The scan runs
// newest-first so the latest buffered value for a word wins.
func (tx *Tx) findWrite(addr types.Address, align uint64) ([]byte, bool) {
	for i := len(tx.writeSet) - 1; i >= 0; i-- {
		e := &tx.writeSet[i]
		if addr.Tag() != e.dest.Tag() {
			continue
		}
		off := addr.Offset()
		start := e.dest.Offset()
		if off >= start && off+align <= start+e.size {
			return e.src[off-start : off-start+align], true
		}
	}
	return nil, false
}

// abort marks the transaction dead and releases its speculative buffers. End
// on an aborted transaction reports failure without running the commit
// pipeline.
func (tx *Tx) abort() {
	tx.aborted = true
	tx.reset()
}

// reset releases the read and write sets and the private write buffers.
func (tx *Tx) reset() {
	for i := range tx.writeSet {
		tx.writeSet[i].src = nil
	}
	tx.readSet = nil
	tx.writeSet = nil
}
