// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package stm provides a word-granular software transactional memory region
// with full serialisable isolation, implemented as a variant of Transactional
// Locking II: per-word versioned spinlocks, a global version clock and
// per-transaction read/write sets. Conflicts abort rather than block; the
// only waiting anywhere is bounded spinning.
package stm

import (
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/stm/segment"
	"github.com/dreamsxin/stm/types"
)

// roValidateAttempts bounds how many times a read-only read revalidates its
// read set and advances its read version before giving up on a word that
// keeps moving under it.
const roValidateAttempts = 10

// TM is a shared memory region transactions run against. All methods are
// safe for concurrent use; the Tx handles they take are not and must stay on
// the goroutine that began them.
type TM struct {
	closed uint32 // atomically accessed to keep it first in struct for alignment.

	// clock is the global version clock. It never shrinks and advances by
	// exactly one per commit of a non-empty write set that gets past
	// write-set locking, whether or not read-set validation then succeeds.
	clock uint64

	nextTag uint64
	nextTx  uint64

	alignment   uint64
	initialSize uint64
	maxSegments uint64

	logger  log.Logger
	reg     prometheus.Registerer
	metrics *tmMetrics

	// s is the current segment bookkeeping. It is an immutable snapshot that
	// readers access without a lock; segmentLock must be held while cloning
	// and replacing it.
	s atomic.Value // *state

	// segmentLock guards allocation, the live and pending-free lists and the
	// table snapshot swap. It is a bounded spinlock: contention surfaces as
	// an abort, never as blocking.
	segmentLock segment.SpinLock
}

// Create allocates a new region with one non-freeable initial segment of the
// requested size, divided into words of align bytes. align must be a power
// of two and size a positive multiple of it.
func Create(size, align uint64, opts ...Option) (*TM, error) {
	tm := &TM{
		alignment:   align,
		initialSize: size,
		nextTag:     1,
	}
	for _, opt := range opts {
		opt(tm)
	}
	if err := tm.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	if align == 0 || align&(align-1) != 0 {
		level.Error(tm.logger).Log("msg", "invalid alignment", "align", align)
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidAlign, align)
	}
	if size == 0 || size%align != 0 {
		level.Error(tm.logger).Log("msg", "invalid region size", "size", size, "align", align)
		return nil, fmt.Errorf("%w: size %d align %d", types.ErrInvalidSize, size, align)
	}
	if size > types.MaxOffset {
		level.Error(tm.logger).Log("msg", "region size over maximum", "size", size)
		return nil, fmt.Errorf("%w: %d", types.ErrTooLarge, size)
	}

	st := state{table: &immutable.SortedMap[uint64, *segment.Segment]{}}
	st.publish(segment.New(0, size, align))
	tm.s.Store(&st)
	tm.metrics.liveSegments.Set(1)
	return tm, nil
}

// Destroy releases the region. It is idempotent; the caller must ensure no
// transactions are live. All later operations fail cleanly.
func (tm *TM) Destroy() {
	if old := atomic.SwapUint32(&tm.closed, 1); old != 0 {
		return
	}
	empty := state{table: &immutable.SortedMap[uint64, *segment.Segment]{}}
	tm.s.Store(&empty)
	tm.metrics.liveSegments.Set(0)
}

// Start returns the opaque address of the first word of the initial segment.
func (tm *TM) Start() types.Address {
	return types.NewAddress(0, 0)
}

// Size returns the byte size of the initial segment.
func (tm *TM) Size() uint64 {
	return tm.initialSize
}

// Align returns the word size of the region.
func (tm *TM) Align() uint64 {
	return tm.alignment
}

// Begin starts a transaction, sampling the global clock as its read version.
// Returns nil on a destroyed region.
func (tm *TM) Begin(readOnly bool) *Tx {
	if tm.isClosed() {
		level.Error(tm.logger).Log("msg", "begin on destroyed region")
		return nil
	}
	tx := &Tx{
		id:       atomic.AddUint64(&tm.nextTx, 1) - 1,
		readOnly: readOnly,
		rv:       atomic.LoadUint64(&tm.clock),
	}
	tm.metrics.begins.WithLabelValues(fmt.Sprintf("%t", readOnly)).Inc()
	return tx
}

// End finishes a transaction and reports whether it committed. The handler
// is dead afterwards regardless of outcome. Read-only transactions and
// transactions with an empty write set commit trivially.
func (tm *TM) End(tx *Tx) bool {
	if tx == nil {
		return false
	}
	if tx.aborted {
		return false
	}
	if tx.readOnly || len(tx.writeSet) == 0 {
		tx.reset()
		tm.metrics.commits.Inc()
		return true
	}
	ok := tm.commit(tx)
	if ok {
		tm.metrics.commits.Inc()
	}
	tx.reset()
	return ok
}

// Read copies len(dst) bytes of shared memory starting at src into dst.
// len(dst) must be a positive multiple of the alignment. A false return
// means the transaction cannot continue and must be ended.
func (tm *TM) Read(tx *Tx, src types.Address, dst []byte) bool {
	if tx == nil || tx.aborted || tm.isClosed() {
		return false
	}
	n := uint64(len(dst))
	if n == 0 || n%tm.alignment != 0 {
		level.Error(tm.logger).Log("msg", "read size not a multiple of alignment", "size", n, "align", tm.alignment)
		tx.abort()
		return false
	}

	var ok bool
	if tx.readOnly {
		ok = tm.roRead(tx, src, dst)
	} else {
		ok = tm.rwRead(tx, src, dst)
	}
	if !ok {
		tm.metrics.aborts.WithLabelValues("read").Inc()
		tx.abort()
		return false
	}
	tm.metrics.bytesRead.Add(float64(n))
	return true
}

// Write buffers len(src) bytes to be stored at dst if the transaction
// commits. It copies src into a private buffer, records a single write entry
// and touches neither shared memory nor any lock.
func (tm *TM) Write(tx *Tx, src []byte, dst types.Address) bool {
	if tx == nil || tx.aborted || tm.isClosed() {
		return false
	}
	if tx.readOnly {
		level.Error(tm.logger).Log("msg", "write in read-only transaction", "tx", tx.id)
		tx.abort()
		return false
	}
	n := uint64(len(src))
	if n == 0 || n%tm.alignment != 0 {
		level.Error(tm.logger).Log("msg", "write size not a multiple of alignment", "size", n, "align", tm.alignment)
		tx.abort()
		return false
	}
	if _, ok := tm.resolve(tm.loadState(), dst, n); !ok {
		tx.abort()
		return false
	}

	private := make([]byte, n)
	copy(private, src)
	tx.addWrite(private, dst)
	return true
}

// Alloc creates a fresh segment of the given size and publishes it in the
// region. The pending-free list is reclaimed first, under the same lifecycle
// lock. On success the returned address points at the segment's first word.
func (tm *TM) Alloc(tx *Tx, size uint64) (types.Address, types.AllocResult) {
	if tm.isClosed() {
		return 0, types.AllocNomem
	}
	if size == 0 || size%tm.alignment != 0 || size > types.MaxOffset {
		level.Error(tm.logger).Log("msg", "invalid allocation size", "size", size, "align", tm.alignment)
		if tx != nil {
			tx.abort()
		}
		return 0, types.AllocAbort
	}

	tag := atomic.AddUint64(&tm.nextTag, 1) - 1
	if tag >= tm.maxSegments {
		level.Warn(tm.logger).Log("msg", "segment table exhausted", "max", tm.maxSegments)
		return 0, types.AllocNomem
	}
	seg := segment.New(uint16(tag), size, tm.alignment)

	if !tm.segmentLock.Acquire() {
		tm.metrics.aborts.WithLabelValues("alloc").Inc()
		if tx != nil {
			tx.abort()
		}
		return 0, types.AllocAbort
	}

	newS := tm.loadState().clone()
	reclaimed := newS.flush()
	newS.publish(seg)
	tm.s.Store(&newS)

	if !tm.segmentLock.Release() {
		level.Error(tm.logger).Log("msg", "released unheld segment lifecycle lock")
	}

	tm.metrics.flushed.Add(float64(reclaimed))
	tm.metrics.allocs.Inc()
	tm.metrics.liveSegments.Set(float64(len(newS.live)))
	return types.NewAddress(uint16(tag), 0), types.AllocSuccess
}

// Free marks the target's segment for deferred reclamation: it moves from
// the live list to the pending-free list and is reclaimed by the next
// successful Alloc. Freeing the initial segment is ignored.
func (tm *TM) Free(tx *Tx, target types.Address) bool {
	if tm.isClosed() {
		return false
	}
	if target.Tag() == 0 {
		level.Warn(tm.logger).Log("msg", "free of initial segment ignored")
		return true
	}
	seg, ok := tm.loadState().lookup(target.Tag())
	if !ok {
		level.Error(tm.logger).Log("msg", "free of unknown segment", "addr", target.String())
		return false
	}

	if !tm.segmentLock.Acquire() {
		tm.metrics.aborts.WithLabelValues("alloc").Inc()
		if tx != nil {
			tx.abort()
		}
		return false
	}

	newS := tm.loadState().clone()
	// A segment may be freed twice by racing transactions; only the first
	// move counts.
	moved := newS.deferFree(seg)
	if moved {
		tm.s.Store(&newS)
	}

	if !tm.segmentLock.Release() {
		level.Error(tm.logger).Log("msg", "released unheld segment lifecycle lock")
	}

	if moved {
		tm.metrics.frees.Inc()
		tm.metrics.liveSegments.Set(float64(len(newS.live)))
	}
	return true
}

// commit runs the five-phase TL2 commit pipeline for a read-write
// transaction with a non-empty write set. It never takes a global lock: the
// only synchronisation is the per-word locks and the clock bump.
func (tm *TM) commit(tx *Tx) bool {
	st := tm.loadState()

	// Phase 1: lock the write set in order, de-duplicating words shared by
	// several entries. On any failure release what we hold and abort.
	acquired := make([]*segment.VLock, 0, len(tx.writeSet))
	held := make(map[*segment.VLock]struct{}, len(tx.writeSet))
	for i := range tx.writeSet {
		e := &tx.writeSet[i]
		seg, ok := st.lookup(e.dest.Tag())
		if !ok {
			// The destination segment was freed and reclaimed under us.
			tm.releaseAll(acquired)
			tm.metrics.aborts.WithLabelValues("lock").Inc()
			return false
		}
		for off := uint64(0); off < e.size; off += tm.alignment {
			vl := seg.LockAt(e.dest.Offset() + off)
			if _, dup := held[vl]; dup {
				continue
			}
			if !vl.Acquire() {
				tm.releaseAll(acquired)
				tm.metrics.aborts.WithLabelValues("lock").Inc()
				return false
			}
			held[vl] = struct{}{}
			acquired = append(acquired, vl)
		}
	}

	// Phase 2: bump the clock. wv is this transaction's commit version.
	wv := atomic.AddUint64(&tm.clock, 1)

	// Phase 3: validate the read set. If wv == rv+1 no other transaction
	// committed since Begin and the reads cannot be stale.
	if wv != tx.rv+1 {
		for _, addr := range tx.readSet {
			seg, ok := st.lookup(addr.Tag())
			if !ok {
				tm.releaseAll(acquired)
				tm.metrics.aborts.WithLabelValues("validation").Inc()
				return false
			}
			locked, version := seg.LockAt(addr.Offset()).Sample()
			if version > tx.rv {
				tm.releaseAll(acquired)
				tm.metrics.aborts.WithLabelValues("validation").Inc()
				return false
			}
			if locked {
				if _, ours := held[seg.LockAt(addr.Offset())]; !ours {
					tm.releaseAll(acquired)
					tm.metrics.aborts.WithLabelValues("validation").Inc()
					return false
				}
			}
		}
	}

	// Phase 4: copy the private buffers into shared memory, in write order
	// so a later write to the same word wins.
	for i := range tx.writeSet {
		e := &tx.writeSet[i]
		seg, _ := st.lookup(e.dest.Tag())
		copy(seg.Bytes(e.dest.Offset(), e.size), e.src)
		e.src = nil
		tm.metrics.bytesWritten.Add(float64(e.size))
	}

	// Phase 5: install wv and release in one store per word.
	for _, vl := range acquired {
		vl.Publish(wv)
	}
	return true
}

// rwRead is the read path of a read-write transaction: serve each word from
// the write set if buffered there, otherwise sample its lock, record the
// read and copy the shared bytes.
func (tm *TM) rwRead(tx *Tx, src types.Address, dst []byte) bool {
	st := tm.loadState()
	seg, ok := tm.resolve(st, src, uint64(len(dst)))
	if !ok {
		return false
	}

	for off := uint64(0); off < uint64(len(dst)); off += tm.alignment {
		word := src.Add(off)
		if buf, hit := tx.findWrite(word, tm.alignment); hit {
			copy(dst[off:off+tm.alignment], buf)
			continue
		}
		locked, version := seg.LockAt(word.Offset()).Sample()
		if locked || version > tx.rv {
			return false
		}
		tx.addRead(word)
		copy(dst[off:off+tm.alignment], seg.Bytes(word.Offset(), tm.alignment))
	}
	return true
}

// roRead is the read path of a read-only transaction. Each word is copied
// and then its lock sampled; on observing a word locked or newer than rv the
// transaction revalidates its read set, advances rv to the current clock and
// retries, a bounded number of times.
func (tm *TM) roRead(tx *Tx, src types.Address, dst []byte) bool {
	st := tm.loadState()
	seg, ok := tm.resolve(st, src, uint64(len(dst)))
	if !ok {
		return false
	}

	attempts := 0
	for off := uint64(0); off < uint64(len(dst)); off += tm.alignment {
		word := src.Add(off)
		copy(dst[off:off+tm.alignment], seg.Bytes(word.Offset(), tm.alignment))
		for {
			locked, version := seg.LockAt(word.Offset()).Sample()
			if !locked && version <= tx.rv {
				break
			}
			now := atomic.LoadUint64(&tm.clock)
			if !tm.roValidate(tx) {
				return false
			}
			tx.rv = now
			copy(dst[off:off+tm.alignment], seg.Bytes(word.Offset(), tm.alignment))
			attempts++
			if attempts == roValidateAttempts {
				return false
			}
		}
		tx.addRead(word)
	}
	return true
}

// roValidate rechecks every word the read-only transaction has observed:
// all must be unlocked at a version no newer than rv for the transaction's
// snapshot to be extendable.
func (tm *TM) roValidate(tx *Tx) bool {
	st := tm.loadState()
	for _, addr := range tx.readSet {
		seg, ok := st.lookup(addr.Tag())
		if !ok {
			return false
		}
		locked, version := seg.LockAt(addr.Offset()).Sample()
		if locked || version > tx.rv {
			return false
		}
	}
	return true
}

// resolve maps an opaque address range onto its segment, reporting contract
// violations (unknown tag, out-of-range access) to the diagnostic stream.
func (tm *TM) resolve(st *state, addr types.Address, n uint64) (*segment.Segment, bool) {
	seg, ok := st.lookup(addr.Tag())
	if !ok {
		level.Error(tm.logger).Log("msg", "address in unknown segment", "addr", addr.String())
		return nil, false
	}
	if !seg.Contains(addr.Offset(), n) {
		level.Error(tm.logger).Log("msg", "access beyond segment bounds", "addr", addr.String(), "size", n, "segment_size", seg.Size())
		return nil, false
	}
	return seg, true
}

// releaseAll unwinds the locks acquired so far by a failed commit. A release
// of an unheld lock means the pipeline's lock discipline is broken.
func (tm *TM) releaseAll(acquired []*segment.VLock) {
	for _, vl := range acquired {
		if !vl.Release() {
			level.Error(tm.logger).Log("msg", "released unheld versioned lock")
		}
	}
}

func (tm *TM) loadState() *state {
	return tm.s.Load().(*state)
}

func (tm *TM) isClosed() bool {
	return atomic.LoadUint32(&tm.closed) != 0
}

// Stats is a point-in-time snapshot of the region's counters.
type Stats struct {
	Alignment       uint64
	Clock           uint64
	SegmentsCreated uint64
	LiveSegments    int
	PendingSegments int
	Transactions    uint64
}

// Stats samples the region's counters and segment bookkeeping.
func (tm *TM) Stats() Stats {
	st := tm.loadState()
	// nextTag also counts tags refused for exhaustion; those created nothing.
	created := atomic.LoadUint64(&tm.nextTag)
	if created > tm.maxSegments {
		created = tm.maxSegments
	}
	return Stats{
		Alignment:       tm.alignment,
		Clock:           atomic.LoadUint64(&tm.clock),
		SegmentsCreated: created,
		LiveSegments:    len(st.live),
		PendingSegments: len(st.pending),
		Transactions:    atomic.LoadUint64(&tm.nextTx),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("align=%d clock=%d segments=%d live=%d pending=%d txs=%d",
		s.Alignment, s.Clock, s.SegmentsCreated, s.LiveSegments, s.PendingSegments, s.Transactions)
}
