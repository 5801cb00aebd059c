// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	histwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/stretchr/testify/require"

	stm "github.com/dreamsxin/stm"
)

var errAborted = errors.New("transaction aborted")

func openRegion(tb testing.TB, words uint64) *stm.TM {
	tb.Helper()
	tm, err := stm.Create(words*8, 8)
	require.NoError(tb, err)
	tb.Cleanup(tm.Destroy)
	return tm
}

func BenchmarkCommit(b *testing.B) {
	writeCounts := []int{1, 4, 16}
	for _, n := range writeCounts {
		b.Run(fmt.Sprintf("words=%d", n), func(b *testing.B) {
			tm := openRegion(b, 64)
			var buf [8]byte
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				tx := tm.Begin(false)
				for w := 0; w < n; w++ {
					binary.LittleEndian.PutUint64(buf[:], uint64(i))
					if !tm.Write(tx, buf[:], tm.Start().Add(uint64(w)*8)) {
						b.Fatal("write failed")
					}
				}
				if !tm.End(tx) {
					b.Fatal("uncontended commit aborted")
				}
			}
		})
	}
}

func BenchmarkReadOnly(b *testing.B) {
	sizes := []int{1, 8, 64}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("words=%d", n), func(b *testing.B) {
			tm := openRegion(b, 64)
			dst := make([]byte, n*8)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				tx := tm.Begin(true)
				if !tm.Read(tx, tm.Start(), dst) {
					b.Fatal("uncontended read failed")
				}
				if !tm.End(tx) {
					b.Fatal("read-only end failed")
				}
			}
		})
	}
}

// stmRequester issues one read-modify-write transaction per request. Aborts
// surface as errors so the summary separates them from commits.
type stmRequester struct {
	tm    *stm.TM
	words uint64
	rng   *rand.Rand
}

func (r *stmRequester) Setup() error { return nil }

func (r *stmRequester) Request() error {
	word := uint64(r.rng.Intn(int(r.words)))
	addr := r.tm.Start().Add(word * 8)

	tx := r.tm.Begin(false)
	var buf [8]byte
	if !r.tm.Read(tx, addr, buf[:]) {
		r.tm.End(tx)
		return errAborted
	}
	binary.LittleEndian.PutUint64(buf[:], binary.LittleEndian.Uint64(buf[:])+1)
	if !r.tm.Write(tx, buf[:], addr) {
		r.tm.End(tx)
		return errAborted
	}
	if !r.tm.End(tx) {
		return errAborted
	}
	return nil
}

func (r *stmRequester) Teardown() error { return nil }

type stmRequesterFactory struct {
	tm    *stm.TM
	words uint64
}

func (f *stmRequesterFactory) GetRequester(number uint64) bench.Requester {
	return &stmRequester{
		tm:    f.tm,
		words: f.words,
		rng:   rand.New(rand.NewSource(int64(number))),
	}
}

// TestLatencyDistribution drives a sustained transactional load and writes
// an HDR latency distribution file for plotting. Skipped in -short runs.
func TestLatencyDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("latency run takes several seconds")
	}

	tm := openRegion(t, 64)
	factory := &stmRequesterFactory{tm: tm, words: 64}

	benchmark := bench.NewBenchmark(factory, 10000, 4, 5*time.Second, 0)
	summary, err := benchmark.Run()
	require.NoError(t, err)

	t.Logf("commits=%d aborts=%d elapsed=%s throughput=%.0f/s",
		summary.SuccessTotal, summary.ErrorTotal, summary.TimeElapsed, summary.Throughput)
	logQuantiles(t, summary.SuccessHistogram)

	out := filepath.Join(t.TempDir(), "stm-latency.txt")
	require.NoError(t, summary.GenerateLatencyDistribution(histwriter.Logarithmic, out))
	_, err = os.Stat(out)
	require.NoError(t, err)
}

func logQuantiles(t *testing.T, h *hdrhistogram.Histogram) {
	t.Helper()
	for _, q := range []float64{50, 99, 99.9} {
		t.Logf("p%-5v %s", q, time.Duration(h.ValueAtQuantile(q)))
	}
}
