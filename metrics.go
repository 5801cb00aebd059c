// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type tmMetrics struct {
	begins       *prometheus.CounterVec
	commits      prometheus.Counter
	aborts       *prometheus.CounterVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	allocs       prometheus.Counter
	frees        prometheus.Counter
	flushed      prometheus.Counter
	liveSegments prometheus.Gauge
}

func newTMMetrics(reg prometheus.Registerer) *tmMetrics {
	return &tmMetrics{
		begins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_begun",
				Help: "transactions_begun counts calls to Begin, labelled by" +
					" whether the transaction was read-only.",
			},
			[]string{"readonly"},
		),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transactions_committed",
			Help: "transactions_committed counts transactions whose End" +
				" reported success.",
		}),
		aborts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_aborted",
				Help: "transactions_aborted counts aborted transactions by" +
					" cause: lock (write-set lock acquisition failed)," +
					" validation (read-set validation failed), read (a read" +
					" observed a locked or newer word) or alloc (segment" +
					" lifecycle lock acquisition failed).",
			},
			[]string{"cause"},
		),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shared_bytes_read",
			Help: "shared_bytes_read counts payload bytes copied out of the" +
				" shared region by successful Read calls.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shared_bytes_written",
			Help: "shared_bytes_written counts payload bytes copied into the" +
				" shared region by committing transactions.",
		}),
		allocs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_allocated",
			Help: "segments_allocated counts segments published by Alloc.",
		}),
		frees: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_freed",
			Help: "segments_freed counts segments moved to the pending-free" +
				" list by Free.",
		}),
		flushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_reclaimed",
			Help: "segments_reclaimed counts pending-free segments reclaimed" +
				" by a later Alloc.",
		}),
		liveSegments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "segments_live",
			Help: "segments_live is the number of segments currently" +
				" reachable by new transactions, including the initial" +
				" segment.",
		}),
	}
}
