// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMaxSegments is the default cap on segments ever created in one
	// region, the initial segment included. The hard limit is 1<<16, the
	// number of distinct tags an opaque address can carry.
	DefaultMaxSegments = 512

	hardMaxSegments = 1 << 16
)

// Option configures a TM created by Create.
type Option func(*TM)

// WithLogger sets the logger used for client contract violations and
// internal invariant failures. Defaults to a nop logger.
func WithLogger(logger log.Logger) Option {
	return func(tm *TM) {
		tm.logger = logger
	}
}

// WithMetricsRegisterer sets the prometheus registerer the region's metrics
// are registered with. Defaults to none (metrics are still counted, just not
// registered anywhere).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(tm *TM) {
		tm.reg = reg
	}
}

// WithMaxSegments caps how many segments the region may ever create. Values
// above 1<<16 are rejected since tags are 16 bits.
func WithMaxSegments(n uint64) Option {
	return func(tm *TM) {
		tm.maxSegments = n
	}
}

func (tm *TM) applyDefaultsAndValidate() error {
	if tm.logger == nil {
		tm.logger = log.NewNopLogger()
	}
	if tm.maxSegments == 0 {
		tm.maxSegments = DefaultMaxSegments
	}
	if tm.maxSegments > hardMaxSegments {
		return fmt.Errorf("max segments %d exceeds the %d tag limit", tm.maxSegments, hardMaxSegments)
	}
	tm.metrics = newTMMetrics(tm.reg)
	return nil
}
