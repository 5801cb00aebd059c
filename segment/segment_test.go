// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSegmentZeroed(t *testing.T) {
	s := New(3, 64, 8)
	require.Equal(t, uint16(3), s.Tag())
	require.Equal(t, uint64(64), s.Size())
	require.Equal(t, uint64(8), s.Words())

	for _, b := range s.Bytes(0, 64) {
		require.Zero(t, b)
	}
	for w := uint64(0); w < s.Words(); w++ {
		locked, version := s.Lock(w).Sample()
		require.False(t, locked)
		require.Zero(t, version)
	}
}

func TestWordGeometry(t *testing.T) {
	s := New(0, 64, 8)
	require.Equal(t, uint64(0), s.WordIndex(0))
	require.Equal(t, uint64(0), s.WordIndex(7))
	require.Equal(t, uint64(1), s.WordIndex(8))
	require.Equal(t, uint64(7), s.WordIndex(63))
	require.Same(t, s.Lock(2), s.LockAt(16))
}

func TestContains(t *testing.T) {
	s := New(0, 64, 8)
	require.True(t, s.Contains(0, 64))
	require.True(t, s.Contains(56, 8))
	require.False(t, s.Contains(56, 16))
	require.False(t, s.Contains(64, 8))
	// Overflowing ranges must not wrap around.
	require.False(t, s.Contains(^uint64(0)-7, 16))
}

func TestBytesAliasSharedPayload(t *testing.T) {
	s := New(0, 32, 8)
	copy(s.Bytes(8, 8), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, s.Bytes(8, 8))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, s.Bytes(0, 8))
}

func TestLockedWords(t *testing.T) {
	s := New(0, 64, 8)
	require.Equal(t, uint64(0), s.LockedWords())
	require.True(t, s.Lock(1).Acquire())
	require.True(t, s.Lock(5).Acquire())
	require.Equal(t, uint64(2), s.LockedWords())
	require.True(t, s.Lock(1).Release())
	require.Equal(t, uint64(1), s.LockedWords())
}
