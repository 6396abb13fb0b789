// keys_test.go - Sphinx key set rotation lifecycle tests.
// SPDX-License-Identifier: AGPL-3.0-only
package keys

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewKeySetStartsSingleKeyEven(t *testing.T) {
	ks, err := NewKeySet(rand.Reader)
	require.NoError(t, err)
	defer ks.Close()

	snap := ks.Snapshot()
	require.Equal(t, StateSingleKey, snap.State)
	require.Equal(t, ParityEven, snap.Primary.Parity)
	require.Nil(t, snap.Secondary)
}

func TestSelectKnownParity(t *testing.T) {
	ks, err := NewKeySet(rand.Reader)
	require.NoError(t, err)
	defer ks.Close()

	snap := ks.Snapshot()
	view, err := snap.Select(true, false, false)
	require.NoError(t, err)
	require.Equal(t, ParityEven, view.Parity)
}

func TestSelectExpiredParity(t *testing.T) {
	ks, err := NewKeySet(rand.Reader)
	require.NoError(t, err)
	defer ks.Close()

	snap := ks.Snapshot()
	_, err = snap.Select(false, true, false)
	require.ErrorIs(t, err, ErrExpiredKey)
}

func TestSelectUnknownTriesPrimaryFirst(t *testing.T) {
	ks, err := NewKeySet(rand.Reader)
	require.NoError(t, err)
	defer ks.Close()

	snap := ks.Snapshot()
	view, err := snap.Select(false, false, true)
	require.NoError(t, err)
	require.Equal(t, snap.Primary.Public, view.Public)
}

func TestRotateEntersTransitioningThenSingleKey(t *testing.T) {
	ks, err := NewKeySet(rand.Reader)
	require.NoError(t, err)
	defer ks.Close()

	oldPrimary := ks.Snapshot().Primary

	_, expired, err := ks.Rotate(rand.Reader, time.Now())
	require.NoError(t, err)
	require.False(t, expired)

	snap := ks.Snapshot()
	require.Equal(t, StateTransitioning, snap.State)
	require.NotNil(t, snap.Secondary)
	require.Equal(t, oldPrimary.Public, snap.Secondary.Public)
	require.Equal(t, ParityOdd, snap.Primary.Parity)

	// Both old and new parity must resolve during transition.
	_, err = snap.Select(true, false, false)
	require.NoError(t, err)
	_, err = snap.Select(false, true, false)
	require.NoError(t, err)

	expiredEpoch, expired, err := ks.Rotate(rand.Reader, time.Now())
	require.NoError(t, err)
	require.True(t, expired)
	require.Equal(t, uint64(0), expiredEpoch)

	snap = ks.Snapshot()
	require.Equal(t, StateSingleKey, snap.State)
	require.Nil(t, snap.Secondary)

	_, err = snap.Select(true, false, false)
	require.ErrorIs(t, err, ErrExpiredKey)
}

func TestParityOther(t *testing.T) {
	require.Equal(t, ParityOdd, ParityEven.Other())
	require.Equal(t, ParityEven, ParityOdd.Other())
	require.Equal(t, ParityUnknown, ParityUnknown.Other())
}
