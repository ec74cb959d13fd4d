// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCalculateMinMax tests the calculation of the min and max jitter values.
func TestCalculateMinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration int64
		scaler   float64
		min      int64
		max      int64
		panics   bool
	}{
		{
			name:     "scaler is 0",
			duration: 1000,
			scaler:   0,
			min:      1000,
			max:      1000,
		},
		{
			name:     "scaler is 0.5",
			duration: 1000,
			scaler:   0.5,
			min:      500,
			max:      1500,
		},
		{
			name:     "scaler is 1",
			duration: 1000,
			scaler:   1,
			min:      0,
			max:      2000,
		},
		{
			name:     "scaler is greater than 1",
			duration: 1000,
			scaler:   1.5,
			min:      0,
			max:      2500,
		},
		{
			name:     "negative scaler",
			duration: 1000,
			scaler:   -0.5,
			panics:   true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if tc.panics {
				require.Panics(t, func() {
					calculateMinMax(
						time.Duration(tc.duration),
						tc.scaler,
					)
				})
				return
			}

			min, max := calculateMinMax(
				time.Duration(tc.duration), tc.scaler,
			)
			require.Equal(t, tc.min, min)
			require.Equal(t, tc.max, max)
		})
	}
}

// TestJitterTicker checks that consecutive ticks are at least the lower
// bound apart and that Stop can be called twice.
func TestJitterTicker(t *testing.T) {
	t.Parallel()

	ticker := NewJitterTicker(50*time.Millisecond, 0.2)

	var tickTimes []time.Time
	for i := 0; i < 4; i++ {
		select {
		case tickTime := <-ticker.C:
			tickTimes = append(tickTimes, tickTime)
		case <-time.After(5 * time.Second):
			t.Fatal("ticker did not tick")
		}
	}

	ticker.Stop()
	ticker.Stop()

	for i := 1; i < len(tickTimes); i++ {
		diff := tickTimes[i].Sub(tickTimes[i-1])
		require.GreaterOrEqual(t, diff, 40*time.Millisecond)
	}
}
