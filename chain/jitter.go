// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// JitterTicker is a ticker whose period is drawn uniformly from
// [d*(1-scaler), d*(1+scaler)] on every tick.  The gateway uses it to spread
// reconnect attempts of many processes talking to the same backend.
type JitterTicker struct {
	// C receives ticks.  Ticks are dropped if nobody reads them.
	C <-chan time.Time

	c        chan time.Time
	duration time.Duration
	min      int64
	max      int64

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewJitterTicker returns a started JitterTicker.  It panics if jitter is
// negative.
func NewJitterTicker(d time.Duration, jitter float64) *JitterTicker {
	min, max := calculateMinMax(d, jitter)

	t := &JitterTicker{
		c:        make(chan time.Time, 1),
		duration: d,
		min:      min,
		max:      max,
		quit:     make(chan struct{}),
	}
	t.C = t.c

	t.wg.Add(1)
	go t.run()

	return t
}

// calculateMinMax returns the bounds of the tick period.  A negative lower
// bound is clamped to zero.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// Stop halts the ticker.  It is safe to call more than once.
func (jt *JitterTicker) Stop() {
	jt.stopOnce.Do(func() {
		close(jt.quit)
		jt.wg.Wait()
	})
}

// NOTE: This must be run as a goroutine.
func (jt *JitterTicker) run() {
	defer jt.wg.Done()

	timer := time.NewTimer(jt.next())
	defer timer.Stop()

	for {
		select {
		case t := <-timer.C:
			timer.Reset(jt.next())

			select {
			case jt.c <- t:
			default:
			}

		case <-jt.quit:
			return
		}
	}
}

// next returns a random period between min and max.
func (jt *JitterTicker) next() time.Duration {
	if jt.max == jt.min {
		return jt.duration
	}

	d := rand.Int63n(jt.max-jt.min) + jt.min //nolint:gosec
	return time.Duration(d)
}
