// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reservation

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultSweepInterval is how often expired reservations are looked
	// for.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultMaxAge is the age after which a reservation is considered
	// abandoned.
	DefaultMaxAge = time.Hour
)

// Sweeper periodically force releases reservations whose owner never
// released them, e.g. because a settlement crashed mid-flight.
type Sweeper struct {
	svc    *Service
	ticker ticker.Ticker
	maxAge time.Duration

	// swept receives the number of released slices after every sweep
	// that released anything.  It may be nil.
	swept chan int

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper releasing reservations of svc older than
// maxAge on every tick of t.
func NewSweeper(svc *Service, t ticker.Ticker, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		svc:    svc,
		ticker: t,
		maxAge: maxAge,
		quit:   make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (s *Sweeper) Start() {
	s.started.Do(func() {
		s.ticker.Resume()
		s.wg.Add(1)
		go s.sweep()
	})
}

// Stop halts the sweep goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.ticker.Stop()
	})
}

// NOTE: This must be run as a goroutine.
func (s *Sweeper) sweep() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.Ticks():
			n := s.svc.Cleanup(s.maxAge)
			if n == 0 {
				continue
			}

			log.Infof("Released %d expired %s", n,
				pickNoun(n, "reservation", "reservations"))

			if s.swept != nil {
				select {
				case s.swept <- n:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			return
		}
	}
}
