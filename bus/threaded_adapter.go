// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"sync"
	"time"
)

// EnvelopeProcessor is the business logic run by a ThreadedAdapter on its own
// worker goroutine.
type EnvelopeProcessor interface {
	// ProcessEnvelope handles an addressed or broadcast envelope.
	// Returning false keeps the envelope on the adapter's deferred list
	// until the FIFO has drained.
	ProcessEnvelope(env *Envelope) bool
}

// EnvelopeProcessorFunc adapts a function to the EnvelopeProcessor
// interface.
type EnvelopeProcessorFunc func(env *Envelope) bool

// ProcessEnvelope calls f(env).
func (f EnvelopeProcessorFunc) ProcessEnvelope(env *Envelope) bool {
	return f(env)
}

// ThreadedAdapter decouples the queue goroutine from adapter work.  Every
// delivered envelope is copied into a FIFO drained by a dedicated worker.
type ThreadedAdapter struct {
	*Endpoint

	name  string
	users []User
	proc  EnvelopeProcessor

	// retryInterval bounds how long declined envelopes wait when no new
	// work arrives.
	retryInterval time.Duration

	mtx    sync.Mutex
	fifo   []*Envelope
	signal chan struct{}

	// deferred is only touched by the worker goroutine.
	deferred []*Envelope

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// A compile-time check to ensure that ThreadedAdapter satisfies the Adapter
// interface.
var _ Adapter = (*ThreadedAdapter)(nil)

// NewThreadedAdapter creates an adapter named name serving users.  The first
// user is the identity the adapter sends as.
func NewThreadedAdapter(name string, users []User,
	proc EnvelopeProcessor) *ThreadedAdapter {

	var self User
	if len(users) > 0 {
		self = users[0]
	}

	return &ThreadedAdapter{
		Endpoint:      NewEndpoint(self),
		name:          name,
		users:         users,
		proc:          proc,
		retryInterval: 10 * time.Millisecond,
		signal:        make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
}

// Name returns the adapter name.
func (t *ThreadedAdapter) Name() string {
	return t.name
}

// SupportedUsers returns the identities the adapter serves.
func (t *ThreadedAdapter) SupportedUsers() []User {
	return t.users
}

// Process queues env for the worker.  The envelope is always consumed from
// the point of view of the bus.
func (t *ThreadedAdapter) Process(env *Envelope) bool {
	t.push(env)
	return true
}

// ProcessBroadcast queues env for the worker.
func (t *ThreadedAdapter) ProcessBroadcast(env *Envelope) bool {
	t.push(env)
	return true
}

func (t *ThreadedAdapter) push(env *Envelope) {
	cp := *env

	t.mtx.Lock()
	t.fifo = append(t.fifo, &cp)
	t.mtx.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of envelopes waiting in the FIFO.
func (t *ThreadedAdapter) Pending() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return len(t.fifo)
}

// Start launches the worker goroutine.
func (t *ThreadedAdapter) Start() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.started {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.worker()
}

// Stop signals the worker to exit and waits for it.  Envelopes still queued
// are discarded.
func (t *ThreadedAdapter) Stop() {
	t.mtx.Lock()
	select {
	case <-t.quit:
		t.mtx.Unlock()
		return
	default:
	}
	close(t.quit)
	t.mtx.Unlock()

	t.wg.Wait()
}

// worker drains the FIFO and retries declined envelopes once it is empty.
//
// NOTE: This must be run as a goroutine.
func (t *ThreadedAdapter) worker() {
	defer t.wg.Done()

	retry := time.NewTimer(t.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-t.signal:
		case <-retry.C:
		case <-t.quit:
			if n := len(t.deferred); n > 0 {
				log.Debugf("Adapter %s stopped with %d deferred "+
					"%s", t.name, n, pickNoun(n, "envelope",
					"envelopes"))
			}
			return
		}

		t.mtx.Lock()
		batch := t.fifo
		t.fifo = nil
		t.mtx.Unlock()

		var declined []*Envelope
		for _, env := range batch {
			if !t.proc.ProcessEnvelope(env) {
				declined = append(declined, env)
			}
		}

		// Envelopes declined in this round wait for the next one.
		if t.Pending() == 0 && len(t.deferred) > 0 {
			pending := t.deferred
			t.deferred = nil
			for _, env := range pending {
				if !t.proc.ProcessEnvelope(env) {
					t.deferred = append(t.deferred, env)
				}
			}
		}
		t.deferred = append(t.deferred, declined...)

		if !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
		retry.Reset(t.retryInterval)
	}
}
