// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"bytes"
	"sync"
	"time"
)

var (
	// QuitCommand stops the queue that receives it.
	QuitCommand = []byte("QUIT")

	// ResetAccountingCommand clears the queue's processing statistics.
	ResetAccountingCommand = []byte("ACC_RESET")
)

// QueueUser is the system identity control envelopes are exchanged as.
var QueueUser = NewSystemUser(0, "queue")

// QueueConfig holds the tunables of a queue.
type QueueConfig struct {
	// PollInterval is the longest the loop sleeps before re-evaluating
	// deferred envelopes.
	PollInterval time.Duration

	// ReportInterval is the period of the accounting report.
	ReportInterval time.Duration

	// DeferredWarnThreshold is the deferred list length above which a
	// warning is logged.
	DeferredWarnThreshold int

	// DeferredWarnInterval limits how often that warning is repeated.
	DeferredWarnInterval time.Duration

	// Now returns the current time.  Tests override it to move deferred
	// envelopes forward.
	Now func() time.Time
}

// DefaultQueueConfig returns the production queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:          10 * time.Millisecond,
		ReportInterval:        600 * time.Second,
		DeferredWarnThreshold: 100,
		DeferredWarnInterval:  30 * time.Second,
		Now:                   time.Now,
	}
}

// Queue is a single goroutine event loop delivering envelopes to the
// adapters resolved by its router.  Any goroutine may push.
type Queue struct {
	name   string
	router *Router
	cfg    QueueConfig
	acc    *accounting

	// mtx guards the ingress state below.
	mtx      sync.Mutex
	fresh    []*Envelope
	nextID   uint64
	started  bool
	stopping bool
	signal   chan struct{}

	// The following fields are only touched by the loop goroutine.
	deferred      []*Envelope
	deferredIDs   map[uint64]struct{}
	lastProcessed uint64
	running       bool
	lastWarn      time.Time

	wg sync.WaitGroup
}

// NewQueue creates a queue delivering through router.  The queue must be
// started before it delivers anything, but envelopes may be pushed earlier.
func NewQueue(name string, router *Router, cfg QueueConfig) *Queue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultQueueConfig().PollInterval
	}

	return &Queue{
		name:        name,
		router:      router,
		cfg:         cfg,
		acc:         newAccounting(name),
		signal:      make(chan struct{}, 1),
		deferredIDs: make(map[uint64]struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Bind registers adapter with the router and hands the queue to adapters
// that push envelopes of their own.
func (q *Queue) Bind(adapter Adapter) {
	q.router.Bind(adapter)
	if aware, ok := adapter.(QueueAware); ok {
		aware.SetQueue(q)
	}
}

// Start launches the delivery loop.
func (q *Queue) Start() {
	q.mtx.Lock()
	if q.started {
		q.mtx.Unlock()
		return
	}
	q.started = true
	q.mtx.Unlock()

	q.running = true
	q.wg.Add(1)
	go q.loop()
}

// PushFill stamps env, assigns its sequence number if it has none and hands
// it to the loop.  It returns false once shutdown has begun.
func (q *Queue) PushFill(env *Envelope) bool {
	q.mtx.Lock()
	if q.stopping {
		q.mtx.Unlock()
		log.Debugf("Queue %s is stopping, refusing %v", q.name, env)
		return false
	}
	q.enqueue(env)
	q.mtx.Unlock()

	q.wake()
	return true
}

// enqueue must be called with the ingress lock held.
func (q *Queue) enqueue(env *Envelope) {
	if env.PostedAt.IsZero() {
		env.PostedAt = q.cfg.Now()
	}
	if env.ID() == 0 {
		q.nextID++
		env.SetID(q.nextID)
	}
	q.fresh = append(q.fresh, env)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Terminate pushes the quit command and waits for the loop to exit.
func (q *Queue) Terminate() {
	q.mtx.Lock()
	if !q.stopping {
		q.stopping = true
		quit := NewEnvelope(QueueUser, QueueUser, QuitCommand)
		q.enqueue(quit)
	}
	started := q.started
	q.mtx.Unlock()

	if !started {
		return
	}

	q.wake()
	q.wg.Wait()
}

// WaitForShutdown blocks until the loop exits.
func (q *Queue) WaitForShutdown() {
	q.wg.Wait()
}

// ResetAccounting asks the loop to clear its statistics.
func (q *Queue) ResetAccounting() bool {
	return q.PushFill(NewEnvelope(
		QueueUser, QueueUser, ResetAccountingCommand,
	))
}

// Stats returns the processing statistics keyed by destination bucket.
func (q *Queue) Stats() map[int]Stats {
	return q.acc.snapshot()
}

// loop is the delivery goroutine.
//
// NOTE: This must be run as a goroutine.
func (q *Queue) loop() {
	defer q.wg.Done()

	poll := time.NewTicker(q.cfg.PollInterval)
	defer poll.Stop()

	var report <-chan time.Time
	if q.cfg.ReportInterval > 0 {
		reportTicker := time.NewTicker(q.cfg.ReportInterval)
		defer reportTicker.Stop()
		report = reportTicker.C
	}

	log.Debugf("Queue %s started", q.name)

	for q.running {
		select {
		case <-q.signal:
		case <-poll.C:
		case <-report:
			q.acc.report()
			continue
		}

		q.sweepDeferred()
		if !q.running {
			break
		}

		q.mtx.Lock()
		batch := q.fresh
		q.fresh = nil
		q.mtx.Unlock()

		for i, env := range batch {
			q.processEnvelope(env)
			if !q.running {
				if rest := len(batch) - i - 1; rest > 0 {
					log.Warnf("Queue %s discarding %d %s "+
						"after quit", q.name, rest,
						pickNoun(rest, "envelope",
							"envelopes"))
				}
				break
			}
		}

		q.checkDeferred()
	}

	q.acc.report()
	if n := len(q.deferred); n > 0 {
		log.Warnf("Queue %s stopped with %d deferred %s", q.name, n,
			pickNoun(n, "envelope", "envelopes"))
	}
	log.Debugf("Queue %s stopped", q.name)
}

// sweepDeferred gives every deferred envelope one more delivery attempt.
func (q *Queue) sweepDeferred() {
	if len(q.deferred) == 0 {
		return
	}

	pending := q.deferred
	q.deferred = nil
	for _, env := range pending {
		if !q.running {
			q.deferred = append(q.deferred, env)
			continue
		}
		q.processEnvelope(env)
	}
}

// deferEnvelope moves env to the deferred list once.
func (q *Queue) deferEnvelope(env *Envelope) {
	if _, ok := q.deferredIDs[env.ID()]; ok {
		for _, d := range q.deferred {
			if d.ID() == env.ID() {
				return
			}
		}
	}
	q.deferredIDs[env.ID()] = struct{}{}
	q.deferred = append(q.deferred, env)
}

// accept decides whether env is due for delivery.  Deferred envelopes are
// always accepted once, anything else only if it is newer than the last
// processed one.
func (q *Queue) accept(env *Envelope) bool {
	if _, ok := q.deferredIDs[env.ID()]; ok {
		delete(q.deferredIDs, env.ID())
		return true
	}
	return env.ID() > q.lastProcessed
}

func (q *Queue) processEnvelope(env *Envelope) {
	if !env.ExecuteAt.IsZero() && env.ExecuteAt.After(q.cfg.Now()) {
		q.deferEnvelope(env)
		return
	}

	if !q.accept(env) {
		log.Warnf("Queue %s dropping stale %v (last processed %d)",
			q.name, env, q.lastProcessed)
		q.acc.dropped("stale")
		return
	}

	if env.ID() > q.lastProcessed {
		q.lastProcessed = env.ID()
	}

	if env.Sender.IsSystem() && !env.IsBroadcast() &&
		env.ReceiverOr(BroadcastUser).IsSystem() &&
		q.processControl(env) {

		return
	}

	adapters, err := q.router.Resolve(env)
	if err != nil {
		log.Errorf("Queue %s dropping %v: %v", q.name, env, err)
		q.acc.dropped("no_route")
		return
	}

	if env.IsBroadcast() {
		for _, adapter := range adapters {
			start := time.Now()
			adapter.ProcessBroadcast(env)
			q.acc.add(
				broadcastBucketOf(adapter), adapter.Name(),
				time.Since(start),
			)
		}
		return
	}

	receiver := env.ReceiverOr(BroadcastUser)
	for _, adapter := range adapters {
		start := time.Now()
		consumed := adapter.Process(env)
		q.acc.add(receiver.Value(), adapter.Name(), time.Since(start))

		if !consumed {
			log.Tracef("Queue %s: %s declined %v, deferring",
				q.name, adapter.Name(), env)
			q.deferEnvelope(env)
		}
	}
}

// processControl handles system to system commands.  It returns false for
// payloads that are not control commands so they are routed normally.
func (q *Queue) processControl(env *Envelope) bool {
	switch {
	case bytes.Equal(env.Payload, QuitCommand):
		log.Infof("Queue %s received quit", q.name)
		q.running = false
		return true

	case bytes.Equal(env.Payload, ResetAccountingCommand):
		log.Debugf("Queue %s resetting accounting", q.name)
		q.acc.reset()
		return true
	}

	return false
}

// checkDeferred publishes the deferred list length and warns when it grows
// too long.
func (q *Queue) checkDeferred() {
	n := len(q.deferred)
	q.acc.setDeferred(n)

	if q.cfg.DeferredWarnThreshold <= 0 ||
		n <= q.cfg.DeferredWarnThreshold {

		return
	}

	now := q.cfg.Now()
	if now.Sub(q.lastWarn) < q.cfg.DeferredWarnInterval {
		return
	}
	q.lastWarn = now
	log.Warnf("Queue %s has %d deferred envelopes", q.name, n)
}
