// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	userA        = NewUser(1, "a")
	userB        = NewUser(2, "b")
	userC        = NewUser(3, "c")
	fallbackUser = NewFallbackUser(10, "fallback")
	superUser    = NewSupervisorUser(11, "supervisor")
	systemUser   = NewSystemUser(12, "system")
)

// recordAdapter is an adapter that records every delivery and optionally
// declines the first attempts of every envelope.
type recordAdapter struct {
	name    string
	users   []User
	decline int

	mtx        sync.Mutex
	processed  []*Envelope
	broadcasts []*Envelope
	attempts   map[uint64]int
	veto       bool
}

func newRecordAdapter(name string, users ...User) *recordAdapter {
	return &recordAdapter{
		name:     name,
		users:    users,
		attempts: make(map[uint64]int),
	}
}

func (r *recordAdapter) Process(env *Envelope) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.veto {
		return false
	}

	r.attempts[env.ID()]++
	if r.attempts[env.ID()] <= r.decline {
		return false
	}
	r.processed = append(r.processed, env)
	return true
}

func (r *recordAdapter) ProcessBroadcast(env *Envelope) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.broadcasts = append(r.broadcasts, env)
	return true
}

func (r *recordAdapter) SupportedUsers() []User {
	return r.users
}

func (r *recordAdapter) Name() string {
	return r.name
}

func (r *recordAdapter) processedIDs() []uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ids := make([]uint64, 0, len(r.processed))
	for _, env := range r.processed {
		ids = append(ids, env.ID())
	}
	return ids
}

func (r *recordAdapter) numBroadcasts() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.broadcasts)
}

func (r *recordAdapter) attemptsFor(id uint64) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.attempts[id]
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

func testQueueConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ReportInterval = 0
	return cfg
}

func startQueue(t *testing.T, cfg QueueConfig,
	adapters ...Adapter) *Queue {

	t.Helper()

	q := NewQueue(t.Name(), NewRouter(), cfg)
	for _, a := range adapters {
		q.Bind(a)
	}
	q.Start()
	t.Cleanup(q.Terminate)

	return q
}

// TestEnvelopeIDs checks id assignment, relaying and response correlation.
func TestEnvelopeIDs(t *testing.T) {
	t.Parallel()

	req := NewEnvelope(userA, userB, []byte("ping"))
	require.True(t, req.IsRequest())
	require.False(t, req.IsBroadcast())
	require.Zero(t, req.ID())

	req.SetID(7)
	require.EqualValues(t, 7, req.ID())
	require.EqualValues(t, 7, req.ForeignID())

	// A relayed copy loses its id but keeps the correlation id.
	relayed := req.Relay()
	require.Zero(t, relayed.ID())
	require.EqualValues(t, 7, relayed.ForeignID())
	relayed.SetID(42)
	require.EqualValues(t, 42, relayed.ID())
	require.EqualValues(t, 7, relayed.ForeignID())

	resp := NewResponse(relayed, userB, []byte("pong"))
	require.EqualValues(t, 7, resp.ResponseTo())
	require.True(t, resp.ReceiverOr(BroadcastUser).Equal(userA))
	require.False(t, resp.IsRequest())

	bcast := NewBroadcast(userA, nil)
	require.True(t, bcast.IsBroadcast())
	require.Zero(t, bcast.ResponseTo())

	update := NewUpdate(userA, nil)
	require.True(t, update.IsUpdate())
	require.Zero(t, update.ResponseTo())

	pub := NewPublish(userA, userB, nil)
	require.True(t, pub.IsPublish())
	require.False(t, pub.IsBroadcast())
	require.Zero(t, pub.ResponseTo())

	pub.MarkProcessed()
	require.True(t, pub.IsProcessed())
}

// TestRouterResolve checks exact match priority, default routes, broadcast
// fan out and the no route error.
func TestRouterResolve(t *testing.T) {
	t.Parallel()

	a := newRecordAdapter("a", userA)
	b := newRecordAdapter("b", userB)
	fallback := newRecordAdapter("fallback", fallbackUser)

	r := NewRouter()
	r.Bind(a)
	r.Bind(b)

	// Without a default route an unknown receiver cannot be resolved.
	_, err := r.Resolve(NewEnvelope(userA, userC, nil))
	require.ErrorIs(t, err, ErrNoRoute)

	r.Bind(fallback)
	require.Equal(t, fallback, r.DefaultRoute())

	// Exact routes always win over the default route.
	targets, err := r.Resolve(NewEnvelope(userA, userB, nil))
	require.NoError(t, err)
	require.Equal(t, []Adapter{b}, targets)

	targets, err = r.Resolve(NewEnvelope(userA, userC, nil))
	require.NoError(t, err)
	require.Equal(t, []Adapter{fallback}, targets)

	// Broadcasts skip the sender but include the default route.
	targets, err = r.Resolve(NewBroadcast(userA, nil))
	require.NoError(t, err)
	require.ElementsMatch(t, []Adapter{b, fallback}, targets)

	// A broadcast from the fallback is not echoed back to it.
	targets, err = r.Resolve(NewBroadcast(fallbackUser, nil))
	require.NoError(t, err)
	require.ElementsMatch(t, []Adapter{a, b}, targets)

	// System senders reach everybody.
	targets, err = r.Resolve(NewBroadcast(systemUser, nil))
	require.NoError(t, err)
	require.ElementsMatch(t, []Adapter{a, b, fallback}, targets)
}

// TestRouterRebind checks that the last binding of an identity wins.
func TestRouterRebind(t *testing.T) {
	t.Parallel()

	first := newRecordAdapter("first", userA)
	second := newRecordAdapter("second", userA)

	r := NewRouter()
	r.Bind(first)
	r.Bind(second)

	targets, err := r.Resolve(NewEnvelope(userB, userA, nil))
	require.NoError(t, err)
	require.Equal(t, []Adapter{second}, targets)
}

// TestRouterSupervisor checks that a supervisor is installed as interceptor
// and may veto delivery.
func TestRouterSupervisor(t *testing.T) {
	t.Parallel()

	a := newRecordAdapter("a", userA)
	super := newRecordAdapter("super", superUser)

	r := NewRouter()
	r.Bind(a)
	r.Bind(super)
	require.Equal(t, super, r.Supervisor())
	require.Len(t, r.Adapters(), 1)

	targets, err := r.Resolve(NewEnvelope(userB, userA, nil))
	require.NoError(t, err)
	require.Equal(t, []Adapter{a}, targets)

	super.mtx.Lock()
	super.veto = true
	super.mtx.Unlock()

	targets, err = r.Resolve(NewEnvelope(userB, userA, nil))
	require.NoError(t, err)
	require.Nil(t, targets)

	// System traffic bypasses the supervisor.
	targets, err = r.Resolve(NewEnvelope(systemUser, userA, nil))
	require.NoError(t, err)
	require.Equal(t, []Adapter{a}, targets)
}

// TestQueueMonotonicIDs checks that processed ids are strictly increasing
// and never reused across concurrent producers.
func TestQueueMonotonicIDs(t *testing.T) {
	t.Parallel()

	b := newRecordAdapter("b", userB)
	q := startQueue(t, testQueueConfig(), b)

	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if !q.PushFill(NewEnvelope(userA, userB, nil)) {
					t.Error("push refused")
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == producers*perProducer
	}, 5*time.Second, 5*time.Millisecond)

	ids := b.processedIDs()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}
}

// TestQueueDeclinedRetry checks that a declined envelope is retried with the
// same id and processed exactly once.
func TestQueueDeclinedRetry(t *testing.T) {
	t.Parallel()

	b := newRecordAdapter("b", userB)
	b.decline = 2
	q := startQueue(t, testQueueConfig(), b)

	env := NewEnvelope(userA, userB, []byte("retry"))
	require.True(t, q.PushFill(env))

	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, []uint64{env.ID()}, b.processedIDs())
	require.Equal(t, 3, b.attemptsFor(env.ID()))

	// Give the loop time to run more sweeps; the envelope must not be
	// delivered again.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, b.attemptsFor(env.ID()))
}

// TestQueueStaleDropped checks that an envelope carrying an already
// processed id is dropped.
func TestQueueStaleDropped(t *testing.T) {
	t.Parallel()

	b := newRecordAdapter("b", userB)
	q := startQueue(t, testQueueConfig(), b)

	for i := 0; i < 3; i++ {
		require.True(t, q.PushFill(NewEnvelope(userA, userB, nil)))
	}
	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	replay := NewEnvelope(userA, userB, nil)
	replay.SetID(2)
	require.True(t, q.PushFill(replay))

	fresh := NewEnvelope(userA, userB, nil)
	require.True(t, q.PushFill(fresh))

	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 4
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, fresh.ID(), b.processedIDs()[3])
}

// TestQueueScheduledDelivery checks that future dated envelopes are held
// back without blocking other traffic.
func TestQueueScheduledDelivery(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := testQueueConfig()
	cfg.Now = clock.Now

	b := newRecordAdapter("b", userB)
	q := startQueue(t, cfg, b)

	later := NewEnvelopeAt(
		userA, userB, []byte("later"), clock.Now().Add(time.Minute),
	)
	require.True(t, q.PushFill(later))
	require.Equal(t, clock.Now(), later.PostedAt)

	now := NewEnvelope(userA, userB, []byte("now"))
	require.True(t, q.PushFill(now))

	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{now.ID()}, b.processedIDs())

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{now.ID(), later.ID()}, b.processedIDs())
}

// TestQueueControl checks the quit and accounting reset commands.
func TestQueueControl(t *testing.T) {
	t.Parallel()

	a := newRecordAdapter("a", userA)
	b := newRecordAdapter("b", userB)
	q := NewQueue(t.Name(), NewRouter(), testQueueConfig())
	q.Bind(a)
	q.Bind(b)
	q.Start()

	require.True(t, q.PushFill(NewEnvelope(userA, userB, nil)))
	require.True(t, q.PushFill(NewBroadcast(userA, nil)))

	require.Eventually(t, func() bool {
		stats := q.Stats()
		_, addressed := stats[userB.Value()]
		_, bcast := stats[broadcastBucket+userB.Value()]
		return addressed && bcast
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, b.numBroadcasts())
	require.Zero(t, a.numBroadcasts())

	require.True(t, q.ResetAccounting())
	require.Eventually(t, func() bool {
		return len(q.Stats()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	q.Terminate()
	require.False(t, q.PushFill(NewEnvelope(userA, userB, nil)))
}

// TestQueueBroadcastAccounting checks that broadcast deliveries are
// accounted per target adapter.
func TestQueueBroadcastAccounting(t *testing.T) {
	t.Parallel()

	a := newRecordAdapter("a", userA)
	b := newRecordAdapter("b", userB)
	c := newRecordAdapter("c", userC)
	q := startQueue(t, testQueueConfig(), a, b, c)

	require.True(t, q.PushFill(NewBroadcast(userA, nil)))
	require.True(t, q.PushFill(NewBroadcast(userA, nil)))

	require.Eventually(t, func() bool {
		return b.numBroadcasts() == 2 && c.numBroadcasts() == 2
	}, 5*time.Second, 5*time.Millisecond)

	bucketB := broadcastBucket + userB.Value()
	bucketC := broadcastBucket + userC.Value()
	require.Eventually(t, func() bool {
		stats := q.Stats()
		return stats[bucketB].Count == 2 && stats[bucketC].Count == 2
	}, 5*time.Second, 5*time.Millisecond)

	stats := q.Stats()
	require.Len(t, stats, 2)
	for _, target := range []*recordAdapter{b, c} {
		s, ok := stats[broadcastBucket+target.users[0].Value()]
		require.True(t, ok, target.name)
		require.Equal(t, target.name, s.Destination)
		require.Equal(t, 2, s.Count)
	}
	_, ok := stats[broadcastBucket+userA.Value()]
	require.False(t, ok)
}

// TestThreadedAdapterRetry checks that envelopes declined by a threaded
// processor are retried after the FIFO drains.
func TestThreadedAdapterRetry(t *testing.T) {
	t.Parallel()

	var (
		mtx      sync.Mutex
		attempts = make(map[string]int)
		done     []string
	)
	proc := EnvelopeProcessorFunc(func(env *Envelope) bool {
		mtx.Lock()
		defer mtx.Unlock()

		key := string(env.Payload)
		attempts[key]++
		if key == "slow" && attempts[key] < 3 {
			return false
		}
		done = append(done, key)
		return true
	})

	ta := NewThreadedAdapter("threaded", []User{userB}, proc)
	ta.Start()
	t.Cleanup(ta.Stop)

	q := startQueue(t, testQueueConfig(), ta)
	require.True(t, q.PushFill(NewEnvelope(userA, userB, []byte("slow"))))
	require.True(t, q.PushFill(NewEnvelope(userA, userB, []byte("fast"))))

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(done) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mtx.Lock()
	defer mtx.Unlock()
	require.ElementsMatch(t, []string{"fast", "slow"}, done)
	require.Equal(t, 3, attempts["slow"])
	require.Equal(t, 1, attempts["fast"])
}

// TestEndpointPush checks that an adapter bound to a queue can send on its
// own behalf.
func TestEndpointPush(t *testing.T) {
	t.Parallel()

	ep := NewEndpoint(userA)
	_, err := ep.PushRequest(userB, nil)
	require.ErrorIs(t, err, ErrNoQueue)

	b := newRecordAdapter("b", userB)
	q := startQueue(t, testQueueConfig(), b)
	ep.SetQueue(q)

	env, err := ep.PushRequest(userB, []byte("hello"))
	require.NoError(t, err)
	require.NotZero(t, env.ID())

	require.Eventually(t, func() bool {
		return len(b.processedIDs()) == 1
	}, 5*time.Second, 5*time.Millisecond)
}
