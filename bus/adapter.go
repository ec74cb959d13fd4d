// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"errors"
	"sync"
	"time"
)

// ErrNoQueue is returned when an adapter pushes before it was bound to a
// queue.
var ErrNoQueue = errors.New("adapter not bound to a queue")

// ErrQueueStopped is returned when a queue refused an envelope because it is
// shutting down.
var ErrQueueStopped = errors.New("queue stopped")

// Adapter is a unit of business logic bound to the bus.
type Adapter interface {
	// Process handles an addressed envelope.  Returning false asks the
	// queue to retry the envelope on a later sweep, so an implementation
	// that declines must not have produced side effects it cannot
	// repeat.
	Process(env *Envelope) bool

	// ProcessBroadcast handles an envelope without receiver.  The return
	// value is only used for accounting.
	ProcessBroadcast(env *Envelope) bool

	// SupportedUsers returns the identities the adapter serves.
	SupportedUsers() []User

	// Name returns a short name used in log lines.
	Name() string
}

// Pusher accepts envelopes for delivery.
type Pusher interface {
	PushFill(env *Envelope) bool
}

// QueueAware is implemented by adapters that push envelopes of their own.
// The queue hands itself to the adapter when the adapter is bound.
type QueueAware interface {
	SetQueue(q Pusher)
}

// Endpoint is embedded by adapters to send envelopes on behalf of their own
// identity.
type Endpoint struct {
	user User

	mtx   sync.RWMutex
	queue Pusher
}

// NewEndpoint returns an endpoint sending as user.
func NewEndpoint(user User) *Endpoint {
	return &Endpoint{user: user}
}

// User returns the identity envelopes are sent as.
func (e *Endpoint) User() User {
	return e.user
}

// SetQueue binds the endpoint to q.
func (e *Endpoint) SetQueue(q Pusher) {
	e.mtx.Lock()
	e.queue = q
	e.mtx.Unlock()
}

// Push hands env to the bound queue.
func (e *Endpoint) Push(env *Envelope) error {
	e.mtx.RLock()
	q := e.queue
	e.mtx.RUnlock()

	if q == nil {
		return ErrNoQueue
	}
	if !q.PushFill(env) {
		return ErrQueueStopped
	}
	return nil
}

// PushRequest sends payload to receiver and returns the envelope so the
// caller can correlate the response through its foreign id.
func (e *Endpoint) PushRequest(receiver User, payload []byte) (*Envelope,
	error) {

	env := NewEnvelope(e.user, receiver, payload)
	if err := e.Push(env); err != nil {
		return nil, err
	}
	return env, nil
}

// PushRequestAt sends payload to receiver once executeAt is reached.
func (e *Endpoint) PushRequestAt(receiver User, payload []byte,
	executeAt time.Time) (*Envelope, error) {

	env := NewEnvelopeAt(e.user, receiver, payload, executeAt)
	if err := e.Push(env); err != nil {
		return nil, err
	}
	return env, nil
}

// PushResponse answers request with payload.
func (e *Endpoint) PushResponse(request *Envelope, payload []byte) error {
	return e.Push(NewResponse(request, e.user, payload))
}

// PushBroadcast delivers payload to every other adapter.
func (e *Endpoint) PushBroadcast(payload []byte) error {
	return e.Push(NewBroadcast(e.user, payload))
}
