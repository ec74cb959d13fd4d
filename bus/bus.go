// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bus implements the in-process message bus every settlement
// subsystem communicates through.
//
// Envelopes are pushed into a Queue from any goroutine.  The queue assigns
// each envelope a monotonic sequence number and delivers it on its own
// goroutine to the adapters the Router resolves for the receiver.  Adapters
// that cannot handle an envelope yet decline it and get it again on the next
// sweep.  Envelopes dated in the future are held back until they are due.
package bus

import (
	"context"
	"sync"
)

// Starter is implemented by adapters that own goroutines of their own.
type Starter interface {
	Start()
	Stop()
}

// Bus ties a router and its queue together and manages the lifetime of the
// bound adapters.
type Bus struct {
	router *Router
	queue  *Queue

	mtx      sync.Mutex
	adapters []Adapter
}

// New creates a bus whose queue is named name.
func New(name string, cfg QueueConfig) *Bus {
	router := NewRouter()
	return &Bus{
		router: router,
		queue:  NewQueue(name, router, cfg),
	}
}

// Router returns the router of the bus.
func (b *Bus) Router() *Router {
	return b.router
}

// Queue returns the queue of the bus.
func (b *Bus) Queue() *Queue {
	return b.queue
}

// Bind registers adapter with the bus.
func (b *Bus) Bind(adapter Adapter) {
	b.mtx.Lock()
	b.adapters = append(b.adapters, adapter)
	b.mtx.Unlock()

	b.queue.Bind(adapter)
}

// Push hands env to the queue.
func (b *Bus) Push(env *Envelope) bool {
	return b.queue.PushFill(env)
}

// Start starts every adapter that owns goroutines and then the queue.
func (b *Bus) Start() {
	b.mtx.Lock()
	adapters := append([]Adapter(nil), b.adapters...)
	b.mtx.Unlock()

	for _, adapter := range adapters {
		if s, ok := adapter.(Starter); ok {
			s.Start()
		}
	}
	b.queue.Start()
}

// Stop terminates the queue first so nothing is delivered to adapters that
// are being stopped, then stops the adapters in reverse bind order.
func (b *Bus) Stop() {
	b.queue.Terminate()

	b.mtx.Lock()
	adapters := append([]Adapter(nil), b.adapters...)
	b.mtx.Unlock()

	for i := len(adapters) - 1; i >= 0; i-- {
		if s, ok := adapters[i].(Starter); ok {
			s.Stop()
		}
	}
}

// Run starts the bus and blocks until ctx is done, then stops it.
func (b *Bus) Run(ctx context.Context) error {
	b.Start()
	<-ctx.Done()
	b.Stop()
	return nil
}
