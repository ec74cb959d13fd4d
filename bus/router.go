// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoRoute is returned when an addressed envelope has neither an explicit
// route nor a default route to fall back to.
var ErrNoRoute = errors.New("no route")

// Router maps endpoint identities to the adapters that serve them.
type Router struct {
	mtx sync.RWMutex

	// routes maps a user value to the adapter bound last for it.
	routes map[int]Adapter

	// adapters holds every bound adapter in bind order.
	adapters []Adapter

	supervisor   Adapter
	defaultRoute Adapter
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		routes: make(map[int]Adapter),
	}
}

// Bind registers adapter for every identity it supports.  An adapter
// declaring exactly one supervisor identity becomes the interceptor instead.
// Binding an identity that already has a route overrides the previous
// binding.
func (r *Router) Bind(adapter Adapter) {
	users := adapter.SupportedUsers()

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(users) == 1 && users[0].IsSupervisor() {
		if r.supervisor != nil {
			log.Criticalf("Supervisor %s replaced by %s",
				r.supervisor.Name(), adapter.Name())
		}
		r.supervisor = adapter
		return
	}

	for _, user := range users {
		if user.IsFallback() {
			if r.defaultRoute != nil && r.defaultRoute != adapter {
				log.Criticalf("Default route %s replaced by %s",
					r.defaultRoute.Name(), adapter.Name())
			}
			r.defaultRoute = adapter
		}

		if prev, ok := r.routes[user.Value()]; ok && prev != adapter {
			log.Criticalf("Route for %v already bound to %s, "+
				"overriding with %s", user, prev.Name(),
				adapter.Name())
		}
		r.routes[user.Value()] = adapter
	}

	for _, a := range r.adapters {
		if a == adapter {
			return
		}
	}
	r.adapters = append(r.adapters, adapter)
}

// Resolve returns the adapters env must be delivered to.  A nil slice with a
// nil error means the supervisor vetoed delivery.
func (r *Router) Resolve(env *Envelope) ([]Adapter, error) {
	r.mtx.RLock()
	supervisor := r.supervisor
	r.mtx.RUnlock()

	// The supervisor runs outside the lock so it may bind further
	// adapters from within Process.
	if supervisor != nil && !env.Sender.IsSystem() {
		if !supervisor.Process(env) {
			log.Debugf("Supervisor vetoed %v", env)
			return nil, nil
		}
	}

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if env.IsBroadcast() {
		return r.broadcastTargets(env.Sender), nil
	}

	receiver := env.ReceiverOr(BroadcastUser)
	if adapter, ok := r.routes[receiver.Value()]; ok {
		return []Adapter{adapter}, nil
	}
	if r.defaultRoute != nil {
		return []Adapter{r.defaultRoute}, nil
	}

	return nil, fmt.Errorf("%w for %v", ErrNoRoute, receiver)
}

// broadcastTargets returns every bound adapter except the sender's own, and
// the default route unless the sender is the fallback itself.  The caller
// must hold the read lock.
func (r *Router) broadcastTargets(sender User) []Adapter {
	var senderAdapter Adapter
	if !sender.IsSystem() {
		senderAdapter = r.routes[sender.Value()]
	}

	targets := make([]Adapter, 0, len(r.adapters)+1)
	for _, adapter := range r.adapters {
		if senderAdapter != nil && adapter == senderAdapter {
			continue
		}
		if adapter == r.defaultRoute {
			continue
		}
		targets = append(targets, adapter)
	}

	if r.defaultRoute != nil && !sender.IsFallback() &&
		r.defaultRoute != senderAdapter {

		targets = append(targets, r.defaultRoute)
	}

	return targets
}

// Supervisor returns the installed interceptor, if any.
func (r *Router) Supervisor() Adapter {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.supervisor
}

// DefaultRoute returns the installed fallback adapter, if any.
func (r *Router) DefaultRoute() Adapter {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.defaultRoute
}

// Adapters returns a copy of the bound adapters in bind order.
func (r *Router) Adapters() []Adapter {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	adapters := make([]Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	return adapters
}
