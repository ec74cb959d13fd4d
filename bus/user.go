// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import "fmt"

// UserKind describes the capability of an endpoint identity on the bus.
type UserKind uint8

const (
	// KindRegular is an ordinary addressable endpoint.
	KindRegular UserKind = iota

	// KindSystem is a privileged endpoint.  Control messages exchanged
	// between two system users are handled by the queue itself.
	KindSystem

	// KindSupervisor is an endpoint that is offered every envelope before
	// routing and may veto its delivery.
	KindSupervisor

	// KindFallback is the catch-all endpoint used when no explicit route
	// exists for a receiver.
	KindFallback

	// KindBroadcast marks an envelope as addressed to everybody.
	KindBroadcast
)

// String returns the kind as a human readable string.
func (k UserKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindSystem:
		return "system"
	case KindSupervisor:
		return "supervisor"
	case KindFallback:
		return "fallback"
	case KindBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// User is an addressable endpoint identity.  Users are small values that are
// created once at startup and compared by value.
type User struct {
	value int
	name  string
	kind  UserKind
}

// BroadcastUser is the receiver marker for envelopes addressed to every bound
// adapter.
var BroadcastUser = User{value: -1, name: "broadcast", kind: KindBroadcast}

// NewUser returns a regular endpoint identity.
func NewUser(value int, name string) User {
	return User{value: value, name: name, kind: KindRegular}
}

// NewSystemUser returns a privileged endpoint identity.
func NewSystemUser(value int, name string) User {
	return User{value: value, name: name, kind: KindSystem}
}

// NewSupervisorUser returns an identity that installs its adapter as the
// router's interceptor.
func NewSupervisorUser(value int, name string) User {
	return User{value: value, name: name, kind: KindSupervisor}
}

// NewFallbackUser returns an identity that installs its adapter as the
// router's default route.
func NewFallbackUser(value int, name string) User {
	return User{value: value, name: name, kind: KindFallback}
}

// Value returns the integer value of the identity.
func (u User) Value() int {
	return u.value
}

// Name returns the display name of the identity.
func (u User) Name() string {
	return u.name
}

// Kind returns the capability kind of the identity.
func (u User) Kind() UserKind {
	return u.kind
}

// IsSystem returns true for privileged endpoints.
func (u User) IsSystem() bool {
	return u.kind == KindSystem
}

// IsSupervisor returns true for interceptor endpoints.
func (u User) IsSupervisor() bool {
	return u.kind == KindSupervisor
}

// IsFallback returns true for the default route endpoint.
func (u User) IsFallback() bool {
	return u.kind == KindFallback
}

// IsBroadcast returns true for the broadcast marker.
func (u User) IsBroadcast() bool {
	return u.kind == KindBroadcast
}

// Equal returns true when both identities carry the same value and kind.
func (u User) Equal(other User) bool {
	return u.value == other.value && u.kind == other.kind
}

// String returns the name of the identity followed by its value.
func (u User) String() string {
	if u.name == "" {
		return fmt.Sprintf("user(%d)", u.value)
	}
	return fmt.Sprintf("%s(%d)", u.name, u.value)
}
