// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
	"math"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Reserved response ids.  Values at or above MinReservedID never refer to a
// request and are interpreted as delivery markers.
const (
	// GlobalBroadcast marks an envelope delivered to every adapter.
	GlobalBroadcast uint64 = math.MaxUint64

	// Publish marks an unsolicited envelope sent to a single subscriber.
	Publish uint64 = math.MaxUint64 - 1

	// Update marks a state update broadcast.
	Update uint64 = math.MaxUint64 - 2

	// Processed marks an envelope that has already been consumed and must
	// not be delivered again.
	Processed uint64 = math.MaxUint64 - 3

	// MinReservedID is the lowest reserved response id.
	MinReservedID uint64 = math.MaxUint64 - 15
)

// Envelope is the unit of delivery on the bus.  The id is assigned by the
// first queue that accepts the envelope.  The foreign id is kept across
// relays so a response can be matched to the request that caused it.
type Envelope struct {
	// Sender is the identity that produced the envelope.
	Sender User

	// Receiver is the addressed identity.  None means broadcast.
	Receiver fn.Option[User]

	// PostedAt is the time the envelope entered a queue.
	PostedAt time.Time

	// ExecuteAt is the earliest time the envelope may be delivered.  A
	// zero value means immediately.
	ExecuteAt time.Time

	// Payload is the opaque message body.
	Payload []byte

	id         uint64
	foreignID  uint64
	responseID uint64
}

// NewEnvelope creates a request addressed to receiver.
func NewEnvelope(sender, receiver User, payload []byte) *Envelope {
	return &Envelope{
		Sender:   sender,
		Receiver: fn.Some(receiver),
		Payload:  payload,
	}
}

// NewEnvelopeAt creates a request that is held back by the queue until
// executeAt.
func NewEnvelopeAt(sender, receiver User, payload []byte,
	executeAt time.Time) *Envelope {

	env := NewEnvelope(sender, receiver, payload)
	env.ExecuteAt = executeAt
	return env
}

// NewResponse creates the reply to request.  The reply is addressed to the
// request's sender and carries the request's foreign id as response id.
func NewResponse(request *Envelope, sender User, payload []byte) *Envelope {
	return &Envelope{
		Sender:     sender,
		Receiver:   fn.Some(request.Sender),
		Payload:    payload,
		responseID: request.ForeignID(),
	}
}

// NewBroadcast creates an envelope without receiver.
func NewBroadcast(sender User, payload []byte) *Envelope {
	return &Envelope{
		Sender:     sender,
		Receiver:   fn.None[User](),
		Payload:    payload,
		responseID: GlobalBroadcast,
	}
}

// NewPublish creates an unsolicited envelope addressed to a subscriber.
func NewPublish(sender, receiver User, payload []byte) *Envelope {
	env := NewEnvelope(sender, receiver, payload)
	env.responseID = Publish
	return env
}

// NewUpdate creates a state update delivered to every adapter.
func NewUpdate(sender User, payload []byte) *Envelope {
	env := NewBroadcast(sender, payload)
	env.responseID = Update
	return env
}

// ID returns the queue assigned sequence number, or 0 if the envelope has not
// been accepted by a queue yet.
func (e *Envelope) ID() uint64 {
	return e.id
}

// ForeignID returns the correlation id of the envelope.
func (e *Envelope) ForeignID() uint64 {
	return e.foreignID
}

// ResponseID returns the raw response id, which may be a reserved marker.
func (e *Envelope) ResponseID() uint64 {
	return e.responseID
}

// SetID assigns the sequence number.  The foreign id is initialized to the
// same value if it has not been set before.
func (e *Envelope) SetID(id uint64) {
	e.id = id
	if e.foreignID == 0 {
		e.foreignID = id
	}
}

// Relay returns a copy of the envelope suitable for pushing into another
// queue.  The id is reset so the new queue assigns its own sequence number
// while the foreign id is kept for correlation.
func (e *Envelope) Relay() *Envelope {
	relayed := *e
	relayed.id = 0
	return &relayed
}

// ResponseTo returns the foreign id of the request this envelope replies to.
// Zero is returned for requests and for envelopes carrying a reserved marker.
func (e *Envelope) ResponseTo() uint64 {
	if e.responseID >= MinReservedID {
		return 0
	}
	return e.responseID
}

// IsRequest returns true if the envelope does not answer another one.
func (e *Envelope) IsRequest() bool {
	return e.responseID == 0
}

// IsBroadcast returns true if the envelope has no concrete receiver.
func (e *Envelope) IsBroadcast() bool {
	receiver, ok := e.receiver()
	return !ok || receiver.IsBroadcast()
}

// IsPublish returns true for unsolicited single receiver envelopes.
func (e *Envelope) IsPublish() bool {
	return e.responseID == Publish
}

// IsUpdate returns true for state update broadcasts.
func (e *Envelope) IsUpdate() bool {
	return e.responseID == Update
}

// IsProcessed returns true if the envelope was marked as consumed.
func (e *Envelope) IsProcessed() bool {
	return e.responseID == Processed
}

// MarkProcessed flags the envelope as consumed.
func (e *Envelope) MarkProcessed() {
	e.responseID = Processed
}

// receiver unpacks the optional receiver.
func (e *Envelope) receiver() (User, bool) {
	var (
		user User
		ok   bool
	)
	e.Receiver.WhenSome(func(u User) {
		user = u
		ok = true
	})
	return user, ok
}

// ReceiverOr returns the receiver or def if the envelope is a broadcast.
func (e *Envelope) ReceiverOr(def User) User {
	return e.Receiver.UnwrapOr(def)
}

// String returns a short description used in log lines.
func (e *Envelope) String() string {
	receiver := e.ReceiverOr(BroadcastUser)
	return fmt.Sprintf("envelope(id=%d, foreign=%d, response=%d, %v -> "+
		"%v, %d bytes)", e.id, e.foreignID, e.responseID, e.Sender,
		receiver, len(e.Payload))
}
