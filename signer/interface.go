// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

var (
	// ErrUnknownRequest is returned for request ids the backend does not
	// track.
	ErrUnknownRequest = errors.New("unknown sign request")

	// ErrUnknownKey is returned by a KeyRing that holds no private key for
	// a public key.
	ErrUnknownKey = errors.New("unknown key")

	// ErrInvalidRequest is returned when a request has nothing to sign.
	ErrInvalidRequest = errors.New("invalid sign request")

	// ErrSignerStopped is returned once the backend was stopped.
	ErrSignerStopped = errors.New("signer stopped")
)

// Mode selects what a completed request delivers.
type Mode uint8

const (
	// ModeFull finalizes the packet and delivers the serialized network
	// transaction.
	ModeFull Mode = iota

	// ModePartial delivers the serialized packet with the signatures
	// added, for a counterparty to complete.
	ModePartial
)

// String returns the mode as a human-readable name.
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ErrorCode classifies the outcome of a sign request.
type ErrorCode uint8

const (
	// CodeSuccess means the signed payload is delivered.
	CodeSuccess ErrorCode = iota

	// CodeRejected means signing was not authorized.
	CodeRejected

	// CodeTimeout means authorization did not arrive in time.
	CodeTimeout

	// CodeMissingKey means no input could be signed.
	CodeMissingKey

	// CodeIncomplete means the packet could not be finalized with the
	// signatures available.
	CodeIncomplete

	// CodeFailed means signing failed for any other reason.
	CodeFailed
)

// String returns the code as a human-readable name.
func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeRejected:
		return "rejected"
	case CodeTimeout:
		return "timeout"
	case CodeMissingKey:
		return "missing key"
	case CodeIncomplete:
		return "incomplete"
	case CodeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metadata describes a request to whoever authorizes it.
type Metadata struct {
	// SettlementID is the settlement the request belongs to.
	SettlementID string

	// Description is a short summary of the transaction.
	Description string
}

// CompletionFunc receives the outcome of a sign request.  It is invoked
// exactly once per request that was neither cancelled nor outstanding at
// shutdown.
type CompletionFunc func(reqID string, signed []byte, code ErrorCode,
	msg string)

// Backend signs settlement transactions.  Requests are held until signing is
// allowed for them.
type Backend interface {
	// SignTransaction queues packet for signing and returns the request
	// id the completion will carry.  The request expires when ctx is
	// done before signing was allowed.
	SignTransaction(ctx context.Context, packet *psbt.Packet, meta Metadata,
		mode Mode) (string, error)

	// SetSigningAllowed authorizes or rejects a queued request.
	SetSigningAllowed(reqID string, allowed bool) error

	// Cancel drops a queued request without completion.
	Cancel(reqID string) bool
}

// KeyRing provides the private keys a signer signs with.
type KeyRing interface {
	// PrivKeyForPubKey returns the private key of the serialized
	// compressed public key, or ErrUnknownKey.
	PrivKeyForPubKey(pubKey []byte) (*btcec.PrivateKey, error)
}
