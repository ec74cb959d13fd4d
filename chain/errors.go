// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotReady is returned when a request is made before the gateway
	// reached StateReady.
	ErrNotReady = errors.New("gateway not ready")

	// ErrGatewayStopped is returned for requests made after Stop.
	ErrGatewayStopped = errors.New("gateway stopped")

	// ErrBroadcastTimeout is reported when the backend did not answer a
	// push in time.
	ErrBroadcastTimeout = errors.New("broadcast timed out")

	// ErrMismatchedNetwork is returned by Start when the backend runs on
	// another network.
	ErrMismatchedNetwork = errors.New("mismatched networks")
)

// BroadcastResult is the classified outcome of pushing a transaction.
type BroadcastResult uint8

const (
	// BroadcastSuccess means the backend accepted the transaction.
	BroadcastSuccess BroadcastResult = iota

	// BroadcastAlreadyInChain means the transaction is mined already.
	BroadcastAlreadyInChain

	// BroadcastAlreadyInMempool means somebody else broadcast the same
	// transaction first.
	BroadcastAlreadyInMempool

	// BroadcastMempoolConflict means another unconfirmed transaction
	// spends one of the inputs, or an input is missing.
	BroadcastMempoolConflict

	// BroadcastConsensusViolation means the transaction can never be
	// mined.
	BroadcastConsensusViolation

	// BroadcastInsufficientFee means the transaction breaks relay fee
	// policy.
	BroadcastInsufficientFee

	// BroadcastTimedOut means the backend never answered.
	BroadcastTimedOut

	// BroadcastOther is any rejection not classified above.
	BroadcastOther

	// broadcastSentinel is used to check all results are covered by
	// String.  Must be the last item.
	broadcastSentinel
)

// String returns a human readable name of the result.
func (r BroadcastResult) String() string {
	switch r {
	case BroadcastSuccess:
		return "success"
	case BroadcastAlreadyInChain:
		return "already in chain"
	case BroadcastAlreadyInMempool:
		return "already in mempool"
	case BroadcastMempoolConflict:
		return "mempool conflict"
	case BroadcastConsensusViolation:
		return "consensus violation"
	case BroadcastInsufficientFee:
		return "insufficient fee"
	case BroadcastTimedOut:
		return "timeout"
	case BroadcastOther:
		return "other error"
	default:
		return "unknown result"
	}
}

// IsAccepted returns true if the transaction is known to the network after
// the push, whoever broadcast it.
func (r BroadcastResult) IsAccepted() bool {
	switch r {
	case BroadcastSuccess, BroadcastAlreadyInChain,
		BroadcastAlreadyInMempool:

		return true

	default:
		return false
	}
}

// IsFatal returns true if pushing the same transaction again cannot succeed.
// Insufficient fee is fatal as there is no fee bumping.
func (r BroadcastResult) IsFatal() bool {
	return !r.IsAccepted() && r != BroadcastTimedOut
}

// rejectPattern maps a reject reason reported by btcd or bitcoind to a
// result.
type rejectPattern struct {
	reason string
	result BroadcastResult
}

// rejectPatterns is matched in order, so more specific reasons come first.
var rejectPatterns = []rejectPattern{
	// bitcoind.
	{"txn-already-in-mempool", BroadcastAlreadyInMempool},
	{"txn-already-known", BroadcastAlreadyInMempool},
	{"transaction already in block chain", BroadcastAlreadyInChain},
	{"transaction outputs already in utxo set", BroadcastAlreadyInChain},
	{"txn-mempool-conflict", BroadcastMempoolConflict},
	{"bad-txns-spends-conflicting-tx", BroadcastMempoolConflict},
	{"bad-txns-inputs-missingorspent", BroadcastMempoolConflict},
	{"missing-inputs", BroadcastMempoolConflict},
	{"min relay fee not met", BroadcastInsufficientFee},
	{"mempool min fee not met", BroadcastInsufficientFee},
	{"insufficient fee", BroadcastInsufficientFee},
	{"non-mandatory-script-verify-flag", BroadcastConsensusViolation},
	{"mandatory-script-verify-flag-failed", BroadcastConsensusViolation},
	{"bad-txns", BroadcastConsensusViolation},

	// btcd.
	{"already have transaction", BroadcastAlreadyInMempool},
	{"transaction already exists", BroadcastAlreadyInChain},
	{"already spent by transaction", BroadcastMempoolConflict},
	{"orphan transaction", BroadcastMempoolConflict},
	{"has insufficient priority", BroadcastInsufficientFee},
	{"fee is less than", BroadcastInsufficientFee},
	{"failed to validate signature", BroadcastConsensusViolation},
	{"signature not empty on failed checksig",
		BroadcastConsensusViolation},
}

// ClassifyBroadcastError maps an error returned by the backend for a push to
// a BroadcastResult.  A nil error is a success.
func ClassifyBroadcastError(err error) BroadcastResult {
	switch {
	case err == nil:
		return BroadcastSuccess

	case errors.Is(err, ErrBroadcastTimeout),
		errors.Is(err, context.DeadlineExceeded):

		return BroadcastTimedOut
	}

	for _, p := range rejectPatterns {
		if matchErrStr(err, p.reason) {
			return p.result
		}
	}

	return BroadcastOther
}

// BroadcastErr wraps a rejection together with its classification.
type BroadcastErr struct {
	Result BroadcastResult
	Err    error
}

// Error returns the classification and the backend message.
func (e *BroadcastErr) Error() string {
	return fmt.Sprintf("%v: %v", e.Result, e.Err)
}

// Unwrap returns the backend error.
func (e *BroadcastErr) Unwrap() error {
	return e.Err
}

// matchErrStr takes an error returned from RPC client and matches it against
// the specified string. If the expected string pattern is found in the error
// passed, return true. Both the error strings are normalized before matching.
func matchErrStr(err error, s string) bool {
	// Replace all dashes found in the error string with spaces.
	strippedErrStr := strings.ReplaceAll(err.Error(), "-", " ")

	// Replace all dashes found in the error string with spaces.
	strippedMatchStr := strings.ReplaceAll(s, "-", " ")

	// Match against the lowercase.
	return strings.Contains(
		strings.ToLower(strippedErrStr),
		strings.ToLower(strippedMatchStr),
	)
}
