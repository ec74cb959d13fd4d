// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authaddr

import (
	"github.com/btcsuite/btcsettle/chain"
)

// ConfirmationsRequired is the depth a vetting output needs before the
// address it funded is verified.
const ConfirmationsRequired = 6

// State is the verification verdict of an authentication address.
type State uint8

// These constants define the verification states in increasing order of
// trust, followed by the negative verdicts.
const (
	// VerificationFailed means the history could not be looked up.
	VerificationFailed State = iota

	// Virgin means the address has no history.
	Virgin

	// Tainted means the address has history but was never vetted.
	Tainted

	// Verifying means the vetting output lacks confirmations.
	Verifying

	// Verified means a single vetting path is deep enough.
	Verified

	// Revoked means the vetting output was spent.
	Revoked

	// InvalidatedImplicit means a validation address that vetted the
	// address was revoked.
	InvalidatedImplicit

	// InvalidatedExplicit means more than one vetting path competes.
	InvalidatedExplicit
)

// String returns the state as a human-readable name.
func (s State) String() string {
	switch s {
	case VerificationFailed:
		return "verification failed"
	case Virgin:
		return "virgin"
	case Tainted:
		return "tainted"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Revoked:
		return "revoked"
	case InvalidatedImplicit:
		return "invalidated implicit"
	case InvalidatedExplicit:
		return "invalidated explicit"
	default:
		return "unknown"
	}
}

// IsFinal returns true for verdicts that will not change without new chain
// activity on the address.
func (s State) IsFinal() bool {
	return s != VerificationFailed && s != Verifying
}

// path is an output of a user address funded by a vetting transaction.  A
// vetting transaction may spend outputs of several validation addresses.
type path struct {
	outpoint    chain.Outpoint
	validations []string
}

// vettedByValid returns true if every validation address of p is valid.
func (p path) vettedByValid(store *ValidationAddressStore) bool {
	for _, addr := range p.validations {
		if !store.IsValid(addr) {
			return false
		}
	}
	return true
}

// GetAuthAddrState evaluates the history of a user address against the
// validation addresses of store at height topHeight.  The result only depends
// on its inputs.
func GetAuthAddrState(history []chain.Outpoint, store *ValidationAddressStore,
	topHeight uint32) State {

	if len(history) == 0 {
		return Virgin
	}

	var qualifying []path
	for _, op := range history {
		validations := store.FindValidationAddressesForTxHash(op.TxHash)
		if len(validations) == 0 {
			continue
		}
		qualifying = append(qualifying, path{
			outpoint:    op,
			validations: validations,
		})
	}
	if len(qualifying) == 0 {
		return Tainted
	}

	var (
		valid          []path
		invalidVetting bool
	)
	for _, p := range qualifying {
		if !p.vettedByValid(store) {
			invalidVetting = true
			continue
		}
		if p.outpoint.Spent {
			continue
		}
		valid = append(valid, p)
	}

	switch {
	case len(valid) > 1:
		return InvalidatedExplicit

	case len(valid) == 0 && invalidVetting:
		return InvalidatedImplicit

	case len(valid) == 0:
		return Revoked
	}

	op := valid[0].outpoint
	if op.IsZC() || topHeight < op.Height ||
		1+topHeight-op.Height < ConfirmationsRequired {

		return Verifying
	}

	return Verified
}
