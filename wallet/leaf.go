// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

// LeafKind is the role of a script known to the wallet.
type LeafKind uint8

const (
	// LeafBitcoin is a receiving or change address of the wallet.
	LeafBitcoin LeafKind = iota

	// LeafAuthentication is the address of the wallet auth key.
	LeafAuthentication

	// LeafSettlement is a 2-of-2 settlement output shared with a
	// counterparty.
	LeafSettlement

	// LeafCounterpartyCoin is an output paying the counterparty of a
	// settlement.
	LeafCounterpartyCoin
)

// String returns the kind as a human-readable name.
func (k LeafKind) String() string {
	switch k {
	case LeafBitcoin:
		return "bitcoin"
	case LeafAuthentication:
		return "authentication"
	case LeafSettlement:
		return "settlement"
	case LeafCounterpartyCoin:
		return "counterparty coin"
	default:
		return "unknown"
	}
}

// branchLeafKind returns the kind of the keys derived on branch.
func branchLeafKind(branch uint32) LeafKind {
	if branch == branchAuth {
		return LeafAuthentication
	}
	return LeafBitcoin
}

// LeafKind returns the kind of pkScript, or false if the wallet does not know
// the script.  Settlement and counterparty scripts are learned when pay-outs
// are built.
func (w *Wallet) LeafKind(pkScript []byte) (LeafKind, bool) {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	if key, ok := w.byScript[string(pkScript)]; ok {
		return key.kind, true
	}
	if string(pkScript) == string(w.auth.pkScript) {
		return w.auth.kind, true
	}
	kind, ok := w.leaves[string(pkScript)]
	return kind, ok
}

// addLeaf must be called with the lock held.
func (w *Wallet) addLeaf(pkScript []byte, kind LeafKind) {
	if _, ok := w.byScript[string(pkScript)]; ok {
		return
	}
	if string(pkScript) == string(w.auth.pkScript) {
		return
	}
	w.leaves[string(pkScript)] = kind
}
