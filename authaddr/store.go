// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authaddr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcsettle/chain"
)

// ErrUnknownValidationAddress is returned when outpoints are set for an
// address that was never added to the store.
var ErrUnknownValidationAddress = errors.New("unknown validation address")

// validationAddress is the outpoint history of one validation address.
type validationAddress struct {
	addr btcutil.Address

	// outpoints is keyed by funding tx hash and output index.
	outpoints map[chainhash.Hash]map[uint32]chain.Outpoint

	// spenders holds the hashes of the transactions spending any of the
	// outpoints.  A user address funded by one of them was vetted by this
	// validation address.
	spenders map[chainhash.Hash]struct{}

	// first is the oldest confirmed outpoint.  Spending it revokes the
	// validation address.
	first *chain.Outpoint
}

func newValidationAddress(addr btcutil.Address) *validationAddress {
	return &validationAddress{
		addr:      addr,
		outpoints: make(map[chainhash.Hash]map[uint32]chain.Outpoint),
		spenders:  make(map[chainhash.Hash]struct{}),
	}
}

// merge adds ops to the history, replacing known outpoints, and recomputes
// the spender set and the first outpoint.
func (v *validationAddress) merge(ops []chain.Outpoint) {
	for _, op := range ops {
		byIndex, ok := v.outpoints[op.TxHash]
		if !ok {
			byIndex = make(map[uint32]chain.Outpoint)
			v.outpoints[op.TxHash] = byIndex
		}
		byIndex[op.Index] = op
	}

	v.spenders = make(map[chainhash.Hash]struct{})
	v.first = nil
	for _, byIndex := range v.outpoints {
		for _, op := range byIndex {
			op := op
			if op.Spent {
				v.spenders[op.SpenderHash] = struct{}{}
			}
			if op.IsZC() {
				continue
			}
			if v.first == nil || outpointLess(op, *v.first) {
				v.first = &op
			}
		}
	}
}

// outpointLess orders outpoints by chain position.
func outpointLess(a, b chain.Outpoint) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if a.TxIndex != b.TxIndex {
		return a.TxIndex < b.TxIndex
	}
	return a.Index < b.Index
}

// ValidationAddressStore keeps the outpoint history of the trusted validation
// addresses.  It is shared between the verificator worker, which updates it,
// and readers evaluating user addresses.
type ValidationAddressStore struct {
	mtx   sync.RWMutex
	addrs map[string]*validationAddress

	// topBlock and zcIndex are the cursors of the next incremental
	// history query.
	topBlock uint32
	zcIndex  uint32
}

// NewValidationAddressStore returns an empty store.
func NewValidationAddressStore() *ValidationAddressStore {
	return &ValidationAddressStore{
		addrs: make(map[string]*validationAddress),
	}
}

// AddValidationAddress starts tracking addr.  Adding a known address is a
// no-op and returns false.
func (s *ValidationAddressStore) AddValidationAddress(
	addr btcutil.Address) bool {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := addr.EncodeAddress()
	if _, ok := s.addrs[key]; ok {
		return false
	}
	s.addrs[key] = newValidationAddress(addr)

	return true
}

// Contains returns true if addr is a validation address.
func (s *ValidationAddressStore) Contains(addr string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, ok := s.addrs[addr]
	return ok
}

// Len returns the number of validation addresses.
func (s *ValidationAddressStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.addrs)
}

// Addresses returns the validation addresses sorted by their encoding.
func (s *ValidationAddressStore) Addresses() []btcutil.Address {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	keys := make([]string, 0, len(s.addrs))
	for key := range s.addrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	addrs := make([]btcutil.Address, 0, len(keys))
	for _, key := range keys {
		addrs = append(addrs, s.addrs[key].addr)
	}
	return addrs
}

// SetOutpoints merges ops into the history of addr.
func (s *ValidationAddressStore) SetOutpoints(addr string,
	ops []chain.Outpoint) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.setOutpoints(addr, ops)
}

// setOutpoints must be called with the lock held.
func (s *ValidationAddressStore) setOutpoints(addr string,
	ops []chain.Outpoint) error {

	va, ok := s.addrs[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidationAddress, addr)
	}
	va.merge(ops)

	return nil
}

// ApplyBatch merges an incremental history query and advances the cursors
// of the next one.
func (s *ValidationAddressStore) ApplyBatch(batch *chain.OutpointBatch) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for addr, ops := range batch.Outpoints {
		if len(ops) == 0 {
			continue
		}
		if err := s.setOutpoints(addr, ops); err != nil {
			return err
		}
	}

	s.topBlock = batch.TopHeight + 1
	s.zcIndex = batch.ZCIndexCutoff

	return nil
}

// Cursors returns the height and unconfirmed cursors of the next history
// query.
func (s *ValidationAddressStore) Cursors() (uint32, uint32) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.topBlock, s.zcIndex
}

// FirstOutpoint returns the oldest confirmed outpoint of addr.
func (s *ValidationAddressStore) FirstOutpoint(addr string) (chain.Outpoint,
	bool) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	va, ok := s.addrs[addr]
	if !ok || va.first == nil {
		return chain.Outpoint{}, false
	}
	return *va.first, true
}

// IsValid returns true if addr is a validation address whose first outpoint
// exists and is unspent.
func (s *ValidationAddressStore) IsValid(addr string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	va, ok := s.addrs[addr]
	if !ok || va.first == nil {
		return false
	}
	return !va.first.Spent
}

// FindValidationAddressesForTxHash returns the validation addresses an output
// of which is spent by the transaction hash, sorted by their encoding.
func (s *ValidationAddressStore) FindValidationAddressesForTxHash(
	hash chainhash.Hash) []string {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var found []string
	for addr, va := range s.addrs {
		if _, ok := va.spenders[hash]; ok {
			found = append(found, addr)
		}
	}
	sort.Strings(found)

	return found
}
