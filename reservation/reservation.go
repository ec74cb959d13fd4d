// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reservation keeps track of the unspent outputs committed to
// settlements that are still in flight, so coin selection for another trade
// never picks them.
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrAlreadyReserved is returned when a reservation with the same id
	// and sub id exists already.
	ErrAlreadyReserved = errors.New("reservation already exists")

	// ErrUTXOReserved is returned when one of the outputs to reserve is
	// held by another reservation.
	ErrUTXOReserved = errors.New("output already reserved")

	// ErrEmptyReservation is returned when no outputs are passed.
	ErrEmptyReservation = errors.New("no outputs to reserve")
)

// UTXO is a spendable output that can be committed to a settlement.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Height   int32
}

// Initialized returns false for the zero value.
func (u UTXO) Initialized() bool {
	return u.OutPoint.Hash != (chainhash.Hash{})
}

// String returns the outpoint of the output.
func (u UTXO) String() string {
	return u.OutPoint.String()
}

// Reservation is a single (id, sub id) slice of reserved outputs.
type Reservation struct {
	ID      string
	SubID   string
	UTXOs   []UTXO
	Created time.Time
}

// Store persists reservations across restarts.
type Store interface {
	// PutReservation writes r.
	PutReservation(r *Reservation) error

	// DeleteReservation removes the (id, subID) slice.
	DeleteReservation(id, subID string) error

	// FetchReservations returns every stored reservation.
	FetchReservations() ([]*Reservation, error)
}

// key identifies one reservation slice.
type key struct {
	id    string
	subID string
}

// Config holds the collaborators of a Service.
type Config struct {
	// Clock is the time source for reservation timestamps.
	Clock clock.Clock

	// Store is optional.  Without it reservations only live in memory.
	Store Store
}

// Service is the registry of reserved outputs.  A single coarse mutex
// guards every table so each operation is applied as a whole or not at all.
type Service struct {
	clock clock.Clock
	store Store

	mtx      sync.Mutex
	byID     map[string]map[string]*Reservation
	reserved map[wire.OutPoint]key
}

// New returns an empty reservation service.
func New(cfg Config) *Service {
	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &Service{
		clock:    c,
		store:    cfg.Store,
		byID:     make(map[string]map[string]*Reservation),
		reserved: make(map[wire.OutPoint]key),
	}
}

// Restore loads the reservations kept in the store.  It must be called
// before the service is used.
func (s *Service) Restore() error {
	if s.store == nil {
		return nil
	}

	stored, err := s.store.FetchReservations()
	if err != nil {
		return fmt.Errorf("unable to fetch reservations: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, r := range stored {
		if err := s.insert(r); err != nil {
			log.Warnf("Skipping stored reservation %s/%s: %v",
				r.ID, r.SubID, err)
		}
	}

	if len(stored) > 0 {
		log.Infof("Restored %d reservations", len(stored))
	}

	return nil
}

// Reserve commits utxos to the (id, subID) reservation.  The call fails
// without side effects if the slice exists or if any output is already held
// by another reservation.
func (s *Service) Reserve(id string, utxos []UTXO, subID string) error {
	if len(utxos) == 0 {
		return ErrEmptyReservation
	}

	r := &Reservation{
		ID:      id,
		SubID:   subID,
		UTXOs:   append([]UTXO(nil), utxos...),
		Created: s.clock.Now(),
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.insert(r); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.PutReservation(r); err != nil {
			s.remove(key{id: id, subID: subID})
			return fmt.Errorf("unable to persist reservation "+
				"%s/%s: %w", id, subID, err)
		}
	}

	log.Debugf("Reserved %d %s for %s/%s", len(utxos),
		pickNoun(len(utxos), "output", "outputs"), id, subID)

	return nil
}

// insert must be called with the lock held.
func (s *Service) insert(r *Reservation) error {
	if slices, ok := s.byID[r.ID]; ok {
		if _, ok := slices[r.SubID]; ok {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyReserved, r.ID,
				r.SubID)
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(r.UTXOs))
	for _, u := range r.UTXOs {
		if holder, ok := s.reserved[u.OutPoint]; ok {
			log.Errorf("Output %v of %s/%s is already reserved "+
				"by %s/%s", u.OutPoint, r.ID, r.SubID,
				holder.id, holder.subID)
			return fmt.Errorf("%w: %v held by %s", ErrUTXOReserved,
				u.OutPoint, holder.id)
		}
		if _, ok := seen[u.OutPoint]; ok {
			return fmt.Errorf("%w: %v listed twice",
				ErrUTXOReserved, u.OutPoint)
		}
		seen[u.OutPoint] = struct{}{}
	}

	slices, ok := s.byID[r.ID]
	if !ok {
		slices = make(map[string]*Reservation)
		s.byID[r.ID] = slices
	}
	slices[r.SubID] = r

	k := key{id: r.ID, subID: r.SubID}
	for _, u := range r.UTXOs {
		s.reserved[u.OutPoint] = k
	}

	return nil
}

// remove drops one slice and returns it.  It must be called with the lock
// held.
func (s *Service) remove(k key) *Reservation {
	slices, ok := s.byID[k.id]
	if !ok {
		return nil
	}
	r, ok := slices[k.subID]
	if !ok {
		return nil
	}

	for _, u := range r.UTXOs {
		delete(s.reserved, u.OutPoint)
	}
	delete(slices, k.subID)
	if len(slices) == 0 {
		delete(s.byID, k.id)
	}

	return r
}

// Unreserve releases the (id, subID) slice.  An empty subID releases every
// slice of id.  It returns false if nothing was reserved.
func (s *Service) Unreserve(id, subID string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	slices, ok := s.byID[id]
	if !ok {
		return false
	}

	var keys []key
	if subID == "" {
		for sub := range slices {
			keys = append(keys, key{id: id, subID: sub})
		}
	} else {
		keys = append(keys, key{id: id, subID: subID})
	}

	released := 0
	for _, k := range keys {
		r := s.remove(k)
		if r == nil {
			continue
		}
		released += len(r.UTXOs)

		if s.store != nil {
			err := s.store.DeleteReservation(k.id, k.subID)
			if err != nil {
				log.Errorf("Unable to delete stored "+
					"reservation %s/%s: %v", k.id,
					k.subID, err)
			}
		}
	}

	if released == 0 {
		return false
	}

	log.Debugf("Released %d %s of %s", released,
		pickNoun(released, "output", "outputs"), id)

	return true
}

// Get returns the outputs of the (id, subID) slice.  An empty subID
// aggregates every slice of id.
func (s *Service) Get(id, subID string) []UTXO {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	slices, ok := s.byID[id]
	if !ok {
		return nil
	}

	if subID != "" {
		r, ok := slices[subID]
		if !ok {
			return nil
		}
		return append([]UTXO(nil), r.UTXOs...)
	}

	subs := make([]string, 0, len(slices))
	for sub := range slices {
		subs = append(subs, sub)
	}
	sort.Strings(subs)

	var utxos []UTXO
	for _, sub := range subs {
		utxos = append(utxos, slices[sub].UTXOs...)
	}
	return utxos
}

// SubIDs returns the sub ids reserved under id in sorted order.
func (s *Service) SubIDs(id string) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	slices := s.byID[id]
	subs := make([]string, 0, len(slices))
	for sub := range slices {
		subs = append(subs, sub)
	}
	sort.Strings(subs)

	return subs
}

// Filter partitions candidates into outputs free to use and outputs that are
// reserved or uninitialized.
func (s *Service) Filter(candidates []UTXO) ([]UTXO, []UTXO) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var available, filtered []UTXO
	for _, u := range candidates {
		if !u.Initialized() {
			filtered = append(filtered, u)
			continue
		}
		if _, ok := s.reserved[u.OutPoint]; ok {
			filtered = append(filtered, u)
			continue
		}
		available = append(available, u)
	}

	return available, filtered
}

// ContainsReserved returns true if any of utxos is reserved.
func (s *Service) ContainsReserved(utxos []UTXO) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, u := range utxos {
		if _, ok := s.reserved[u.OutPoint]; ok {
			return true
		}
	}
	return false
}

// IsReserved returns true if op is held by a reservation.
func (s *Service) IsReserved(op wire.OutPoint) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.reserved[op]
	return ok
}

// Count returns the number of reserved outputs.
func (s *Service) Count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.reserved)
}

// Cleanup force releases every slice older than maxAge and returns the
// number of slices released.  The age check and the release happen under
// one lock, so a slice re-reserved under the same ids is never released.
func (s *Service) Cleanup(maxAge time.Duration) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()

	var expired []key
	for id, slices := range s.byID {
		for sub, r := range slices {
			if now.Sub(r.Created) > maxAge {
				expired = append(expired, key{id: id, subID: sub})
			}
		}
	}

	released := 0
	for _, k := range expired {
		if s.remove(k) == nil {
			continue
		}
		log.Warnf("Force released expired reservation %s/%s", k.id,
			k.subID)

		s.deleteStored(k)
		released++
	}

	return released
}

// deleteStored must be called with the lock held.
func (s *Service) deleteStored(k key) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteReservation(k.id, k.subID); err != nil {
		log.Errorf("Unable to delete stored reservation %s/%s: %v",
			k.id, k.subID, err)
	}
}

// ShutdownCheck logs every reservation still held.  It is called on
// shutdown to spot settlements that never released their outputs.
func (s *Service) ShutdownCheck() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	n := 0
	for id, slices := range s.byID {
		for sub, r := range slices {
			n++
			log.Warnf("Reservation %s/%s with %d %s still held "+
				"since %v", id, sub, len(r.UTXOs),
				pickNoun(len(r.UTXOs), "output", "outputs"),
				r.Created)
		}
	}

	return n
}

// pickNoun returns the singular or plural form of a noun depending
// on the count n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
