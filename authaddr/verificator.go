// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authaddr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcsettle/chain"
)

// DefaultQueryTimeout bounds a single history lookup.
const DefaultQueryTimeout = 30 * time.Second

var (
	// ErrNoValidationAddresses is returned when verification is requested
	// before the validation addresses are known.
	ErrNoValidationAddresses = errors.New("validation address list is " +
		"not set")

	// ErrNoFirstOutpoint is returned when a validation address has no
	// confirmed history to anchor its validity.
	ErrNoFirstOutpoint = errors.New("validation address has no valid " +
		"first outpoint")
)

// OutpointSource provides address histories.  It is implemented by
// chain.Gateway.
type OutpointSource interface {
	// IsReady returns true once histories can be queried.
	IsReady() bool

	// GetOutpointsForAddresses returns the output history of addrs
	// from the height and unconfirmed cursors on.
	GetOutpointsForAddresses(ctx context.Context, addrs []btcutil.Address,
		topBlock, zcIndex uint32) (*chain.OutpointBatch, error)
}

// Callback receives the verdict of a verification.
type Callback func(addr btcutil.Address, state State)

// Config holds the collaborators of a Verificator.
type Config struct {
	// Source is where histories are fetched from.
	Source OutpointSource

	// Store holds the validation address histories.  A new store is
	// created when nil.
	Store *ValidationAddressStore

	// Callback is invoked exactly once per verification command, on the
	// worker goroutine.
	Callback Callback

	// QueryTimeout bounds each history lookup.
	QueryTimeout time.Duration
}

// Verificator verifies authentication addresses on a worker goroutine.
// Commands are executed one at a time in the order they were queued.
type Verificator struct {
	cfg   Config
	store *ValidationAddressStore

	// online is set once the validation histories were loaded.  It is
	// only touched by the worker goroutine.
	online bool

	addrMtx sync.Mutex
	watched map[string]btcutil.Address

	cmdMtx   sync.Mutex
	commands []func()
	signal   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates a verificator.  Start must be called before commands are
// executed.
func New(cfg Config) *Verificator {
	if cfg.Store == nil {
		cfg.Store = NewValidationAddressStore()
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Verificator{
		cfg:     cfg,
		store:   cfg.Store,
		watched: make(map[string]btcutil.Address),
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Store returns the validation address store.
func (v *Verificator) Store() *ValidationAddressStore {
	return v.store
}

// Start launches the worker.
func (v *Verificator) Start() {
	v.startOnce.Do(func() {
		v.wg.Add(1)
		go v.commandLoop()
	})
}

// Stop aborts running lookups and waits for the worker to exit.  Queued
// commands are discarded.
func (v *Verificator) Stop() {
	v.stopOnce.Do(func() {
		close(v.quit)
		v.cancel()
		v.wg.Wait()
	})
}

// SetValidationAddresses adds the trusted validation addresses.
func (v *Verificator) SetValidationAddresses(addrs []btcutil.Address) {
	for _, addr := range addrs {
		if !v.store.AddValidationAddress(addr) {
			log.Warnf("Validation address %v already set", addr)
			continue
		}
		log.Debugf("Validation address: %v", addr)
	}
}

// HasValidationAddresses returns true once validation addresses are set.
func (v *Verificator) HasValidationAddresses() bool {
	return v.store.Len() > 0
}

// AddAddress adds addr to the watched addresses.  A verification failure is
// reported right away when no validation address is known or addr is a
// validation address itself.
func (v *Verificator) AddAddress(addr btcutil.Address) bool {
	if !v.acceptable(addr) {
		v.report(addr, VerificationFailed)
		return false
	}

	v.addrMtx.Lock()
	v.watched[addr.EncodeAddress()] = addr
	v.addrMtx.Unlock()

	return true
}

// DelAddress removes addr from the watched addresses.
func (v *Verificator) DelAddress(addr btcutil.Address) bool {
	v.addrMtx.Lock()
	defer v.addrMtx.Unlock()

	key := addr.EncodeAddress()
	if _, ok := v.watched[key]; !ok {
		return false
	}
	delete(v.watched, key)

	return true
}

// StartVerification loads the validation histories and queues the
// verification of every watched address.
func (v *Verificator) StartVerification() bool {
	if !v.HasValidationAddresses() {
		log.Errorf("Unable to start verification: %v",
			ErrNoValidationAddresses)
		return false
	}

	v.enqueue(func() {
		if err := v.refresh(); err != nil {
			log.Errorf("Unable to load validation addresses: %v", err)
		}
		v.verifyWatched()
	})

	return true
}

// VerifyAddress queues the verification of a single address.  The address
// does not need to be watched.
func (v *Verificator) VerifyAddress(addr btcutil.Address) bool {
	if !v.acceptable(addr) {
		v.report(addr, VerificationFailed)
		return false
	}

	v.enqueue(func() {
		v.verify(addr)
	})

	return true
}

// OnNewBlock refreshes the validation histories and verifies the watched
// addresses again.
func (v *Verificator) OnNewBlock(height uint32) {
	if !v.HasValidationAddresses() {
		return
	}

	log.Debugf("Re-verifying watched addresses at height %d", height)

	v.enqueue(func() {
		if err := v.refresh(); err != nil {
			log.Errorf("Unable to refresh validation addresses at "+
				"height %d: %v", height, err)
		}
		v.verifyWatched()
	})
}

func (v *Verificator) acceptable(addr btcutil.Address) bool {
	if !v.HasValidationAddresses() {
		return false
	}
	return !v.store.Contains(addr.EncodeAddress())
}

// verifyWatched queues one command per watched address.
func (v *Verificator) verifyWatched() {
	v.addrMtx.Lock()
	addrs := make([]btcutil.Address, 0, len(v.watched))
	for _, addr := range v.watched {
		addrs = append(addrs, addr)
	}
	v.addrMtx.Unlock()

	log.Debugf("Updating %d user address(es)", len(addrs))

	for _, addr := range addrs {
		addr := addr
		v.enqueue(func() {
			v.verify(addr)
		})
	}
}

// refresh merges the validation address activity since the last refresh.
// The first successful refresh requires every validation address to have a
// confirmed first outpoint.
func (v *Verificator) refresh() error {
	if !v.cfg.Source.IsReady() {
		return chain.ErrNotReady
	}

	ctx, cancel := context.WithTimeout(v.ctx, v.cfg.QueryTimeout)
	defer cancel()

	addrs := v.store.Addresses()
	topBlock, zcIndex := v.store.Cursors()
	batch, err := v.cfg.Source.GetOutpointsForAddresses(
		ctx, addrs, topBlock, zcIndex,
	)
	if err != nil {
		return err
	}
	if err := v.store.ApplyBatch(batch); err != nil {
		return err
	}

	if v.online {
		return nil
	}
	for _, addr := range addrs {
		if _, ok := v.store.FirstOutpoint(addr.EncodeAddress()); !ok {
			return fmt.Errorf("%w: %v", ErrNoFirstOutpoint, addr)
		}
	}
	v.online = true

	log.Infof("Loaded history of %d validation address(es) up to "+
		"height %d", len(addrs), batch.TopHeight)

	return nil
}

// verify computes the state of addr and reports it.
func (v *Verificator) verify(addr btcutil.Address) {
	state, err := v.evaluate(addr)
	if err != nil {
		log.Errorf("Failed to validate state for %v: %v", addr, err)
		state = VerificationFailed
	}

	log.Debugf("Address %v is %v", addr, state)
	v.report(addr, state)
}

func (v *Verificator) evaluate(addr btcutil.Address) (State, error) {
	if !v.HasValidationAddresses() {
		return VerificationFailed, ErrNoValidationAddresses
	}
	if !v.cfg.Source.IsReady() {
		return VerificationFailed, chain.ErrNotReady
	}
	if !v.online {
		if err := v.refresh(); err != nil {
			return VerificationFailed, err
		}
	}

	ctx, cancel := context.WithTimeout(v.ctx, v.cfg.QueryTimeout)
	defer cancel()

	batch, err := v.cfg.Source.GetOutpointsForAddresses(
		ctx, []btcutil.Address{addr}, 0, 0,
	)
	if err != nil {
		return VerificationFailed, err
	}

	history := batch.Outpoints[addr.EncodeAddress()]
	return GetAuthAddrState(history, v.store, batch.TopHeight), nil
}

func (v *Verificator) report(addr btcutil.Address, state State) {
	if v.cfg.Callback != nil {
		v.cfg.Callback(addr, state)
	}
}

func (v *Verificator) enqueue(cmd func()) {
	v.cmdMtx.Lock()
	v.commands = append(v.commands, cmd)
	v.cmdMtx.Unlock()

	select {
	case v.signal <- struct{}{}:
	default:
	}
}

// commandLoop executes queued commands until Stop is called.
//
// NOTE: This must be run as a goroutine.
func (v *Verificator) commandLoop() {
	defer v.wg.Done()

	for {
		select {
		case <-v.signal:
		case <-v.quit:
			return
		}

		for {
			v.cmdMtx.Lock()
			if len(v.commands) == 0 {
				v.cmdMtx.Unlock()
				break
			}
			cmd := v.commands[0]
			v.commands[0] = nil
			v.commands = v.commands[1:]
			v.cmdMtx.Unlock()

			select {
			case <-v.quit:
				return
			default:
			}

			cmd()
		}
	}
}
