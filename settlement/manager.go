// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrDuplicateSettlement is returned when starting a settlement whose
	// id is already running.
	ErrDuplicateSettlement = errors.New("settlement already exists")

	// ErrUnknownSettlement is returned for ids of settlements that are
	// not running.
	ErrUnknownSettlement = errors.New("unknown settlement")
)

// Manager owns the running settlements and routes the events of the signer,
// the verifier and the broadcaster to them.  It is not safe for concurrent
// use: the settlement adapter calls it from its worker goroutine only.
type Manager struct {
	cfg Config

	containers map[string]*Container

	// Correlation of event ids to settlement ids.
	signReqs map[string]string
	pushes   map[string]string
	txs      map[chainhash.Hash]string

	// watchers holds the settlements of each counterparty auth address.
	watchers map[string]map[string]struct{}
}

// A compile-time check to ensure that Manager satisfies the tracker
// interface.
var _ tracker = (*Manager)(nil)

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	return &Manager{
		cfg:        cfg,
		containers: make(map[string]*Container),
		signReqs:   make(map[string]string),
		pushes:     make(map[string]string),
		txs:        make(map[chainhash.Hash]string),
		watchers:   make(map[string]map[string]struct{}),
	}
}

// Start creates and activates the settlement of order.  A settlement that
// fails during activation is reported through OnUpdate as well.
func (m *Manager) Start(order *Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	id := order.SettlementID
	if _, ok := m.containers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSettlement, id)
	}

	c, err := newContainer(&m.cfg, order, m)
	if err != nil {
		return err
	}
	m.containers[id] = c
	m.watch(c)

	settlementsStarted.Inc()
	settlementsActive.Inc()

	return c.Activate()
}

// Container returns the running settlement id.
func (m *Manager) Container(id string) (*Container, bool) {
	c, ok := m.containers[id]
	return c, ok
}

// Len returns the number of running settlements.
func (m *Manager) Len() int {
	return len(m.containers)
}

// Cancel aborts the settlement id.
func (m *Manager) Cancel(id string) error {
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	return c.Cancel()
}

// SetCounterpartyPayoutSig delivers the pay-out signature of the
// counterparty of the settlement id.
func (m *Manager) SetCounterpartyPayoutSig(id string, sig []byte) error {
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	return c.SetCounterpartyPayoutSig(sig)
}

// OnSigned routes the completion of a sign request.
func (m *Manager) OnSigned(reqID string, signed []byte, code signer.ErrorCode,
	msg string) {

	id, ok := m.signReqs[reqID]
	if !ok {
		log.Warnf("Ignoring completion of unknown sign request %s",
			reqID)
		return
	}
	delete(m.signReqs, reqID)

	if c, ok := m.containers[id]; ok {
		c.OnSigned(reqID, signed, code, msg)
	}
}

// OnVerified routes a verdict on an auth address to every settlement with
// that counterparty.
func (m *Manager) OnVerified(addr btcutil.Address, state authaddr.State) {
	ids := m.watchers[addr.EncodeAddress()]
	if len(ids) == 0 {
		log.Debugf("Verdict %v on %v without settlement", state, addr)
		return
	}

	for id := range ids {
		if c, ok := m.containers[id]; ok {
			c.OnCounterpartyVerified(state)
		}
	}
}

// OnPushResult routes the outcome of a broadcast.
func (m *Manager) OnPushResult(result *chain.PushResult) {
	id, ok := m.pushes[result.PushID]
	if !ok {
		id, ok = m.txs[result.TxHash]
	}
	if !ok {
		log.Warnf("Ignoring push result %v of %v for %q",
			result.Result, result.TxHash, result.PushID)
		return
	}
	delete(m.pushes, result.PushID)
	delete(m.txs, result.TxHash)

	if c, ok := m.containers[id]; ok {
		c.OnBroadcastResult(result.TxHash, result.Result, result.Message)
	}
}

// OnTimeout fails the settlement id if it is still running.
func (m *Manager) OnTimeout(id string) {
	if c, ok := m.containers[id]; ok {
		c.OnTimeout()
	}
}

// OnNewBlock verifies the watched counterparties again.
func (m *Manager) OnNewBlock(height uint32) {
	if len(m.watchers) == 0 {
		return
	}
	m.cfg.Verifier.OnNewBlock(height)
}

// Shutdown cancels the running settlements that can be cancelled and fails
// the others.
func (m *Manager) Shutdown() {
	for _, c := range m.containers {
		if err := c.Cancel(); err != nil {
			c.fail(fmt.Errorf("shutdown in state %v", c.State()))
		}
	}
}

func (m *Manager) watch(c *Container) {
	key := c.CounterpartyAddress().EncodeAddress()
	ids, ok := m.watchers[key]
	if !ok {
		ids = make(map[string]struct{})
		m.watchers[key] = ids
		m.cfg.Verifier.AddAddress(c.CounterpartyAddress())
	}
	ids[c.ID()] = struct{}{}
}

func (m *Manager) unwatch(c *Container) {
	key := c.CounterpartyAddress().EncodeAddress()
	ids := m.watchers[key]
	delete(ids, c.ID())
	if len(ids) > 0 {
		return
	}
	delete(m.watchers, key)
	m.cfg.Verifier.DelAddress(c.CounterpartyAddress())
}

func (m *Manager) trackSignRequest(reqID string, c *Container) {
	m.signReqs[reqID] = c.ID()
}

func (m *Manager) trackPush(pushID string, txHash chainhash.Hash,
	c *Container) {

	m.pushes[pushID] = c.ID()
	m.txs[txHash] = c.ID()
}

// settled forgets the finished container c.
func (m *Manager) settled(c *Container) {
	id := c.ID()
	if _, ok := m.containers[id]; !ok {
		return
	}
	delete(m.containers, id)
	m.unwatch(c)

	for reqID, owner := range m.signReqs {
		if owner == id {
			delete(m.signReqs, reqID)
		}
	}
	for pushID, owner := range m.pushes {
		if owner == id {
			delete(m.pushes, pushID)
		}
	}
	for txHash, owner := range m.txs {
		if owner == id {
			delete(m.txs, txHash)
		}
	}

	settlementsActive.Dec()
	settlementResults.WithLabelValues(c.State().String()).Inc()

	log.Infof("Settlement %s finished: %v", id, c.State())
}
