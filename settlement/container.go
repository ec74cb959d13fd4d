// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/wallet"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrInvalidState is returned for operations the current state of a
	// settlement does not allow.
	ErrInvalidState = errors.New("invalid settlement state")

	// ErrCancelNotAllowed is returned when cancelling a settlement whose
	// pay-in was already handed to the network.
	ErrCancelNotAllowed = errors.New("settlement can not be cancelled " +
		"after the pay-in broadcast")

	// ErrFunding is the failure of a pay-in that could not be funded.
	ErrFunding = errors.New("unable to fund pay-in")

	// ErrSigning is the failure of a sign request.
	ErrSigning = errors.New("signing failed")

	// ErrBroadcastRejected is the failure of a transaction the network
	// did not accept.
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrVerification is the failure of a counterparty whose auth address
	// is not verified.
	ErrVerification = errors.New("counterparty verification failed")

	// ErrTimeout is the failure of a settlement that outlived its
	// timeout.
	ErrTimeout = errors.New("settlement timed out")
)

// State is the lifecycle state of a settlement.
type State uint8

const (
	StateCreated State = iota
	StateAwaitingVerification
	StatePayinSigning
	StateIdle
	StatePayoutSigning
	StateBroadcasting
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state as a human-readable name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingVerification:
		return "awaiting counterparty verification"
	case StatePayinSigning:
		return "pay-in signing"
	case StateIdle:
		return "idle"
	case StatePayoutSigning:
		return "pay-out signing"
	case StateBroadcasting:
		return "broadcasting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for states a settlement never leaves.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the state of a settlement as reported to its owner.
type Result struct {
	SettlementID string
	State        State

	// Err is the failure of a failed settlement.
	Err error

	// Payin is the unsigned pay-in funded by this party, for the
	// counterparty to sign the pay-out.
	Payin []byte

	PayinHash  chainhash.Hash
	PayoutHash chainhash.Hash

	// PayoutSig is the pay-out signature of this party when the
	// counterparty funds.
	PayoutSig []byte
}

// Reason returns the failure as text, or an empty string.
func (r *Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// phase names the transaction of a settlement.
type phase uint8

const (
	phasePayin phase = iota
	phasePayout
)

func (p phase) String() string {
	if p == phasePayin {
		return "payin"
	}
	return "payout"
}

// pendingPush is a transaction handed to the broadcaster.
type pendingPush struct {
	phase  phase
	pushID string
	txHash chainhash.Hash
}

// tracker is told about the ids the events of a container will carry.
type tracker interface {
	trackSignRequest(reqID string, c *Container)
	trackPush(pushID string, txHash chainhash.Hash, c *Container)
	settled(c *Container)
}

// Container runs one settlement.  It is not safe for concurrent use: every
// method must be called from the goroutine owning the manager.
type Container struct {
	cfg     *Config
	order   *Order
	weFund  bool
	tracker tracker

	state State
	err   error

	// cptyAddr is the counterparty auth address, cptyState its last
	// verification verdict.
	cptyAddr  btcutil.Address
	cptyState authaddr.State
	verified  bool

	settlementScript []byte
	recvAddr         btcutil.Address

	payin         *wallet.Payin
	payinTx       *wire.MsgTx
	payinPushed   bool
	payinAccepted bool
	payoutHash    chainhash.Hash

	// cptyPayoutSig is the pay-out signature of the counterparty when
	// this party funds, payoutSig ours when it does not.
	cptyPayoutSig []byte
	payoutSig     []byte

	payinReqID  string
	payoutReqID string
	pending     *pendingPush

	ctx    context.Context
	cancel context.CancelFunc
	timer  ticker.Ticker
	quit   chan struct{}
}

// newContainer creates the container of order, which must be valid.
func newContainer(cfg *Config, order *Order, t tracker) (*Container, error) {
	cptyAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(order.CounterpartyAuthKey.SerializeCompressed()),
		cfg.Params,
	)
	if err != nil {
		return nil, err
	}

	_, settlementAddr, err := wallet.SettlementScript(
		cfg.Wallet.AuthKey(), order.CounterpartyAuthKey, cfg.Params,
	)
	if err != nil {
		return nil, err
	}
	settlementScript, err := txscript.PayToAddrScript(settlementAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)

	return &Container{
		cfg:              cfg,
		order:            order,
		weFund:           order.WeFund(),
		tracker:          t,
		state:            StateCreated,
		cptyAddr:         cptyAddr,
		cptyState:        authaddr.VerificationFailed,
		settlementScript: settlementScript,
		recvAddr:         order.RecvAddress,
		cptyPayoutSig:    order.CounterpartyPayoutSig,
		ctx:              ctx,
		cancel:           cancel,
		timer:            cfg.NewTicker(cfg.Timeout),
		quit:             make(chan struct{}),
	}, nil
}

// ID returns the settlement id.
func (c *Container) ID() string {
	return c.order.SettlementID
}

// State returns the current state.
func (c *Container) State() State {
	return c.state
}

// CounterpartyAddress returns the auth address of the counterparty.
func (c *Container) CounterpartyAddress() btcutil.Address {
	return c.cptyAddr
}

// CounterpartyState returns the last verification verdict on the
// counterparty.
func (c *Container) CounterpartyState() authaddr.State {
	return c.cptyState
}

// Result returns the current state as reported to the owner.
func (c *Container) Result() Result {
	r := Result{
		SettlementID: c.order.SettlementID,
		State:        c.state,
		Err:          c.err,
		PayoutHash:   c.payoutHash,
		PayoutSig:    c.payoutSig,
	}

	switch {
	case c.payin != nil:
		r.PayinHash = c.payin.TxHash

		var buf bytes.Buffer
		if err := c.payin.Packet.UnsignedTx.SerializeNoWitness(
			&buf,
		); err == nil {
			r.Payin = buf.Bytes()
		}

	case c.order.CounterpartyPayin != nil:
		r.PayinHash = c.order.CounterpartyPayin.TxHash()
	}

	return r
}

// Activate starts the timer and the verification of the counterparty.  The
// pay-in is funded and queued for signing when this party funds it.
func (c *Container) Activate() error {
	if c.state != StateCreated {
		return fmt.Errorf("%w: activate in state %v", ErrInvalidState,
			c.state)
	}

	c.timer.Resume()
	go c.watchTimer()

	log.Infof("Settlement %s: %v %v %s, funding=%v", c.ID(), c.order.Role,
		c.order.Side, c.order.Security, c.weFund)

	c.setState(StateAwaitingVerification)

	// A refused verification is reported through the verifier callback.
	if !c.cfg.Verifier.VerifyAddress(c.cptyAddr) {
		log.Warnf("Settlement %s: verification of %v refused", c.ID(),
			c.cptyAddr)
	}

	if !c.weFund {
		if c.recvAddr == nil {
			addr, err := c.cfg.Wallet.NewAddress()
			if err != nil {
				err = fmt.Errorf("unable to get receive "+
					"address: %w", err)
				c.fail(err)
				return err
			}
			c.recvAddr = addr
		}

		c.setState(StateIdle)
		return nil
	}

	return c.requestPayinSigning()
}

// watchTimer reports the expiry of the settlement.
//
// NOTE: This must be run as a goroutine.
func (c *Container) watchTimer() {
	select {
	case <-c.timer.Ticks():
		if c.cfg.OnTimeout != nil {
			c.cfg.OnTimeout(c.ID())
		}

	case <-c.quit:
	}
}

func (c *Container) requestPayinSigning() error {
	payin, err := c.cfg.Wallet.FundPayin(
		c.ctx, c.ID(), c.settlementScript, c.order.Amount,
		c.order.FeeRate,
	)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrFunding, err)
		c.fail(err)
		return err
	}
	c.payin = payin

	log.Debugf("Settlement %s: pay-in %v funds %v, fee %v", c.ID(),
		payin.TxHash, c.order.Amount, payin.Fee)

	reqID, err := c.cfg.Signer.SignTransaction(
		c.ctx, payin.Packet, signer.Metadata{
			SettlementID: c.ID(),
			Description:  "Pay-in " + c.order.Comment(),
		}, signer.ModeFull,
	)
	if err != nil {
		err = fmt.Errorf("%w: pay-in: %v", ErrSigning, err)
		c.fail(err)
		return err
	}
	c.payinReqID = reqID
	c.tracker.trackSignRequest(reqID, c)

	c.setState(StatePayinSigning)

	if c.verified {
		return c.allowSigning(reqID)
	}
	return nil
}

func (c *Container) requestPayoutSigning() error {
	params := wallet.PayoutParams{
		CounterpartyKey: c.order.CounterpartyAuthKey,
		FeeRate:         c.order.FeeRate,
	}
	mode := signer.ModePartial
	if c.weFund {
		params.Payin = c.payinTx
		params.Destination = c.order.CounterpartyRecvAddress
		mode = signer.ModeFull
	} else {
		params.Payin = c.order.CounterpartyPayin
		params.Destination = c.recvAddr
	}

	packet, err := c.cfg.Wallet.BuildPayout(params)
	if err != nil {
		err = fmt.Errorf("unable to build pay-out: %w", err)
		c.fail(err)
		return err
	}
	if c.weFund {
		err := wallet.AddPartialSig(
			packet, c.order.CounterpartyAuthKey, c.cptyPayoutSig,
		)
		if err != nil {
			err = fmt.Errorf("%w: counterparty pay-out "+
				"signature: %v", ErrSigning, err)
			c.fail(err)
			return err
		}
	}
	c.payoutHash = packet.UnsignedTx.TxHash()

	reqID, err := c.cfg.Signer.SignTransaction(
		c.ctx, packet, signer.Metadata{
			SettlementID: c.ID(),
			Description:  "Pay-out " + c.order.Comment(),
		}, mode,
	)
	if err != nil {
		err = fmt.Errorf("%w: pay-out: %v", ErrSigning, err)
		c.fail(err)
		return err
	}
	c.payoutReqID = reqID
	c.tracker.trackSignRequest(reqID, c)

	c.setState(StatePayoutSigning)

	if c.verified {
		return c.allowSigning(reqID)
	}
	return nil
}

func (c *Container) allowSigning(reqID string) error {
	if err := c.cfg.Signer.SetSigningAllowed(reqID, true); err != nil {
		err = fmt.Errorf("%w: unable to allow request %s: %v",
			ErrSigning, reqID, err)
		c.fail(err)
		return err
	}
	return nil
}

// OnCounterpartyVerified handles a verdict on the counterparty auth address.
// Signing is only allowed once it is verified, every final verdict other
// than Verified fails the settlement.
func (c *Container) OnCounterpartyVerified(state authaddr.State) {
	if c.state.IsTerminal() {
		return
	}
	c.cptyState = state

	switch state {
	case authaddr.Verified:
		if c.verified {
			return
		}
		c.verified = true

		log.Infof("Settlement %s: counterparty %v verified", c.ID(),
			c.cptyAddr)

		for _, reqID := range []string{c.payinReqID, c.payoutReqID} {
			if reqID == "" {
				continue
			}
			if c.allowSigning(reqID) != nil {
				return
			}
		}

		if c.state == StateIdle && !c.weFund {
			c.requestPayoutSigning()
		}

	case authaddr.Verifying:
		log.Debugf("Settlement %s: counterparty %v not confirmed yet",
			c.ID(), c.cptyAddr)

	default:
		c.fail(fmt.Errorf("%w: %v is %v", ErrVerification, c.cptyAddr,
			state))
	}
}

// OnSigned handles the completion of a sign request.  It returns false if
// reqID is not outstanding for the settlement.
func (c *Container) OnSigned(reqID string, signed []byte,
	code signer.ErrorCode, msg string) bool {

	switch {
	case reqID != "" && reqID == c.payinReqID:
		c.payinReqID = ""
		c.onPayinSigned(signed, code, msg)

	case reqID != "" && reqID == c.payoutReqID:
		c.payoutReqID = ""
		c.onPayoutSigned(signed, code, msg)

	default:
		log.Warnf("Settlement %s: ignoring completion of unknown "+
			"sign request %s", c.ID(), reqID)
		return false
	}

	return true
}

func signingError(p phase, code signer.ErrorCode, msg string) error {
	return fmt.Errorf("%w: %v: %v: %s", ErrSigning, p, code, msg)
}

func (c *Container) onPayinSigned(signed []byte, code signer.ErrorCode,
	msg string) {

	if code != signer.CodeSuccess || len(signed) == 0 {
		c.fail(signingError(phasePayin, code, msg))
		return
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(signed)); err != nil {
		c.fail(fmt.Errorf("%w: invalid pay-in: %v", ErrSigning, err))
		return
	}
	if tx.TxHash() != c.payin.TxHash {
		c.fail(fmt.Errorf("%w: signed pay-in %v does not match %v",
			ErrSigning, tx.TxHash(), c.payin.TxHash))
		return
	}
	c.payinTx = tx

	c.broadcast(phasePayin, tx.TxHash(), signed)
}

func (c *Container) onPayoutSigned(signed []byte, code signer.ErrorCode,
	msg string) {

	if code != signer.CodeSuccess || len(signed) == 0 {
		c.fail(signingError(phasePayout, code, msg))
		return
	}

	if !c.weFund {
		packet, err := psbt.NewFromRawBytes(
			bytes.NewReader(signed), false,
		)
		if err != nil {
			c.fail(fmt.Errorf("%w: invalid pay-out: %v",
				ErrSigning, err))
			return
		}
		sig, ok := wallet.PartialSig(packet, c.cfg.Wallet.AuthKey())
		if !ok {
			c.fail(fmt.Errorf("%w: no pay-out signature",
				ErrSigning))
			return
		}
		c.payoutSig = sig

		c.tag(c.payoutHash)
		c.finish(StateCompleted, nil)
		return
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(signed)); err != nil {
		c.fail(fmt.Errorf("%w: invalid pay-out: %v", ErrSigning, err))
		return
	}

	c.broadcast(phasePayout, tx.TxHash(), signed)
}

// broadcast hands a signed transaction to the broadcaster.
func (c *Container) broadcast(p phase, txHash chainhash.Hash, raw []byte) {
	push := &pendingPush{
		phase:  p,
		pushID: c.ID() + "/" + p.String(),
		txHash: txHash,
	}
	c.pending = push
	if p == phasePayin {
		c.payinPushed = true
	}
	c.tracker.trackPush(push.pushID, txHash, c)

	c.setState(StateBroadcasting)

	log.Infof("Settlement %s: broadcasting %v %v", c.ID(), p, txHash)

	if err := c.cfg.Broadcaster.Broadcast(push.pushID, raw); err != nil {
		c.fail(fmt.Errorf("unable to broadcast %v %v: %w", p, txHash,
			err))
	}
}

// OnBroadcastResult handles the outcome of a broadcast.  Transactions that
// are already known to the network count as accepted, every other rejection
// fails the settlement.  It returns false if txHash is not being broadcast.
func (c *Container) OnBroadcastResult(txHash chainhash.Hash,
	result chain.BroadcastResult, msg string) bool {

	push := c.pending
	if c.state != StateBroadcasting || push == nil ||
		push.txHash != txHash {

		log.Warnf("Settlement %s: ignoring broadcast result %v of %v",
			c.ID(), result, txHash)
		return false
	}
	c.pending = nil

	if !result.IsAccepted() {
		c.fail(fmt.Errorf("%w: %v %v: %v: %s", ErrBroadcastRejected,
			push.phase, txHash, result, msg))
		return true
	}

	log.Infof("Settlement %s: %v %v accepted (%v)", c.ID(), push.phase,
		txHash, result)

	c.tag(txHash)

	switch push.phase {
	case phasePayin:
		c.payinAccepted = true
		if c.cptyPayoutSig == nil {
			log.Infof("Settlement %s: waiting for counterparty "+
				"pay-out signature", c.ID())
			c.setState(StateIdle)
			return true
		}
		c.requestPayoutSigning()

	case phasePayout:
		c.finish(StateCompleted, nil)
	}

	return true
}

// SetCounterpartyPayoutSig delivers the pay-out signature of the
// counterparty.  Pay-out signing starts right away if the pay-in was
// accepted already.
func (c *Container) SetCounterpartyPayoutSig(sig []byte) error {
	switch {
	case c.state.IsTerminal():
		return fmt.Errorf("%w: %v", ErrInvalidState, c.state)

	case !c.weFund:
		return fmt.Errorf("%w: counterparty funds the pay-in",
			ErrInvalidState)

	case c.cptyPayoutSig != nil:
		return fmt.Errorf("%w: pay-out signature already set",
			ErrInvalidState)
	}
	c.cptyPayoutSig = sig

	if c.state == StateIdle && c.payinAccepted {
		return c.requestPayoutSigning()
	}
	return nil
}

// tag attaches the comment of the settlement to txHash and to the receive
// address of this party.
func (c *Container) tag(txHash chainhash.Hash) {
	comment := c.order.Comment()
	err := c.cfg.Wallet.SetTransactionComment(txHash, comment)
	if err != nil {
		log.Errorf("Settlement %s: unable to comment tx %v: %v", c.ID(),
			txHash, err)
	}

	if c.weFund || c.recvAddr == nil {
		return
	}
	if err := c.cfg.Wallet.SetAddressComment(c.recvAddr, comment); err != nil {
		log.Warnf("Settlement %s: unable to comment address %v: %v",
			c.ID(), c.recvAddr, err)
	}
}

// Cancel aborts the settlement.  It is refused once the pay-in was handed
// to the network.
func (c *Container) Cancel() error {
	switch {
	case c.state.IsTerminal():
		return fmt.Errorf("%w: %v", ErrInvalidState, c.state)

	case c.payinPushed:
		return ErrCancelNotAllowed
	}

	log.Infof("Settlement %s cancelled in state %v", c.ID(), c.state)
	c.finish(StateCancelled, nil)

	return nil
}

// OnTimeout fails the settlement if it is still running.
func (c *Container) OnTimeout() {
	if c.state.IsTerminal() {
		return
	}
	c.fail(fmt.Errorf("%w in state %v", ErrTimeout, c.state))
}

func (c *Container) fail(err error) {
	log.Errorf("Settlement %s failed: %v", c.ID(), err)
	c.finish(StateFailed, err)
}

// finish drops outstanding requests, releases the pay-in inputs and enters
// the terminal state.
func (c *Container) finish(state State, err error) {
	for _, reqID := range []*string{&c.payinReqID, &c.payoutReqID} {
		if *reqID == "" {
			continue
		}
		c.cfg.Signer.Cancel(*reqID)
		*reqID = ""
	}
	c.pending = nil

	close(c.quit)
	c.timer.Stop()
	c.cancel()

	if c.cfg.Wallet.ReleasePayin(c.ID()) {
		log.Debugf("Settlement %s: released pay-in inputs", c.ID())
	}

	c.err = err
	c.setState(state)
}

func (c *Container) setState(state State) {
	log.Debugf("Settlement %s: %v -> %v", c.ID(), c.state, state)
	c.state = state

	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(c.Result())
	}
	if state.IsTerminal() {
		c.tracker.settled(c)
	}
}
