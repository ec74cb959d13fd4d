// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/internal/tlvmsg"
	"github.com/btcsuite/btcsettle/signer"
)

// AdapterConfig holds the collaborators of an Adapter.
type AdapterConfig struct {
	// User is the bus identity of the adapter.
	User bus.User

	// Gateway is the bus identity of the blockchain gateway adapter
	// transactions are pushed to.
	Gateway bus.User

	// Settlement configures the manager.  Broadcaster, OnTimeout and
	// OnUpdate are provided by the adapter.
	Settlement Config
}

// Adapter binds a Manager to the bus.  The callbacks of the signer, the
// verifier and the settlement timers are posted to the adapter itself, so
// the manager only ever runs on the adapter worker.
type Adapter struct {
	*bus.ThreadedAdapter

	cfg AdapterConfig
	mgr *Manager

	// owners holds the start request of each settlement, results are
	// sent as responses to it.  Only touched by the worker goroutine.
	owners map[string]*bus.Envelope
}

// A compile-time check to ensure that Adapter satisfies the Broadcaster
// interface.
var _ Broadcaster = (*Adapter)(nil)

// NewAdapter creates the adapter.  Its Notify methods must be set as the
// completion callbacks of the signer and the verifier.
func NewAdapter(cfg AdapterConfig) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		owners: make(map[string]*bus.Envelope),
	}

	mgrCfg := cfg.Settlement
	mgrCfg.Broadcaster = a
	mgrCfg.OnTimeout = a.notifyTimeout
	mgrCfg.OnUpdate = a.onUpdate
	a.mgr = NewManager(mgrCfg)

	a.ThreadedAdapter = bus.NewThreadedAdapter(
		"settlement", []bus.User{cfg.User}, a,
	)

	return a
}

// Stop shuts the running settlements down and stops the worker.
func (a *Adapter) Stop() {
	a.ThreadedAdapter.Stop()
	a.mgr.Shutdown()
}

// Broadcast pushes rawTx to the gateway adapter.
func (a *Adapter) Broadcast(pushID string, rawTx []byte) error {
	payload, err := (&chain.PushTx{PushID: pushID, RawTx: rawTx}).Encode()
	if err != nil {
		return err
	}
	_, err = a.PushRequest(a.cfg.Gateway, payload)
	return err
}

// NotifySigned posts the completion of a sign request to the adapter.  It
// is a signer.CompletionFunc.
func (a *Adapter) NotifySigned(reqID string, signed []byte,
	code signer.ErrorCode, msg string) {

	m := &signCompleted{reqID: reqID, signed: signed, code: code, msg: msg}
	payload, err := m.encode()
	if err != nil {
		log.Errorf("Unable to encode completion of %s: %v", reqID, err)
		return
	}
	a.notify(payload)
}

// NotifyVerified posts a verification verdict to the adapter.  It is an
// authaddr.Callback.
func (a *Adapter) NotifyVerified(addr btcutil.Address, state authaddr.State) {
	payload, err := encodeVerified(addr, state)
	if err != nil {
		log.Errorf("Unable to encode verdict on %v: %v", addr, err)
		return
	}
	a.notify(payload)
}

func (a *Adapter) notifyTimeout(settlementID string) {
	payload, err := encodeTimeout(settlementID)
	if err != nil {
		log.Errorf("Unable to encode timeout of %s: %v", settlementID,
			err)
		return
	}
	a.notify(payload)
}

func (a *Adapter) notify(payload []byte) {
	if _, err := a.PushRequest(a.User(), payload); err != nil {
		log.Errorf("Unable to post notification: %v", err)
	}
}

// ProcessEnvelope handles settlement requests, push results of the gateway
// adapter and the callbacks posted by the adapter itself.
func (a *Adapter) ProcessEnvelope(env *bus.Envelope) bool {
	typ, err := tlvmsg.PeekType(env.Payload)
	if err != nil {
		log.Errorf("Failed to parse message %v: %v", env, err)
		return true
	}

	if env.IsBroadcast() {
		if typ == chain.MsgNewBlock {
			block, err := chain.DecodeNewBlock(env.Payload)
			if err != nil {
				log.Errorf("Invalid new block: %v", err)
				return true
			}
			a.mgr.OnNewBlock(block.Height)
		}
		return true
	}

	if env.Sender.Equal(a.User()) {
		a.processOwn(typ, env)
		return true
	}

	switch typ {
	case chain.MsgPushResult:
		result, err := chain.DecodePushResult(env.Payload)
		if err != nil {
			log.Errorf("Invalid push result: %v", err)
			return true
		}
		a.mgr.OnPushResult(result)

	case MsgStartSettlement:
		a.processStart(env)

	case MsgCancelSettlement:
		id, err := DecodeCancelSettlement(env.Payload)
		if err != nil {
			log.Errorf("Invalid cancel request %v: %v", env, err)
			return true
		}
		if err := a.mgr.Cancel(id); err != nil {
			log.Warnf("Unable to cancel settlement %s: %v", id, err)
			a.respond(env, Result{
				SettlementID: id,
				State:        a.stateOf(id),
				Err:          err,
			})
		}

	case MsgPayoutSignature:
		m, err := DecodePayoutSignature(env.Payload)
		if err != nil {
			log.Errorf("Invalid pay-out signature %v: %v", env, err)
			return true
		}
		err = a.mgr.SetCounterpartyPayoutSig(m.SettlementID, m.Sig)
		if err != nil {
			log.Warnf("Pay-out signature for %s refused: %v",
				m.SettlementID, err)
			a.respond(env, Result{
				SettlementID: m.SettlementID,
				State:        a.stateOf(m.SettlementID),
				Err:          err,
			})
		}

	default:
		log.Warnf("Unknown message %d to settlement from %v", typ,
			env.Sender)
	}

	return true
}

// processOwn handles the callbacks posted by the adapter.
func (a *Adapter) processOwn(typ tlvmsg.Type, env *bus.Envelope) {
	switch typ {
	case msgSignCompleted:
		m, err := decodeSignCompleted(env.Payload)
		if err != nil {
			log.Errorf("Invalid sign completion: %v", err)
			return
		}
		a.mgr.OnSigned(m.reqID, m.signed, m.code, m.msg)

	case msgVerified:
		addr, state, err := decodeVerified(
			env.Payload, a.cfg.Settlement.Params,
		)
		if err != nil {
			log.Errorf("Invalid verdict: %v", err)
			return
		}
		a.mgr.OnVerified(addr, state)

	case msgTimeout:
		id, err := decodeTimeout(env.Payload)
		if err != nil {
			log.Errorf("Invalid settlement timeout: %v", err)
			return
		}
		a.mgr.OnTimeout(id)

	default:
		log.Warnf("Unknown own message %d", typ)
	}
}

// processStart starts the settlement of a start request.  The requester
// receives every state change as a response.
func (a *Adapter) processStart(env *bus.Envelope) {
	order, err := DecodeStartSettlement(
		env.Payload, a.cfg.Settlement.Params,
	)
	if err != nil {
		log.Errorf("Invalid settlement request %v: %v", env, err)
		a.respond(env, Result{State: StateFailed, Err: err})
		return
	}

	id := order.SettlementID
	if _, ok := a.owners[id]; ok {
		a.respond(env, Result{
			SettlementID: id,
			State:        StateFailed,
			Err:          ErrDuplicateSettlement,
		})
		return
	}
	a.owners[id] = env

	// A settlement failing during activation was reported already.
	if err := a.mgr.Start(order); err != nil {
		if _, ok := a.owners[id]; ok {
			delete(a.owners, id)
			a.respond(env, Result{
				SettlementID: id,
				State:        StateFailed,
				Err:          err,
			})
		}
	}
}

// onUpdate reports a state change to the owner of the settlement.
func (a *Adapter) onUpdate(r Result) {
	env, ok := a.owners[r.SettlementID]
	if !ok {
		log.Debugf("Settlement %s without owner is %v", r.SettlementID,
			r.State)
		return
	}
	if r.State.IsTerminal() {
		delete(a.owners, r.SettlementID)
	}

	a.respond(env, r)
}

func (a *Adapter) stateOf(id string) State {
	if c, ok := a.mgr.Container(id); ok {
		return c.State()
	}
	return StateFailed
}

func (a *Adapter) respond(request *bus.Envelope, r Result) {
	payload, err := NewSettlementResult(r).Encode()
	if err != nil {
		log.Errorf("Unable to encode settlement result: %v", err)
		return
	}
	if err := a.PushResponse(request, payload); err != nil {
		log.Errorf("Unable to send settlement result to %v: %v",
			request.Sender, err)
	}
}
