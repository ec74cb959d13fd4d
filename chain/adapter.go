// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcsettle/internal/tlvmsg"
)

// DefaultBroadcastTimeout is how long a push may stay unanswered before it
// is pushed once more.
const DefaultBroadcastTimeout = 30 * time.Second

// GatewayAdapterConfig holds the collaborators of a GatewayAdapter.
type GatewayAdapterConfig struct {
	// User is the bus identity of the adapter.
	User bus.User

	// Gateway is the backend.  Its lifetime is managed by the caller.
	Gateway Gateway

	// BroadcastTimeout is the watchdog period of a push.
	BroadcastTimeout time.Duration

	// Now returns the current time.  It must agree with the clock of the
	// queue the adapter is bound to.
	Now func() time.Time
}

// pendingPush tracks a transaction handed to the gateway until its outcome
// was reported to the requester.
type pendingPush struct {
	env      *bus.Envelope
	pushID   string
	rawTx    []byte
	txHash   chainhash.Hash
	retried  bool
	reported bool
}

// GatewayAdapter binds a Gateway to the bus.  Gateway events are relayed to
// the adapter's own queue first, so every piece of push bookkeeping happens
// on the adapter worker, then broadcast to the other adapters.  A push whose
// outcome is unknown when its watchdog fires is pushed once more before a
// timeout is reported.
type GatewayAdapter struct {
	*bus.ThreadedAdapter

	cfg GatewayAdapterConfig

	// pending and pushed are only touched by the worker goroutine.
	pending map[string]*pendingPush
	pushed  map[chainhash.Hash]struct{}

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewGatewayAdapter creates the adapter.
func NewGatewayAdapter(cfg GatewayAdapterConfig) *GatewayAdapter {
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &GatewayAdapter{
		cfg:     cfg,
		pending: make(map[string]*pendingPush),
		pushed:  make(map[chainhash.Hash]struct{}),
		quit:    make(chan struct{}),
	}
	a.ThreadedAdapter = bus.NewThreadedAdapter(
		"blockchain", []bus.User{cfg.User}, a,
	)

	return a
}

// Start launches the worker and the event relay.
func (a *GatewayAdapter) Start() {
	a.ThreadedAdapter.Start()

	a.wg.Add(1)
	go a.relayEvents()
}

// Stop halts the event relay and the worker.
func (a *GatewayAdapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.wg.Wait()
		a.ThreadedAdapter.Stop()
	})
}

// relayEvents turns gateway events into envelopes addressed to the adapter
// itself.
//
// NOTE: This must be run as a goroutine.
func (a *GatewayAdapter) relayEvents() {
	defer a.wg.Done()

	events := a.cfg.Gateway.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				log.Infof("Gateway event stream closed")
				return
			}

			payload, err := encodeEvent(e)
			if err != nil {
				log.Errorf("Unable to encode %s event: %v",
					e.eventName(), err)
				continue
			}

			_, err = a.PushRequest(a.User(), payload)
			if err != nil {
				log.Errorf("Unable to relay %s event: %v",
					e.eventName(), err)
			}

		case <-a.quit:
			return
		}
	}
}

// encodeEvent maps a gateway event to its bus payload.
func encodeEvent(e Event) ([]byte, error) {
	switch e := e.(type) {
	case StateChanged:
		return EncodeStateChanged(e)

	case NewBlock:
		return EncodeNewBlock(e)

	case ZCReceived:
		notice := &ZCNotice{RequestID: e.RequestID}
		for _, rec := range e.Entries {
			notice.TxHashes = append(notice.TxHashes, rec.Hash)
		}
		return notice.Encode()

	case BroadcastError:
		result := &PushResult{
			RequestID: e.RequestID,
			TxHash:    e.TxHash,
			Result:    e.Result,
			Message:   e.Message,
		}
		return result.Encode()

	case BroadcastTimeout:
		return encodePushTimeout(e.RequestID)

	default:
		return nil, tlvmsg.ErrEmptyPayload
	}
}

// ProcessEnvelope handles push requests of other adapters and the events
// relayed by the adapter itself.
func (a *GatewayAdapter) ProcessEnvelope(env *bus.Envelope) bool {
	// Broadcasts of other adapters carry nothing for the gateway.
	if env.IsBroadcast() {
		return true
	}

	typ, err := tlvmsg.PeekType(env.Payload)
	if err != nil {
		log.Errorf("Failed to parse request %v: %v", env, err)
		return true
	}

	if env.Sender.Equal(a.User()) {
		return a.processOwn(typ, env)
	}

	switch typ {
	case MsgPushTx:
		return a.processPushTx(env)

	default:
		log.Warnf("Unknown message %d to blockchain from %v", typ,
			env.Sender)
		return true
	}
}

// processOwn handles relayed gateway events and push watchdogs.
func (a *GatewayAdapter) processOwn(typ tlvmsg.Type, env *bus.Envelope) bool {
	switch typ {
	case MsgStateChanged, MsgNewBlock:
		a.broadcast(env.Payload)

	case MsgZCReceived:
		notice, err := DecodeZCNotice(env.Payload)
		if err != nil {
			log.Errorf("Invalid ZC notice: %v", err)
			return true
		}
		a.onZCReceived(notice)
		a.broadcast(env.Payload)

	case MsgPushResult:
		result, err := DecodePushResult(env.Payload)
		if err != nil {
			log.Errorf("Invalid push result: %v", err)
			return true
		}
		a.onBroadcastError(result)

	case MsgPushTimeout:
		reqID, err := decodePushTimeout(env.Payload)
		if err != nil {
			log.Errorf("Invalid push timeout: %v", err)
			return true
		}
		a.onPushTimeout(reqID)

	default:
		log.Warnf("Unknown own message %d", typ)
	}

	return true
}

// processPushTx hands the transaction of a push request to the gateway.  The
// request is declined while the gateway is not ready so it is retried later.
func (a *GatewayAdapter) processPushTx(env *bus.Envelope) bool {
	if !a.cfg.Gateway.IsReady() {
		return false
	}

	req, err := DecodePushTx(env.Payload)
	if err != nil {
		log.Errorf("Invalid push request %v: %v", env, err)
		a.respond(env, &PushResult{
			Result:  BroadcastOther,
			Message: "invalid push request",
		})
		return true
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(req.RawTx)); err != nil {
		log.Errorf("Invalid tx data to push for %s: %v", req.PushID,
			err)
		a.respond(env, &PushResult{
			PushID:  req.PushID,
			Result:  BroadcastOther,
			Message: "invalid TX data",
		})
		return true
	}

	txHash := tx.TxHash()
	if _, ok := a.pushed[txHash]; ok {
		log.Errorf("Tx %v already pushed, request %s ignored", txHash,
			req.PushID)
		a.respond(env, &PushResult{
			PushID:  req.PushID,
			TxHash:  txHash,
			Result:  BroadcastOther,
			Message: "already pushed",
		})
		return true
	}

	p := &pendingPush{
		env:    env,
		pushID: req.PushID,
		rawTx:  req.RawTx,
		txHash: txHash,
	}
	if err := a.push(p); err != nil {
		log.Errorf("Failed to push tx %v: %v", txHash, err)
		a.respond(env, &PushResult{
			PushID:  req.PushID,
			TxHash:  txHash,
			Result:  BroadcastOther,
			Message: err.Error(),
		})
		return true
	}
	a.pushed[txHash] = struct{}{}

	return true
}

// push sends p through the gateway and arms its watchdog.
func (a *GatewayAdapter) push(p *pendingPush) error {
	ctx, cancel := context.WithTimeout(
		context.Background(), a.cfg.BroadcastTimeout,
	)
	defer cancel()

	reqID, err := a.cfg.Gateway.PushTransaction(ctx, p.rawTx)
	if err != nil {
		return err
	}
	a.pending[reqID] = p

	payload, err := encodePushTimeout(reqID)
	if err != nil {
		return err
	}
	_, err = a.PushRequestAt(
		a.User(), payload, a.cfg.Now().Add(a.cfg.BroadcastTimeout),
	)
	if err != nil {
		log.Errorf("Unable to arm watchdog of push %s: %v", reqID, err)
	}

	log.Debugf("Pushed tx %v for %s as %s", p.txHash, p.pushID, reqID)

	return nil
}

// onZCReceived reports success of the push the notice belongs to.
func (a *GatewayAdapter) onZCReceived(notice *ZCNotice) {
	if notice.RequestID == "" {
		return
	}

	p, ok := a.pending[notice.RequestID]
	if !ok {
		return
	}
	if p.reported {
		log.Debugf("Push result already reported on %s",
			notice.RequestID)
		return
	}
	p.reported = true
	delete(a.pushed, p.txHash)

	a.respond(p.env, &PushResult{
		PushID:     p.pushID,
		RequestID:  notice.RequestID,
		TxHash:     p.txHash,
		Result:     BroadcastSuccess,
		PushedByUs: true,
	})
}

// onBroadcastError reports a rejection classified by the gateway.
func (a *GatewayAdapter) onBroadcastError(result *PushResult) {
	p, ok := a.pending[result.RequestID]
	if !ok {
		log.Warnf("Unexpected tx error %v for %s: %s", result.Result,
			result.RequestID, result.Message)
		return
	}
	if p.reported {
		log.Errorf("Push result already reported on %s: %v",
			result.RequestID, result.TxHash)
		return
	}
	p.reported = true
	delete(a.pushed, p.txHash)

	if result.Result.IsAccepted() {
		log.Debugf("Tx %v of %s %v, processing as broadcast",
			p.txHash, p.pushID, result.Result)
	} else {
		log.Errorf("Tx %v of %s rejected: %v: %s", p.txHash, p.pushID,
			result.Result, result.Message)
	}

	result.PushID = p.pushID
	result.PushedByUs = true
	a.respond(p.env, result)
}

// onPushTimeout handles the watchdog of reqID.  Pushes that got an answer
// are forgotten, the others are pushed once more and reported as timed out
// on the second expiry.
func (a *GatewayAdapter) onPushTimeout(reqID string) {
	p, ok := a.pending[reqID]
	if !ok {
		return
	}
	delete(a.pending, reqID)

	if p.reported {
		return
	}

	if !p.retried {
		p.retried = true

		log.Warnf("Push %s of tx %v timed out, pushing again", reqID,
			p.txHash)
		err := a.push(p)
		if err == nil {
			return
		}
		log.Errorf("Unable to push tx %v again: %v", p.txHash, err)
	}

	log.Errorf("Push of tx %v for %s timed out", p.txHash, p.pushID)

	p.reported = true
	delete(a.pushed, p.txHash)
	a.respond(p.env, &PushResult{
		PushID:     p.pushID,
		RequestID:  reqID,
		TxHash:     p.txHash,
		Result:     BroadcastTimedOut,
		Message:    ErrBroadcastTimeout.Error(),
		PushedByUs: true,
	})
}

func (a *GatewayAdapter) respond(request *bus.Envelope, result *PushResult) {
	payload, err := result.Encode()
	if err != nil {
		log.Errorf("Unable to encode push result: %v", err)
		return
	}
	if err := a.PushResponse(request, payload); err != nil {
		log.Errorf("Unable to send push result to %v: %v",
			request.Sender, err)
	}
}

func (a *GatewayAdapter) broadcast(payload []byte) {
	if err := a.PushBroadcast(payload); err != nil {
		log.Errorf("Unable to broadcast gateway event: %v", err)
	}
}
