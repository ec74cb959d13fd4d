// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/stretchr/testify/require"
)

var (
	settlementUser = bus.NewUser(200, "settlement")
	gatewayUser    = bus.NewUser(201, "blockchain")
	requesterUser  = bus.NewUser(202, "requester")
)

// requester is an adapter collecting the settlement results.
type requester struct {
	responses chan *bus.Envelope
}

func (r *requester) Process(env *bus.Envelope) bool {
	r.responses <- env
	return true
}

func (r *requester) ProcessBroadcast(*bus.Envelope) bool {
	return true
}

func (r *requester) SupportedUsers() []bus.User {
	return []bus.User{requesterUser}
}

func (r *requester) Name() string {
	return "requester"
}

func (r *requester) nextResult(t *testing.T) *SettlementResult {
	t.Helper()

	select {
	case env := <-r.responses:
		result, err := DecodeSettlementResult(env.Payload)
		require.NoError(t, err)
		return result

	case <-time.After(waitTimeout):
		t.Fatalf("no settlement result received")
		return nil
	}
}

// finalResult skips the results up to the terminal one.
func (r *requester) finalResult(t *testing.T) *SettlementResult {
	t.Helper()

	for {
		result := r.nextResult(t)
		if result.State.IsTerminal() {
			return result
		}
	}
}

// startAdapter binds a settlement adapter for p, a gateway answering every
// push with result and a requester to a new bus.
func startAdapter(t *testing.T, p *party,
	result chain.BroadcastResult) (*bus.Bus, *Adapter, *requester) {

	t.Helper()

	cfg := bus.DefaultQueueConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ReportInterval = 0

	b := bus.New(t.Name(), cfg)

	a := NewAdapter(AdapterConfig{
		User:    settlementUser,
		Gateway: gatewayUser,
		Settlement: Config{
			Wallet:    p.wallet,
			Signer:    p.signer,
			Verifier:  p.verifier,
			Params:    testParams,
			Timeout:   testTimeout,
			NewTicker: p.mgr.cfg.NewTicker,
		},
	})
	b.Bind(a)

	var gw *bus.ThreadedAdapter
	gw = bus.NewThreadedAdapter(
		"blockchain", []bus.User{gatewayUser},
		bus.EnvelopeProcessorFunc(func(env *bus.Envelope) bool {
			push, err := chain.DecodePushTx(env.Payload)
			if err != nil {
				return true
			}
			tx := &wire.MsgTx{}
			err = tx.Deserialize(bytes.NewReader(push.RawTx))
			if err != nil {
				return true
			}

			payload, err := (&chain.PushResult{
				PushID:     push.PushID,
				RequestID:  "gw-1",
				TxHash:     tx.TxHash(),
				Result:     result,
				Message:    result.String(),
				PushedByUs: true,
			}).Encode()
			if err != nil {
				return true
			}
			_ = gw.PushResponse(env, payload)
			return true
		}),
	)
	b.Bind(gw)

	r := &requester{responses: make(chan *bus.Envelope, 32)}
	b.Bind(r)

	// Sign completions go through the adapter queue.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case c := <-p.completions:
				a.NotifySigned(c.reqID, c.signed, c.code, c.msg)
			case <-done:
				return
			}
		}
	}()

	b.Start()
	t.Cleanup(func() {
		b.Stop()
		close(done)
	})

	return b, a, r
}

func pushMsg(t *testing.T, b *bus.Bus, payload []byte) {
	t.Helper()

	require.True(t, b.Push(bus.NewEnvelope(
		requesterUser, settlementUser, payload,
	)))
}

// TestAdapterRejectedPayin runs a funded settlement over the bus until the
// gateway rejects its pay-in.
func TestAdapterRejectedPayin(t *testing.T) {
	t.Parallel()

	p, order := newFunder(t, settlementID)
	b, a, r := startAdapter(t, p, chain.BroadcastMempoolConflict)

	payload, err := order.Encode()
	require.NoError(t, err)
	pushMsg(t, b, payload)

	result := r.nextResult(t)
	require.Equal(t, settlementID, result.SettlementID)
	require.Equal(t, StateAwaitingVerification, result.State)

	result = r.nextResult(t)
	require.Equal(t, StatePayinSigning, result.State)
	require.NotEmpty(t, result.Payin)

	a.NotifyVerified(
		authAddr(t, order.CounterpartyAuthKey), authaddr.Verified,
	)

	result = r.nextResult(t)
	require.Equal(t, StateBroadcasting, result.State)

	result = r.nextResult(t)
	require.Equal(t, StateFailed, result.State)
	require.Contains(t, result.Reason, "mempool conflict")
	require.Zero(t, p.reservations.Count())
}

// TestAdapterCancel checks cancel requests and duplicate starts over the
// bus.
func TestAdapterCancel(t *testing.T) {
	t.Parallel()

	p, order := newFunder(t, settlementID)
	b, _, r := startAdapter(t, p, chain.BroadcastSuccess)

	payload, err := order.Encode()
	require.NoError(t, err)
	pushMsg(t, b, payload)

	result := r.nextResult(t)
	require.Equal(t, StateAwaitingVerification, result.State)
	result = r.nextResult(t)
	require.Equal(t, StatePayinSigning, result.State)

	// The second start is refused without touching the first one.
	pushMsg(t, b, payload)
	result = r.nextResult(t)
	require.Equal(t, StateFailed, result.State)
	require.Contains(t, result.Reason, ErrDuplicateSettlement.Error())

	payload, err = EncodeCancelSettlement(settlementID)
	require.NoError(t, err)
	pushMsg(t, b, payload)

	result = r.finalResult(t)
	require.Equal(t, StateCancelled, result.State)
	require.Empty(t, result.Reason)
	require.Zero(t, p.reservations.Count())

	// The settlement is gone now.
	pushMsg(t, b, payload)
	result = r.nextResult(t)
	require.Equal(t, StateFailed, result.State)
	require.Contains(t, result.Reason, ErrUnknownSettlement.Error())
}

// TestAdapterInvalidStart checks that undecodable orders are answered.
func TestAdapterInvalidStart(t *testing.T) {
	t.Parallel()

	p, order := newFunder(t, settlementID)
	b, _, r := startAdapter(t, p, chain.BroadcastSuccess)

	order.FeeRate = 0
	payload, err := order.Encode()
	require.NoError(t, err)
	pushMsg(t, b, payload)

	result := r.nextResult(t)
	require.Equal(t, settlementID, result.SettlementID)
	require.Equal(t, StateFailed, result.State)
	require.Contains(t, result.Reason, ErrInvalidOrder.Error())
}
