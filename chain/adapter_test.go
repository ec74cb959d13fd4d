// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	gatewayUser   = bus.NewUser(100, "blockchain")
	requesterUser = bus.NewUser(101, "requester")
)

const waitTimeout = 2 * time.Second

// requester is an adapter collecting the answers of the gateway adapter.
type requester struct {
	responses  chan *bus.Envelope
	broadcasts chan *bus.Envelope
}

func newRequester() *requester {
	return &requester{
		responses:  make(chan *bus.Envelope, 16),
		broadcasts: make(chan *bus.Envelope, 16),
	}
}

func (r *requester) Process(env *bus.Envelope) bool {
	r.responses <- env
	return true
}

func (r *requester) ProcessBroadcast(env *bus.Envelope) bool {
	select {
	case r.broadcasts <- env:
	default:
	}
	return true
}

func (r *requester) SupportedUsers() []bus.User {
	return []bus.User{requesterUser}
}

func (r *requester) Name() string {
	return "requester"
}

func (r *requester) nextResult(t *testing.T) *PushResult {
	t.Helper()

	select {
	case env := <-r.responses:
		result, err := DecodePushResult(env.Payload)
		require.NoError(t, err)
		return result

	case <-time.After(waitTimeout):
		t.Fatalf("no push result received")
		return nil
	}
}

func testRawTx(t *testing.T, seed byte) ([]byte, chainhash.Hash) {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{seed}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return buf.Bytes(), tx.TxHash()
}

func startGatewayAdapter(t *testing.T, gw Gateway,
	timeout time.Duration) (*bus.Bus, *requester) {

	t.Helper()

	cfg := bus.DefaultQueueConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ReportInterval = 0

	b := bus.New(t.Name(), cfg)
	b.Bind(NewGatewayAdapter(GatewayAdapterConfig{
		User:             gatewayUser,
		Gateway:          gw,
		BroadcastTimeout: timeout,
	}))

	r := newRequester()
	b.Bind(r)

	b.Start()
	t.Cleanup(b.Stop)

	return b, r
}

func pushTx(t *testing.T, b *bus.Bus, pushID string, rawTx []byte) {
	t.Helper()

	payload, err := (&PushTx{PushID: pushID, RawTx: rawTx}).Encode()
	require.NoError(t, err)
	require.True(t, b.Push(bus.NewEnvelope(
		requesterUser, gatewayUser, payload,
	)))
}

// TestGatewayAdapterPushSuccess checks that the ZC notice of a pushed
// transaction is answered with a success and broadcast.
func TestGatewayAdapterPushSuccess(t *testing.T) {
	t.Parallel()

	rawTx, txHash := testRawTx(t, 1)

	gw := newMockGateway()
	gw.On("IsReady").Return(true)
	gw.On("PushTransaction", mock.Anything, rawTx).Return("req-1", nil).
		Run(func(mock.Arguments) {
			gw.events <- ZCReceived{
				RequestID: "req-1",
				Entries: []*wtxmgr.TxRecord{
					{Hash: txHash},
				},
			}
		})

	b, r := startGatewayAdapter(t, gw, time.Minute)
	pushTx(t, b, "push-1", rawTx)

	result := r.nextResult(t)
	require.Equal(t, "push-1", result.PushID)
	require.Equal(t, "req-1", result.RequestID)
	require.Equal(t, txHash, result.TxHash)
	require.Equal(t, BroadcastSuccess, result.Result)
	require.True(t, result.PushedByUs)

	select {
	case env := <-r.broadcasts:
		notice, err := DecodeZCNotice(env.Payload)
		require.NoError(t, err)
		require.Equal(t, []chainhash.Hash{txHash}, notice.TxHashes)

	case <-time.After(waitTimeout):
		t.Fatalf("ZC notice not broadcast")
	}
}

// TestGatewayAdapterPushRejected checks that rejections are reported with
// their classification.
func TestGatewayAdapterPushRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		result   BroadcastResult
		accepted bool
	}{
		{
			name:     "already in mempool",
			result:   BroadcastAlreadyInMempool,
			accepted: true,
		},
		{
			name:   "mempool conflict",
			result: BroadcastMempoolConflict,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			rawTx, txHash := testRawTx(t, 2)

			gw := newMockGateway()
			gw.On("IsReady").Return(true)
			gw.On("PushTransaction", mock.Anything, rawTx).
				Return("req-1", nil).
				Run(func(mock.Arguments) {
					gw.events <- BroadcastError{
						RequestID: "req-1",
						TxHash:    txHash,
						Result:    test.result,
						Message:   "rejected",
					}
				})

			b, r := startGatewayAdapter(t, gw, time.Minute)
			pushTx(t, b, "push-1", rawTx)

			result := r.nextResult(t)
			require.Equal(t, "push-1", result.PushID)
			require.Equal(t, test.result, result.Result)
			require.Equal(t, test.accepted, result.Result.IsAccepted())
			require.Equal(t, "rejected", result.Message)
		})
	}
}

// TestGatewayAdapterPushTimeout checks that an unanswered push is pushed
// once more and then reported as timed out.
func TestGatewayAdapterPushTimeout(t *testing.T) {
	t.Parallel()

	rawTx, txHash := testRawTx(t, 3)

	gw := newMockGateway()
	gw.On("IsReady").Return(true)
	gw.On("PushTransaction", mock.Anything, rawTx).Return("req-1", nil).
		Once()
	gw.On("PushTransaction", mock.Anything, rawTx).Return("req-2", nil).
		Once()

	b, r := startGatewayAdapter(t, gw, 30*time.Millisecond)
	pushTx(t, b, "push-1", rawTx)

	result := r.nextResult(t)
	require.Equal(t, BroadcastTimedOut, result.Result)
	require.Equal(t, "req-2", result.RequestID)
	require.Equal(t, txHash, result.TxHash)
	require.False(t, result.Result.IsFatal())

	gw.AssertNumberOfCalls(t, "PushTransaction", 2)
}

// TestGatewayAdapterDuplicatePush checks that a transaction already in
// flight is not pushed twice.
func TestGatewayAdapterDuplicatePush(t *testing.T) {
	t.Parallel()

	rawTx, txHash := testRawTx(t, 4)

	gw := newMockGateway()
	gw.On("IsReady").Return(true)
	gw.On("PushTransaction", mock.Anything, rawTx).Return("req-1", nil).
		Once()

	b, r := startGatewayAdapter(t, gw, time.Minute)
	pushTx(t, b, "push-1", rawTx)
	pushTx(t, b, "push-2", rawTx)

	result := r.nextResult(t)
	require.Equal(t, "push-2", result.PushID)
	require.Equal(t, txHash, result.TxHash)
	require.Equal(t, BroadcastOther, result.Result)
	require.Equal(t, "already pushed", result.Message)

	gw.AssertNumberOfCalls(t, "PushTransaction", 1)
}

// TestGatewayAdapterNotReady checks that push requests wait for the gateway
// to become ready and that gateway failures are reported.
func TestGatewayAdapterNotReady(t *testing.T) {
	t.Parallel()

	rawTx, _ := testRawTx(t, 5)

	gw := newMockGateway()
	gw.On("IsReady").Return(false).Twice()
	gw.On("IsReady").Return(true)
	gw.On("PushTransaction", mock.Anything, rawTx).
		Return("", errors.New("backend gone"))

	b, r := startGatewayAdapter(t, gw, time.Minute)
	pushTx(t, b, "push-1", rawTx)

	result := r.nextResult(t)
	require.Equal(t, "push-1", result.PushID)
	require.Equal(t, BroadcastOther, result.Result)
	require.Equal(t, "backend gone", result.Message)

	gw.AssertNumberOfCalls(t, "IsReady", 3)
}

// TestGatewayAdapterRelaysBlocks checks that tip and state changes reach the
// other adapters.
func TestGatewayAdapterRelaysBlocks(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	_, r := startGatewayAdapter(t, gw, time.Minute)

	gw.events <- NewBlock{Height: 120, BranchHeight: 118}

	select {
	case env := <-r.broadcasts:
		require.True(t, env.Sender.Equal(gatewayUser))
		block, err := DecodeNewBlock(env.Payload)
		require.NoError(t, err)
		require.EqualValues(t, 120, block.Height)
		require.EqualValues(t, 118, block.BranchHeight)

	case <-time.After(waitTimeout):
		t.Fatalf("new block not broadcast")
	}

	gw.events <- StateChanged{State: StateOffline}

	select {
	case env := <-r.broadcasts:
		state, err := DecodeStateChanged(env.Payload)
		require.NoError(t, err)
		require.Equal(t, StateOffline, state.State)

	case <-time.After(waitTimeout):
		t.Fatalf("state change not broadcast")
	}
}
