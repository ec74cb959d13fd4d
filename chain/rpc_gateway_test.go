// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestGateway returns a gateway in websocket mode backed by a mock.
func newTestGateway(t *testing.T) (*RPCGateway, *mockBackend) {
	t.Helper()

	backend := &mockBackend{}
	backend.On("Shutdown").Return()
	backend.On("WaitForShutdown").Return()

	g := newRPCGateway(RPCGatewayConfig{
		Conn:                &rpcclient.ConnConfig{Host: "localhost"},
		Chain:               testParams,
		MaintenanceInterval: time.Hour,
		PushTimeout:         time.Second,
	})
	g.backend = backend
	t.Cleanup(g.Stop)

	return g, backend
}

// startTestGateway starts g against a backend on the test network with its
// tip at height 120 and drains the state events of the start up.
func startTestGateway(t *testing.T, g *RPCGateway, backend *mockBackend) {
	t.Helper()

	backend.On("Connect", 0).Return(nil)
	backend.On("GetCurrentNet").Return(testParams.Net, nil)
	backend.On("GetBestBlock").Return(&chainhash.Hash{}, 120, nil)
	backend.On("NotifyBlocks").Return(nil)

	require.NoError(t, g.Start())

	for _, state := range []State{
		StateConnecting, StateConnected, StateReady,
	} {
		e := nextEvent(t, g)
		require.Equal(t, StateChanged{State: state}, e)
	}
}

func nextEvent(t *testing.T, g *RPCGateway) Event {
	t.Helper()

	select {
	case e := <-g.Events():
		return e

	case <-time.After(waitTimeout):
		t.Fatalf("no gateway event received")
		return nil
	}
}

// TestRPCGatewayStart checks the start up sequence.
func TestRPCGatewayStart(t *testing.T) {
	t.Parallel()

	g, backend := newTestGateway(t)
	require.False(t, g.IsReady())

	startTestGateway(t, g, backend)
	require.True(t, g.IsReady())
	require.EqualValues(t, 120, g.TopBlock())

	// Blocks after a disconnect are reported as a reorg.
	g.onBlockDisconnected(nil, 120, time.Time{})
	g.onBlockConnected(nil, 120, time.Time{})
	require.Equal(t, NewBlock{Height: 120, BranchHeight: 119},
		nextEvent(t, g))

	g.onBlockConnected(nil, 121, time.Time{})
	require.Equal(t, NewBlock{Height: 121}, nextEvent(t, g))

	g.Stop()
	_, ok := <-g.Events()
	require.False(t, ok)
}

// TestRPCGatewayMismatchedNetwork checks that a backend on another network
// is refused.
func TestRPCGatewayMismatchedNetwork(t *testing.T) {
	t.Parallel()

	g, backend := newTestGateway(t)
	backend.On("Connect", 0).Return(nil)
	backend.On("GetCurrentNet").Return(wire.MainNet, nil)

	err := g.Start()
	require.ErrorIs(t, err, ErrMismatchedNetwork)
	require.Equal(t, StateError, g.State())
	backend.AssertNotCalled(t, "GetBestBlock")
}

// TestRPCGatewayPush checks that push outcomes are reported as events.
func TestRPCGatewayPush(t *testing.T) {
	t.Parallel()

	g, backend := newTestGateway(t)

	rawTx, txHash := testRawTx(t, 1)
	_, err := g.PushTransaction(context.Background(), rawTx)
	require.ErrorIs(t, err, ErrNotReady)

	startTestGateway(t, g, backend)

	_, err = g.PushTransaction(context.Background(), []byte{1, 2})
	require.Error(t, err)

	backend.On("SendRawTransaction", mock.Anything, false).
		Return(&txHash, nil).Once()
	backend.On("SendRawTransaction", mock.Anything, false).
		Return(nil, errors.New("-26: txn-mempool-conflict")).Once()

	reqID, err := g.PushTransaction(context.Background(), rawTx)
	require.NoError(t, err)

	e := nextEvent(t, g)
	zc, ok := e.(ZCReceived)
	require.True(t, ok)
	require.Equal(t, reqID, zc.RequestID)
	require.Len(t, zc.Entries, 1)
	require.Equal(t, txHash, zc.Entries[0].Hash)

	reqID, err = g.PushTransaction(context.Background(), rawTx)
	require.NoError(t, err)

	e = nextEvent(t, g)
	bcastErr, ok := e.(BroadcastError)
	require.True(t, ok)
	require.Equal(t, reqID, bcastErr.RequestID)
	require.Equal(t, txHash, bcastErr.TxHash)
	require.Equal(t, BroadcastMempoolConflict, bcastErr.Result)
}

// TestRPCGatewayEstimateFee checks the conversion of estimates to a rate per
// virtual byte.
func TestRPCGatewayEstimateFee(t *testing.T) {
	t.Parallel()

	g, backend := newTestGateway(t)
	startTestGateway(t, g, backend)

	rate := 0.0002
	tiny := 0.000001
	backend.On("EstimateSmartFee", int64(2), mock.Anything).Return(
		&btcjson.EstimateSmartFeeResult{FeeRate: &rate}, nil,
	)
	backend.On("EstimateSmartFee", int64(6), mock.Anything).Return(
		&btcjson.EstimateSmartFeeResult{}, nil,
	)
	backend.On("EstimateSmartFee", int64(10), mock.Anything).Return(
		&btcjson.EstimateSmartFeeResult{FeeRate: &tiny}, nil,
	)
	backend.On("EstimateSmartFee", int64(20), mock.Anything).Return(
		nil, errors.New("estimator down"),
	)

	tests := []struct {
		target uint32
		fee    btcutil.Amount
		err    bool
	}{
		{target: 2, fee: 20},
		{target: 6, fee: txrules.DefaultRelayFeePerKb / 1000},
		{target: 10, fee: minFeePerByte},
		{target: 20, err: true},
	}

	for _, test := range tests {
		fee, err := g.EstimateFee(context.Background(), test.target)
		if test.err {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, test.fee, fee, "target %d", test.target)
	}
}

// TestRPCGatewaySpendableOutputs checks that the unspent outputs of a
// registered wallet are returned with their scripts and heights.
func TestRPCGatewaySpendableOutputs(t *testing.T) {
	t.Parallel()

	g, backend := newTestGateway(t)
	startTestGateway(t, g, backend)

	addr, script := testAddr(t, 1)
	backend.On("NotifyReceived", []btcutil.Address{addr}).Return(nil)

	regID, err := g.RegisterWallet(
		context.Background(), "wallet", []btcutil.Address{addr},
	)
	require.NoError(t, err)
	require.NotEmpty(t, regID)

	blockHash := chainhash.Hash{9}
	backend.On(
		"SearchRawTransactionsVerbose", addr, 0, defaultHistoryPageSize,
		true, false, mock.Anything,
	).Return([]*btcjson.SearchRawTransactionsResult{
		{
			Txid:          testTxid(1),
			BlockHash:     blockHash.String(),
			Confirmations: 21,
			Vout: []btcjson.Vout{
				{
					Value: 0.5,
					N:     0,
					ScriptPubKey: btcjson.ScriptPubKeyResult{
						Hex: script,
					},
				},
			},
		},
	}, nil)
	backend.On("GetBlockVerbose", &blockHash).Return(
		&btcjson.GetBlockVerboseResult{
			Tx: []string{testTxid(7), testTxid(1)},
		}, nil,
	)

	_, err = g.GetSpendableOutputs(context.Background(), []string{"other"})
	require.Error(t, err)

	spendable, err := g.GetSpendableOutputs(
		context.Background(), []string{"wallet"},
	)
	require.NoError(t, err)
	require.Len(t, spendable["wallet"], 1)

	utxo := spendable["wallet"][0]
	require.Equal(t, chainhash.Hash{1}, utxo.OutPoint.Hash)
	require.EqualValues(t, 0, utxo.OutPoint.Index)
	require.Equal(t, btcutil.Amount(50_000_000), utxo.Value)
	require.EqualValues(t, 100, utxo.Height)

	batch, err := g.GetOutpointsForAddresses(
		context.Background(), []btcutil.Address{addr}, 0, 0,
	)
	require.NoError(t, err)
	require.EqualValues(t, 120, batch.TopHeight)
	require.Len(t, batch.Outpoints[addr.EncodeAddress()], 1)
	require.EqualValues(
		t, 1, batch.Outpoints[addr.EncodeAddress()][0].TxIndex,
	)
}
