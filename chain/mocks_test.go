package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/stretchr/testify/mock"
)

var (
	_ Gateway    = (*mockGateway)(nil)
	_ RPCBackend = (*mockBackend)(nil)
)

// mockGateway is a mock implementation of the Gateway interface.  Events are
// delivered through the events channel owned by the test.
type mockGateway struct {
	mock.Mock

	events chan Event
}

func newMockGateway() *mockGateway {
	return &mockGateway{events: make(chan Event, 16)}
}

func (m *mockGateway) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockGateway) Stop() {
	m.Called()
}

func (m *mockGateway) State() State {
	args := m.Called()
	return args.Get(0).(State)
}

func (m *mockGateway) IsReady() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockGateway) TopBlock() uint32 {
	args := m.Called()
	return args.Get(0).(uint32)
}

func (m *mockGateway) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	args := m.Called(ctx, walletID, addrs)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) PushTransaction(ctx context.Context,
	rawTx []byte) (string, error) {

	args := m.Called(ctx, rawTx)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) EstimateFee(ctx context.Context,
	targetBlocks uint32) (btcutil.Amount, error) {

	args := m.Called(ctx, targetBlocks)
	return args.Get(0).(btcutil.Amount), args.Error(1)
}

func (m *mockGateway) GetOutpointsForAddresses(ctx context.Context,
	addrs []btcutil.Address, topBlock, zcIndex uint32) (*OutpointBatch,
	error) {

	args := m.Called(ctx, addrs, topBlock, zcIndex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OutpointBatch), args.Error(1)
}

func (m *mockGateway) GetSpendableOutputs(ctx context.Context,
	walletIDs []string) (map[string][]reservation.UTXO, error) {

	args := m.Called(ctx, walletIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]reservation.UTXO), args.Error(1)
}

func (m *mockGateway) Events() <-chan Event {
	return m.events
}

// mockBackend is a mock implementation of the RPCBackend interface.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Connect(tries int) error {
	args := m.Called(tries)
	return args.Error(0)
}

func (m *mockBackend) GetCurrentNet() (wire.BitcoinNet, error) {
	args := m.Called()
	return args.Get(0).(wire.BitcoinNet), args.Error(1)
}

func (m *mockBackend) GetBestBlock() (*chainhash.Hash, int32, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, int32(args.Int(1)), args.Error(2)
	}
	return args.Get(0).(*chainhash.Hash), int32(args.Int(1)),
		args.Error(2)
}

func (m *mockBackend) NotifyBlocks() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockBackend) NotifyReceived(addresses []btcutil.Address) error {
	args := m.Called(addresses)
	return args.Error(0)
}

func (m *mockBackend) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

func (m *mockBackend) EstimateSmartFee(confTarget int64,
	mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult,
	error) {

	args := m.Called(confTarget, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*btcjson.EstimateSmartFeeResult), args.Error(1)
}

func (m *mockBackend) SearchRawTransactionsVerbose(address btcutil.Address,
	skip, count int, includePrevOut, reverse bool, filterAddrs []string) (
	[]*btcjson.SearchRawTransactionsResult, error) {

	args := m.Called(address, skip, count, includePrevOut, reverse,
		filterAddrs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*btcjson.SearchRawTransactionsResult),
		args.Error(1)
}

func (m *mockBackend) GetBlockVerbose(blockHash *chainhash.Hash) (
	*btcjson.GetBlockVerboseResult, error) {

	args := m.Called(blockHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*btcjson.GetBlockVerboseResult), args.Error(1)
}

func (m *mockBackend) GetBlockHeaderVerbose(blockHash *chainhash.Hash) (
	*btcjson.GetBlockHeaderVerboseResult, error) {

	args := m.Called(blockHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*btcjson.GetBlockHeaderVerboseResult),
		args.Error(1)
}

func (m *mockBackend) Disconnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockBackend) Shutdown() {
	m.Called()
}

func (m *mockBackend) WaitForShutdown() {
	m.Called()
}
