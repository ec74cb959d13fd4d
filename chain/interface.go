// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// ZCHeight is the height reported for outputs of unconfirmed transactions.
const ZCHeight = math.MaxUint32

// State is the connection state of a gateway.
type State uint8

const (
	// StateOffline means there is no connection to the backend.
	StateOffline State = iota

	// StateConnecting means a connection attempt is in progress.
	StateConnecting

	// StateConnected means the connection is up but the gateway has not
	// finished its initial synchronization yet.
	StateConnected

	// StateReady means requests can be served.
	StateReady

	// StateError means the backend refused the connection, e.g. because
	// it runs on another network.
	StateError
)

// String returns the state as a human readable string.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Outpoint is an output in the history of an address together with the
// transaction spending it, if any.
type Outpoint struct {
	TxHash      chainhash.Hash
	Index       uint32
	Height      uint32
	TxIndex     uint32
	Value       btcutil.Amount
	Spent       bool
	SpenderHash chainhash.Hash
}

// IsZC returns true if the output belongs to an unconfirmed transaction.
func (o Outpoint) IsZC() bool {
	return o.Height == ZCHeight
}

// OutpointBatch is the answer to an outpoint history query.
type OutpointBatch struct {
	// TopHeight is the best height the history was computed at.  Passing
	// TopHeight+1 as the height cursor of the next query only returns
	// what changed since.
	TopHeight uint32

	// ZCIndexCutoff is the unconfirmed cursor to pass to the next query.
	ZCIndexCutoff uint32

	// Outpoints maps an encoded address to its history.
	Outpoints map[string][]Outpoint
}

// Gateway is the blockchain backend the settlement core talks to.  The wire
// protocol behind it is opaque; only the operations below and the events
// delivered through Events are relied upon.
type Gateway interface {
	// Start connects to the backend.
	Start() error

	// Stop disconnects and waits for every goroutine to exit.
	Stop()

	// State returns the current connection state.
	State() State

	// IsReady returns true once requests can be served.
	IsReady() bool

	// TopBlock returns the best known height.
	TopBlock() uint32

	// RegisterWallet subscribes to activity of addrs and returns the
	// registration id.
	RegisterWallet(ctx context.Context, walletID string,
		addrs []btcutil.Address) (string, error)

	// PushTransaction broadcasts a serialized transaction.  The outcome
	// is reported asynchronously through a ZCReceived, BroadcastError
	// or BroadcastTimeout event carrying the returned request id.
	PushTransaction(ctx context.Context, rawTx []byte) (string, error)

	// EstimateFee returns the fee rate per virtual byte expected to
	// confirm within targetBlocks.
	EstimateFee(ctx context.Context, targetBlocks uint32) (btcutil.Amount,
		error)

	// GetOutpointsForAddresses returns the output history of addrs.
	// Only outputs created or spent at or above the topBlock height
	// cursor are returned, so zero returns the full history.  zcIndex
	// is the unconfirmed cursor of a previous batch.
	GetOutpointsForAddresses(ctx context.Context, addrs []btcutil.Address,
		topBlock, zcIndex uint32) (*OutpointBatch, error)

	// GetSpendableOutputs returns the unspent outputs of the registered
	// wallets keyed by wallet id.
	GetSpendableOutputs(ctx context.Context, walletIDs []string) (
		map[string][]reservation.UTXO, error)

	// Events delivers gateway events in order.  The channel is closed
	// when the gateway stops.
	Events() <-chan Event
}

// Event is implemented by every gateway event.
type Event interface {
	eventName() string
}

type (
	// StateChanged is sent whenever the connection state changes.
	StateChanged struct {
		State State
	}

	// NewBlock is sent when the tip moves.  BranchHeight is non zero on
	// reorgs and holds the height of the fork point.
	NewBlock struct {
		Height       uint32
		BranchHeight uint32
	}

	// ZCReceived is sent for unconfirmed transactions touching a
	// registered wallet.  RequestID is set when the transaction was
	// pushed through PushTransaction.
	ZCReceived struct {
		RequestID string
		Entries   []*wtxmgr.TxRecord
	}

	// BroadcastError is sent when the backend rejected a pushed
	// transaction.
	BroadcastError struct {
		RequestID string
		TxHash    chainhash.Hash
		Result    BroadcastResult
		Message   string
	}

	// BroadcastTimeout is sent when the backend did not answer a push in
	// time.
	BroadcastTimeout struct {
		RequestID string
		TxHash    chainhash.Hash
	}
)

func (StateChanged) eventName() string     { return "state_changed" }
func (NewBlock) eventName() string         { return "new_block" }
func (ZCReceived) eventName() string       { return "zc_received" }
func (BroadcastError) eventName() string   { return "broadcast_error" }
func (BroadcastTimeout) eventName() string { return "broadcast_timeout" }
