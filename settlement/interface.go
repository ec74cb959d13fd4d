// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/wallet"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultTimeout is the lifetime of a settlement.
const DefaultTimeout = 30 * time.Second

// Wallet funds pay-ins and builds pay-outs.  It is implemented by
// wallet.Wallet.
type Wallet interface {
	// AuthKey returns the auth key of the wallet.
	AuthKey() *btcec.PublicKey

	// NewAddress returns a new receive address.
	NewAddress() (btcutil.Address, error)

	// FundPayin creates a pay-in and reserves its inputs under the
	// settlement id.
	FundPayin(ctx context.Context, settlementID string, pkScript []byte,
		amount, feeRate btcutil.Amount) (*wallet.Payin, error)

	// ReleasePayin releases the inputs reserved for a pay-in.
	ReleasePayin(settlementID string) bool

	// BuildPayout creates the pay-out of a settlement.
	BuildPayout(p wallet.PayoutParams) (*psbt.Packet, error)

	// SetTransactionComment attaches a comment to a transaction.
	SetTransactionComment(txHash chainhash.Hash, comment string) error

	// SetAddressComment attaches a comment to a wallet address.
	SetAddressComment(addr btcutil.Address, comment string) error
}

// Verifier verifies counterparty auth addresses.  It is implemented by
// authaddr.Verificator, whose callback must be routed to
// Manager.OnVerified.
type Verifier interface {
	AddAddress(addr btcutil.Address) bool
	DelAddress(addr btcutil.Address) bool
	VerifyAddress(addr btcutil.Address) bool
	OnNewBlock(height uint32)
}

// Broadcaster hands a signed transaction to the blockchain gateway.  The
// outcome must be routed to Manager.OnPushResult with the same push id.
type Broadcaster interface {
	Broadcast(pushID string, rawTx []byte) error
}

// Config holds the collaborators shared by the containers of a manager.
type Config struct {
	Wallet      Wallet
	Signer      signer.Backend
	Verifier    Verifier
	Broadcaster Broadcaster

	// Params is the network of the counterparty auth addresses.
	Params *chaincfg.Params

	// Timeout is the lifetime of a settlement.
	Timeout time.Duration

	// NewTicker creates the timer of a settlement.  Only the first tick
	// is used.
	NewTicker func(time.Duration) ticker.Ticker

	// OnTimeout is called from the timer goroutine of a settlement when
	// its lifetime expired.  It must hand the expiry to the goroutine
	// owning the manager, which then calls Manager.OnTimeout.
	OnTimeout func(settlementID string)

	// OnUpdate receives every state change of every settlement.
	OnUpdate func(Result)
}
