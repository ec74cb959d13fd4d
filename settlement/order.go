// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// ProductXBT is the product of trades exchanging bitcoin for a currency.
const ProductXBT = "XBT"

var (
	// ErrInvalidSettlementID is returned for ids that are not the hex
	// encoding of a 32 byte hash.
	ErrInvalidSettlementID = errors.New("invalid settlement id")

	// ErrInvalidOrder is returned for orders missing a field their role
	// requires.
	ErrInvalidOrder = errors.New("invalid settlement order")
)

// Side is the side this party takes on the product of the trade.
type Side uint8

const (
	// SideBuy buys the product.
	SideBuy Side = iota

	// SideSell sells the product.
	SideSell
)

// String returns the side as a human-readable name.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return "Unknown"
	}
}

// Role is the part this party plays in the trade.
type Role uint8

const (
	// RoleDealer answered the quote request.
	RoleDealer Role = iota

	// RoleRequester asked for the quote.
	RoleRequester
)

// String returns the role as a human-readable name.
func (r Role) String() string {
	switch r {
	case RoleDealer:
		return "dealer"
	case RoleRequester:
		return "requester"
	default:
		return "unknown"
	}
}

// Order holds the terms of a settlement.
type Order struct {
	// SettlementID is the hex encoding of the 32 byte settlement hash.
	SettlementID string

	Role     Role
	Side     Side
	Product  string
	Security string

	// Amount is the bitcoin amount paid into the settlement output.
	Amount btcutil.Amount
	Price  float64

	// ClientSells is set when the requester sells bitcoin.  It decides
	// who funds the pay-in for the requester role.
	ClientSells bool

	// FeeRate is the fee rate of both transactions in satoshis per
	// virtual byte.
	FeeRate btcutil.Amount

	// CounterpartyAuthKey is the auth key of the other party.
	CounterpartyAuthKey *btcec.PublicKey

	// RecvAddress receives the pay-out when the other party funds.  A
	// new wallet address is used when nil.
	RecvAddress btcutil.Address

	// CounterpartyRecvAddress receives the pay-out when this party
	// funds.
	CounterpartyRecvAddress btcutil.Address

	// CounterpartyPayin is the pay-in of the other party when this party
	// does not fund.  It may be unsigned.
	CounterpartyPayin *wire.MsgTx

	// CounterpartyPayoutSig is the pay-out signature of the other party,
	// if already known when the settlement starts.
	CounterpartyPayoutSig []byte
}

// WeFund returns true if this party sells bitcoin and so funds the pay-in.
func (o *Order) WeFund() bool {
	if o.Role == RoleRequester {
		return o.ClientSells
	}
	return (o.Side == SideBuy) != (o.Product == ProductXBT)
}

// Comment is the note attached to the transactions and addresses of the
// settlement.
func (o *Order) Comment() string {
	return fmt.Sprintf("%v %s @ %s", o.Side, o.Security,
		strconv.FormatFloat(o.Price, 'f', -1, 64))
}

// Validate checks that the order carries what its role needs.
func (o *Order) Validate() error {
	id, err := hex.DecodeString(o.SettlementID)
	if err != nil || len(id) != 32 {
		return fmt.Errorf("%w: %q", ErrInvalidSettlementID,
			o.SettlementID)
	}

	switch {
	case o.CounterpartyAuthKey == nil:
		return fmt.Errorf("%w: no counterparty auth key",
			ErrInvalidOrder)

	case o.FeeRate <= 0:
		return fmt.Errorf("%w: fee rate %v", ErrInvalidOrder,
			o.FeeRate)
	}

	if !o.WeFund() {
		if o.CounterpartyPayin == nil {
			return fmt.Errorf("%w: no counterparty pay-in",
				ErrInvalidOrder)
		}
		return nil
	}

	switch {
	case o.Amount <= 0:
		return fmt.Errorf("%w: amount %v", ErrInvalidOrder, o.Amount)

	case o.CounterpartyRecvAddress == nil:
		return fmt.Errorf("%w: no counterparty receive address",
			ErrInvalidOrder)
	}

	return nil
}
