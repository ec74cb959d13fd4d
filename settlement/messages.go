// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/internal/tlvmsg"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/lightningnetwork/lnd/tlv"
)

// Message types exchanged with the settlement adapter.
const (
	// MsgStartSettlement starts a settlement.
	MsgStartSettlement tlvmsg.Type = 0x20 + iota

	// MsgCancelSettlement cancels a settlement.
	MsgCancelSettlement

	// MsgPayoutSignature delivers the pay-out signature of the
	// counterparty.
	MsgPayoutSignature

	// MsgSettlementResult reports a state change of a settlement to the
	// adapter that started it.
	MsgSettlementResult

	// msgSignCompleted, msgVerified and msgTimeout carry the callbacks of
	// the signer, the verifier and the settlement timers to the adapter
	// worker.
	msgSignCompleted
	msgVerified
	msgTimeout
)

const (
	typeSettlementID    tlv.Type = 1
	typeRole            tlv.Type = 2
	typeSide            tlv.Type = 3
	typeProduct         tlv.Type = 4
	typeSecurity        tlv.Type = 5
	typeAmount          tlv.Type = 6
	typePrice           tlv.Type = 7
	typeClientSells     tlv.Type = 8
	typeFeeRate         tlv.Type = 9
	typeCptyAuthKey     tlv.Type = 10
	typeRecvAddress     tlv.Type = 11
	typeCptyRecvAddress tlv.Type = 12
	typeCptyPayin       tlv.Type = 13
	typeCptyPayoutSig   tlv.Type = 14
	typeState           tlv.Type = 15
	typeReason          tlv.Type = 16
	typePayin           tlv.Type = 17
	typePayinHash       tlv.Type = 18
	typePayoutHash      tlv.Type = 19
	typePayoutSig       tlv.Type = 20
	typeRequestID       tlv.Type = 21
	typeSigned          tlv.Type = 22
	typeCode            tlv.Type = 23
	typeMessage         tlv.Type = 24
	typeAddress         tlv.Type = 25
	typeVerdict         tlv.Type = 26
)

// ErrMissingField is returned when decoding a message without a mandatory
// field.
var ErrMissingField = errors.New("missing message field")

// Encode serializes the order as a MsgStartSettlement payload.
func (o *Order) Encode() ([]byte, error) {
	var (
		id          = []byte(o.SettlementID)
		role        = uint8(o.Role)
		side        = uint8(o.Side)
		product     = []byte(o.Product)
		security    = []byte(o.Security)
		amount      = uint64(o.Amount)
		price       = math.Float64bits(o.Price)
		clientSells uint8
		feeRate     = uint64(o.FeeRate)
		authKey     []byte
		recv        []byte
		cptyRecv    []byte
		payin       []byte
		payoutSig   = o.CounterpartyPayoutSig
	)
	if o.ClientSells {
		clientSells = 1
	}
	if o.CounterpartyAuthKey != nil {
		authKey = o.CounterpartyAuthKey.SerializeCompressed()
	}
	if o.RecvAddress != nil {
		recv = []byte(o.RecvAddress.EncodeAddress())
	}
	if o.CounterpartyRecvAddress != nil {
		cptyRecv = []byte(o.CounterpartyRecvAddress.EncodeAddress())
	}
	if o.CounterpartyPayin != nil {
		var buf bytes.Buffer
		if err := o.CounterpartyPayin.Serialize(&buf); err != nil {
			return nil, err
		}
		payin = buf.Bytes()
	}

	return tlvmsg.Encode(
		MsgStartSettlement,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
		tlv.MakePrimitiveRecord(typeRole, &role),
		tlv.MakePrimitiveRecord(typeSide, &side),
		tlv.MakePrimitiveRecord(typeProduct, &product),
		tlv.MakePrimitiveRecord(typeSecurity, &security),
		tlv.MakePrimitiveRecord(typeAmount, &amount),
		tlv.MakePrimitiveRecord(typePrice, &price),
		tlv.MakePrimitiveRecord(typeClientSells, &clientSells),
		tlv.MakePrimitiveRecord(typeFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(typeCptyAuthKey, &authKey),
		tlv.MakePrimitiveRecord(typeRecvAddress, &recv),
		tlv.MakePrimitiveRecord(typeCptyRecvAddress, &cptyRecv),
		tlv.MakePrimitiveRecord(typeCptyPayin, &payin),
		tlv.MakePrimitiveRecord(typeCptyPayoutSig, &payoutSig),
	)
}

// DecodeStartSettlement parses a MsgStartSettlement payload.  Addresses are
// decoded for params.
func DecodeStartSettlement(payload []byte, params *chaincfg.Params) (*Order,
	error) {

	var (
		id, product, security   []byte
		role, side, clientSells uint8
		amount, price, feeRate  uint64
		authKey, recv, cptyRecv []byte
		payin, payoutSig        []byte
	)
	err := tlvmsg.Decode(
		MsgStartSettlement, payload,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
		tlv.MakePrimitiveRecord(typeRole, &role),
		tlv.MakePrimitiveRecord(typeSide, &side),
		tlv.MakePrimitiveRecord(typeProduct, &product),
		tlv.MakePrimitiveRecord(typeSecurity, &security),
		tlv.MakePrimitiveRecord(typeAmount, &amount),
		tlv.MakePrimitiveRecord(typePrice, &price),
		tlv.MakePrimitiveRecord(typeClientSells, &clientSells),
		tlv.MakePrimitiveRecord(typeFeeRate, &feeRate),
		tlv.MakePrimitiveRecord(typeCptyAuthKey, &authKey),
		tlv.MakePrimitiveRecord(typeRecvAddress, &recv),
		tlv.MakePrimitiveRecord(typeCptyRecvAddress, &cptyRecv),
		tlv.MakePrimitiveRecord(typeCptyPayin, &payin),
		tlv.MakePrimitiveRecord(typeCptyPayoutSig, &payoutSig),
	)
	if err != nil {
		return nil, err
	}

	o := &Order{
		SettlementID: string(id),
		Role:         Role(role),
		Side:         Side(side),
		Product:      string(product),
		Security:     string(security),
		Amount:       btcutil.Amount(amount),
		Price:        math.Float64frombits(price),
		ClientSells:  clientSells == 1,
		FeeRate:      btcutil.Amount(feeRate),
	}
	if len(payoutSig) > 0 {
		o.CounterpartyPayoutSig = payoutSig
	}

	if len(authKey) == 0 {
		return nil, fmt.Errorf("%w: counterparty auth key",
			ErrMissingField)
	}
	o.CounterpartyAuthKey, err = btcec.ParsePubKey(authKey)
	if err != nil {
		return nil, fmt.Errorf("invalid counterparty auth key: %w", err)
	}

	if len(recv) > 0 {
		o.RecvAddress, err = btcutil.DecodeAddress(string(recv), params)
		if err != nil {
			return nil, fmt.Errorf("invalid receive address: %w",
				err)
		}
	}
	if len(cptyRecv) > 0 {
		o.CounterpartyRecvAddress, err = btcutil.DecodeAddress(
			string(cptyRecv), params,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid counterparty receive "+
				"address: %w", err)
		}
	}
	if len(payin) > 0 {
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(payin)); err != nil {
			return nil, fmt.Errorf("invalid counterparty pay-in: %w",
				err)
		}
		o.CounterpartyPayin = tx
	}

	return o, nil
}

// EncodeCancelSettlement serializes a MsgCancelSettlement payload.
func EncodeCancelSettlement(settlementID string) ([]byte, error) {
	id := []byte(settlementID)
	return tlvmsg.Encode(
		MsgCancelSettlement,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
	)
}

// DecodeCancelSettlement parses a MsgCancelSettlement payload.
func DecodeCancelSettlement(payload []byte) (string, error) {
	var id []byte
	err := tlvmsg.Decode(
		MsgCancelSettlement, payload,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
	)
	return string(id), err
}

// PayoutSignature is the payload of MsgPayoutSignature.
type PayoutSignature struct {
	SettlementID string
	Sig          []byte
}

// Encode serializes the message.
func (m *PayoutSignature) Encode() ([]byte, error) {
	id := []byte(m.SettlementID)
	return tlvmsg.Encode(
		MsgPayoutSignature,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
		tlv.MakePrimitiveRecord(typeCptyPayoutSig, &m.Sig),
	)
}

// DecodePayoutSignature parses a MsgPayoutSignature payload.
func DecodePayoutSignature(payload []byte) (*PayoutSignature, error) {
	var (
		m  PayoutSignature
		id []byte
	)
	err := tlvmsg.Decode(
		MsgPayoutSignature, payload,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
		tlv.MakePrimitiveRecord(typeCptyPayoutSig, &m.Sig),
	)
	if err != nil {
		return nil, err
	}
	if len(m.Sig) == 0 {
		return nil, fmt.Errorf("%w: signature", ErrMissingField)
	}
	m.SettlementID = string(id)

	return &m, nil
}

// SettlementResult is the payload of MsgSettlementResult.
type SettlementResult struct {
	SettlementID string
	State        State
	Reason       string
	Payin        []byte
	PayinHash    chainhash.Hash
	PayoutHash   chainhash.Hash
	PayoutSig    []byte
}

// NewSettlementResult returns the message reporting r.
func NewSettlementResult(r Result) *SettlementResult {
	return &SettlementResult{
		SettlementID: r.SettlementID,
		State:        r.State,
		Reason:       r.Reason(),
		Payin:        r.Payin,
		PayinHash:    r.PayinHash,
		PayoutHash:   r.PayoutHash,
		PayoutSig:    r.PayoutSig,
	}
}

func (m *SettlementResult) records(id, reason *[]byte,
	state *uint8) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeSettlementID, id),
		tlv.MakePrimitiveRecord(typeState, state),
		tlv.MakePrimitiveRecord(typeReason, reason),
		tlv.MakePrimitiveRecord(typePayin, &m.Payin),
		tlv.MakePrimitiveRecord(
			typePayinHash, (*[32]byte)(&m.PayinHash),
		),
		tlv.MakePrimitiveRecord(
			typePayoutHash, (*[32]byte)(&m.PayoutHash),
		),
		tlv.MakePrimitiveRecord(typePayoutSig, &m.PayoutSig),
	}
}

// Encode serializes the message.
func (m *SettlementResult) Encode() ([]byte, error) {
	var (
		id     = []byte(m.SettlementID)
		reason = []byte(m.Reason)
		state  = uint8(m.State)
	)
	return tlvmsg.Encode(
		MsgSettlementResult, m.records(&id, &reason, &state)...,
	)
}

// DecodeSettlementResult parses a MsgSettlementResult payload.
func DecodeSettlementResult(payload []byte) (*SettlementResult, error) {
	var (
		m          SettlementResult
		id, reason []byte
		state      uint8
	)
	err := tlvmsg.Decode(
		MsgSettlementResult, payload, m.records(&id, &reason, &state)...,
	)
	if err != nil {
		return nil, err
	}

	m.SettlementID = string(id)
	m.Reason = string(reason)
	m.State = State(state)
	if len(m.Payin) == 0 {
		m.Payin = nil
	}
	if len(m.PayoutSig) == 0 {
		m.PayoutSig = nil
	}

	return &m, nil
}

// signCompleted is the payload of msgSignCompleted.
type signCompleted struct {
	reqID  string
	signed []byte
	code   signer.ErrorCode
	msg    string
}

func (m *signCompleted) encode() ([]byte, error) {
	var (
		reqID = []byte(m.reqID)
		code  = uint8(m.code)
		msg   = []byte(m.msg)
	)
	return tlvmsg.Encode(
		msgSignCompleted,
		tlv.MakePrimitiveRecord(typeRequestID, &reqID),
		tlv.MakePrimitiveRecord(typeSigned, &m.signed),
		tlv.MakePrimitiveRecord(typeCode, &code),
		tlv.MakePrimitiveRecord(typeMessage, &msg),
	)
}

func decodeSignCompleted(payload []byte) (*signCompleted, error) {
	var (
		m          signCompleted
		reqID, msg []byte
		code       uint8
	)
	err := tlvmsg.Decode(
		msgSignCompleted, payload,
		tlv.MakePrimitiveRecord(typeRequestID, &reqID),
		tlv.MakePrimitiveRecord(typeSigned, &m.signed),
		tlv.MakePrimitiveRecord(typeCode, &code),
		tlv.MakePrimitiveRecord(typeMessage, &msg),
	)
	if err != nil {
		return nil, err
	}

	m.reqID = string(reqID)
	m.code = signer.ErrorCode(code)
	m.msg = string(msg)

	return &m, nil
}

func encodeVerified(addr btcutil.Address, state authaddr.State) ([]byte,
	error) {

	var (
		encoded = []byte(addr.EncodeAddress())
		s       = uint8(state)
	)
	return tlvmsg.Encode(
		msgVerified,
		tlv.MakePrimitiveRecord(typeAddress, &encoded),
		tlv.MakePrimitiveRecord(typeVerdict, &s),
	)
}

func decodeVerified(payload []byte, params *chaincfg.Params) (btcutil.Address,
	authaddr.State, error) {

	var (
		encoded []byte
		s       uint8
	)
	err := tlvmsg.Decode(
		msgVerified, payload,
		tlv.MakePrimitiveRecord(typeAddress, &encoded),
		tlv.MakePrimitiveRecord(typeVerdict, &s),
	)
	if err != nil {
		return nil, 0, err
	}

	addr, err := btcutil.DecodeAddress(string(encoded), params)
	if err != nil {
		return nil, 0, err
	}

	return addr, authaddr.State(s), nil
}

func encodeTimeout(settlementID string) ([]byte, error) {
	id := []byte(settlementID)
	return tlvmsg.Encode(
		msgTimeout, tlv.MakePrimitiveRecord(typeSettlementID, &id),
	)
}

func decodeTimeout(payload []byte) (string, error) {
	var id []byte
	err := tlvmsg.Decode(
		msgTimeout, payload,
		tlv.MakePrimitiveRecord(typeSettlementID, &id),
	)
	return string(id), err
}
