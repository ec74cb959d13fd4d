// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcsettle/internal/tlvmsg"
	"github.com/lightningnetwork/lnd/tlv"
)

// Message types exchanged with the gateway adapter.
const (
	// MsgPushTx asks the gateway to broadcast a transaction.
	MsgPushTx tlvmsg.Type = 0x10 + iota

	// MsgPushResult reports the outcome of a push.
	MsgPushResult

	// MsgNewBlock announces a new tip.
	MsgNewBlock

	// MsgStateChanged announces a connection state change.
	MsgStateChanged

	// MsgPushTimeout is the watchdog of a pending push.
	MsgPushTimeout

	// MsgZCReceived announces unconfirmed transactions of registered
	// wallets.
	MsgZCReceived
)

const (
	typePushID     tlv.Type = 1
	typeRequestID  tlv.Type = 2
	typeRawTx      tlv.Type = 3
	typeTxHash     tlv.Type = 4
	typeResult     tlv.Type = 5
	typeMessage    tlv.Type = 6
	typePushedByUs tlv.Type = 7
	typeHeight     tlv.Type = 8
	typeBranch     tlv.Type = 9
	typeState      tlv.Type = 10
	typeTxHashes   tlv.Type = 11
)

// PushTx is the payload of MsgPushTx.  PushID is chosen by the caller and
// echoed in the result.
type PushTx struct {
	PushID string
	RawTx  []byte
}

// Encode serializes the message.
func (m *PushTx) Encode() ([]byte, error) {
	pushID := []byte(m.PushID)
	return tlvmsg.Encode(
		MsgPushTx,
		tlv.MakePrimitiveRecord(typePushID, &pushID),
		tlv.MakePrimitiveRecord(typeRawTx, &m.RawTx),
	)
}

// DecodePushTx parses a MsgPushTx payload.
func DecodePushTx(payload []byte) (*PushTx, error) {
	var (
		m      PushTx
		pushID []byte
	)
	err := tlvmsg.Decode(
		MsgPushTx, payload,
		tlv.MakePrimitiveRecord(typePushID, &pushID),
		tlv.MakePrimitiveRecord(typeRawTx, &m.RawTx),
	)
	if err != nil {
		return nil, err
	}
	m.PushID = string(pushID)

	return &m, nil
}

// PushResult is the payload of MsgPushResult.
type PushResult struct {
	PushID     string
	RequestID  string
	TxHash     chainhash.Hash
	Result     BroadcastResult
	Message    string
	PushedByUs bool
}

func (m *PushResult) records(pushID, reqID, msg *[]byte, result,
	pushedByUs *uint8) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typePushID, pushID),
		tlv.MakePrimitiveRecord(typeRequestID, reqID),
		tlv.MakePrimitiveRecord(
			typeTxHash, (*[32]byte)(&m.TxHash),
		),
		tlv.MakePrimitiveRecord(typeResult, result),
		tlv.MakePrimitiveRecord(typeMessage, msg),
		tlv.MakePrimitiveRecord(typePushedByUs, pushedByUs),
	}
}

// Encode serializes the message.
func (m *PushResult) Encode() ([]byte, error) {
	var (
		pushID     = []byte(m.PushID)
		reqID      = []byte(m.RequestID)
		msg        = []byte(m.Message)
		result     = uint8(m.Result)
		pushedByUs uint8
	)
	if m.PushedByUs {
		pushedByUs = 1
	}

	return tlvmsg.Encode(
		MsgPushResult,
		m.records(&pushID, &reqID, &msg, &result, &pushedByUs)...,
	)
}

// DecodePushResult parses a MsgPushResult payload.
func DecodePushResult(payload []byte) (*PushResult, error) {
	var (
		m                  PushResult
		pushID, reqID, msg []byte
		result, pushedByUs uint8
	)
	err := tlvmsg.Decode(
		MsgPushResult, payload,
		m.records(&pushID, &reqID, &msg, &result, &pushedByUs)...,
	)
	if err != nil {
		return nil, err
	}

	m.PushID = string(pushID)
	m.RequestID = string(reqID)
	m.Message = string(msg)
	m.Result = BroadcastResult(result)
	m.PushedByUs = pushedByUs == 1

	return &m, nil
}

// EncodeNewBlock serializes a NewBlock event.
func EncodeNewBlock(e NewBlock) ([]byte, error) {
	return tlvmsg.Encode(
		MsgNewBlock,
		tlv.MakePrimitiveRecord(typeHeight, &e.Height),
		tlv.MakePrimitiveRecord(typeBranch, &e.BranchHeight),
	)
}

// DecodeNewBlock parses a MsgNewBlock payload.
func DecodeNewBlock(payload []byte) (NewBlock, error) {
	var e NewBlock
	err := tlvmsg.Decode(
		MsgNewBlock, payload,
		tlv.MakePrimitiveRecord(typeHeight, &e.Height),
		tlv.MakePrimitiveRecord(typeBranch, &e.BranchHeight),
	)
	return e, err
}

// EncodeStateChanged serializes a StateChanged event.
func EncodeStateChanged(e StateChanged) ([]byte, error) {
	state := uint8(e.State)
	return tlvmsg.Encode(
		MsgStateChanged, tlv.MakePrimitiveRecord(typeState, &state),
	)
}

// DecodeStateChanged parses a MsgStateChanged payload.
func DecodeStateChanged(payload []byte) (StateChanged, error) {
	var state uint8
	err := tlvmsg.Decode(
		MsgStateChanged, payload,
		tlv.MakePrimitiveRecord(typeState, &state),
	)
	return StateChanged{State: State(state)}, err
}

// encodePushTimeout serializes the watchdog of the push reqID.
func encodePushTimeout(reqID string) ([]byte, error) {
	id := []byte(reqID)
	return tlvmsg.Encode(
		MsgPushTimeout, tlv.MakePrimitiveRecord(typeRequestID, &id),
	)
}

// decodePushTimeout parses a MsgPushTimeout payload.
func decodePushTimeout(payload []byte) (string, error) {
	var id []byte
	err := tlvmsg.Decode(
		MsgPushTimeout, payload,
		tlv.MakePrimitiveRecord(typeRequestID, &id),
	)
	return string(id), err
}

// ZCNotice is the payload of MsgZCReceived.
type ZCNotice struct {
	RequestID string
	TxHashes  []chainhash.Hash
}

// Encode serializes the message.
func (m *ZCNotice) Encode() ([]byte, error) {
	reqID := []byte(m.RequestID)
	hashes := make([]byte, 0, len(m.TxHashes)*chainhash.HashSize)
	for _, h := range m.TxHashes {
		hashes = append(hashes, h[:]...)
	}

	return tlvmsg.Encode(
		MsgZCReceived,
		tlv.MakePrimitiveRecord(typeRequestID, &reqID),
		tlv.MakePrimitiveRecord(typeTxHashes, &hashes),
	)
}

// DecodeZCNotice parses a MsgZCReceived payload.
func DecodeZCNotice(payload []byte) (*ZCNotice, error) {
	var reqID, hashes []byte
	err := tlvmsg.Decode(
		MsgZCReceived, payload,
		tlv.MakePrimitiveRecord(typeRequestID, &reqID),
		tlv.MakePrimitiveRecord(typeTxHashes, &hashes),
	)
	if err != nil {
		return nil, err
	}

	m := &ZCNotice{RequestID: string(reqID)}
	for len(hashes) >= chainhash.HashSize {
		var h chainhash.Hash
		copy(h[:], hashes[:chainhash.HashSize])
		m.TxHashes = append(m.TxHashes, h)
		hashes = hashes[chainhash.HashSize:]
	}

	return m, nil
}
