// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// payoutWitnessSize is the worst case size of the witness redeeming a 2-of-2
// P2WSH output.  It is calculated as:
//
//   - 2 bytes segwit marker and flag
//   - 1 byte witness item count
//   - 1 byte empty item consumed by OP_CHECKMULTISIG
//   - 2 x (1 byte length + 72 bytes DER signature + 1 byte sighash)
//   - 1 byte length + 71 bytes 2-of-2 witness script
const payoutWitnessSize = 2 + 1 + 1 + 2*(1+72+1) + 1 + 71

var (
	// ErrNoSettlementOutput is returned when a pay-in does not pay to the
	// settlement script.
	ErrNoSettlementOutput = errors.New("pay-in has no settlement output")

	// ErrPayoutDust is returned when the fee leaves a dust pay-out.
	ErrPayoutDust = errors.New("pay-out output is dust")
)

// SettlementScript returns the 2-of-2 witness script of the two auth keys
// and the address paying to it.  The keys are sorted so both parties derive
// the same script.
func SettlementScript(a, b *btcec.PublicKey, params *chaincfg.Params) ([]byte,
	*btcutil.AddressWitnessScriptHash, error) {

	keys := [][]byte{a.SerializeCompressed(), b.SerializeCompressed()}
	if bytes.Compare(keys[0], keys[1]) > 0 {
		keys[0], keys[1] = keys[1], keys[0]
	}

	pubKeys := make([]*btcutil.AddressPubKey, 0, len(keys))
	for _, key := range keys {
		pubKey, err := btcutil.NewAddressPubKey(key, params)
		if err != nil {
			return nil, nil, err
		}
		pubKeys = append(pubKeys, pubKey)
	}

	witnessScript, err := txscript.MultiSigScript(pubKeys, 2)
	if err != nil {
		return nil, nil, err
	}

	hash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], params)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, addr, nil
}

// PayoutParams describes a pay-out spending the settlement output of a
// pay-in.
type PayoutParams struct {
	// Payin is the pay-in transaction.  Only its hash and outputs are
	// used, so it may be unsigned.
	Payin *wire.MsgTx

	// CounterpartyKey is the auth key of the other party.
	CounterpartyKey *btcec.PublicKey

	// Destination receives the settlement output.
	Destination btcutil.Address

	// FeeRate is the fee rate in satoshis per virtual byte.
	FeeRate btcutil.Amount
}

// BuildPayout creates the pay-out of the settlement between the wallet auth
// key and the counterparty key.  The transaction only depends on the
// parameters, so both parties build the same one and can sign it
// independently.
func (w *Wallet) BuildPayout(p PayoutParams) (*psbt.Packet, error) {
	witnessScript, addr, err := SettlementScript(
		w.AuthKey(), p.CounterpartyKey, w.cfg.Params,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	outIndex := -1
	for i, out := range p.Payin.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			outIndex = i
			break
		}
	}
	if outIndex < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSettlementOutput,
			p.Payin.TxHash())
	}
	settlementOut := p.Payin.TxOut[outIndex]

	destScript, err := txscript.PayToAddrScript(p.Destination)
	if err != nil {
		return nil, err
	}

	payinHash := p.Payin.TxHash()
	tx := wire.NewMsgTx(wire.TxVersion + 1)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&payinHash, uint32(outIndex)), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(settlementOut.Value, destScript))

	weight := tx.SerializeSizeStripped()*4 + payoutWitnessSize
	vsize := (weight + 3) / 4
	fee := p.FeeRate * btcutil.Amount(vsize)
	tx.TxOut[0].Value -= int64(fee)

	if txrules.IsDustOutput(tx.TxOut[0], p.FeeRate*1000) {
		return nil, fmt.Errorf("%w: %v left after fee %v", ErrPayoutDust,
			btcutil.Amount(tx.TxOut[0].Value), fee)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create PSBT: %w", err)
	}

	in := &packet.Inputs[0]
	in.WitnessUtxo = wire.NewTxOut(settlementOut.Value, pkScript)
	in.WitnessScript = witnessScript
	in.SighashType = txscript.SigHashAll

	// The counterparty key has no known derivation path, it is announced
	// with an empty one.
	ours := w.AuthKey().SerializeCompressed()
	theirs := p.CounterpartyKey.SerializeCompressed()
	in.Bip32Derivation = []*psbt.Bip32Derivation{
		w.derivation(ours),
		{PubKey: theirs},
	}

	key, isOurs := w.keyForScript(destScript)
	if isOurs {
		packet.Outputs[0].Bip32Derivation = []*psbt.Bip32Derivation{
			w.derivation(key.priv.PubKey().SerializeCompressed()),
		}
	}

	w.mtx.Lock()
	w.addLeaf(pkScript, LeafSettlement)
	if !isOurs {
		w.addLeaf(destScript, LeafCounterpartyCoin)
	}
	w.mtx.Unlock()

	log.Debugf("Pay-out %v spends %v:%d, fee %v", tx.TxHash(), payinHash,
		outIndex, fee)

	return packet, nil
}

// PartialSig returns the signature of pubKey on the first input of packet.
func PartialSig(packet *psbt.Packet, pubKey *btcec.PublicKey) ([]byte, bool) {
	if len(packet.Inputs) == 0 {
		return nil, false
	}

	key := pubKey.SerializeCompressed()
	for _, sig := range packet.Inputs[0].PartialSigs {
		if bytes.Equal(sig.PubKey, key) {
			return sig.Signature, true
		}
	}
	return nil, false
}

// AddPartialSig adds the signature of pubKey to the first input of packet.
func AddPartialSig(packet *psbt.Packet, pubKey *btcec.PublicKey,
	sig []byte) error {

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return err
	}

	_, err = updater.Sign(0, sig, pubKey.SerializeCompressed(), nil, nil)
	return err
}
