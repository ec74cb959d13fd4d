// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// PayinSubID is the reservation slice holding the inputs of a pay-in.
const PayinSubID = "payin"

// Payin is an unsigned pay-in funding a settlement output.
type Payin struct {
	// Packet carries the unsigned transaction and the signing
	// information of its inputs.
	Packet *psbt.Packet

	// TxHash is the hash of the transaction.  Only witness inputs are
	// spent, so it does not change when the transaction is signed.
	TxHash chainhash.Hash

	// OutputIndex is the index of the settlement output.
	OutputIndex uint32

	// Fee is the fee paid by the transaction.
	Fee btcutil.Amount

	// Inputs are the outputs spent, reserved for the settlement.
	Inputs []reservation.UTXO
}

// byValue sorts outputs by value.
type byValue []reservation.UTXO

func (s byValue) Len() int           { return len(s) }
func (s byValue) Less(i, j int) bool { return s[i].Value < s[j].Value }
func (s byValue) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// makeInputSource returns an input source picking the largest outputs
// first.
func makeInputSource(eligible []reservation.UTXO) txauthor.InputSource {
	sort.Sort(sort.Reverse(byValue(eligible)))

	// Current inputs and their total value.  These are closed over by the
	// returned input source and reused across multiple calls.
	var (
		currentTotal  btcutil.Amount
		currentInputs = make([]*wire.TxIn, 0, len(eligible))
		currentValues = make([]btcutil.Amount, 0, len(eligible))
		currentScript = make([][]byte, 0, len(eligible))
	)

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			next := &eligible[0]
			eligible = eligible[1:]

			currentTotal += next.Value
			currentInputs = append(
				currentInputs, wire.NewTxIn(&next.OutPoint, nil, nil),
			)
			currentValues = append(currentValues, next.Value)
			currentScript = append(currentScript, next.PkScript)
		}

		return currentTotal, currentInputs, currentValues,
			currentScript, nil
	}
}

// FundPayin creates a pay-in sending amount to pkScript at feeRate, given in
// satoshis per virtual byte.  The spent outputs are reserved under
// (settlementID, PayinSubID) until ReleasePayin is called.
func (w *Wallet) FundPayin(ctx context.Context, settlementID string,
	pkScript []byte, amount, feeRate btcutil.Amount) (*Payin, error) {

	feeRatePerKb := feeRate * 1000
	settlementOut := wire.NewTxOut(int64(amount), pkScript)
	if err := txrules.CheckOutput(settlementOut, feeRatePerKb); err != nil {
		return nil, fmt.Errorf("invalid settlement output: %w", err)
	}

	eligible, err := w.SpendableOutputs(ctx)
	if err != nil {
		return nil, err
	}
	byOutPoint := make(map[wire.OutPoint]reservation.UTXO, len(eligible))
	for _, utxo := range eligible {
		byOutPoint[utxo.OutPoint] = utxo
	}

	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			addr, err := w.NewChangeAddress()
			if err != nil {
				return nil, err
			}
			return txscript.PayToAddrScript(addr)
		},
		ScriptSize: txsizes.P2WPKHPkScriptSize,
	}

	tx, err := txauthor.NewUnsignedTransaction(
		[]*wire.TxOut{settlementOut}, feeRatePerKb,
		makeInputSource(eligible), changeSource,
	)
	if err != nil {
		var srcErr txauthor.InputSourceError
		if errors.As(err, &srcErr) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds,
				err)
		}
		return nil, err
	}

	// Randomize change position, if change exists.  This doesn't affect
	// the serialize size, so the change amount will still be valid.
	if tx.ChangeIndex >= 0 {
		tx.RandomizeChangePosition()
	}

	payin := &Payin{
		TxHash: tx.Tx.TxHash(),
		Fee:    tx.TotalInput - txauthor.SumOutputValues(tx.Tx.TxOut),
	}
	for i, out := range tx.Tx.TxOut {
		if i != tx.ChangeIndex && string(out.PkScript) == string(pkScript) {
			payin.OutputIndex = uint32(i)
		}
	}
	for _, in := range tx.Tx.TxIn {
		payin.Inputs = append(payin.Inputs, byOutPoint[in.PreviousOutPoint])
	}

	payin.Packet, err = w.payinPacket(tx)
	if err != nil {
		return nil, err
	}

	err = w.cfg.Reservations.Reserve(settlementID, payin.Inputs, PayinSubID)
	if err != nil {
		return nil, fmt.Errorf("unable to reserve pay-in inputs: %w",
			err)
	}

	log.Infof("Pay-in %v for settlement %s: %v to settlement output %d, "+
		"%d %s, fee %v", payin.TxHash, settlementID, amount,
		payin.OutputIndex, len(payin.Inputs),
		pickNoun(len(payin.Inputs), "input", "inputs"), payin.Fee)

	return payin, nil
}

// payinPacket wraps tx in a packet carrying the UTXO and BIP32 derivation
// info of every input and of the change output.
func (w *Wallet) payinPacket(tx *txauthor.AuthoredTx) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(tx.Tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create PSBT: %w", err)
	}

	for idx := range tx.Tx.TxIn {
		pkScript := tx.PrevScripts[idx]
		key, ok := w.keyForScript(pkScript)
		if !ok {
			return nil, fmt.Errorf("%w: input %d pays to foreign "+
				"script", ErrUnknownAddress, idx)
		}

		in := &packet.Inputs[idx]
		in.WitnessUtxo = &wire.TxOut{
			Value:    int64(tx.PrevInputValues[idx]),
			PkScript: pkScript,
		}
		in.SighashType = txscript.SigHashAll
		in.Bip32Derivation = []*psbt.Bip32Derivation{
			w.derivation(key.priv.PubKey().SerializeCompressed()),
		}
	}

	if tx.ChangeIndex >= 0 {
		change := tx.Tx.TxOut[tx.ChangeIndex]
		if key, ok := w.keyForScript(change.PkScript); ok {
			packet.Outputs[tx.ChangeIndex].Bip32Derivation =
				[]*psbt.Bip32Derivation{
					w.derivation(
						key.priv.PubKey().SerializeCompressed(),
					),
				}
		}
	}

	return packet, nil
}

// ReleasePayin releases the inputs reserved for the pay-in of settlementID.
func (w *Wallet) ReleasePayin(settlementID string) bool {
	return w.cfg.Reservations.Unreserve(settlementID, PayinSubID)
}
