// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const prevValue = 100_000

type completion struct {
	reqID  string
	signed []byte
	code   ErrorCode
	msg    string
}

func newTestSigner(t *testing.T, keys ...*btcec.PrivateKey) (*LocalSigner,
	chan completion) {

	t.Helper()

	done := make(chan completion, 4)
	s := NewLocalSigner(LocalSignerConfig{
		Keys: NewMemKeyRing(keys...),
		OnSigned: func(reqID string, signed []byte, code ErrorCode,
			msg string) {

			done <- completion{reqID, signed, code, msg}
		},
	})
	t.Cleanup(s.Stop)

	return s, done
}

func nextCompletion(t *testing.T, done chan completion) completion {
	t.Helper()

	select {
	case c := <-done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("sign request not completed")
		return completion{}
	}
}

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return key
}

func p2wpkhScript(t *testing.T, key *btcec.PrivateKey) []byte {
	t.Helper()

	hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash).
		Script()
	require.NoError(t, err)

	return script
}

// newPacket creates a packet spending one output locked by prevScript.  The
// keys are announced as BIP32 derivations of the input.
func newPacket(t *testing.T, prevScript, witnessScript []byte,
	keys ...*btcec.PrivateKey) *psbt.Packet {

	t.Helper()

	prevOut := wire.NewOutPoint(&chainhash.Hash{0x42}, 1)
	packet, err := psbt.New(
		[]*wire.OutPoint{prevOut},
		[]*wire.TxOut{wire.NewTxOut(prevValue-1_000, prevScript)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)

	in := &packet.Inputs[0]
	in.WitnessUtxo = wire.NewTxOut(prevValue, prevScript)
	in.WitnessScript = witnessScript
	for _, key := range keys {
		in.Bip32Derivation = append(in.Bip32Derivation,
			&psbt.Bip32Derivation{
				PubKey: key.PubKey().SerializeCompressed(),
			})
	}

	return packet
}

// verifyTx executes the script of the single input of tx.
func verifyTx(t *testing.T, raw, prevScript []byte) {
	t.Helper()

	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Len(t, tx.TxIn, 1)

	fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, prevValue)
	vm, err := txscript.NewEngine(
		prevScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevValue, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func multiSig2of2(t *testing.T, a, b *btcec.PrivateKey) ([]byte, []byte) {
	t.Helper()

	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_2)
	for _, key := range []*btcec.PrivateKey{a, b} {
		builder.AddData(key.PubKey().SerializeCompressed())
	}
	witnessScript, err := builder.AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(t, err)

	hash := chainhash.HashB(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash).
		Script()
	require.NoError(t, err)

	return witnessScript, pkScript
}

// TestLocalSignerFull checks that allowed requests deliver a valid network
// transaction.
func TestLocalSignerFull(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	s, done := newTestSigner(t, key)

	prevScript := p2wpkhScript(t, key)
	packet := newPacket(t, prevScript, nil, key)

	reqID, err := s.SignTransaction(context.Background(), packet, Metadata{
		SettlementID: "s1",
		Description:  "payin",
	}, ModeFull)
	require.NoError(t, err)
	require.NoError(t, s.SetSigningAllowed(reqID, true))

	c := nextCompletion(t, done)
	require.Equal(t, reqID, c.reqID)
	require.Equal(t, CodeSuccess, c.code, c.msg)
	verifyTx(t, c.signed, prevScript)

	// The caller's packet is left untouched.
	require.Empty(t, packet.Inputs[0].PartialSigs)

	require.ErrorIs(t, s.SetSigningAllowed(reqID, true), ErrUnknownRequest)
}

// TestLocalSignerMultiSig checks signing of a 2-of-2 witness script input,
// with both keys at hand and with a counterparty signature still missing.
func TestLocalSignerMultiSig(t *testing.T) {
	t.Parallel()

	ours, theirs := newKey(t), newKey(t)
	witnessScript, pkScript := multiSig2of2(t, ours, theirs)

	t.Run("both keys", func(t *testing.T) {
		t.Parallel()

		s, done := newTestSigner(t, ours, theirs)
		packet := newPacket(t, pkScript, witnessScript, ours, theirs)

		reqID, err := s.SignTransaction(
			context.Background(), packet, Metadata{}, ModeFull,
		)
		require.NoError(t, err)
		require.NoError(t, s.SetSigningAllowed(reqID, true))

		c := nextCompletion(t, done)
		require.Equal(t, CodeSuccess, c.code, c.msg)
		verifyTx(t, c.signed, pkScript)
	})

	t.Run("partial then full", func(t *testing.T) {
		t.Parallel()

		packet := newPacket(t, pkScript, witnessScript, ours, theirs)

		// The counterparty adds its signature first.
		counterparty, done := newTestSigner(t, theirs)
		reqID, err := counterparty.SignTransaction(
			context.Background(), packet, Metadata{}, ModePartial,
		)
		require.NoError(t, err)
		require.NoError(t, counterparty.SetSigningAllowed(reqID, true))

		c := nextCompletion(t, done)
		require.Equal(t, CodeSuccess, c.code, c.msg)

		partial, err := psbt.NewFromRawBytes(
			bytes.NewReader(c.signed), false,
		)
		require.NoError(t, err)
		require.Len(t, partial.Inputs[0].PartialSigs, 1)

		s, done := newTestSigner(t, ours)
		reqID, err = s.SignTransaction(
			context.Background(), partial, Metadata{}, ModeFull,
		)
		require.NoError(t, err)
		require.NoError(t, s.SetSigningAllowed(reqID, true))

		c = nextCompletion(t, done)
		require.Equal(t, CodeSuccess, c.code, c.msg)
		verifyTx(t, c.signed, pkScript)
	})

	t.Run("counterparty signature missing", func(t *testing.T) {
		t.Parallel()

		s, done := newTestSigner(t, ours)
		packet := newPacket(t, pkScript, witnessScript, ours, theirs)

		reqID, err := s.SignTransaction(
			context.Background(), packet, Metadata{}, ModeFull,
		)
		require.NoError(t, err)
		require.NoError(t, s.SetSigningAllowed(reqID, true))

		c := nextCompletion(t, done)
		require.Equal(t, CodeIncomplete, c.code)
		require.Nil(t, c.signed)
	})
}

// TestLocalSignerFailures checks the completions of requests that are not
// signed.
func TestLocalSignerFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		known   bool
		timeout time.Duration
		allowed bool
		code    ErrorCode
	}{
		{
			name:  "rejected",
			known: true,
			code:  CodeRejected,
		},
		{
			name:    "unknown key",
			allowed: true,
			code:    CodeMissingKey,
		},
		{
			name:    "authorization timeout",
			known:   true,
			timeout: 20 * time.Millisecond,
			code:    CodeTimeout,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			key := newKey(t)

			var ring []*btcec.PrivateKey
			if test.known {
				ring = append(ring, key)
			}
			s, done := newTestSigner(t, ring...)

			ctx := context.Background()
			if test.timeout != 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(
					ctx, test.timeout,
				)
				defer cancel()
			}

			packet := newPacket(t, p2wpkhScript(t, key), nil, key)
			reqID, err := s.SignTransaction(
				ctx, packet, Metadata{}, ModeFull,
			)
			require.NoError(t, err)

			if test.timeout == 0 {
				err := s.SetSigningAllowed(reqID, test.allowed)
				require.NoError(t, err)
			}

			c := nextCompletion(t, done)
			require.Equal(t, reqID, c.reqID)
			require.Equal(t, test.code, c.code)
			require.Nil(t, c.signed)
		})
	}
}

// TestLocalSignerCancel checks that cancelled requests are dropped without
// completion.
func TestLocalSignerCancel(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	s, done := newTestSigner(t, key)

	packet := newPacket(t, p2wpkhScript(t, key), nil, key)
	reqID, err := s.SignTransaction(
		context.Background(), packet, Metadata{}, ModeFull,
	)
	require.NoError(t, err)

	require.True(t, s.Cancel(reqID))
	require.False(t, s.Cancel(reqID))
	require.ErrorIs(t, s.SetSigningAllowed(reqID, true), ErrUnknownRequest)

	select {
	case c := <-done:
		t.Fatalf("unexpected completion %v", c)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.SignTransaction(context.Background(), nil, Metadata{},
		ModeFull)
	require.ErrorIs(t, err, ErrInvalidRequest)

	s.Stop()
	_, err = s.SignTransaction(
		context.Background(), packet, Metadata{}, ModeFull,
	)
	require.ErrorIs(t, err, ErrSignerStopped)
}
