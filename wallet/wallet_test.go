// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// mockChain is a mock implementation of the ChainSource interface.
type mockChain struct {
	mock.Mock
}

func (m *mockChain) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	args := m.Called(ctx, walletID, addrs)
	return args.String(0), args.Error(1)
}

func (m *mockChain) GetSpendableOutputs(ctx context.Context,
	walletIDs []string) (map[string][]reservation.UTXO, error) {

	args := m.Called(ctx, walletIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]reservation.UTXO), args.Error(1)
}

func openTestDB(t *testing.T, dir string) walletdb.DB {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(dir, "wallet.db"), true, 10*time.Second,
		false,
	)
	require.NoError(t, err)

	return db
}

func newTestWallet(t *testing.T, id string, seed byte,
	chain ChainSource) *Wallet {

	t.Helper()

	db := openTestDB(t, t.TempDir())
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	w, err := New(Config{
		ID:           id,
		DB:           db,
		Params:       testParams,
		Seed:         bytes.Repeat([]byte{seed}, 32),
		Chain:        chain,
		Reservations: reservation.New(reservation.Config{}),
	})
	require.NoError(t, err)

	return w
}

// fundingOutput returns an output of value paying to addr of w.
func fundingOutput(t *testing.T, addr btcutil.Address, seed byte,
	value btcutil.Amount) reservation.UTXO {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return reservation.UTXO{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{seed}},
		Value:    value,
		PkScript: pkScript,
		Height:   100,
	}
}

// signPacket signs packet with the keys of ring and returns the payload.
func signPacket(t *testing.T, ring signer.KeyRing, packet *psbt.Packet,
	mode signer.Mode) []byte {

	t.Helper()

	type completion struct {
		signed []byte
		code   signer.ErrorCode
		msg    string
	}
	done := make(chan completion, 1)
	s := signer.NewLocalSigner(signer.LocalSignerConfig{
		Keys: ring,
		OnSigned: func(_ string, signed []byte, code signer.ErrorCode,
			msg string) {

			done <- completion{signed, code, msg}
		},
	})
	defer s.Stop()

	reqID, err := s.SignTransaction(
		context.Background(), packet, signer.Metadata{}, mode,
	)
	require.NoError(t, err)
	require.NoError(t, s.SetSigningAllowed(reqID, true))

	select {
	case c := <-done:
		require.Equal(t, signer.CodeSuccess, c.code, c.msg)
		return c.signed
	case <-time.After(2 * time.Second):
		t.Fatalf("packet not signed")
		return nil
	}
}

// verifyInput executes the script of input idx of the serialized tx.
func verifyInput(t *testing.T, raw []byte, idx int, prevOut *wire.TxOut) {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestWalletAddresses checks that derived addresses survive a restart.
func TestWalletAddresses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seed := bytes.Repeat([]byte{1}, 32)

	open := func(db walletdb.DB) *Wallet {
		w, err := New(Config{
			ID:           "w1",
			DB:           db,
			Params:       testParams,
			Seed:         seed,
			Reservations: reservation.New(reservation.Config{}),
		})
		require.NoError(t, err)
		return w
	}

	db := openTestDB(t, dir)
	w := open(db)
	require.Empty(t, w.Addresses())

	recv, err := w.NewAddress()
	require.NoError(t, err)
	change, err := w.NewChangeAddress()
	require.NoError(t, err)
	recv2, err := w.NewAddress()
	require.NoError(t, err)
	require.NotEqual(t, recv.EncodeAddress(), recv2.EncodeAddress())
	require.True(t, w.ContainsAddress(change))

	// Receiving addresses come first, whatever the order they were
	// handed out in.
	require.Equal(t, []btcutil.Address{recv, recv2, change}, w.Addresses())

	authKey := w.AuthKey()
	_, err = w.PrivKeyForPubKey(authKey.SerializeCompressed())
	require.NoError(t, err)

	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = w.PrivKeyForPubKey(stranger.PubKey().SerializeCompressed())
	require.ErrorIs(t, err, signer.ErrUnknownKey)

	require.NoError(t, db.Close())

	db, err = walletdb.Open(
		"bdb", filepath.Join(dir, "wallet.db"), true, 10*time.Second,
		false,
	)
	require.NoError(t, err)
	defer db.Close()

	reopened := open(db)
	require.Equal(t, w.Addresses(), reopened.Addresses())
	require.Equal(t, []btcutil.Address{recv, recv2, change},
		reopened.Addresses())
	require.True(t, authKey.IsEqual(reopened.AuthKey()))

	next, err := reopened.NewAddress()
	require.NoError(t, err)
	require.NotContains(t, w.Addresses(), next)
}

// TestFundPayin checks coin selection, input reservation and signing of a
// pay-in.
func TestFundPayin(t *testing.T) {
	t.Parallel()

	chain := &mockChain{}
	w := newTestWallet(t, "w1", 1, chain)

	addr, err := w.NewAddress()
	require.NoError(t, err)
	big := fundingOutput(t, addr, 0x01, 1_000_000)
	small := fundingOutput(t, addr, 0x02, 200_000)

	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	foreign := fundingOutput(t, addr, 0x03, 5_000_000)
	foreign.PkScript = []byte{txscript.OP_TRUE}

	chain.On("GetSpendableOutputs", mock.Anything, []string{"w1"}).Return(
		map[string][]reservation.UTXO{
			"w1": {small, foreign, big},
		}, nil,
	)

	_, settlAddr, err := SettlementScript(
		w.AuthKey(), stranger.PubKey(), testParams,
	)
	require.NoError(t, err)
	settlScript, err := txscript.PayToAddrScript(settlAddr)
	require.NoError(t, err)

	payin, err := w.FundPayin(
		context.Background(), "trade-1", settlScript, 500_000, 10,
	)
	require.NoError(t, err)

	tx := payin.Packet.UnsignedTx
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, big.OutPoint, tx.TxIn[0].PreviousOutPoint)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, settlScript, tx.TxOut[payin.OutputIndex].PkScript)
	require.EqualValues(t, 500_000, tx.TxOut[payin.OutputIndex].Value)
	require.Equal(t, tx.TxHash(), payin.TxHash)
	require.Positive(t, int64(payin.Fee))

	change := tx.TxOut[1-payin.OutputIndex]
	_, ok := w.keyForScript(change.PkScript)
	require.True(t, ok)
	require.EqualValues(t, 1_000_000-500_000-payin.Fee, change.Value)

	// The inputs stay reserved for the settlement.
	require.Equal(t, []string{PayinSubID},
		w.cfg.Reservations.SubIDs("trade-1"))
	_, err = w.FundPayin(
		context.Background(), "trade-2", settlScript, 500_000, 10,
	)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	raw := signPacket(t, w, payin.Packet, signer.ModeFull)
	verifyInput(t, raw, 0, wire.NewTxOut(int64(big.Value), big.PkScript))

	require.True(t, w.ReleasePayin("trade-1"))
	require.False(t, w.ReleasePayin("trade-1"))
	require.Zero(t, w.cfg.Reservations.Count())

	_, err = w.FundPayin(
		context.Background(), "trade-3", settlScript, 100, 10,
	)
	require.Error(t, err)
}

// TestPayout checks that both parties build the same pay-out and complete
// it with their own signatures.
func TestPayout(t *testing.T) {
	t.Parallel()

	seller := newTestWallet(t, "seller", 1, nil)
	buyer := newTestWallet(t, "buyer", 2, nil)

	witnessScript, settlAddr, err := SettlementScript(
		seller.AuthKey(), buyer.AuthKey(), testParams,
	)
	require.NoError(t, err)
	sameScript, _, err := SettlementScript(
		buyer.AuthKey(), seller.AuthKey(), testParams,
	)
	require.NoError(t, err)
	require.Equal(t, witnessScript, sameScript)

	settlScript, err := txscript.PayToAddrScript(settlAddr)
	require.NoError(t, err)

	payin := wire.NewMsgTx(wire.TxVersion)
	payin.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{7}},
		nil, nil))
	payin.AddTxOut(wire.NewTxOut(10_000, []byte{txscript.OP_TRUE}))
	payin.AddTxOut(wire.NewTxOut(1_000_000, settlScript))

	dest, err := buyer.NewAddress()
	require.NoError(t, err)

	sellerPacket, err := seller.BuildPayout(PayoutParams{
		Payin:           payin,
		CounterpartyKey: buyer.AuthKey(),
		Destination:     dest,
		FeeRate:         5,
	})
	require.NoError(t, err)
	buyerPacket, err := buyer.BuildPayout(PayoutParams{
		Payin:           payin,
		CounterpartyKey: seller.AuthKey(),
		Destination:     dest,
		FeeRate:         5,
	})
	require.NoError(t, err)
	require.Equal(t, sellerPacket.UnsignedTx.TxHash(),
		buyerPacket.UnsignedTx.TxHash())
	require.EqualValues(t, 1, sellerPacket.UnsignedTx.TxIn[0].
		PreviousOutPoint.Index)

	// The buyer signs its half and hands the signature over.
	partialRaw := signPacket(t, buyer, buyerPacket, signer.ModePartial)
	partial, err := psbt.NewFromRawBytes(bytes.NewReader(partialRaw), false)
	require.NoError(t, err)

	sig, ok := PartialSig(partial, buyer.AuthKey())
	require.True(t, ok)
	_, ok = PartialSig(partial, seller.AuthKey())
	require.False(t, ok)

	// Both parties learn the settlement output.  The destination is a
	// plain address of the buyer and a counterparty coin for the seller.
	destScript, err := txscript.PayToAddrScript(dest)
	require.NoError(t, err)
	leaves := []struct {
		w        *Wallet
		pkScript []byte
		kind     LeafKind
	}{
		{seller, settlScript, LeafSettlement},
		{buyer, settlScript, LeafSettlement},
		{seller, destScript, LeafCounterpartyCoin},
		{buyer, destScript, LeafBitcoin},
	}
	for _, leaf := range leaves {
		kind, ok := leaf.w.LeafKind(leaf.pkScript)
		require.True(t, ok)
		require.Equal(t, leaf.kind, kind, "got %v", kind)
	}

	require.NoError(t, AddPartialSig(sellerPacket, buyer.AuthKey(), sig))
	raw := signPacket(t, seller, sellerPacket, signer.ModeFull)
	verifyInput(t, raw, 0, payin.TxOut[1])

	t.Run("no settlement output", func(t *testing.T) {
		other := wire.NewMsgTx(wire.TxVersion)
		other.AddTxOut(wire.NewTxOut(1_000_000, []byte{txscript.OP_TRUE}))

		_, err := seller.BuildPayout(PayoutParams{
			Payin:           other,
			CounterpartyKey: buyer.AuthKey(),
			Destination:     dest,
			FeeRate:         5,
		})
		require.ErrorIs(t, err, ErrNoSettlementOutput)
	})

	t.Run("dust", func(t *testing.T) {
		dusty := payin.Copy()
		dusty.TxOut[1].Value = 1_000

		_, err := seller.BuildPayout(PayoutParams{
			Payin:           dusty,
			CounterpartyKey: buyer.AuthKey(),
			Destination:     dest,
			FeeRate:         5,
		})
		require.ErrorIs(t, err, ErrPayoutDust)
	})
}

// TestLeafKind checks the kinds of the scripts of the wallet keys.
func TestLeafKind(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, "w1", 1, nil)

	recv, err := w.NewAddress()
	require.NoError(t, err)
	change, err := w.NewChangeAddress()
	require.NoError(t, err)
	authAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(w.AuthKey().SerializeCompressed()), testParams,
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		addr btcutil.Address
		kind LeafKind
	}{
		{"receiving", recv, LeafBitcoin},
		{"change", change, LeafBitcoin},
		{"auth", authAddr, LeafAuthentication},
	}
	for _, test := range tests {
		pkScript, err := txscript.PayToAddrScript(test.addr)
		require.NoError(t, err)

		kind, ok := w.LeafKind(pkScript)
		require.True(t, ok, test.name)
		require.Equal(t, test.kind, kind, test.name)
	}

	// Auth outputs are never spent by pay-ins.
	require.False(t, w.ContainsAddress(authAddr))

	_, ok := w.LeafKind([]byte{txscript.OP_TRUE})
	require.False(t, ok)
}

// TestComments checks transaction and address comments.
func TestComments(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, "w1", 1, nil)

	txHash := chainhash.Hash{9}
	_, err := w.TransactionComment(txHash)
	require.ErrorIs(t, err, ErrNoComment)

	require.NoError(t, w.SetTransactionComment(txHash, "Buy XBT/EUR @ 1.5"))
	comment, err := w.TransactionComment(txHash)
	require.NoError(t, err)
	require.Equal(t, "Buy XBT/EUR @ 1.5", comment)

	addr, err := w.NewAddress()
	require.NoError(t, err)
	require.NoError(t, w.SetAddressComment(addr, "Settlement Pay-Out"))
	comment, err = w.AddressComment(addr)
	require.NoError(t, err)
	require.Equal(t, "Settlement Pay-Out", comment)

	stranger, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), testParams,
	)
	require.NoError(t, err)
	require.ErrorIs(t, w.SetAddressComment(stranger, "x"),
		ErrUnknownAddress)
}
