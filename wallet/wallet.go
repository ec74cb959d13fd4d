// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcwallet/walletdb"
)

const (
	// purposeKey is the BIP0084 purpose of the derived keys.
	purposeKey = 84

	// branchExternal, branchInternal and branchAuth are the branches of
	// receiving, change and authentication keys.
	branchExternal uint32 = 0
	branchInternal uint32 = 1
	branchAuth     uint32 = 2
)

var (
	// ErrInsufficientFunds is returned when the spendable outputs do not
	// cover a pay-in.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownAddress is returned for addresses the wallet did not
	// derive.
	ErrUnknownAddress = errors.New("unknown address")

	// walletBucket holds the next index of each address branch.
	walletBucket = []byte("wallet")

	nextIndexKeys = [...][]byte{
		branchExternal: []byte("next-external"),
		branchInternal: []byte("next-internal"),
	}
)

// ChainSource is the part of the blockchain gateway the wallet uses.
type ChainSource interface {
	// RegisterWallet subscribes to activity of addrs.
	RegisterWallet(ctx context.Context, walletID string,
		addrs []btcutil.Address) (string, error)

	// GetSpendableOutputs returns the unspent outputs of the wallets.
	GetSpendableOutputs(ctx context.Context, walletIDs []string) (
		map[string][]reservation.UTXO, error)
}

// Config holds the collaborators of a Wallet.
type Config struct {
	// ID identifies the wallet towards the gateway.
	ID string

	// DB stores address indexes and comments.
	DB walletdb.DB

	// Params is the network the addresses are encoded for.
	Params *chaincfg.Params

	// Seed is the HD seed every key is derived from.
	Seed []byte

	// Chain provides the spendable outputs.
	Chain ChainSource

	// Reservations holds the outputs committed to settlements.
	Reservations *reservation.Service
}

// derivedKey is a key of the wallet together with its position in the key
// hierarchy.
type derivedKey struct {
	branch   uint32
	index    uint32
	kind     LeafKind
	priv     *btcec.PrivateKey
	addr     *btcutil.AddressWitnessPubKeyHash
	pkScript []byte
}

// Wallet is the settlement wallet.  It derives P2WPKH keys along
// m/84'/<coin type>'/0'/<branch>/<index> and funds pay-ins from the outputs
// the gateway reports as spendable.
type Wallet struct {
	cfg Config

	acctKey     *hdkeychain.ExtendedKey
	fingerprint uint32
	auth        *derivedKey

	mtx      sync.RWMutex
	next     [2]uint32
	byPubKey map[string]*derivedKey
	byScript map[string]*derivedKey
	leaves   map[string]LeafKind

	// keys holds the receiving and change keys ordered by branch and
	// index.
	keys []*derivedKey
}

// A compile-time check to ensure that Wallet satisfies the signer.KeyRing
// interface.
var _ signer.KeyRing = (*Wallet)(nil)

// New opens the wallet stored in cfg.DB, creating its buckets if needed,
// and derives every key handed out so far.
func New(cfg Config) (*Wallet, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("wallet database is required")
	case cfg.Params == nil:
		return nil, errors.New("network parameters are required")
	case cfg.Reservations == nil:
		return nil, errors.New("reservation service is required")
	}

	master, err := hdkeychain.NewMaster(cfg.Seed, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}
	defer master.Zero()

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := binary.LittleEndian.Uint32(
		btcutil.Hash160(masterPub.SerializeCompressed())[:4],
	)

	acctKey, err := deriveAccountKey(master, cfg.Params.HDCoinType)
	if err != nil {
		return nil, fmt.Errorf("unable to derive account key: %w", err)
	}

	w := &Wallet{
		cfg:         cfg,
		acctKey:     acctKey,
		fingerprint: fingerprint,
		byPubKey:    make(map[string]*derivedKey),
		byScript:    make(map[string]*derivedKey),
		leaves:      make(map[string]LeafKind),
	}

	var next [2]uint32
	err = walletdb.Update(cfg.DB, func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(walletBucket)
		if err != nil {
			return err
		}
		for branch, key := range nextIndexKeys {
			if v := bucket.Get(key); len(v) == 4 {
				next[branch] = binary.BigEndian.Uint32(v)
			}
		}

		return createCommentBuckets(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet: %w", err)
	}

	for _, branch := range []uint32{branchExternal, branchInternal} {
		for index := uint32(0); index < next[branch]; index++ {
			key, err := w.deriveKey(branch, index)
			if err != nil {
				return nil, err
			}
			w.addKey(key)
		}
	}
	w.next = next

	w.auth, err = w.deriveKey(branchAuth, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to derive auth key: %w", err)
	}
	w.byPubKey[string(w.auth.priv.PubKey().SerializeCompressed())] = w.auth

	log.Infof("Opened wallet %s with %d receiving and %d change %s",
		cfg.ID, next[branchExternal], next[branchInternal],
		pickNoun(int(next[branchInternal]), "address", "addresses"))

	return w, nil
}

// deriveAccountKey derives m/84'/<coin type>'/0' from the master node.
func deriveAccountKey(master *hdkeychain.ExtendedKey,
	coinType uint32) (*hdkeychain.ExtendedKey, error) {

	purpose, err := master.Derive(purposeKey + hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, err
	}
	coinTypeKey, err := purpose.Derive(
		coinType + hdkeychain.HardenedKeyStart,
	)
	if err != nil {
		return nil, err
	}

	return coinTypeKey.Derive(hdkeychain.HardenedKeyStart)
}

// deriveKey derives the key at branch/index of the account.
func (w *Wallet) deriveKey(branch, index uint32) (*derivedKey, error) {
	branchKey, err := w.acctKey.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to derive extended key branch "+
			"%d: %w", branch, err)
	}
	child, err := branchKey.Derive(index)
	branchKey.Zero()
	if err != nil {
		return nil, fmt.Errorf("failed to derive child extended key "+
			"-- branch %d, child %d: %w", branch, index, err)
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		w.cfg.Params,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &derivedKey{
		branch:   branch,
		index:    index,
		kind:     branchLeafKind(branch),
		priv:     priv,
		addr:     addr,
		pkScript: pkScript,
	}, nil
}

// addKey must be called with the lock held or before the wallet is shared.
func (w *Wallet) addKey(key *derivedKey) {
	w.byPubKey[string(key.priv.PubKey().SerializeCompressed())] = key
	w.byScript[string(key.pkScript)] = key

	i := sort.Search(len(w.keys), func(i int) bool {
		k := w.keys[i]
		if k.branch != key.branch {
			return k.branch > key.branch
		}
		return k.index > key.index
	})
	w.keys = append(w.keys, nil)
	copy(w.keys[i+1:], w.keys[i:])
	w.keys[i] = key
}

// ID returns the wallet id.
func (w *Wallet) ID() string {
	return w.cfg.ID
}

// NewAddress returns a new receiving address.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	return w.newAddress(branchExternal)
}

// NewChangeAddress returns a new change address.
func (w *Wallet) NewChangeAddress() (btcutil.Address, error) {
	return w.newAddress(branchInternal)
}

func (w *Wallet) newAddress(branch uint32) (btcutil.Address, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	index := w.next[branch]
	key, err := w.deriveKey(branch, index)
	if err != nil {
		return nil, err
	}

	err = walletdb.Update(w.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(walletBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", walletBucket)
		}

		var v [4]byte
		binary.BigEndian.PutUint32(v[:], index+1)
		return bucket.Put(nextIndexKeys[branch], v[:])
	})
	if err != nil {
		return nil, fmt.Errorf("unable to store address index: %w", err)
	}

	w.next[branch] = index + 1
	w.addKey(key)

	log.Debugf("New address %v (branch %d, index %d)", key.addr, branch,
		index)

	return key.addr, nil
}

// Addresses returns every derived receiving address by index, followed by
// the change addresses.  The order does not depend on the order in which the
// addresses were handed out.
func (w *Wallet) Addresses() []btcutil.Address {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	addrs := make([]btcutil.Address, 0, len(w.keys))
	for _, key := range w.keys {
		addrs = append(addrs, key.addr)
	}
	return addrs
}

// ContainsAddress returns true if addr was derived by the wallet.
func (w *Wallet) ContainsAddress(addr btcutil.Address) bool {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()

	_, ok := w.byScript[string(pkScript)]
	return ok
}

// AuthKey returns the public authentication key of the wallet.  It is one of
// the two keys of every settlement output.
func (w *Wallet) AuthKey() *btcec.PublicKey {
	return w.auth.priv.PubKey()
}

// PrivKeyForPubKey returns the private key of a wallet key.
func (w *Wallet) PrivKeyForPubKey(pubKey []byte) (*btcec.PrivateKey, error) {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	key, ok := w.byPubKey[string(pubKey)]
	if !ok {
		return nil, signer.ErrUnknownKey
	}
	return key.priv, nil
}

// derivation returns the BIP32 derivation of the wallet key pubKey, or nil
// for foreign keys.
func (w *Wallet) derivation(pubKey []byte) *psbt.Bip32Derivation {
	w.mtx.RLock()
	key, ok := w.byPubKey[string(pubKey)]
	w.mtx.RUnlock()

	if !ok {
		return nil
	}

	return &psbt.Bip32Derivation{
		PubKey:               pubKey,
		MasterKeyFingerprint: w.fingerprint,
		Bip32Path: []uint32{
			purposeKey + hdkeychain.HardenedKeyStart,
			w.cfg.Params.HDCoinType + hdkeychain.HardenedKeyStart,
			hdkeychain.HardenedKeyStart,
			key.branch,
			key.index,
		},
	}
}

// keyForScript returns the wallet key paid by pkScript.
func (w *Wallet) keyForScript(pkScript []byte) (*derivedKey, bool) {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	key, ok := w.byScript[string(pkScript)]
	return key, ok
}

// Register subscribes the gateway to the activity of every wallet address.
func (w *Wallet) Register(ctx context.Context) (string, error) {
	addrs := w.Addresses()
	regID, err := w.cfg.Chain.RegisterWallet(ctx, w.cfg.ID, addrs)
	if err != nil {
		return "", fmt.Errorf("unable to register wallet %s: %w",
			w.cfg.ID, err)
	}

	log.Debugf("Registered %d %s of wallet %s as %s", len(addrs),
		pickNoun(len(addrs), "address", "addresses"), w.cfg.ID, regID)

	return regID, nil
}

// SpendableOutputs returns the wallet outputs that are neither reserved nor
// paying to foreign scripts.
func (w *Wallet) SpendableOutputs(ctx context.Context) ([]reservation.UTXO,
	error) {

	all, err := w.cfg.Chain.GetSpendableOutputs(ctx, []string{w.cfg.ID})
	if err != nil {
		return nil, fmt.Errorf("unable to fetch spendable outputs: %w",
			err)
	}

	var own []reservation.UTXO
	for _, utxo := range all[w.cfg.ID] {
		if _, ok := w.keyForScript(utxo.PkScript); !ok {
			log.Warnf("Skipping output %v with foreign script",
				utxo.OutPoint)
			continue
		}
		own = append(own, utxo)
	}

	available, filtered := w.cfg.Reservations.Filter(own)
	if len(filtered) > 0 {
		log.Debugf("%d %s reserved or uninitialized", len(filtered),
			pickNoun(len(filtered), "output is", "outputs are"))
	}

	return available, nil
}
