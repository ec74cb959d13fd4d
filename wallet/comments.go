// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// ErrNoComment is returned when no comment was set.
	ErrNoComment = errors.New("no comment")

	commentsBucket     = []byte("comments")
	txCommentsBucket   = []byte("tx")
	addrCommentsBucket = []byte("addr")
)

// createCommentBuckets creates the comment buckets if needed.
func createCommentBuckets(tx walletdb.ReadWriteTx) error {
	comments, err := tx.CreateTopLevelBucket(commentsBucket)
	if err != nil {
		return err
	}
	if _, err := comments.CreateBucketIfNotExists(txCommentsBucket); err != nil {
		return err
	}
	_, err = comments.CreateBucketIfNotExists(addrCommentsBucket)
	return err
}

// SetTransactionComment attaches comment to the transaction txHash.
func (w *Wallet) SetTransactionComment(txHash chainhash.Hash,
	comment string) error {

	return w.putComment(txCommentsBucket, txHash[:], comment)
}

// TransactionComment returns the comment of the transaction txHash.
func (w *Wallet) TransactionComment(txHash chainhash.Hash) (string, error) {
	return w.fetchComment(txCommentsBucket, txHash[:])
}

// SetAddressComment attaches comment to addr, which must be a wallet
// address.
func (w *Wallet) SetAddressComment(addr btcutil.Address, comment string) error {
	if !w.ContainsAddress(addr) {
		return fmt.Errorf("%w: %v", ErrUnknownAddress, addr)
	}
	return w.putComment(
		addrCommentsBucket, []byte(addr.EncodeAddress()), comment,
	)
}

// AddressComment returns the comment of addr.
func (w *Wallet) AddressComment(addr btcutil.Address) (string, error) {
	return w.fetchComment(addrCommentsBucket, []byte(addr.EncodeAddress()))
}

func (w *Wallet) putComment(bucketKey, key []byte, comment string) error {
	return walletdb.Update(w.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(commentsBucket).
			NestedReadWriteBucket(bucketKey)
		return bucket.Put(key, []byte(comment))
	})
}

func (w *Wallet) fetchComment(bucketKey, key []byte) (string, error) {
	var comment string
	err := walletdb.View(w.cfg.DB, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(commentsBucket).NestedReadBucket(bucketKey)
		v := bucket.Get(key)
		if v == nil {
			return ErrNoComment
		}
		comment = string(v)
		return nil
	})
	return comment, err
}
