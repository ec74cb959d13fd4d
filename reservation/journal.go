// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reservation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeCreated tlv.Type = 1
	typeUTXOs   tlv.Type = 2

	// maxScriptSize bounds the pk script length accepted when decoding.
	maxScriptSize = 10000
)

var (
	// reservationBucket is the top level bucket holding one entry per
	// reservation slice.
	reservationBucket = []byte("reservations")

	// errBucketMissing is returned if the journal was not initialized.
	errBucketMissing = errors.New("reservation bucket missing")
)

// Journal is a Store backed by a walletdb database.
type Journal struct {
	db walletdb.DB
}

// A compile-time check to ensure that Journal satisfies the Store interface.
var _ Store = (*Journal)(nil)

// NewJournal creates the reservation bucket in db if needed.
func NewJournal(db walletdb.DB) (*Journal, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(reservationBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create reservation "+
			"bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// journalKey joins id and subID with a zero byte.
func journalKey(id, subID string) []byte {
	k := make([]byte, 0, len(id)+len(subID)+1)
	k = append(k, id...)
	k = append(k, 0)
	return append(k, subID...)
}

// splitJournalKey is the inverse of journalKey.
func splitJournalKey(k []byte) (string, string, error) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return "", "", fmt.Errorf("malformed reservation key %x", k)
	}
	return string(k[:i]), string(k[i+1:]), nil
}

// PutReservation writes r to the journal.
func (j *Journal) PutReservation(r *Reservation) error {
	value, err := encodeReservation(r)
	if err != nil {
		return err
	}

	return walletdb.Update(j.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(reservationBucket)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.Put(journalKey(r.ID, r.SubID), value)
	})
}

// DeleteReservation removes the (id, subID) slice from the journal.
func (j *Journal) DeleteReservation(id, subID string) error {
	return walletdb.Update(j.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(reservationBucket)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.Delete(journalKey(id, subID))
	})
}

// FetchReservations returns every reservation in the journal.
func (j *Journal) FetchReservations() ([]*Reservation, error) {
	var res []*Reservation
	err := j.db.View(func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(reservationBucket)
		if bucket == nil {
			return errBucketMissing
		}

		return bucket.ForEach(func(k, v []byte) error {
			id, subID, err := splitJournalKey(k)
			if err != nil {
				return err
			}

			r, err := decodeReservation(v)
			if err != nil {
				return fmt.Errorf("reservation %s/%s: %w", id,
					subID, err)
			}
			r.ID = id
			r.SubID = subID
			res = append(res, r)

			return nil
		})
	}, func() {
		res = nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// encodeReservation serializes the timestamp and outputs of r as a TLV
// stream.
func encodeReservation(r *Reservation) ([]byte, error) {
	created := uint64(r.Created.UnixNano())
	utxos := r.UTXOs

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCreated, &created),
		tlv.MakeDynamicRecord(
			typeUTXOs, &utxos, utxosSize(&utxos), utxosEncoder,
			utxosDecoder,
		),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeReservation parses a value written by encodeReservation.
func decodeReservation(value []byte) (*Reservation, error) {
	var (
		created uint64
		utxos   []UTXO
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCreated, &created),
		tlv.MakeDynamicRecord(
			typeUTXOs, &utxos, utxosSize(&utxos), utxosEncoder,
			utxosDecoder,
		),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(value)); err != nil {
		return nil, err
	}

	return &Reservation{
		UTXOs:   utxos,
		Created: time.Unix(0, int64(created)),
	}, nil
}

func utxosSize(utxos *[]UTXO) func() uint64 {
	return func() uint64 {
		var (
			b   bytes.Buffer
			buf [8]byte
		)
		if err := utxosEncoder(&b, utxos, &buf); err != nil {
			panic(err)
		}
		return uint64(b.Len())
	}
}

// utxosEncoder writes a count followed by hash, index, value, height and
// script of every output.
func utxosEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	utxos, ok := val.(*[]UTXO)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]reservation.UTXO")
	}

	if err := tlv.WriteVarInt(w, uint64(len(*utxos)), buf); err != nil {
		return err
	}

	for _, u := range *utxos {
		if _, err := w.Write(u.OutPoint.Hash[:]); err != nil {
			return err
		}

		var fixed [16]byte
		binary.BigEndian.PutUint32(fixed[0:4], u.OutPoint.Index)
		binary.BigEndian.PutUint64(fixed[4:12], uint64(u.Value))
		binary.BigEndian.PutUint32(fixed[12:16], uint32(u.Height))
		if _, err := w.Write(fixed[:]); err != nil {
			return err
		}

		err := tlv.WriteVarInt(w, uint64(len(u.PkScript)), buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(u.PkScript); err != nil {
			return err
		}
	}

	return nil
}

func utxosDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	utxos, ok := val.(*[]UTXO)
	if !ok {
		return tlv.NewTypeForDecodingErr(
			val, "[]reservation.UTXO", l, l,
		)
	}

	lr := io.LimitReader(r, int64(l))
	count, err := tlv.ReadVarInt(lr, buf)
	if err != nil {
		return err
	}

	res := make([]UTXO, 0, count)
	for i := uint64(0); i < count; i++ {
		var u UTXO
		if _, err := io.ReadFull(lr, u.OutPoint.Hash[:]); err != nil {
			return err
		}

		var fixed [16]byte
		if _, err := io.ReadFull(lr, fixed[:]); err != nil {
			return err
		}
		u.OutPoint.Index = binary.BigEndian.Uint32(fixed[0:4])
		u.Value = btcutil.Amount(binary.BigEndian.Uint64(fixed[4:12]))
		u.Height = int32(binary.BigEndian.Uint32(fixed[12:16]))

		scriptLen, err := tlv.ReadVarInt(lr, buf)
		if err != nil {
			return err
		}
		if scriptLen > maxScriptSize {
			return fmt.Errorf("script length %d exceeds %d",
				scriptLen, maxScriptSize)
		}
		if scriptLen > 0 {
			u.PkScript = make([]byte, scriptLen)
			if _, err := io.ReadFull(lr, u.PkScript); err != nil {
				return err
			}
		}

		res = append(res, u)
	}
	*utxos = res

	return nil
}
