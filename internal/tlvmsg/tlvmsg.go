// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tlvmsg frames bus payloads as a one byte message type followed by
// a TLV stream.
package tlvmsg

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

// Type identifies the message carried by a payload.  Each package that
// exchanges messages owns a distinct range of types.
type Type uint8

// ErrEmptyPayload is returned when decoding a zero length payload.
var ErrEmptyPayload = errors.New("empty payload")

// Encode frames the records as a message of type typ.
func Encode(typ Type, records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(typ))
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("unable to encode message %d: %w", typ,
			err)
	}

	return buf.Bytes(), nil
}

// PeekType returns the message type of payload without decoding it.
func PeekType(payload []byte) (Type, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	return Type(payload[0]), nil
}

// Decode parses payload into the records.  The message type must match
// typ.  Records missing from the payload keep their current value.
func Decode(typ Type, payload []byte, records ...tlv.Record) error {
	got, err := PeekType(payload)
	if err != nil {
		return err
	}
	if got != typ {
		return fmt.Errorf("unexpected message type %d, want %d", got,
			typ)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(payload[1:]))
}
