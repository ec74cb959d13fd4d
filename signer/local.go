// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
)

// MemKeyRing is a KeyRing holding keys in memory.
type MemKeyRing struct {
	mtx  sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

// NewMemKeyRing returns a key ring holding keys.
func NewMemKeyRing(keys ...*btcec.PrivateKey) *MemKeyRing {
	r := &MemKeyRing{keys: make(map[string]*btcec.PrivateKey)}
	for _, key := range keys {
		r.AddKey(key)
	}
	return r
}

// AddKey adds key to the ring.
func (r *MemKeyRing) AddKey(key *btcec.PrivateKey) {
	r.mtx.Lock()
	r.keys[string(key.PubKey().SerializeCompressed())] = key
	r.mtx.Unlock()
}

// PrivKeyForPubKey returns the private key of pubKey.
func (r *MemKeyRing) PrivKeyForPubKey(pubKey []byte) (*btcec.PrivateKey,
	error) {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	key, ok := r.keys[string(pubKey)]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// request is a sign request waiting for authorization.
type request struct {
	id     string
	packet *psbt.Packet
	meta   Metadata
	mode   Mode

	decision  chan bool
	cancelled chan struct{}
}

// LocalSignerConfig holds the collaborators of a LocalSigner.
type LocalSignerConfig struct {
	// Keys provides the signing keys.
	Keys KeyRing

	// OnSigned receives request outcomes.  It is called from the
	// goroutine of the request.
	OnSigned CompletionFunc
}

// LocalSigner signs packets in process with the keys of a KeyRing.  Every
// input carrying a BIP32 derivation of a known key is signed.
type LocalSigner struct {
	cfg LocalSignerConfig

	mtx     sync.Mutex
	pending map[string]*request

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure that LocalSigner satisfies the Backend
// interface.
var _ Backend = (*LocalSigner)(nil)

// NewLocalSigner creates a signer.
func NewLocalSigner(cfg LocalSignerConfig) *LocalSigner {
	return &LocalSigner{
		cfg:     cfg,
		pending: make(map[string]*request),
		quit:    make(chan struct{}),
	}
}

// Stop drops every pending request and waits for the request goroutines.
func (s *LocalSigner) Stop() {
	s.mtx.Lock()
	select {
	case <-s.quit:
		s.mtx.Unlock()
		return
	default:
	}
	close(s.quit)
	s.mtx.Unlock()

	s.wg.Wait()
}

// SignTransaction queues a copy of packet.
func (s *LocalSigner) SignTransaction(ctx context.Context, packet *psbt.Packet,
	meta Metadata, mode Mode) (string, error) {

	if packet == nil || packet.UnsignedTx == nil {
		return "", ErrInvalidRequest
	}
	if err := psbt.InputsReadyToSign(packet); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Sign a copy so the caller keeps ownership of packet.
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", err
	}
	cp, err := psbt.NewFromRawBytes(&buf, false)
	if err != nil {
		return "", err
	}

	req := &request{
		id:        uuid.NewString(),
		packet:    cp,
		meta:      meta,
		mode:      mode,
		decision:  make(chan bool, 1),
		cancelled: make(chan struct{}),
	}

	s.mtx.Lock()
	select {
	case <-s.quit:
		s.mtx.Unlock()
		return "", ErrSignerStopped
	default:
	}
	s.pending[req.id] = req
	s.wg.Add(1)
	s.mtx.Unlock()

	log.Debugf("Sign request %s (%v) for settlement %s: %s", req.id, mode,
		meta.SettlementID, meta.Description)
	log.Tracef("Unsigned tx of %s: %v", req.id, newLogClosure(func() string {
		return spew.Sdump(cp.UnsignedTx)
	}))

	go s.await(ctx, req)

	return req.id, nil
}

// SetSigningAllowed delivers the authorization decision of reqID.
func (s *LocalSigner) SetSigningAllowed(reqID string, allowed bool) error {
	s.mtx.Lock()
	req, ok := s.pending[reqID]
	delete(s.pending, reqID)
	s.mtx.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, reqID)
	}

	req.decision <- allowed
	return nil
}

// Cancel drops reqID.
func (s *LocalSigner) Cancel(reqID string) bool {
	s.mtx.Lock()
	req, ok := s.pending[reqID]
	delete(s.pending, reqID)
	s.mtx.Unlock()

	if !ok {
		return false
	}

	close(req.cancelled)
	log.Debugf("Sign request %s cancelled", reqID)

	return true
}

// await waits for the decision on req and completes it.
//
// NOTE: This must be run as a goroutine.
func (s *LocalSigner) await(ctx context.Context, req *request) {
	defer s.wg.Done()

	expired := ctx.Done()
	for {
		select {
		case allowed := <-req.decision:
			s.decide(req, allowed)
			return

		case <-expired:
			if s.take(req.id) {
				s.complete(req.id, nil, CodeTimeout,
					ctx.Err().Error())
				return
			}

			// A decision or a cancellation raced the expiry.
			expired = nil

		case <-req.cancelled:
			return

		case <-s.quit:
			return
		}
	}
}

// decide signs req if allowed and completes it.
func (s *LocalSigner) decide(req *request, allowed bool) {
	if !allowed {
		log.Infof("Sign request %s rejected", req.id)
		s.complete(req.id, nil, CodeRejected, "signing rejected")
		return
	}

	signed, code, err := s.sign(req)
	if err != nil {
		log.Errorf("Sign request %s failed: %v", req.id, err)
		s.complete(req.id, nil, code, err.Error())
		return
	}
	s.complete(req.id, signed, CodeSuccess, "")
}

// take removes reqID from the pending requests and returns true if it was
// still pending.
func (s *LocalSigner) take(reqID string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.pending[reqID]
	delete(s.pending, reqID)

	return ok
}

// sign adds a signature for every input with a known key and returns the
// payload selected by the request mode.
func (s *LocalSigner) sign(req *request) ([]byte, ErrorCode, error) {
	packet := req.packet
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, CodeFailed, err
	}

	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, prevOutputFetcher(packet))

	var signed int
	for idx := range tx.TxIn {
		in := &packet.Inputs[idx]

		// Only segwit v0 inputs that are not final yet are signed.
		if in.WitnessUtxo == nil || len(in.FinalScriptWitness) > 0 {
			continue
		}

		script := in.WitnessUtxo.PkScript
		if len(in.WitnessScript) > 0 {
			script = in.WitnessScript
		}
		hashType := in.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}

		for _, derivation := range in.Bip32Derivation {
			if hasPartialSig(in, derivation.PubKey) {
				continue
			}

			key, err := s.cfg.Keys.PrivKeyForPubKey(
				derivation.PubKey,
			)
			switch {
			case errors.Is(err, ErrUnknownKey):
				continue
			case err != nil:
				return nil, CodeFailed, err
			}

			sig, err := txscript.RawTxInWitnessSignature(
				tx, sigHashes, idx, in.WitnessUtxo.Value,
				script, hashType, key,
			)
			if err != nil {
				return nil, CodeFailed, fmt.Errorf("unable to "+
					"sign input %d: %w", idx, err)
			}

			_, err = updater.Sign(idx, sig, derivation.PubKey, nil, nil)
			if err != nil {
				return nil, CodeFailed, fmt.Errorf("unable to "+
					"add signature to input %d: %w", idx,
					err)
			}
			signed++
		}
	}

	if signed == 0 {
		return nil, CodeMissingKey, errors.New("no input to sign")
	}

	var buf bytes.Buffer
	if req.mode == ModePartial {
		if err := packet.Serialize(&buf); err != nil {
			return nil, CodeFailed, err
		}
		return buf.Bytes(), CodeSuccess, nil
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, CodeIncomplete, fmt.Errorf("error finalizing "+
			"PSBT: %w", err)
	}
	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return nil, CodeIncomplete, err
	}
	if err := finalTx.Serialize(&buf); err != nil {
		return nil, CodeFailed, err
	}

	log.Debugf("Signed %d input(s) of tx %v for request %s", signed,
		finalTx.TxHash(), req.id)

	return buf.Bytes(), CodeSuccess, nil
}

func (s *LocalSigner) complete(reqID string, signed []byte, code ErrorCode,
	msg string) {

	if s.cfg.OnSigned != nil {
		s.cfg.OnSigned(reqID, signed, code, msg)
	}
}

func hasPartialSig(in *psbt.PInput, pubKey []byte) bool {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}
	return false
}

// prevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet.
func prevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		switch {
		case in.NonWitnessUtxo != nil:
			prevIndex := txIn.PreviousOutPoint.Index
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

		case in.WitnessUtxo != nil:
			fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
		}
	}

	return fetcher
}
