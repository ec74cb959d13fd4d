// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// txLocator returns the position of txid inside the block with the given
// hash.
type txLocator func(blockHash, txid string) uint32

// historyTx is the subset of a verbose search result needed to build an
// outpoint history.
type historyTx struct {
	hash   chainhash.Hash
	height uint32
	index  uint32
	result *btcjson.SearchRawTransactionsResult
}

// collectOutpoints turns the verbose search results of the watched addresses
// into per address histories.  Outputs are reported when they were created
// or spent at or above fromHeight; unconfirmed ones are always reported.
func collectOutpoints(params *chaincfg.Params, watched map[string]struct{},
	results []*btcjson.SearchRawTransactionsResult, tip, fromHeight uint32,
	locate txLocator) (map[string][]Outpoint, error) {

	txs := make([]historyTx, 0, len(results))
	seen := make(map[chainhash.Hash]struct{}, len(results))
	for _, r := range results {
		hash, err := chainhash.NewHashFromStr(r.Txid)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[*hash]; ok {
			continue
		}
		seen[*hash] = struct{}{}

		tx := historyTx{hash: *hash, height: ZCHeight, result: r}
		if r.Confirmations > 0 && uint64(tip)+1 >= r.Confirmations {
			tx.height = tip + 1 - uint32(r.Confirmations)
			if locate != nil {
				tx.index = locate(r.BlockHash, r.Txid)
			}
		}
		txs = append(txs, tx)
	}

	type entry struct {
		addr string
		op   Outpoint
	}
	outputs := make(map[wire.OutPoint]*entry)
	spenders := make(map[wire.OutPoint]historyTx)

	for _, tx := range txs {
		for _, vin := range tx.result.Vin {
			if vin.Coinbase != "" {
				continue
			}
			prevHash, err := chainhash.NewHashFromStr(vin.Txid)
			if err != nil {
				return nil, err
			}
			spenders[wire.OutPoint{Hash: *prevHash, Index: vin.Vout}] = tx
		}

		for _, vout := range tx.result.Vout {
			script, err := hex.DecodeString(vout.ScriptPubKey.Hex)
			if err != nil {
				return nil, err
			}
			_, addrs, _, err := txscript.ExtractPkScriptAddrs(
				script, params,
			)
			if err != nil || len(addrs) != 1 {
				continue
			}
			addr := addrs[0].EncodeAddress()
			if _, ok := watched[addr]; !ok {
				continue
			}

			value, err := btcutil.NewAmount(vout.Value)
			if err != nil {
				return nil, err
			}

			outputs[wire.OutPoint{Hash: tx.hash, Index: vout.N}] = &entry{
				addr: addr,
				op: Outpoint{
					TxHash:  tx.hash,
					Index:   vout.N,
					Height:  tx.height,
					TxIndex: tx.index,
					Value:   value,
				},
			}
		}
	}

	history := make(map[string][]Outpoint)
	for outpoint, e := range outputs {
		changed := e.op.Height >= fromHeight
		if spender, ok := spenders[outpoint]; ok {
			e.op.Spent = true
			e.op.SpenderHash = spender.hash
			changed = changed || spender.height >= fromHeight
		}
		if !changed {
			continue
		}
		history[e.addr] = append(history[e.addr], e.op)
	}

	for _, ops := range history {
		sortOutpoints(ops)
	}

	return history, nil
}

// sortOutpoints orders ops by height, position in block and output index.
// Unconfirmed outputs sort last.
func sortOutpoints(ops []Outpoint) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		switch {
		case a.Height != b.Height:
			return a.Height < b.Height
		case a.TxIndex != b.TxIndex:
			return a.TxIndex < b.TxIndex
		case a.TxHash != b.TxHash:
			return a.TxHash.String() < b.TxHash.String()
		default:
			return a.Index < b.Index
		}
	})
}
