// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/stretchr/testify/require"
)

// TestOpenSettlementDB checks that the database is created on first use and
// keeps its content when opened again.
func TestOpenSettlementDB(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), walletDBName)
	bucket := []byte("bucket")

	db, err := openSettlementDB(dbPath, time.Second)
	require.NoError(t, err)
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		b, err := tx.CreateTopLevelBucket(bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = openSettlementDB(dbPath, time.Second)
	require.NoError(t, err)
	defer db.Close()

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucket)
		require.NotNil(t, b)
		require.Equal(t, []byte("v"), b.Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

// TestLoadSeed checks that a seed is generated once and read back after.
func TestLoadSeed(t *testing.T) {
	t.Parallel()

	seedPath := filepath.Join(t.TempDir(), seedFilename)

	seed, err := loadSeed(seedPath)
	require.NoError(t, err)
	require.Len(t, seed, hdkeychain.RecommendedSeedLen)

	info, err := os.Stat(seedPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := loadSeed(seedPath)
	require.NoError(t, err)
	require.Equal(t, seed, again)

	require.NoError(t, os.WriteFile(seedPath, []byte("zz"), 0600))
	_, err = loadSeed(seedPath)
	require.Error(t, err)
}
