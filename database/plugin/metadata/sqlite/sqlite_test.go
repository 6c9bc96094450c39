// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite_test

import (
	"testing"

	"github.com/blinklabs-io/tally/database/plugin/metadata/sqlite"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dataDir string) *sqlite.MetadataStoreSqlite {
	t.Helper()
	store := sqlite.New(sqlite.WithDataDir(dataDir))
	require.NoError(t, store.Start())
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testHeader(seq uint32) ledger.Header {
	return ledger.Header{
		Sequence:   seq,
		Version:    ledger.CurrentVersion,
		CloseTime:  uint64(seq) * 4,
		Hash:       ledger.Hash{byte(seq), 0xaa},
		ParentHash: ledger.Hash{byte(seq - 1), 0xaa},
	}
}

func TestLedgerRange(t *testing.T) {
	store := newStore(t, "")
	_, ok, err := store.GetLedgerRange()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetLedgerRange(100))
	require.NoError(t, store.SetLedgerRange(101))
	// Replays never move the marker back
	require.NoError(t, store.SetLedgerRange(99))
	rng, ok, err := store.GetLedgerRange()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.Range{Min: 100, Max: 101}, rng)
}

func TestWriteLedgerIdempotent(t *testing.T) {
	store := newStore(t, "")
	acct := ledger.AccountID{0x42}
	txs := []ledger.Transaction{
		{Hash: ledger.Hash{0x01}, Blob: []byte("tx1"), Meta: []byte("m1"), Accounts: []ledger.AccountID{acct}},
		{Hash: ledger.Hash{0x02}, Blob: []byte("tx2"), Meta: []byte("m2"), Accounts: []ledger.AccountID{acct, {0x43}}},
	}
	hdr := testHeader(100)
	require.NoError(t, store.WriteLedger(hdr, txs))
	require.NoError(t, store.WriteLedger(hdr, txs))

	got, err := store.GetLedger(100)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
	_, err = store.GetLedger(101)
	assert.ErrorIs(t, err, types.ErrRecordNotFound)

	tx, err := store.GetTransaction(ledger.Hash{0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte("tx2"), tx.Blob)
	assert.Equal(t, uint32(1), tx.LedgerIndex)
	_, err = store.GetTransaction(ledger.Hash{0x09})
	assert.ErrorIs(t, err, types.ErrRecordNotFound)

	acctTxs, err := store.GetAccountTransactions(acct, 10)
	require.NoError(t, err)
	require.Len(t, acctTxs, 2)
	assert.Equal(t, ledger.Hash{0x02}.Bytes(), acctTxs[0].TxHash)
	assert.Equal(t, ledger.Hash{0x01}.Bytes(), acctTxs[1].TxHash)
}

func TestPersistence(t *testing.T) {
	dataDir := t.TempDir()
	store := sqlite.New(sqlite.WithDataDir(dataDir))
	require.NoError(t, store.Start())
	require.NoError(t, store.WriteLedger(testHeader(7), nil))
	require.NoError(t, store.SetLedgerRange(7))
	require.NoError(t, store.Close())

	store = newStore(t, dataDir)
	rng, ok, err := store.GetLedgerRange()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), rng.Max)
	_, err = store.GetLedger(7)
	require.NoError(t, err)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	store1 := newStore(t, "")
	store2 := newStore(t, "")
	require.NoError(t, store1.SetLedgerRange(5))
	_, ok, err := store2.GetLedgerRange()
	require.NoError(t, err)
	assert.False(t, ok)
}
