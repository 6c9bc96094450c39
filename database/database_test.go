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

package database_test

import (
	"context"
	"testing"

	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDatabase(t *testing.T, dataDir string) *database.Database {
	t.Helper()
	db, err := database.New(&database.Config{DataDir: dataDir})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func key(b byte) ledger.Key {
	return ledger.Key{b}
}

func header(seq uint32, version uint32) ledger.Header {
	return ledger.Header{
		Sequence: seq,
		Version:  version,
		Hash:     ledger.Hash{byte(seq)},
	}
}

func TestWriteLedgerAndCommitMarker(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")

	_, ok, err := db.LedgerRange(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	lw := &database.LedgerWrite{
		Header: header(10, ledger.CurrentVersion),
		Objects: []ledger.Object{
			{Key: key(1), Data: []byte("one")},
			{Key: key(2), Data: []byte("two")},
		},
		Successors: []types.Successor{
			{Key: ledger.FirstKey, Next: key(1)},
			{Key: key(1), Next: key(2)},
			{Key: key(2), Next: ledger.LastKey},
		},
		Transactions: []ledger.Transaction{
			{Hash: ledger.Hash{0xa1}, Blob: []byte("tx"), Accounts: []ledger.AccountID{{0x01}}},
		},
	}
	require.NoError(t, db.WriteLedger(ctx, lw))

	// Nothing is visible as committed until the marker is written
	_, ok, err = db.LedgerRange(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.WriteCommitMarker(ctx, 10))
	rng, ok, err := db.LedgerRange(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.Range{Min: 10, Max: 10}, rng)

	hdr, err := db.Header(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, lw.Header, hdr)
	_, err = db.Header(ctx, 11)
	assert.ErrorIs(t, err, database.ErrNotFound)

	data, err := db.Object(ctx, key(2), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
	_, err = db.Object(ctx, key(3), 10)
	assert.ErrorIs(t, err, database.ErrNotFound)

	next, err := db.Successor(ctx, key(1), 10)
	require.NoError(t, err)
	assert.Equal(t, key(2), next)

	tx, seq, err := db.Transaction(ctx, ledger.Hash{0xa1})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), seq)
	assert.Equal(t, []byte("tx"), tx.Blob)

	hashes, err := db.AccountTransactions(ctx, ledger.AccountID{0x01}, 5)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Hash{{0xa1}}, hashes)
}

func TestWriteLedgerUnsupported(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")
	err := db.WriteLedger(ctx, &database.LedgerWrite{
		Header:  header(5, ledger.CurrentVersion+1),
		Objects: []ledger.Object{{Key: key(1), Data: []byte("x")}},
	})
	require.ErrorIs(t, err, database.ErrUnsupported)
	_, err = db.Object(ctx, key(1), 5)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDiffAndDeletion(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")
	require.NoError(t, db.WriteLedger(ctx, &database.LedgerWrite{
		Header:  header(1, ledger.CurrentVersion),
		Objects: []ledger.Object{{Key: key(1), Data: []byte("a")}},
	}))
	require.NoError(t, db.WriteLedger(ctx, &database.LedgerWrite{
		Header:  header(2, ledger.CurrentVersion),
		Objects: []ledger.Object{{Key: key(1)}},
	}))
	diff, err := db.Diff(ctx, 2)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	assert.True(t, diff[0].IsDeleted())

	data, err := db.Object(ctx, key(1), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
	_, err = db.Object(ctx, key(1), 2)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestBuildSuccessorIndex(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")
	var objs []ledger.Object
	for i := 1; i <= 5; i++ {
		objs = append(objs, ledger.Object{Key: key(byte(i * 10)), Data: []byte{byte(i)}})
	}
	require.NoError(t, db.WriteObjects(ctx, 50, objs[:2]))
	require.NoError(t, db.WriteObjects(ctx, 50, objs[2:]))
	require.NoError(t, db.BuildSuccessorIndex(ctx, 50))

	cur := ledger.FirstKey
	var walked []ledger.Key
	for {
		next, err := db.Successor(ctx, cur, 50)
		require.NoError(t, err)
		if next == ledger.LastKey {
			break
		}
		walked = append(walked, next)
		cur = next
	}
	require.Len(t, walked, 5)
	for i, k := range walked {
		assert.Equal(t, objs[i].Key, k)
	}
}

func TestBuildSuccessorIndexEmpty(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")
	require.NoError(t, db.BuildSuccessorIndex(ctx, 1))
	next, err := db.Successor(ctx, ledger.FirstKey, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.LastKey, next)
}

func TestReopenChecksCommitMarker(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	db, err := database.New(&database.Config{DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, db.WriteLedger(ctx, &database.LedgerWrite{
		Header:  header(3, ledger.CurrentVersion),
		Objects: []ledger.Object{{Key: key(1), Data: []byte("a")}},
	}))
	require.NoError(t, db.WriteCommitMarker(ctx, 3))
	// Uncommitted data past the marker is tolerated
	require.NoError(t, db.WriteLedger(ctx, &database.LedgerWrite{
		Header:  header(4, ledger.CurrentVersion),
		Objects: []ledger.Object{{Key: key(1), Data: []byte("b")}},
	}))
	require.NoError(t, db.Close())

	db = newDatabase(t, dataDir)
	rng, ok, err := db.LedgerRange(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rng.Max)
}

func TestDiscardUncommitted(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t, "")
	// An initial load at 7 that never reached its marker
	require.NoError(t, db.WriteObjects(ctx, 7, []ledger.Object{
		{Key: key(1), Data: []byte("stale")},
		{Key: key(2), Data: []byte("two")},
	}))
	require.NoError(t, db.DiscardUncommitted(ctx))
	_, err := db.Object(ctx, key(1), 7)
	require.ErrorIs(t, err, database.ErrNotFound)

	// A reload at a later sequence without key 1 leaves nothing behind
	require.NoError(t, db.WriteObjects(ctx, 9, []ledger.Object{
		{Key: key(2), Data: []byte("two")},
	}))
	require.NoError(t, db.WriteLedger(ctx, &database.LedgerWrite{Header: header(9, ledger.CurrentVersion)}))
	require.NoError(t, db.WriteCommitMarker(ctx, 9))
	_, err = db.Object(ctx, key(1), 9)
	assert.ErrorIs(t, err, database.ErrNotFound)

	// Committed data is kept
	require.NoError(t, db.DiscardUncommitted(ctx))
	data, err := db.Object(ctx, key(2), 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestMarkerAheadOfBlob(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	db, err := database.New(&database.Config{DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, db.WriteCommitMarker(ctx, 9))
	require.NoError(t, db.Close())

	db, err = database.New(&database.Config{DataDir: dataDir})
	require.NotNil(t, db)
	defer db.Close()
	var markerErr database.CommitMarkerError
	require.ErrorAs(t, err, &markerErr)
	assert.Equal(t, uint32(9), markerErr.MarkerSequence)
}

func TestUnknownPlugin(t *testing.T) {
	_, err := database.New(&database.Config{MetadataPlugin: "nope"})
	require.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	db := newDatabase(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := db.LedgerRange(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
