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

package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/blinklabs-io/tally/database/plugin"
	"github.com/blinklabs-io/tally/database/plugin/blob"
	"github.com/blinklabs-io/tally/database/plugin/metadata"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/prometheus/client_golang/prometheus"

	// Register storage plugins
	_ "github.com/blinklabs-io/tally/database/plugin/blob/badger"
	_ "github.com/blinklabs-io/tally/database/plugin/metadata/postgres"
	_ "github.com/blinklabs-io/tally/database/plugin/metadata/sqlite"
)

const (
	DefaultBlobPlugin     = "badger"
	DefaultMetadataPlugin = "sqlite"

	successorBatchSize = 1024
)

var (
	// ErrNotFound is returned when a ledger, object or successor is not stored
	ErrNotFound = errors.New("not found")
	// ErrUnsupported is returned when a ledger uses a format this build
	// cannot store
	ErrUnsupported = errors.New("unsupported ledger version")
)

// Backend is the storage contract used by the ingestion pipeline
type Backend interface {
	LedgerRange(ctx context.Context) (ledger.Range, bool, error)
	WriteLedger(ctx context.Context, lw *LedgerWrite) error
	WriteCommitMarker(ctx context.Context, seq uint32) error
	Header(ctx context.Context, seq uint32) (ledger.Header, error)
	Object(ctx context.Context, key ledger.Key, seq uint32) ([]byte, error)
	Successor(ctx context.Context, key ledger.Key, seq uint32) (ledger.Key, error)
	Diff(ctx context.Context, seq uint32) ([]ledger.Object, error)
	ObjectsPage(
		ctx context.Context,
		seq uint32,
		cursor ledger.Key,
		limit int,
	) ([]ledger.Object, *ledger.Key, error)
}

// LedgerWrite is everything stored for one ledger apart from the commit marker
type LedgerWrite struct {
	Header       ledger.Header
	Objects      []ledger.Object
	Successors   []types.Successor
	Transactions []ledger.Transaction
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	DataDir      string
	// DSN is passed to network-backed metadata plugins
	DSN            string
	BlobPlugin     string
	MetadataPlugin string
}

// CommitMarkerError reports a blob store that is behind the commit marker
type CommitMarkerError struct {
	MarkerSequence uint32
	BlobSequence   uint32
}

func (e CommitMarkerError) Error() string {
	return fmt.Sprintf(
		"commit marker ahead of blob store: %d (marker) > %d (blob)",
		e.MarkerSequence,
		e.BlobSequence,
	)
}

type Database struct {
	logger   *slog.Logger
	blob     blob.BlobStore
	metadata metadata.MetadataStore
}

// New creates a new database instance with optional persistence using the
// provided data directory
func New(config *Config) (*Database, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	blobPlugin := config.BlobPlugin
	if blobPlugin == "" {
		blobPlugin = DefaultBlobPlugin
	}
	metadataPlugin := config.MetadataPlugin
	if metadataPlugin == "" {
		metadataPlugin = DefaultMetadataPlugin
	}
	opts := plugin.Options{
		Logger:       logger,
		PromRegistry: config.PromRegistry,
		DataDir:      config.DataDir,
		DSN:          config.DSN,
	}
	metadataDb, err := metadata.New(metadataPlugin, opts)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	blobDb, err := blob.New(blobPlugin, opts)
	if err != nil {
		_ = metadataDb.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	db := &Database{
		logger:   logger.With("component", "database"),
		blob:     blobDb,
		metadata: metadataDb,
	}
	if err := db.init(); err != nil {
		// Database is available for recovery, so return it with error
		return db, err
	}
	return db, nil
}

func (d *Database) init() error {
	rng, ok, err := d.metadata.GetLedgerRange()
	if err != nil {
		return fmt.Errorf("failed to read commit marker: %w", err)
	}
	if !ok {
		return nil
	}
	blobSeq, err := d.blob.LastSequence()
	if err != nil {
		return fmt.Errorf("failed to read blob sequence: %w", err)
	}
	if blobSeq < rng.Max {
		return CommitMarkerError{
			MarkerSequence: rng.Max,
			BlobSequence:   blobSeq,
		}
	}
	if blobSeq > rng.Max {
		d.logger.Warn(
			"found uncommitted ledger data past commit marker, it will be rewritten",
			"committed", rng.Max,
			"blob", blobSeq,
		)
	}
	return nil
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	err = errors.Join(err, d.metadata.Close())
	err = errors.Join(err, d.blob.Close())
	return err
}

// LedgerRange returns the committed range. The bool is false for an empty
// database.
func (d *Database) LedgerRange(ctx context.Context) (ledger.Range, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Range{}, false, err
	}
	return d.metadata.GetLedgerRange()
}

// WriteLedger stores the objects, successor index, header and transactions of
// a ledger. It does not move the commit marker. Writing the same ledger again
// is a no-op apart from rewriting identical values.
func (d *Database) WriteLedger(ctx context.Context, lw *LedgerWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !lw.Header.Supported() {
		return fmt.Errorf(
			"%w: ledger %d has version %d",
			ErrUnsupported,
			lw.Header.Sequence,
			lw.Header.Version,
		)
	}
	seq := lw.Header.Sequence
	if err := d.blob.WriteObjects(seq, lw.Objects); err != nil {
		return fmt.Errorf("write objects for ledger %d: %w", seq, err)
	}
	if len(lw.Successors) > 0 {
		if err := d.blob.WriteSuccessors(seq, lw.Successors); err != nil {
			return fmt.Errorf("write successors for ledger %d: %w", seq, err)
		}
	}
	if err := d.metadata.WriteLedger(lw.Header, lw.Transactions); err != nil {
		return fmt.Errorf("write header for ledger %d: %w", seq, err)
	}
	return nil
}

// WriteObjects stores a chunk of objects for seq without touching the header
// or the commit marker. It is used while loading an initial ledger.
func (d *Database) WriteObjects(
	ctx context.Context,
	seq uint32,
	objs []ledger.Object,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.blob.WriteObjects(seq, objs)
}

// DiscardUncommitted drops the objects left by an initial ledger load that
// never reached its commit marker. It does nothing once a marker exists.
func (d *Database) DiscardUncommitted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, ok, err := d.metadata.GetLedgerRange()
	if err != nil {
		return fmt.Errorf("failed to read commit marker: %w", err)
	}
	if ok {
		return nil
	}
	blobSeq, err := d.blob.LastSequence()
	if err != nil {
		return fmt.Errorf("failed to read blob sequence: %w", err)
	}
	if blobSeq == 0 {
		return nil
	}
	d.logger.Warn(
		"discarding uncommitted initial ledger data",
		"blob", blobSeq,
	)
	if err := d.blob.Reset(); err != nil {
		return fmt.Errorf("failed to discard uncommitted data: %w", err)
	}
	return nil
}

// WriteCommitMarker marks seq as fully written
func (d *Database) WriteCommitMarker(ctx context.Context, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.metadata.SetLedgerRange(seq)
}

func (d *Database) Header(ctx context.Context, seq uint32) (ledger.Header, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Header{}, err
	}
	hdr, err := d.metadata.GetLedger(seq)
	if err != nil {
		return ledger.Header{}, mapNotFound(err)
	}
	return hdr, nil
}

func (d *Database) Object(
	ctx context.Context,
	key ledger.Key,
	seq uint32,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := d.blob.Object(key, seq)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return data, nil
}

func (d *Database) Successor(
	ctx context.Context,
	key ledger.Key,
	seq uint32,
) (ledger.Key, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Key{}, err
	}
	next, err := d.blob.Successor(key, seq)
	if err != nil {
		return ledger.Key{}, mapNotFound(err)
	}
	return next, nil
}

// Diff returns the objects changed by ledger seq, with deletions as
// tombstones
func (d *Database) Diff(ctx context.Context, seq uint32) ([]ledger.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.blob.Diff(seq)
}

func (d *Database) ObjectsPage(
	ctx context.Context,
	seq uint32,
	cursor ledger.Key,
	limit int,
) ([]ledger.Object, *ledger.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return d.blob.ObjectsPage(seq, cursor, limit)
}

// Transaction returns a stored transaction by hash
func (d *Database) Transaction(
	ctx context.Context,
	hash ledger.Hash,
) (ledger.Transaction, uint32, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, 0, err
	}
	tmpTx, err := d.metadata.GetTransaction(hash)
	if err != nil {
		return ledger.Transaction{}, 0, mapNotFound(err)
	}
	ret := ledger.Transaction{
		Blob: tmpTx.Blob,
		Meta: tmpTx.Meta,
	}
	copy(ret.Hash[:], tmpTx.Hash)
	return ret, tmpTx.LedgerSequence, nil
}

// AccountTransactions returns the hashes of the most recent transactions
// affecting account, newest first
func (d *Database) AccountTransactions(
	ctx context.Context,
	account ledger.AccountID,
	limit int,
) ([]ledger.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := d.metadata.GetAccountTransactions(account, limit)
	if err != nil {
		return nil, err
	}
	ret := make([]ledger.Hash, len(rows))
	for i, row := range rows {
		copy(ret[i][:], row.TxHash)
	}
	return ret, nil
}

// BuildSuccessorIndex walks every live object as of seq and writes the full
// successor chain from ledger.FirstKey to ledger.LastKey
func (d *Database) BuildSuccessorIndex(ctx context.Context, seq uint32) error {
	prev := ledger.FirstKey
	cursor := ledger.FirstKey
	batch := make([]types.Successor, 0, successorBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := d.blob.WriteSuccessors(seq, batch); err != nil {
			return fmt.Errorf("write successors for ledger %d: %w", seq, err)
		}
		batch = batch[:0]
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		objs, next, err := d.blob.ObjectsPage(seq, cursor, successorBatchSize)
		if err != nil {
			return err
		}
		for _, obj := range objs {
			batch = append(batch, types.Successor{Key: prev, Next: obj.Key})
			prev = obj.Key
		}
		if err := flush(); err != nil {
			return err
		}
		if next == nil {
			break
		}
		cursor = *next
	}
	batch = append(batch, types.Successor{Key: prev, Next: ledger.LastKey})
	return flush()
}

func mapNotFound(err error) error {
	if errors.Is(err, types.ErrBlobKeyNotFound) ||
		errors.Is(err, types.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
