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

// Package gormstore implements the metadata queries shared by the gorm-backed
// metadata plugins
package gormstore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/blinklabs-io/tally/database/models"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"
)

const ledgerRangeRowId = 1

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New configures tracing on db and creates the table schemas
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	for _, model := range models.MigrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %#v", model))
		if err := db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DB returns the underlying GORM database handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) WriteLedger(hdr ledger.Header, txs []ledger.Transaction) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tmpLedger := models.Ledger{
			Sequence:   hdr.Sequence,
			Hash:       hdr.Hash.Bytes(),
			ParentHash: hdr.ParentHash.Bytes(),
			CloseTime:  hdr.CloseTime,
			TotalCoins: hdr.TotalCoins,
			Version:    hdr.Version,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tmpLedger)
		if result.Error != nil {
			return result.Error
		}
		if len(txs) == 0 {
			return nil
		}
		tmpTxs := make([]models.Transaction, 0, len(txs))
		var tmpAccountTxs []models.AccountTransaction
		for idx, t := range txs {
			tmpTxs = append(tmpTxs, models.Transaction{
				Hash:           t.Hash.Bytes(),
				Blob:           t.Blob,
				Meta:           t.Meta,
				LedgerSequence: hdr.Sequence,
				LedgerIndex:    uint32(idx), //nolint:gosec // bounded by ledger size
			})
			for _, account := range t.Accounts {
				tmpAccountTxs = append(tmpAccountTxs, models.AccountTransaction{
					Account:        account[:],
					TxHash:         t.Hash.Bytes(),
					LedgerSequence: hdr.Sequence,
					LedgerIndex:    uint32(idx), //nolint:gosec // bounded by ledger size
				})
			}
		}
		result = tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(tmpTxs, 100)
		if result.Error != nil {
			return result.Error
		}
		if len(tmpAccountTxs) > 0 {
			result = tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(tmpAccountTxs, 100)
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
}

// SetLedgerRange advances the commit marker to seq. The marker never moves
// backwards, so replaying an older ledger leaves it alone.
func (s *Store) SetLedgerRange(seq uint32) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var tmpRange models.LedgerRange
		result := tx.Where("id = ?", ledgerRangeRowId).Limit(1).Find(&tmpRange)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			tmpRange = models.LedgerRange{
				ID:          ledgerRangeRowId,
				MinSequence: seq,
				MaxSequence: seq,
			}
		} else {
			if seq <= tmpRange.MaxSequence {
				return nil
			}
			tmpRange.MaxSequence = seq
		}
		result = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"min_sequence", "max_sequence"}),
		}).Create(&tmpRange)
		return result.Error
	})
}

func (s *Store) GetLedgerRange() (ledger.Range, bool, error) {
	var tmpRange models.LedgerRange
	result := s.db.Where("id = ?", ledgerRangeRowId).Limit(1).Find(&tmpRange)
	if result.Error != nil {
		return ledger.Range{}, false, result.Error
	}
	if result.RowsAffected == 0 {
		return ledger.Range{}, false, nil
	}
	return ledger.Range{
		Min: tmpRange.MinSequence,
		Max: tmpRange.MaxSequence,
	}, true, nil
}

func (s *Store) GetLedger(seq uint32) (ledger.Header, error) {
	var tmpLedger models.Ledger
	result := s.db.Where("sequence = ?", seq).First(&tmpLedger)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ledger.Header{}, types.ErrRecordNotFound
		}
		return ledger.Header{}, result.Error
	}
	hdr := ledger.Header{
		Sequence:   tmpLedger.Sequence,
		Version:    tmpLedger.Version,
		CloseTime:  tmpLedger.CloseTime,
		TotalCoins: tmpLedger.TotalCoins,
	}
	copy(hdr.Hash[:], tmpLedger.Hash)
	copy(hdr.ParentHash[:], tmpLedger.ParentHash)
	return hdr, nil
}

func (s *Store) GetTransaction(hash ledger.Hash) (*models.Transaction, error) {
	var tmpTx models.Transaction
	result := s.db.Where("hash = ?", hash.Bytes()).First(&tmpTx)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, types.ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &tmpTx, nil
}

// GetAccountTransactions returns the most recent transactions affecting
// account, newest first
func (s *Store) GetAccountTransactions(
	account ledger.AccountID,
	limit int,
) ([]models.AccountTransaction, error) {
	var ret []models.AccountTransaction
	result := s.db.Where("account = ?", account[:]).
		Order("ledger_sequence DESC, ledger_index DESC").
		Limit(limit).
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
