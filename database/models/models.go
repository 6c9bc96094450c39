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

package models

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&Ledger{},
	&Transaction{},
	&AccountTransaction{},
	&LedgerRange{},
}

// Ledger is a committed ledger header
type Ledger struct {
	Hash       []byte `gorm:"uniqueIndex;size:32"`
	ParentHash []byte `gorm:"size:32"`
	ID         uint   `gorm:"primaryKey"`
	CloseTime  uint64
	TotalCoins uint64
	Sequence   uint32 `gorm:"uniqueIndex"`
	Version    uint32
}

func (Ledger) TableName() string {
	return "ledger"
}

type Transaction struct {
	Hash           []byte `gorm:"uniqueIndex;size:32"`
	Blob           []byte
	Meta           []byte
	ID             uint   `gorm:"primaryKey"`
	LedgerSequence uint32 `gorm:"index"`
	LedgerIndex    uint32
}

func (Transaction) TableName() string {
	return "transaction"
}

// AccountTransaction indexes transactions by the accounts they affect
type AccountTransaction struct {
	Account        []byte `gorm:"uniqueIndex:idx_account_tx,priority:1;size:20"`
	TxHash         []byte `gorm:"size:32"`
	ID             uint   `gorm:"primaryKey"`
	LedgerSequence uint32 `gorm:"uniqueIndex:idx_account_tx,priority:2"`
	LedgerIndex    uint32 `gorm:"uniqueIndex:idx_account_tx,priority:3"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}

// LedgerRange is the single-row commit marker. MaxSequence only advances
// once every record for that ledger has been written.
type LedgerRange struct {
	ID          uint `gorm:"primaryKey"`
	MinSequence uint32
	MaxSequence uint32
}

func (LedgerRange) TableName() string {
	return "ledger_range"
}
