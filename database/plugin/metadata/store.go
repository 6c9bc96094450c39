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

package metadata

import (
	"fmt"

	"github.com/blinklabs-io/tally/database/models"
	"github.com/blinklabs-io/tally/database/plugin"
	"github.com/blinklabs-io/tally/ledger"
	"gorm.io/gorm"
)

type MetadataStore interface {
	plugin.Plugin
	Close() error
	DB() *gorm.DB

	// WriteLedger stores a ledger header with its transactions and account
	// index. Rewriting an already stored ledger is a no-op.
	WriteLedger(hdr ledger.Header, txs []ledger.Transaction) error
	// SetLedgerRange records seq as committed
	SetLedgerRange(seq uint32) error
	GetLedgerRange() (ledger.Range, bool, error)

	GetLedger(seq uint32) (ledger.Header, error)
	GetTransaction(hash ledger.Hash) (*models.Transaction, error)
	GetAccountTransactions(
		account ledger.AccountID,
		limit int,
	) ([]models.AccountTransaction, error)
}

// New returns the started metadata plugin selected by name
func New(pluginName string, opts plugin.Options) (MetadataStore, error) {
	p, err := plugin.StartPlugin(plugin.PluginTypeMetadata, pluginName, opts)
	if err != nil {
		return nil, err
	}
	metadataStore, ok := p.(MetadataStore)
	if !ok {
		return nil, fmt.Errorf(
			"plugin '%s' does not implement MetadataStore interface",
			pluginName,
		)
	}
	return metadataStore, nil
}
