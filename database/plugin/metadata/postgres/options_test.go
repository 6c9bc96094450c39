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

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnStringDefaults(t *testing.T) {
	m := New()
	assert.Equal(
		t,
		"host=localhost user=postgres password= dbname=tally port=5432 sslmode=disable TimeZone=UTC",
		m.connString(),
	)
}

func TestConnStringOptions(t *testing.T) {
	m := New(
		WithHost("db.local"),
		WithPort(6432),
		WithUser("tally"),
		WithPassword("secret"),
		WithDatabase("ledgers"),
		WithSSLMode("require"),
	)
	assert.Equal(
		t,
		"host=db.local user=tally password=secret dbname=ledgers port=6432 sslmode=require TimeZone=UTC",
		m.connString(),
	)
}

func TestConnStringDSNOverride(t *testing.T) {
	m := New(
		WithHost("ignored"),
		WithDSN("  postgres://u:p@h:5432/db  "),
	)
	assert.Equal(t, "postgres://u:p@h:5432/db", m.connString())
}

func TestCloseBeforeStart(t *testing.T) {
	m := New()
	assert.NoError(t, m.Close())
}
