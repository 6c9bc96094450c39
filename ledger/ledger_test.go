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

package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeSet(t *testing.T) {
	testDefs := []struct {
		input       string
		expected    ledger.RangeSet
		expectError bool
	}{
		{input: "", expected: nil},
		{input: "empty", expected: nil},
		{input: "100", expected: ledger.RangeSet{{Min: 100, Max: 100}}},
		{
			input: "200-300,32,40-50",
			expected: ledger.RangeSet{
				{Min: 32, Max: 32},
				{Min: 40, Max: 50},
				{Min: 200, Max: 300},
			},
		},
		{input: "50-40", expectError: true},
		{input: "abc", expectError: true},
		{input: "1-", expectError: true},
	}
	for _, testDef := range testDefs {
		rs, err := ledger.ParseRangeSet(testDef.input)
		if testDef.expectError {
			assert.Error(t, err, "input %q", testDef.input)
			continue
		}
		require.NoError(t, err, "input %q", testDef.input)
		assert.Equal(t, testDef.expected, rs, "input %q", testDef.input)
	}
}

func TestRangeSetContains(t *testing.T) {
	rs, err := ledger.ParseRangeSet("10-20,30")
	require.NoError(t, err)
	assert.True(t, rs.Contains(10))
	assert.True(t, rs.Contains(20))
	assert.True(t, rs.Contains(30))
	assert.False(t, rs.Contains(25))
	assert.False(t, rs.Contains(31))
	maxSeq, ok := rs.Max()
	assert.True(t, ok)
	assert.Equal(t, uint32(30), maxSeq)
	assert.Equal(t, "10-20,30", rs.String())
}

func TestHeaderSealVerify(t *testing.T) {
	hdr := ledger.Header{
		Sequence:   100,
		Version:    ledger.CurrentVersion,
		CloseTime:  1700000000,
		TotalCoins: 99_999_999,
		ParentHash: ledger.Hash{0x01},
	}
	require.NoError(t, hdr.Seal())
	assert.False(t, hdr.Hash.IsZero())
	require.NoError(t, hdr.Verify())

	tampered := hdr
	tampered.TotalCoins++
	assert.Error(t, tampered.Verify())

	other := hdr
	other.ParentHash = ledger.Hash{0x02}
	otherHash, err := other.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, hdr.Hash, otherHash)
}

func TestHeaderSupported(t *testing.T) {
	assert.True(t, ledger.Header{Version: ledger.CurrentVersion}.Supported())
	assert.False(t, ledger.Header{Version: ledger.CurrentVersion + 1}.Supported())
}

func TestKeyText(t *testing.T) {
	key := ledger.Key{0xab, 0xcd}
	data, err := json.Marshal(key)
	require.NoError(t, err)
	var decoded ledger.Key
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, key, decoded)
	assert.Equal(t, -1, ledger.FirstKey.Compare(key))
	assert.Equal(t, 1, ledger.LastKey.Compare(key))

	_, err = ledger.NewKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ledger.ErrInvalidLength)
}
