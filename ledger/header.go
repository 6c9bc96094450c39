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

package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"
)

// CurrentVersion is the newest ledger format this build understands
const CurrentVersion uint32 = 2

type Header struct {
	Sequence   uint32 `json:"sequence"`
	Version    uint32 `json:"version"`
	CloseTime  uint64 `json:"closeTime"`
	TotalCoins uint64 `json:"totalCoins"`
	Hash       Hash   `json:"hash"`
	ParentHash Hash   `json:"parentHash"`
}

// hashableHeader is the canonical encoding used when computing a header hash
type hashableHeader struct {
	cbor.StructAsArray
	ParentHash []byte
	Sequence   uint32
	Version    uint32
	CloseTime  uint64
	TotalCoins uint64
}

// ComputeHash returns the hash of the header contents, excluding the Hash
// field itself
func (h Header) ComputeHash() (Hash, error) {
	var ret Hash
	data, err := cbor.Encode(
		&hashableHeader{
			ParentHash: h.ParentHash.Bytes(),
			Sequence:   h.Sequence,
			Version:    h.Version,
			CloseTime:  h.CloseTime,
			TotalCoins: h.TotalCoins,
		},
	)
	if err != nil {
		return ret, fmt.Errorf("encode header %d: %w", h.Sequence, err)
	}
	ret = sha256.Sum256(data)
	return ret, nil
}

// Seal sets the Hash field from the header contents
func (h *Header) Seal() error {
	hash, err := h.ComputeHash()
	if err != nil {
		return err
	}
	h.Hash = hash
	return nil
}

// Verify checks that the Hash field matches the header contents
func (h Header) Verify() error {
	hash, err := h.ComputeHash()
	if err != nil {
		return err
	}
	if hash != h.Hash {
		return fmt.Errorf(
			"header %d: hash mismatch: have %s, computed %s",
			h.Sequence,
			h.Hash,
			hash,
		)
	}
	return nil
}

// Supported reports whether this build can process the header's ledger format
func (h Header) Supported() bool {
	return h.Version <= CurrentVersion
}
