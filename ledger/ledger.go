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

// Package ledger contains the data model shared by the ingestion pipeline,
// the storage backend and the in-memory cache.
package ledger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	KeySize     = 32
	HashSize    = 32
	AccountSize = 20
)

var ErrInvalidLength = errors.New("invalid length")

// Key identifies a ledger object
type Key [KeySize]byte

var (
	// FirstKey sorts before every object key
	FirstKey = Key{}
	// LastKey sorts after every object key
	LastKey = Key{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

func NewKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("key: %w: %d", ErrInvalidLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) Bytes() []byte {
	return k[:]
}

func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(data []byte) error {
	return decodeHex(k[:], data)
}

// Hash is a ledger or transaction hash
type Hash [HashSize]byte

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(data []byte) error {
	return decodeHex(h[:], data)
}

// AccountID identifies an account affected by a transaction
type AccountID [AccountSize]byte

func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountID) UnmarshalText(data []byte) error {
	return decodeHex(a[:], data)
}

func decodeHex(dst []byte, src []byte) error {
	if hex.DecodedLen(len(src)) != len(dst) {
		return fmt.Errorf("%w: %d", ErrInvalidLength, len(src))
	}
	_, err := hex.Decode(dst, src)
	return err
}

// Object is a ledger object value as of some sequence. Empty Data means the
// object was deleted.
type Object struct {
	Key  Key    `json:"key"`
	Data []byte `json:"data,omitempty"`
}

func (o Object) IsDeleted() bool {
	return len(o.Data) == 0
}

type ModType uint8

const (
	ModTypeUnspecified ModType = iota
	ModTypeCreated
	ModTypeModified
	ModTypeDeleted
)

func (m ModType) String() string {
	switch m {
	case ModTypeCreated:
		return "created"
	case ModTypeModified:
		return "modified"
	case ModTypeDeleted:
		return "deleted"
	default:
		return "unspecified"
	}
}

// ObjectChange is one object touched by a ledger, as reported by an upstream
// node. Predecessor and Successor are only set when the upstream was asked
// for neighbors and the object was created or deleted.
type ObjectChange struct {
	Predecessor *Key    `json:"predecessor,omitempty"`
	Successor   *Key    `json:"successor,omitempty"`
	Data        []byte  `json:"data,omitempty"`
	Key         Key     `json:"key"`
	Mod         ModType `json:"mod"`
}

type Transaction struct {
	Accounts []AccountID `json:"accounts,omitempty"`
	Blob     []byte      `json:"blob"`
	Meta     []byte      `json:"meta"`
	Hash     Hash        `json:"hash"`
}

// Data is the raw ledger payload fetched from an upstream node
type Data struct {
	Objects                 []ObjectChange `json:"objects,omitempty"`
	Transactions            []Transaction  `json:"transactions,omitempty"`
	Header                  Header         `json:"header"`
	Validated               bool           `json:"validated"`
	ObjectNeighborsIncluded bool           `json:"objectNeighborsIncluded"`
}
