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

package badger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	badger "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	o<key><seq>  object value written at seq, empty for a deletion
//	s<key><seq>  successor of key as of seq, empty once key is deleted
//	d<seq><key>  object value changed at seq
//	m/last_seq   highest sequence passed to WriteObjects
const (
	prefixObject    = 'o'
	prefixSuccessor = 's'
	prefixDiff      = 'd'
)

var keyLastSequence = []byte("m/last_seq")

func versionPrefix(prefix byte, key ledger.Key) []byte {
	ret := make([]byte, 0, 1+ledger.KeySize)
	ret = append(ret, prefix)
	return append(ret, key[:]...)
}

func versionKey(prefix byte, key ledger.Key, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(versionPrefix(prefix, key), seq)
}

func diffPrefix(seq uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixDiff}, seq)
}

func diffKey(seq uint32, key ledger.Key) []byte {
	return append(diffPrefix(seq), key[:]...)
}

func (d *BlobStoreBadger) WriteObjects(seq uint32, objs []ledger.Object) error {
	last, err := d.LastSequence()
	if err != nil {
		return err
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, obj := range objs {
		if err := wb.Set(versionKey(prefixObject, obj.Key, seq), obj.Data); err != nil {
			return err
		}
		if err := wb.Set(diffKey(seq, obj.Key), obj.Data); err != nil {
			return err
		}
	}
	if seq > last {
		if err := wb.Set(keyLastSequence, binary.BigEndian.AppendUint32(nil, seq)); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.objectsWritten.Add(float64(len(objs)))
	}
	return nil
}

func (d *BlobStoreBadger) WriteSuccessors(
	seq uint32,
	successors []types.Successor,
) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, s := range successors {
		var val []byte
		if !s.Deleted {
			val = s.Next.Bytes()
		}
		if err := wb.Set(versionKey(prefixSuccessor, s.Key, seq), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (d *BlobStoreBadger) Reset() error {
	return d.db.DropAll()
}

func (d *BlobStoreBadger) LastSequence() (uint32, error) {
	var ret uint32
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastSequence)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			ret = binary.BigEndian.Uint32(val)
			return nil
		})
	})
	return ret, err
}

// lookupVersion returns the newest value of key written at or before seq
func (d *BlobStoreBadger) lookupVersion(
	prefix byte,
	key ledger.Key,
	seq uint32,
) ([]byte, error) {
	var ret []byte
	err := d.db.View(func(txn *badger.Txn) error {
		keyPrefix := versionPrefix(prefix, key)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:  keyPrefix,
			Reverse: true,
		})
		defer it.Close()
		it.Seek(versionKey(prefix, key, seq))
		if !it.ValidForPrefix(keyPrefix) {
			return types.ErrBlobKeyNotFound
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		ret = val
		return nil
	})
	return ret, err
}

// Object returns the value of key as of seq. Deleted objects are reported as
// not found.
func (d *BlobStoreBadger) Object(key ledger.Key, seq uint32) ([]byte, error) {
	val, err := d.lookupVersion(prefixObject, key, seq)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, types.ErrBlobKeyNotFound
	}
	return val, nil
}

func (d *BlobStoreBadger) Successor(
	key ledger.Key,
	seq uint32,
) (ledger.Key, error) {
	val, err := d.lookupVersion(prefixSuccessor, key, seq)
	if err != nil {
		return ledger.Key{}, err
	}
	if len(val) == 0 {
		return ledger.Key{}, types.ErrBlobKeyNotFound
	}
	return ledger.NewKey(val)
}

func (d *BlobStoreBadger) Diff(seq uint32) ([]ledger.Object, error) {
	var ret []ledger.Object
	err := d.db.View(func(txn *badger.Txn) error {
		prefix := diffPrefix(seq)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key, err := ledger.NewKey(item.Key()[len(prefix):])
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ret = append(ret, ledger.Object{Key: key, Data: val})
		}
		return nil
	})
	return ret, err
}

func (d *BlobStoreBadger) ObjectsPage(
	seq uint32,
	cursor ledger.Key,
	limit int,
) ([]ledger.Object, *ledger.Key, error) {
	var ret []ledger.Object
	var next *ledger.Key
	err := d.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixObject}
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()
		var curKey []byte
		var curVal []byte
		var haveVal bool
		// emit reports whether the page is complete
		emit := func() (bool, error) {
			if curKey == nil || !haveVal || len(curVal) == 0 {
				return false, nil
			}
			key, err := ledger.NewKey(curKey)
			if err != nil {
				return false, err
			}
			ret = append(ret, ledger.Object{Key: key, Data: curVal})
			if len(ret) >= limit {
				next = &key
				return true, nil
			}
			return false, nil
		}
		for it.Seek(versionKey(prefixObject, cursor, math.MaxUint32)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw := item.Key()
			objKey := raw[1 : 1+ledger.KeySize]
			objSeq := binary.BigEndian.Uint32(raw[1+ledger.KeySize:])
			if bytes.Equal(objKey, cursor[:]) {
				continue
			}
			if curKey == nil || !bytes.Equal(objKey, curKey) {
				done, err := emit()
				if err != nil || done {
					return err
				}
				curKey = bytes.Clone(objKey)
				curVal = nil
				haveVal = false
			}
			if objSeq > seq {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			curVal = val
			haveVal = true
		}
		_, err := emit()
		if len(ret) < limit {
			next = nil
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ret, next, nil
}
