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
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Range is an inclusive span of ledger sequences
type Range struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

func (r Range) Contains(seq uint32) bool {
	return seq >= r.Min && seq <= r.Max
}

func (r Range) String() string {
	if r.Min == r.Max {
		return strconv.FormatUint(uint64(r.Min), 10)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// RangeSet is a sorted list of disjoint ranges, as advertised by an upstream
// node in its validated ledgers string
type RangeSet []Range

// ParseRangeSet parses strings of the form "32570-32599,32610,32620-40000".
// The empty string yields an empty set.
func ParseRangeSet(s string) (RangeSet, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "empty" {
		return nil, nil
	}
	var ret RangeSet
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		minStr, maxStr, isSpan := strings.Cut(part, "-")
		minVal, err := strconv.ParseUint(minStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse range %q: %w", part, err)
		}
		r := Range{Min: uint32(minVal), Max: uint32(minVal)}
		if isSpan {
			maxVal, err := strconv.ParseUint(maxStr, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parse range %q: %w", part, err)
			}
			if maxVal < minVal {
				return nil, fmt.Errorf("parse range %q: max below min", part)
			}
			r.Max = uint32(maxVal)
		}
		ret = append(ret, r)
	}
	slices.SortFunc(ret, func(a, b Range) int {
		return cmp.Compare(a.Min, b.Min)
	})
	return ret, nil
}

func (rs RangeSet) Contains(seq uint32) bool {
	for _, r := range rs {
		if r.Contains(seq) {
			return true
		}
	}
	return false
}

// Max returns the highest sequence in the set
func (rs RangeSet) Max() (uint32, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	var ret uint32
	for _, r := range rs {
		ret = max(ret, r.Max)
	}
	return ret, true
}

func (rs RangeSet) String() string {
	if len(rs) == 0 {
		return "empty"
	}
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
