// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"sync/atomic"
)

var nextStorageKey atomic.Int64

// NewIndexedStorageKey hands out a process-wide unique key for a
// subsystem that wants per-worker local state. Keys are obtained at
// subsystem registration, before the workers start.
func NewIndexedStorageKey() int {
	return int(nextStorageKey.Add(1) - 1)
}

type storageEntry struct {
	data    any
	deleter func(any)
	sizer   func(any) int64
}

// IndexedStorage is per-worker storage keyed by integer index. It is
// only touched from the owning worker's loop.
type IndexedStorage struct {
	entries []storageEntry
	// order remembers registration order for teardown.
	order []int
}

// Store places data in the slot for key, with its deleter and sizer.
// Both functions may be nil.
func (s *IndexedStorage) Store(key int, data any, deleter func(any), sizer func(any) int64) {
	for key >= len(s.entries) {
		s.entries = append(s.entries, storageEntry{})
	}
	if s.entries[key].data == nil && data != nil {
		s.order = append(s.order, key)
	}
	s.entries[key] = storageEntry{data: data, deleter: deleter, sizer: sizer}
}

// Get returns the stored value for key, or nil.
func (s *IndexedStorage) Get(key int) any {
	if key < 0 || key >= len(s.entries) {
		return nil
	}
	return s.entries[key].data
}

// Size sums the sizer-reported bytes of every populated slot.
func (s *IndexedStorage) Size() int64 {
	var total int64
	for _, e := range s.entries {
		if e.data != nil && e.sizer != nil {
			total += e.sizer(e.data)
		}
	}
	return total
}

// Clear invokes each deleter exactly once, in registration order, and
// empties the storage. It returns the bytes the sizers reported, for
// telemetry.
func (s *IndexedStorage) Clear() int64 {
	var total int64
	for _, key := range s.order {
		e := s.entries[key]
		if e.data == nil {
			continue
		}
		if e.sizer != nil {
			total += e.sizer(e.data)
		}
		if e.deleter != nil {
			e.deleter(e.data)
		}
	}
	s.entries = nil
	s.order = nil
	return total
}
