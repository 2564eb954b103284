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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexedStorageClearRunsDeletersOnce(t *testing.T) {
	var s IndexedStorage
	k1 := NewIndexedStorageKey()
	k2 := NewIndexedStorageKey()

	var order []int
	deleted := map[int]int{}
	s.Store(k1, "one", func(v any) { deleted[k1]++; order = append(order, k1) },
		func(v any) int64 { return 10 })
	s.Store(k2, "two", func(v any) { deleted[k2]++; order = append(order, k2) },
		func(v any) int64 { return 32 })

	require.Equal(t, "one", s.Get(k1))
	require.Equal(t, "two", s.Get(k2))
	require.Equal(t, int64(42), s.Size())

	freed := s.Clear()
	require.Equal(t, int64(42), freed)
	// Deleters ran exactly once, in registration order, and the
	// storage is empty afterwards.
	require.Equal(t, map[int]int{k1: 1, k2: 1}, deleted)
	require.Equal(t, []int{k1, k2}, order)
	require.Nil(t, s.Get(k1))
	require.Nil(t, s.Get(k2))
	require.Zero(t, s.Clear())
}

func TestIndexedStorageKeysAreUnique(t *testing.T) {
	a, b := NewIndexedStorageKey(), NewIndexedStorageKey()
	require.NotEqual(t, a, b)
}

func TestIndexedStorageGetOutOfRange(t *testing.T) {
	var s IndexedStorage
	require.Nil(t, s.Get(123))
	require.Nil(t, s.Get(-1))
}
