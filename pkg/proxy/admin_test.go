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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadDocumentShape(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(1)
	newTestSession(t, w, &fakeClient{})

	doc := ThreadDocument(w)
	require.Equal(t, "1", doc.ID)
	require.Equal(t, "threads", doc.Type)
	require.Equal(t, "/threads/1", doc.Links["self"])
	require.Equal(t, 1, doc.Attributes["sessions"])

	// The document marshals as plain JSON-API.
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "id")
	require.Contains(t, decoded, "type")
	require.Contains(t, decoded, "attributes")
	require.Contains(t, decoded, "links")
}

func TestThreadsCollection(t *testing.T) {
	h := newHarness(t, nil)
	c := ThreadsCollection(h.set)
	require.Len(t, c.Data, 2)
	require.Equal(t, "/threads", c.Links["self"])
}

func TestQcStatsDocumentCountsCanonicalForms(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(0)
	s := newTestSession(t, w, &fakeClient{})

	require.NoError(t, w.Call(func() {
		// Two statements with the same canonical form, one distinct.
		require.True(t, s.RouteQuery(queryPacket("SELECT * FROM t WHERE id=1")))
		require.True(t, s.RouteQuery(queryPacket("SELECT * FROM t WHERE id=2")))
		require.True(t, s.RouteQuery(queryPacket("SELECT a FROM u")))
	}))

	doc := QcStatsDocument(w)
	require.Equal(t, "qc_stats", doc.Type)
	require.Equal(t, "/qc_stats/0", doc.Links["self"])
	require.Equal(t, int64(3), doc.Attributes["inserts"])
	require.Equal(t, uint64(2), doc.Attributes["distinct_forms"])
}

func TestMemoryDocument(t *testing.T) {
	h := newHarness(t, nil)
	newTestSession(t, h.set.Worker(0), &fakeClient{})

	doc := MemoryDocument(h.set)
	require.Equal(t, "/memory", doc.Links["self"])
	require.Equal(t, 1, doc.Attributes["sessions"])
	require.Positive(t, doc.Attributes["static_bytes"])
}
