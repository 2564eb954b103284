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
	"fmt"
)

// Document is the minimal JSON-API-shaped object of the admin surface.
type Document struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
	Links      map[string]any `json:"links"`
}

// Collection is a JSON-API collection.
type Collection struct {
	Data  []*Document    `json:"data"`
	Links map[string]any `json:"links"`
}

func selfLinks(self string) map[string]any {
	return map[string]any{"self": self}
}

// ThreadDocument renders one routing worker under /threads/<index>.
// It is assembled with semaphored calls so loop-owned state is read on
// the owning loop.
func ThreadDocument(w *Worker) *Document {
	attrs := map[string]any{
		"state":      w.State().String(),
		"last_alive": w.LastAlive(),
	}
	var sessions, loadAvg, load1s int
	var pools map[string]PoolStats
	if err := w.Call(func() {
		sessions = w.SessionCount()
		pools = w.pools.Stats()
		loadAvg = w.Load(true)
		load1s = w.Load(false)
	}); err == nil {
		attrs["sessions"] = sessions
		attrs["pools"] = pools
		attrs["load_avg"] = loadAvg
		attrs["load_1s"] = load1s
	}
	return &Document{
		ID:         fmt.Sprintf("%d", w.Index()),
		Type:       "threads",
		Attributes: attrs,
		Links:      selfLinks(fmt.Sprintf("/threads/%d", w.Index())),
	}
}

// ThreadsCollection renders every created worker.
func ThreadsCollection(set *WorkerSet) *Collection {
	c := &Collection{Links: selfLinks("/threads")}
	for _, w := range set.Workers() {
		c.Data = append(c.Data, ThreadDocument(w))
	}
	return c
}

// QcStatsDocument renders a worker's query-classifier cache stats
// under /qc_stats/<index>.
func QcStatsDocument(w *Worker) *Document {
	var stats QcStats
	_ = w.Call(func() {
		stats = w.QcStats()
	})
	return &Document{
		ID:   fmt.Sprintf("%d", w.Index()),
		Type: "qc_stats",
		Attributes: map[string]any{
			"inserts":        stats.Inserts,
			"distinct_forms": stats.DistinctForms,
		},
		Links: selfLinks(fmt.Sprintf("/qc_stats/%d", w.Index())),
	}
}

// MemoryDocument renders the per-session memory accounting under
// /memory.
func MemoryDocument(set *WorkerSet) *Document {
	var static, varying int64
	var sessions int
	for _, w := range set.Workers() {
		_ = w.Call(func() {
			for _, s := range w.sessions {
				static += s.StaticSize()
				varying += s.VaryingSize()
				sessions++
			}
			static += w.storage.Size()
		})
	}
	return &Document{
		ID:   "memory",
		Type: "memory",
		Attributes: map[string]any{
			"sessions":       sessions,
			"static_bytes":   static,
			"varying_bytes":  varying,
			"session_max_id": SessionMaxID(),
		},
		Links: selfLinks("/memory"),
	}
}
