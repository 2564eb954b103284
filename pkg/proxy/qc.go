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
	hll "github.com/axiomhq/hyperloglog"

	"github.com/moxyio/moxy/pkg/mysql"
)

// qcStorageKey is the indexed-storage key of the per-worker query
// classification cache, assigned once at package init.
var qcStorageKey = NewIndexedStorageKey()

// QcStats is the per-worker classifier view on /qc_stats/<index>.
type QcStats struct {
	// Inserts counts classified statements.
	Inserts int64 `json:"inserts"`
	// DistinctForms estimates the distinct canonical statements seen.
	DistinctForms uint64 `json:"distinct_forms"`
}

// qcCache is worker-local: a sketch of distinct canonical statement
// forms. It lives in indexed storage so deactivation reclaims it with
// every other thread-local cache.
type qcCache struct {
	sketch  *hll.Sketch
	inserts int64
}

func newQcCache() *qcCache {
	return &qcCache{sketch: hll.New14()}
}

func (q *qcCache) size() int64 {
	data, err := q.sketch.MarshalBinary()
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// recordCanonical classifies one client request into the worker-local
// cache. Runs on the owning loop only.
func (w *Worker) recordCanonical(packet []byte) {
	if mysql.Command(packet) != mysql.ComQuery {
		return
	}
	cache, _ := w.storage.Get(qcStorageKey).(*qcCache)
	if cache == nil {
		cache = newQcCache()
		w.storage.Store(qcStorageKey, cache,
			nil,
			func(v any) int64 { return v.(*qcCache).size() })
	}
	canonical := mysql.Canonicalise(string(mysql.Payload(packet)[1:]))
	cache.sketch.Insert([]byte(canonical))
	cache.inserts++
}

// QcStats snapshots the classifier stats; admin threads fetch it with
// a semaphored call.
func (w *Worker) QcStats() QcStats {
	cache, _ := w.storage.Get(qcStorageKey).(*qcCache)
	if cache == nil {
		return QcStats{}
	}
	return QcStats{
		Inserts:       cache.inserts,
		DistinctForms: cache.sketch.Estimate(),
	}
}
