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
	"hash/crc32"
	"strings"

	"github.com/moxyio/moxy/pkg/mysql"
)

// HistoryEntry is one session-altering statement.
type HistoryEntry struct {
	// ID orders entries for the session lifetime.
	ID uint64
	// Packet is the whole request packet, replayed verbatim.
	Packet []byte
	// Checksum of the original reply, compared on replay.
	Checksum uint32
}

// CommandHistory is the bounded vector of statements that altered
// session state (USE, SET, statement preparation). On backend
// reconnect the router replays it before resuming normal routing.
type CommandHistory struct {
	entries []HistoryEntry
	nextID  uint64
	maxLen  int
	pruned  bool
}

// NewCommandHistory creates a history; maxLen 0 keeps it unbounded.
func NewCommandHistory(maxLen int) *CommandHistory {
	return &CommandHistory{maxLen: maxLen}
}

// ShouldRecord reports whether the request alters session state and
// belongs in the history.
func ShouldRecord(packet []byte) bool {
	switch mysql.Command(packet) {
	case mysql.ComInitDB, mysql.ComStmtPrepare, mysql.ComChangeUser,
		mysql.ComSetOption, mysql.ComResetConnection:
		return true
	case mysql.ComQuery:
		sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
		upper := strings.ToUpper(sql)
		return strings.HasPrefix(upper, "SET ") ||
			strings.HasPrefix(upper, "USE ") ||
			strings.HasPrefix(upper, "PREPARE ")
	}
	return false
}

// Add appends one entry, pruning the oldest when the bound is hit.
// A pruned history can only resurrect connections when the
// configuration allows truncated-history recovery.
func (h *CommandHistory) Add(packet []byte, replyChecksum uint32) {
	h.nextID++
	own := make([]byte, len(packet))
	copy(own, packet)
	h.entries = append(h.entries, HistoryEntry{
		ID:       h.nextID,
		Packet:   own,
		Checksum: replyChecksum,
	})
	if h.maxLen > 0 && len(h.entries) > h.maxLen {
		h.entries = h.entries[1:]
		h.pruned = true
	}
}

// Entries returns the recorded statements in order.
func (h *CommandHistory) Entries() []HistoryEntry {
	return h.entries
}

// Len returns the number of recorded statements.
func (h *CommandHistory) Len() int {
	return len(h.entries)
}

// Pruned reports whether the history lost its oldest entries.
func (h *CommandHistory) Pruned() bool {
	return h.pruned
}

// Size returns the owned bytes for memory accounting.
func (h *CommandHistory) Size() int64 {
	var total int64
	for _, e := range h.entries {
		total += int64(len(e.Packet)) + 16
	}
	return total
}

// ReplyChecksum digests a reply for later replay comparison.
func ReplyChecksum(packets [][]byte) uint32 {
	crc := crc32.NewIEEE()
	for _, p := range packets {
		_, _ = crc.Write(mysql.Payload(p))
	}
	return crc.Sum32()
}
