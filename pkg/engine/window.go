/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"sync"

	"github.com/makerspace/bitnet-agent/pkg/models"
)

// ContextWindow holds the last N exchanged messages, inbound and
// outbound, in insertion order. The oldest entry is evicted on overflow.
type ContextWindow struct {
	mu      sync.Mutex
	max     int
	entries []models.Message
}

// NewContextWindow creates a window bounded to max entries.
func NewContextWindow(max int) *ContextWindow {
	return &ContextWindow{max: max}
}

// Append records a message, evicting the oldest entry when full.
func (w *ContextWindow) Append(msg models.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) >= w.max {
		w.entries = w.entries[1:]
	}

	w.entries = append(w.entries, msg)
}

// Recent returns up to n most recent entries, oldest first.
func (w *ContextWindow) Recent(n int) []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > len(w.entries) {
		n = len(w.entries)
	}

	out := make([]models.Message, n)
	copy(out, w.entries[len(w.entries)-n:])

	return out
}

// Len returns the number of entries currently held.
func (w *ContextWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.entries)
}
