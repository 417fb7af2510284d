// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package lockorder

import "sync"

// A Mutex is a mutual exclusion lock with a position in the declared
// lock order. The zero value has no rank and panics on first use.
type Mutex struct {
	// Rank is the mutex's position in the lock order. It must be set
	// before first use and never changed afterwards.
	Rank Rank

	mu sync.Mutex
}

// A RWMutex is a reader/writer mutual exclusion lock with a position
// in the declared lock order. The zero value has no rank and panics on
// first use.
type RWMutex struct {
	// Rank is the mutex's position in the lock order. It must be set
	// before first use and never changed afterwards.
	Rank Rank

	mu sync.RWMutex
}

// muHandle is the subset of a ranked mutex used once it is locked.
type muHandle interface {
	lockRank() Rank
	unlock()
}

type exclusive struct{ m *Mutex }

func (h exclusive) lockRank() Rank { return h.m.Rank }
func (h exclusive) unlock()        { h.m.mu.Unlock() }

type writer struct{ m *RWMutex }

func (h writer) lockRank() Rank { return h.m.Rank }
func (h writer) unlock()        { h.m.mu.Unlock() }

type reader struct{ m *RWMutex }

func (h reader) lockRank() Rank { return h.m.Rank }
func (h reader) unlock()        { h.m.mu.RUnlock() }
