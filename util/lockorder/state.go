// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package lockorder

import (
	"fmt"
	"runtime"
)

// State carries the lock state of zero or more mutexes held by a call
// chain. Its zero value is valid and holds nothing.
//
// A State is single-chain: it must only be used by the call chain it
// was handed to, never stored or shared across goroutines.
type State struct {
	s *state
}

// None returns a zero [State], for top-level callers holding no locks.
func None() State {
	return State{}
}

type state struct {
	mu       muHandle // the lock acquired at this node
	parent   *state   // next state up the chain; nil at the top
	unlocked bool     // whether the handle for this node was unlocked
	lockedBy callers  // acquisition stack, for diagnostics
}

type callers [5]uintptr

// LockHandle releases a mutex acquired with [Lock], [RLock], or
// [WLock], and provides the [State] for nested acquisitions.
type LockHandle struct {
	s *state
}

// Lock acquires mu, which must be strictly finer-ranked than every
// mutex held by parent. It panics with an [OrderError] otherwise.
func Lock(parent State, mu *Mutex) LockHandle {
	if mu == nil {
		panic("lockorder: nil mutex")
	}
	checkOrder(parent.s, mu.Rank)
	mu.mu.Lock()
	return finishLock(&state{mu: exclusive{mu}, parent: parent.s})
}

// WLock is like [Lock] for the writer side of a RWMutex.
func WLock(parent State, mu *RWMutex) LockHandle {
	if mu == nil {
		panic("lockorder: nil mutex")
	}
	checkOrder(parent.s, mu.Rank)
	mu.mu.Lock()
	return finishLock(&state{mu: writer{mu}, parent: parent.s})
}

// RLock is like [Lock] for the reader side of a RWMutex. Concurrent
// readers each hold their own handle.
func RLock(parent State, mu *RWMutex) LockHandle {
	if mu == nil {
		panic("lockorder: nil mutex")
	}
	checkOrder(parent.s, mu.Rank)
	mu.mu.RLock()
	return finishLock(&state{mu: reader{mu}, parent: parent.s})
}

func finishLock(n *state) LockHandle {
	runtime.Callers(2, n.lockedBy[:])
	return LockHandle{n}
}

// checkOrder walks the held chain and verifies that acquiring rank is
// declared to come after everything held.
func checkOrder(held *state, rank Rank) {
	if rank.n == nil {
		panic("lockorder: mutex has no rank; set Rank before use")
	}
	for s := held; s != nil; s = s.parent {
		if s.unlocked {
			panic("lockorder: use of State after Unlock")
		}
		if err := rank.checkLockAfter(s.mu.lockRank()); err != nil {
			panic(OrderError{err, s.lockedBy})
		}
	}
}

// State returns the lock state including the mutex held by h, to be
// passed down for nested acquisitions.
func (h LockHandle) State() State {
	if h.s != nil && h.s.unlocked {
		panic("lockorder: use of State after Unlock")
	}
	return State{h.s}
}

// Unlock releases the mutex acquired with the handle. It is a runtime
// error to call Unlock more than once on the same handle, or to unlock
// a parent handle before its child.
func (h LockHandle) Unlock() {
	s := h.s
	switch {
	case s == nil:
		panic("lockorder: Unlock of zero handle")
	case s.unlocked:
		panic("lockorder: already unlocked")
	case s.parent != nil && s.parent.unlocked:
		panic("lockorder: parent already unlocked")
	}
	s.unlocked = true
	s.mu.unlock()
}

// OrderError reports a violation of the declared lock order. It is not
// returned; it is the panic value raised on an ordering or reentrancy
// violation, a programming error.
type OrderError struct {
	error
	heldAt callers // acquisition stack of the conflicting mutex
}

func (e OrderError) Error() string {
	return fmt.Sprintf("%s\n\nconflicting lock held at:\n%s", e.error, e.heldAt)
}

func (c callers) String() string {
	var out string
	frames := runtime.CallersFrames(c[:])
	for {
		frame, more := frames.Next()
		out += fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return out
}
