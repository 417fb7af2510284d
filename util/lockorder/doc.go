// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package lockorder provides [Mutex] and [RWMutex] types whose
// acquisition order is validated at runtime against a declared partial
// order of [Rank] values.
//
// Every mutex carries a Rank. The lock state of zero or more mutexes
// held by a call chain is carried by a [State]; [None] is the root
// state holding nothing. Acquiring a mutex is only legal if its rank
// was declared (via [Rank.After]) to come after every rank already held
// along the chain. A violation panics with an [OrderError] carrying the
// call stack of the conflicting earlier acquisition.
//
// The partial order is a DAG, not a total order: two ranks with no
// declared relationship may never be held simultaneously, in either
// order.
//
// Example:
//
//	var (
//		rankMap   = lockorder.NewRank("sockets.map")
//		rankState = lockorder.NewRank("sockets.state").After(rankMap)
//	)
//
//	type sockets struct {
//		mu  lockorder.RWMutex // Rank is rankMap, set at construction
//		...
//	}
//
//	func (s *sockets) enumerate(st lockorder.State, f func(lockorder.State)) {
//		lock := lockorder.RLock(st, &s.mu)
//		defer lock.Unlock()
//		f(lock.State())
//	}
//
// All checks are runtime checks: this is the runtime-assertion
// rendition of a statically ordered lock hierarchy, traded for Go's
// lack of type-level lock tokens. It additionally ensures that:
//   - a handle is only unlocked once,
//   - a parent handle is not unlocked before its child, and
//   - a State is not used after its handle was unlocked.
package lockorder
