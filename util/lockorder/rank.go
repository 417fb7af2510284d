// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package lockorder

import "fmt"

// A Rank is a named position in the declared lock order. Ranks are
// created with [NewRank], typically as package-level variables, and
// ordered with [Rank.After]. The zero Rank is invalid.
type Rank struct {
	n *rankNode
}

type rankNode struct {
	name string
	// after is the set of ranks this rank may be acquired after,
	// including transitively declared ones. It is written only during
	// rank declaration (package init) and read-only afterwards.
	after map[*rankNode]bool
}

// NewRank returns a new rank with the given name, related to no other
// rank. The name is used only in diagnostics.
func NewRank(name string) Rank {
	return Rank{&rankNode{name: name, after: make(map[*rankNode]bool)}}
}

// After declares that r may be acquired while coarser (and anything
// coarser was declared to follow) is held, and returns r for chaining.
//
// After must only be called during rank declaration, before any mutex
// with rank r is used; the order table is not synchronized.
func (r Rank) After(coarser ...Rank) Rank {
	for _, c := range coarser {
		if c.n == nil {
			panic("lockorder: After with zero Rank")
		}
		r.n.after[c.n] = true
		for a := range c.n.after {
			r.n.after[a] = true
		}
	}
	return r
}

// Name returns the rank's name.
func (r Rank) Name() string {
	if r.n == nil {
		return "<zero>"
	}
	return r.n.name
}

// checkLockAfter reports whether a mutex of rank r may be acquired
// while a mutex of rank held is already held.
func (r Rank) checkLockAfter(held Rank) error {
	if r.n == held.n {
		return fmt.Errorf("lockorder: rank %q is already held (not reentrant)", r.Name())
	}
	if !r.n.after[held.n] {
		return fmt.Errorf("lockorder: cannot acquire rank %q while holding %q", r.Name(), held.Name())
	}
	return nil
}
