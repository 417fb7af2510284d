// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package lockorder

import (
	"strings"
	"sync"
	"testing"
)

func wantPanic(t *testing.T, substr string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		e := recover()
		if e == nil {
			t.Fatalf("wanted panic containing %q, got none", substr)
		}
		var msg string
		switch e := e.(type) {
		case error:
			msg = e.Error()
		case string:
			msg = e
		default:
			t.Fatalf("unexpected panic value %T: %v", e, e)
		}
		if !strings.Contains(msg, substr) {
			t.Fatalf("panic %q does not contain %q", msg, substr)
		}
	}()
	f()
}

func TestLockUnlock(t *testing.T) {
	r := NewRank("test.single")
	mu := Mutex{Rank: r}
	lock := Lock(None(), &mu)
	lock.Unlock()
	// Lockable again after unlock.
	lock = Lock(None(), &mu)
	lock.Unlock()
}

func TestNestedDeclaredOrder(t *testing.T) {
	outer := NewRank("test.outer")
	inner := NewRank("test.inner").After(outer)

	muOuter := RWMutex{Rank: outer}
	muInner := Mutex{Rank: inner}

	ol := RLock(None(), &muOuter)
	il := Lock(ol.State(), &muInner)
	il.Unlock()
	ol.Unlock()
}

func TestTransitiveOrder(t *testing.T) {
	a := NewRank("test.a")
	b := NewRank("test.b").After(a)
	c := NewRank("test.c").After(b)

	muA := Mutex{Rank: a}
	muC := Mutex{Rank: c}

	// c was never directly declared after a, only via b.
	la := Lock(None(), &muA)
	lc := Lock(la.State(), &muC)
	lc.Unlock()
	la.Unlock()
}

func TestReversedOrderPanics(t *testing.T) {
	outer := NewRank("test.rev-outer")
	inner := NewRank("test.rev-inner").After(outer)

	muOuter := Mutex{Rank: outer}
	muInner := Mutex{Rank: inner}

	il := Lock(None(), &muInner)
	defer il.Unlock()
	wantPanic(t, `cannot acquire rank "test.rev-outer"`, func() {
		Lock(il.State(), &muOuter)
	})
}

func TestUnrelatedRanksPanic(t *testing.T) {
	a := NewRank("test.unrel-a")
	b := NewRank("test.unrel-b")

	muA := Mutex{Rank: a}
	muB := Mutex{Rank: b}

	la := Lock(None(), &muA)
	defer la.Unlock()
	wantPanic(t, `cannot acquire rank "test.unrel-b"`, func() {
		Lock(la.State(), &muB)
	})
}

func TestReentrancyPanics(t *testing.T) {
	r := NewRank("test.reentrant")
	mu := RWMutex{Rank: r}

	rl := RLock(None(), &mu)
	defer rl.Unlock()
	wantPanic(t, "already held", func() {
		RLock(rl.State(), &mu)
	})
}

func TestDoubleUnlockPanics(t *testing.T) {
	r := NewRank("test.double")
	mu := Mutex{Rank: r}
	lock := Lock(None(), &mu)
	lock.Unlock()
	wantPanic(t, "already unlocked", func() {
		lock.Unlock()
	})
}

func TestParentUnlockedBeforeChildPanics(t *testing.T) {
	outer := NewRank("test.puo")
	inner := NewRank("test.pui").After(outer)

	muOuter := Mutex{Rank: outer}
	muInner := Mutex{Rank: inner}

	ol := Lock(None(), &muOuter)
	il := Lock(ol.State(), &muInner)
	ol.Unlock()
	wantPanic(t, "parent already unlocked", func() {
		il.Unlock()
	})
	muInner.mu.Unlock() // leave the test with a consistent mutex
}

func TestUseStateAfterUnlockPanics(t *testing.T) {
	outer := NewRank("test.uao")
	inner := NewRank("test.uai").After(outer)

	muOuter := Mutex{Rank: outer}
	muInner := Mutex{Rank: inner}

	ol := Lock(None(), &muOuter)
	st := ol.State()
	ol.Unlock()
	wantPanic(t, "use of State after Unlock", func() {
		Lock(st, &muInner)
	})
}

func TestZeroRankMutexPanics(t *testing.T) {
	var mu Mutex
	wantPanic(t, "no rank", func() {
		Lock(None(), &mu)
	})
}

func TestConcurrentReaders(t *testing.T) {
	r := NewRank("test.readers")
	mu := RWMutex{Rank: r}

	var arrived sync.WaitGroup
	arrived.Add(4)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := RLock(None(), &mu)
			defer lock.Unlock()
			arrived.Done()
			arrived.Wait() // all four readers must hold the read lock at once
		}()
	}
	wg.Wait()
}

func TestOrderErrorMentionsHolder(t *testing.T) {
	outer := NewRank("test.diag-outer")
	inner := NewRank("test.diag-inner").After(outer)

	muOuter := Mutex{Rank: outer}
	muInner := Mutex{Rank: inner}

	il := Lock(None(), &muInner)
	defer il.Unlock()
	defer func() {
		e := recover()
		oe, ok := e.(OrderError)
		if !ok {
			t.Fatalf("panic value is %T, want OrderError", e)
		}
		if !strings.Contains(oe.Error(), "conflicting lock held at:") {
			t.Errorf("OrderError lacks holder stack:\n%s", oe.Error())
		}
	}()
	Lock(il.State(), &muOuter)
}
