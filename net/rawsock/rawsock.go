// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rawsock owns the registry of raw IP sockets for one IP
// family: the socket map, each socket's locked state, and the per
// socket and aggregate counters.
//
// Lock discipline: the whole-map lock ([RankAllSockets]) is coarser
// than any individual socket's state lock ([RankSocketState]). A
// socket's state can also be locked directly, with no map lock held,
// when the caller already has its id; the id is proof of validity for
// the duration of that call, and a socket closed concurrently reports
// [ErrSocketNotFound] rather than failing hard. Counters sit outside
// the lock hierarchy entirely (see [Counters]).
package rawsock

import (
	"bytes"
	"errors"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"ipcore.dev/net/ipaddr"
	"ipcore.dev/types/logger"
	"ipcore.dev/util/lockorder"
	"ipcore.dev/util/mak"
)

// Lock ranks for the raw socket subsystem.
var (
	// RankAllSockets guards a Registry's socket map.
	RankAllSockets = lockorder.NewRank("rawsock.allSockets")
	// RankSocketState guards one socket's LockedState. It may be
	// taken under the map lock (delivery enumerates, then locks each
	// matching socket) or on its own.
	RankSocketState = lockorder.NewRank("rawsock.socketState").After(RankAllSockets)
)

// ErrSocketNotFound is returned when a SocketID names a socket that is
// no longer in the map. Callers must treat it as the socket having
// been concurrently closed: skip the socket, don't fail the operation.
var ErrSocketNotFound = errors.New("rawsock: socket not found")

// maxQueuedPackets bounds a socket's receive queue. Deliveries beyond
// it are dropped and counted in QueueFullDrops.
const maxQueuedPackets = 64

// SocketID is the unique identity of one raw socket. It is comparable
// and usable as a map key. The zero SocketID names no socket.
type SocketID struct {
	s *Socket
}

// IsZero reports whether id is the zero SocketID.
func (id SocketID) IsZero() bool { return id.s == nil }

// Version returns the IP family of the socket's registry.
func (id SocketID) Version() ipaddr.Version { return id.s.version }

// Socket is one raw socket's entry in the map. Its mutable state is
// reachable only through the Registry accessors.
type Socket struct {
	version ipaddr.Version
	proto   tcpip.TransportProtocolNumber // as opened; immutable, readable without the state lock
	closed  atomic.Bool                   // set on removal from the map; stops counter attribution

	mu    lockorder.RWMutex // RankSocketState
	state LockedState

	counters Counters
}

// LockedState is the lock-guarded state of one raw socket.
type LockedState struct {
	// Protocol is the transport protocol the socket receives.
	Protocol tcpip.TransportProtocolNumber
	// BoundDevice restricts delivery to one device when nonzero.
	BoundDevice ipaddr.DeviceID
	// ChecksumEnabled is whether the stack validates transport
	// checksums before delivering to this socket.
	ChecksumEnabled bool
	// ICMPv6Filter, when non-nil, suppresses delivery of selected
	// ICMPv6 message types.
	ICMPv6Filter *ICMPv6Filter

	queue [][]byte
}

// DequeueReceived pops the oldest delivered packet, if any.
func (ls *LockedState) DequeueReceived() ([]byte, bool) {
	if len(ls.queue) == 0 {
		return nil, false
	}
	pkt := ls.queue[0]
	ls.queue = ls.queue[1:]
	return pkt, true
}

// QueuedPackets returns the number of delivered packets waiting to be
// read.
func (ls *LockedState) QueuedPackets() int { return len(ls.queue) }

// Map is the socket map of one Registry: every open raw socket of the
// registry's family, keyed by identity.
type Map map[SocketID]*Socket

// Registry owns all raw sockets of one IP family.
type Registry struct {
	version ipaddr.Version
	logf    logger.Logf

	mu    lockorder.RWMutex // RankAllSockets; guards socks
	socks Map

	counters Counters // aggregate, all sockets of this family
}

// NewRegistry returns an empty raw socket registry for the given
// family.
func NewRegistry(version ipaddr.Version, logf logger.Logf) *Registry {
	if logf == nil {
		logf = logger.Discard
	}
	return &Registry{
		version: version,
		logf:    logf,
		mu:      lockorder.RWMutex{Rank: RankAllSockets},
	}
}

// Version returns the registry's IP family.
func (r *Registry) Version() ipaddr.Version { return r.version }

// Open creates a raw socket receiving proto and adds it to the map.
func (r *Registry) Open(st lockorder.State, proto tcpip.TransportProtocolNumber) SocketID {
	s := &Socket{
		version: r.version,
		proto:   proto,
		mu:      lockorder.RWMutex{Rank: RankSocketState},
		state:   LockedState{Protocol: proto},
	}
	id := SocketID{s}

	lock := lockorder.WLock(st, &r.mu)
	defer lock.Unlock()
	mak.Set(&r.socks, id, s)
	r.logf("rawsock: %v: opened socket proto=%d", r.version, proto)
	return id
}

// Close removes the socket from the map and stops counter attribution.
// Closing an already-closed socket returns ErrSocketNotFound.
func (r *Registry) Close(st lockorder.State, id SocketID) error {
	lock := lockorder.WLock(st, &r.mu)
	defer lock.Unlock()
	s, ok := r.socks[id]
	if !ok {
		return ErrSocketNotFound
	}
	delete(r.socks, id)
	s.closed.Store(true)
	// s.state is off limits here: it is guarded by the socket's own
	// lock, which Close does not hold.
	r.logf("rawsock: %v: closed socket proto=%d", r.version, s.proto)
	return nil
}

// WithMapMut calls f with exclusive access to the socket map, for
// operations that mutate the set of sockets. Sockets f removes from the
// map stop counter attribution, the same as [Registry.Close].
func (r *Registry) WithMapMut(st lockorder.State, f func(Map)) {
	lock := lockorder.WLock(st, &r.mu)
	defer lock.Unlock()
	mak.NonNilMap(&r.socks)
	before := make([]SocketID, 0, len(r.socks))
	for id := range r.socks {
		before = append(before, id)
	}
	f(r.socks)
	for _, id := range before {
		if _, ok := r.socks[id]; !ok {
			id.s.closed.Store(true)
		}
	}
}

// WithMapAndStateCtx calls f with the socket map under the map read
// lock, plus the lock state to use for acquiring individual sockets'
// state locks while enumerating. Used by operations that visit many
// sockets, such as inbound delivery.
func (r *Registry) WithMapAndStateCtx(st lockorder.State, f func(Map, lockorder.State)) {
	lock := lockorder.RLock(st, &r.mu)
	defer lock.Unlock()
	f(r.socks, lock.State())
}

// WithLockedState calls f with read access to the socket's state,
// locking only the socket itself. It returns ErrSocketNotFound if the
// socket was concurrently closed.
func (r *Registry) WithLockedState(st lockorder.State, id SocketID, f func(*LockedState)) error {
	if id.s == nil {
		return ErrSocketNotFound
	}
	lock := lockorder.RLock(st, &id.s.mu)
	defer lock.Unlock()
	if id.s.closed.Load() {
		return ErrSocketNotFound
	}
	f(&id.s.state)
	return nil
}

// WithLockedStateMut is like WithLockedState with write access.
func (r *Registry) WithLockedStateMut(st lockorder.State, id SocketID, f func(*LockedState)) error {
	if id.s == nil {
		return ErrSocketNotFound
	}
	lock := lockorder.WLock(st, &id.s.mu)
	defer lock.Unlock()
	if id.s.closed.Load() {
		return ErrSocketNotFound
	}
	f(&id.s.state)
	return nil
}

// WithLockedStateAndHandler calls f with the socket's state and a
// [Handler] for per-socket operations that must happen atomically with
// the state inspection, without re-acquiring the socket lock. The
// handler is only valid during f.
func (r *Registry) WithLockedStateAndHandler(st lockorder.State, id SocketID, f func(*LockedState, *Handler)) error {
	if id.s == nil {
		return ErrSocketNotFound
	}
	lock := lockorder.WLock(st, &id.s.mu)
	defer lock.Unlock()
	if id.s.closed.Load() {
		return ErrSocketNotFound
	}
	f(&id.s.state, &Handler{r: r, s: id.s})
	return nil
}

// SocketCounters returns the counters attributed to one socket, or nil
// if the socket is closed. Counters are read and written with no lock
// held; see [Counters].
func (r *Registry) SocketCounters(id SocketID) *Counters {
	if id.s == nil || id.s.closed.Load() {
		return nil
	}
	return &id.s.counters
}

// Counters returns the aggregate counters for all sockets of the
// registry's family.
func (r *Registry) Counters() *Counters {
	return &r.counters
}

// Handler performs per-socket operations on behalf of a
// WithLockedStateAndHandler callback, under the socket lock it already
// holds.
type Handler struct {
	r *Registry
	s *Socket
}

// EnqueueReceived appends a copy of pkt to the socket's receive queue
// and attributes it, dropping (and counting the drop) if the queue is
// full. It reports whether the packet was queued. The copy means the
// caller may reuse its buffer, and queues never alias across sockets.
func (h *Handler) EnqueueReceived(pkt []byte) bool {
	if len(h.s.state.queue) >= maxQueuedPackets {
		h.s.counters.QueueFullDrops.Increment()
		h.r.counters.QueueFullDrops.Increment()
		return false
	}
	h.s.state.queue = append(h.s.state.queue, bytes.Clone(pkt))
	h.s.counters.PacketsReceived.Increment()
	h.r.counters.PacketsReceived.Increment()
	return true
}
