// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package ipaddr maintains per-device IP address state: which
// addresses a device has, whether each has finished duplicate address
// detection, and the per-address properties (deprecated, temporary)
// that source address selection consults.
//
// All access to a device's address records happens under that device's
// reader/writer lock at [RankDeviceAddrs]; see [Store.WithAddrIDs] for
// the accessor discipline.
package ipaddr

import (
	"errors"
	"iter"
	"net/netip"
	"sync/atomic"

	"go4.org/netipx"
	"ipcore.dev/types/logger"
	"ipcore.dev/util/lockorder"
	"ipcore.dev/util/mak"
)

// Lock ranks for the address subsystem. The device table lock is
// coarser than any single device's address lock.
var (
	// RankDevices guards the device table of a [Store].
	RankDevices = lockorder.NewRank("ipaddr.devices")
	// RankDeviceAddrs guards one device's address records.
	RankDeviceAddrs = lockorder.NewRank("ipaddr.deviceAddrs").After(RankDevices)
)

var (
	// ErrUnknownDevice is returned when a DeviceID does not name a
	// live device. A device removed concurrently is not an error for
	// read paths, which report absence instead.
	ErrUnknownDevice = errors.New("ipaddr: unknown device")
	// ErrDuplicateAddress is returned by AddAddr when the address is
	// already present on the device.
	ErrDuplicateAddress = errors.New("ipaddr: address already on device")
	// ErrUnknownAddr is returned when an AddrID does not name a live
	// address on the given device.
	ErrUnknownAddr = errors.New("ipaddr: unknown address")
)

// Version selects an IP family. Source address selection policy
// branches on it.
type Version uint8

const (
	V4 Version = 4
	V6 Version = 6
)

func (v Version) String() string {
	switch v {
	case V4:
		return "v4"
	case V6:
		return "v6"
	}
	return "invalid"
}

// VersionOf returns the Version of a (which must be valid).
func VersionOf(a netip.Addr) Version {
	if a.Is4() || a.Is4In6() {
		return V4
	}
	return V6
}

// DeviceID identifies one device within a [Store]. It is a non-owning
// handle: it stays comparable and hashable after the device is
// removed, at which point lookups through it report absence.
// The zero DeviceID is valid and names no device.
type DeviceID struct {
	v uint64
}

// IsZero reports whether d is the zero DeviceID.
func (d DeviceID) IsZero() bool { return d.v == 0 }

// AddrID is an opaque handle to one address record on a device.
// It is comparable and usable as a map key. Callers hold it weakly:
// once the address or its device is removed, accessors using the id
// report absence.
//
// The zero AddrID is valid and names no address.
type AddrID struct {
	r *addrRecord
}

// IsZero reports whether id is the zero AddrID.
func (id AddrID) IsZero() bool { return id.r == nil }

// Addr returns the address the id was created for, or the zero Addr
// for a zero id. It is fixed at AddAddr time and readable without the
// device lock.
func (id AddrID) Addr() netip.Addr {
	if id.r == nil {
		return netip.Addr{}
	}
	return id.r.prefix.Addr()
}

// Prefix returns the address and its subnet prefix.
func (id AddrID) Prefix() netip.Prefix {
	if id.r == nil {
		return netip.Prefix{}
	}
	return id.r.prefix
}

// Device returns the id of the device the address was added to.
func (id AddrID) Device() DeviceID {
	if id.r == nil {
		return DeviceID{}
	}
	return id.r.dev
}

// AddrProps are the selection-relevant properties of an assigned
// address, mirroring its governing interface configuration.
type AddrProps struct {
	// Deprecated is whether the address's preferred lifetime has
	// expired. Deprecated addresses remain usable but are disfavored
	// by selection.
	Deprecated bool
	// Temporary is whether the address is a temporary (privacy)
	// address rather than a stable one.
	Temporary bool
}

// AddrData is a snapshot of one address's mutable state.
//
// A nil Props means the address's governing configuration is being
// torn down. Selection must then assume Deprecated=true,
// Temporary=false, so a vanishing address is only picked as a last
// resort.
type AddrData struct {
	// Assigned is whether duplicate address detection, if any,
	// completed. Addresses still tentative are never selection
	// candidates.
	Assigned bool
	Props    *AddrProps
}

// addrRecord is one address on one device. prefix and dev are fixed at
// creation; data is guarded by the owning device's lock.
type addrRecord struct {
	prefix netip.Prefix
	dev    DeviceID
	data   AddrData
}

// deviceAddrs is the per-device record store. recs preserves insertion
// order; selection and enumeration follow it.
type deviceAddrs struct {
	mu   lockorder.RWMutex // RankDeviceAddrs
	dead bool              // device removed; set under mu, sticky
	recs []*addrRecord
}

// Store owns the address records of all devices.
type Store struct {
	logf logger.Logf

	nextDev atomic.Uint64

	mu      lockorder.Mutex // RankDevices; guards devices
	devices map[DeviceID]*deviceAddrs
}

// NewStore returns an empty Store logging to logf.
func NewStore(logf logger.Logf) *Store {
	if logf == nil {
		logf = logger.Discard
	}
	return &Store{
		logf: logf,
		mu:   lockorder.Mutex{Rank: RankDevices},
	}
}

// AddDevice registers a new device and returns its id.
func (s *Store) AddDevice(st lockorder.State) DeviceID {
	dev := DeviceID{s.nextDev.Add(1)}
	d := &deviceAddrs{mu: lockorder.RWMutex{Rank: RankDeviceAddrs}}

	lock := lockorder.Lock(st, &s.mu)
	defer lock.Unlock()
	mak.Set(&s.devices, dev, d)
	return dev
}

// RemoveDevice removes dev and invalidates all of its address ids.
// Outstanding AddrIDs stay safe to hold; accessors using them report
// absence from now on.
func (s *Store) RemoveDevice(st lockorder.State, dev DeviceID) error {
	d, ok := s.lookup(st, dev)
	if !ok {
		return ErrUnknownDevice
	}

	lock := lockorder.WLock(st, &d.mu)
	d.dead = true
	d.recs = nil
	lock.Unlock()

	tl := lockorder.Lock(st, &s.mu)
	delete(s.devices, dev)
	tl.Unlock()

	s.logf("ipaddr: removed device %v", dev.v)
	return nil
}

// lookup fetches the per-device store. The table lock is released
// before the caller takes the device lock, so the two ranks never
// nest on this path; a concurrent RemoveDevice is caught by the dead
// flag under the device lock.
func (s *Store) lookup(st lockorder.State, dev DeviceID) (*deviceAddrs, bool) {
	lock := lockorder.Lock(st, &s.mu)
	defer lock.Unlock()
	d, ok := s.devices[dev]
	return d, ok
}

// AddAddr adds prefix to dev in the tentative (not assigned) state and
// returns its id. Insertion order is preserved for enumeration and
// selection.
func (s *Store) AddAddr(st lockorder.State, dev DeviceID, prefix netip.Prefix) (AddrID, error) {
	if !prefix.IsValid() {
		return AddrID{}, errors.New("ipaddr: invalid prefix")
	}
	d, ok := s.lookup(st, dev)
	if !ok {
		return AddrID{}, ErrUnknownDevice
	}

	lock := lockorder.WLock(st, &d.mu)
	defer lock.Unlock()
	if d.dead {
		return AddrID{}, ErrUnknownDevice
	}
	for _, r := range d.recs {
		if r.prefix.Addr() == prefix.Addr() {
			return AddrID{}, ErrDuplicateAddress
		}
	}
	r := &addrRecord{prefix: prefix, dev: dev}
	d.recs = append(d.recs, r)
	s.logf("ipaddr: dev %v: added %v (tentative)", dev.v, prefix)
	return AddrID{r}, nil
}

// RemoveAddr removes the address named by id from dev.
func (s *Store) RemoveAddr(st lockorder.State, dev DeviceID, id AddrID) error {
	d, ok := s.lookup(st, dev)
	if !ok {
		return ErrUnknownDevice
	}

	lock := lockorder.WLock(st, &d.mu)
	defer lock.Unlock()
	for i, r := range d.recs {
		if r == id.r {
			d.recs = append(d.recs[:i], d.recs[i+1:]...)
			s.logf("ipaddr: dev %v: removed %v", dev.v, r.prefix)
			return nil
		}
	}
	return ErrUnknownAddr
}

// SetAssigned records the result of duplicate address detection for
// the address named by id.
func (s *Store) SetAssigned(st lockorder.State, dev DeviceID, id AddrID, assigned bool) error {
	return s.mutateAddr(st, dev, id, func(data *AddrData) {
		data.Assigned = assigned
	})
}

// SetProps replaces the address's properties.
func (s *Store) SetProps(st lockorder.State, dev DeviceID, id AddrID, props AddrProps) error {
	return s.mutateAddr(st, dev, id, func(data *AddrData) {
		data.Props = &props
	})
}

// ClearProps drops the address's properties, marking its governing
// configuration as being torn down. Selection treats such an address
// as deprecated and non-temporary.
func (s *Store) ClearProps(st lockorder.State, dev DeviceID, id AddrID) error {
	return s.mutateAddr(st, dev, id, func(data *AddrData) {
		data.Props = nil
	})
}

func (s *Store) mutateAddr(st lockorder.State, dev DeviceID, id AddrID, f func(*AddrData)) error {
	d, ok := s.lookup(st, dev)
	if !ok {
		return ErrUnknownDevice
	}

	lock := lockorder.WLock(st, &d.mu)
	defer lock.Unlock()
	for _, r := range d.recs {
		if r == id.r {
			f(&r.data)
			return nil
		}
	}
	return ErrUnknownAddr
}

// AddrsView is the in-critical-section accessor passed to a
// [Store.WithAddrIDs] callback. It is the only legal way to perform
// nested address queries from within the callback: it reflects the
// already-held device lock, so it neither re-acquires nor violates the
// lock order. It must not escape the callback.
type AddrsView struct {
	d  *deviceAddrs
	st lockorder.State
}

// State returns the lock state held inside the critical section, for
// acquiring finer-ranked locks while enumerating.
func (v *AddrsView) State() lockorder.State { return v.st }

// AddrData calls f with the data of the address named by id, under the
// lock already held by the enumeration. It reports whether id names a
// live address on the device.
func (v *AddrsView) AddrData(id AddrID, f func(AddrData)) bool {
	for _, r := range v.d.recs {
		if r == id.r {
			f(r.data)
			return true
		}
	}
	return false
}

// WithAddrIDs calls f with an iterator over dev's address ids, in
// insertion order, under the device's read lock. The ids stay valid
// for nested queries via the view for the duration of the call.
//
// f must not call back into Store accessors for the same device; the
// view is the only legal nested accessor. (Doing so panics in
// lockorder, since RankDeviceAddrs is not reentrant.)
//
// It reports whether dev named a live device.
func (s *Store) WithAddrIDs(st lockorder.State, dev DeviceID, f func(ids iter.Seq[AddrID], v *AddrsView)) bool {
	d, ok := s.lookup(st, dev)
	if !ok {
		return false
	}

	lock := lockorder.RLock(st, &d.mu)
	defer lock.Unlock()
	if d.dead {
		return false
	}
	ids := func(yield func(AddrID) bool) {
		for _, r := range d.recs {
			if !yield(AddrID{r}) {
				return
			}
		}
	}
	f(ids, &AddrsView{d: d, st: lock.State()})
	return true
}

// WithAddrData calls f with the data of the address named by id,
// acquiring the device's read lock itself. For queries from within a
// WithAddrIDs callback, use [AddrsView.AddrData] instead.
//
// It reports whether dev and id named a live device and address.
func (s *Store) WithAddrData(st lockorder.State, dev DeviceID, id AddrID, f func(AddrData)) bool {
	d, ok := s.lookup(st, dev)
	if !ok {
		return false
	}

	lock := lockorder.RLock(st, &d.mu)
	defer lock.Unlock()
	if d.dead {
		return false
	}
	return (&AddrsView{d: d, st: lock.State()}).AddrData(id, f)
}

// AssignedSet returns the set of dev's assigned (non-tentative)
// address prefixes, for callers that classify traffic against local
// addresses.
func (s *Store) AssignedSet(st lockorder.State, dev DeviceID) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	ok := s.WithAddrIDs(st, dev, func(ids iter.Seq[AddrID], v *AddrsView) {
		for id := range ids {
			v.AddrData(id, func(data AddrData) {
				if data.Assigned {
					b.AddPrefix(id.Prefix())
				}
			})
		}
	})
	if !ok {
		return nil, ErrUnknownDevice
	}
	return b.IPSet()
}
