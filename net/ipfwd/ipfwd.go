// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package ipfwd is the thin forwarding-side consumer of source address
// selection: a destination-prefix table that picks the egress device
// for an address, then asks the selector for the source address to
// originate with.
//
// It is not a routing table: no metrics, no multiple tables, no policy
// rules. Those belong to a real forwarding plane; this package only
// provides the device-and-source answer the packet origination path
// needs.
package ipfwd

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
	"ipcore.dev/net/ipaddr"
	"ipcore.dev/types/logger"
	"ipcore.dev/util/lockorder"
)

// Table maps destination prefixes to egress devices.
type Table struct {
	sel  *ipaddr.Selector
	logf logger.Logf

	// mu guards routes. It is deliberately not part of the lock
	// order: it is never held across a call into the address store
	// (Route copies the result out before SourceFor consults the
	// selector).
	mu     sync.RWMutex
	routes bart.Table[ipaddr.DeviceID]
}

// New returns an empty Table that consults sel for source addresses.
func New(sel *ipaddr.Selector, logf logger.Logf) *Table {
	if logf == nil {
		logf = logger.Discard
	}
	return &Table{sel: sel, logf: logf}
}

// Insert routes traffic for pfx out dev.
func (t *Table) Insert(pfx netip.Prefix, dev ipaddr.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.Insert(pfx, dev)
	t.logf("ipfwd: route %v via dev %v", pfx, dev)
}

// Delete removes the route for pfx, if any.
func (t *Table) Delete(pfx netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.Delete(pfx)
}

// Route returns the egress device for dst by longest prefix match.
func (t *Table) Route(dst netip.Addr) (ipaddr.DeviceID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes.Lookup(dst)
}

// SourceFor picks the egress device for dst and the local address to
// source traffic to dst with. ok is false when there is no route or
// the chosen device has no viable source address; the caller treats
// both as "cannot originate traffic to dst right now".
func (t *Table) SourceFor(st lockorder.State, dst netip.Addr) (dev ipaddr.DeviceID, src netip.Addr, ok bool) {
	dev, ok = t.Route(dst)
	if !ok {
		return ipaddr.DeviceID{}, netip.Addr{}, false
	}
	src, ok = t.sel.LocalAddrForRemote(st, ipaddr.VersionOf(dst), dev, dst)
	if !ok {
		return ipaddr.DeviceID{}, netip.Addr{}, false
	}
	return dev, src, true
}
