// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package ipaddr

import (
	"iter"
	"net/netip"

	"ipcore.dev/envknob"
	"ipcore.dev/types/logger"
	"ipcore.dev/util/lockorder"
)

// Policy tunes IPv6 source address selection.
type Policy struct {
	// PreferTemporary is whether temporary (privacy) addresses are
	// preferred over stable ones, as in RFC 6724 rule 7 with the
	// privacy flag set.
	PreferTemporary bool
}

// DefaultPolicy returns the selection policy from the environment
// knobs.
func DefaultPolicy() Policy {
	return Policy{PreferTemporary: envknob.PreferTemporaryAddrs()}
}

// Selector picks the best local source address on a device for a
// remote destination.
//
// IPv4 selection is intentionally simple: the first assigned address
// in store order wins, always, with no preference for prefix match or
// scope. IPv6 selection ranks candidates RFC 6724 style. Both observe
// a consistent snapshot of the device's address state: candidates are
// gathered in one critical section.
type Selector struct {
	store  *Store
	policy Policy
	logf   logger.Logf
	debug  bool
}

// NewSelector returns a Selector over store.
func NewSelector(store *Store, policy Policy, logf logger.Logf) *Selector {
	if logf == nil {
		logf = logger.Discard
	}
	return &Selector{
		store:  store,
		policy: policy,
		logf:   logf,
		debug:  envknob.DebugSAS(),
	}
}

// LocalAddrIDForRemote returns the id of the best local address of
// family v on dev for traffic to remote.
//
// remote may be the zero Addr, meaning no remote is known yet; the
// IPv6 policy then skips its scope and prefix rules and returns the
// highest-ranked assigned, non-deprecated candidate.
//
// ok is false when no viable candidate exists. That is not an error:
// it means no source address is available right now, and the caller
// decides how to surface it.
func (sel *Selector) LocalAddrIDForRemote(st lockorder.State, v Version, dev DeviceID, remote netip.Addr) (id AddrID, ok bool) {
	if remote.IsValid() && VersionOf(remote) != v {
		sel.logf("[unexpected] sas: remote %v does not match family %v", remote, v)
		return AddrID{}, false
	}

	switch v {
	case V4:
		id, ok = sel.pickV4(st, dev)
	case V6:
		cands := sel.snapshotV6(st, dev)
		id, ok = pickV6(cands, remote, sel.policy)
	default:
		return AddrID{}, false
	}
	if sel.debug {
		sel.logf("sas: dev %v %v remote %v => %v (ok=%v)", dev.v, v, remote, id.Addr(), ok)
	}
	return id, ok
}

// LocalAddrForRemote is like [Selector.LocalAddrIDForRemote] but
// returns the bare address.
func (sel *Selector) LocalAddrForRemote(st lockorder.State, v Version, dev DeviceID, remote netip.Addr) (netip.Addr, bool) {
	id, ok := sel.LocalAddrIDForRemote(st, v, dev, remote)
	if !ok {
		return netip.Addr{}, false
	}
	return id.Addr(), true
}

// pickV4 returns the first assigned IPv4 address in store order.
// Tentative addresses have not finished duplicate detection; sourcing
// traffic from one could have to be retracted, so they are skipped.
func (sel *Selector) pickV4(st lockorder.State, dev DeviceID) (id AddrID, ok bool) {
	sel.store.WithAddrIDs(st, dev, func(ids iter.Seq[AddrID], view *AddrsView) {
		for cand := range ids {
			if VersionOf(cand.Addr()) != V4 {
				continue
			}
			var assigned bool
			view.AddrData(cand, func(data AddrData) { assigned = data.Assigned })
			if assigned {
				id, ok = cand, true
				return
			}
		}
	})
	return id, ok
}

// candidate is one address considered by IPv6 selection, snapshotted
// from the store under a single read lock so ranking runs with no lock
// held. It exists only for the duration of one selection call.
type candidate struct {
	id         AddrID
	prefix     netip.Prefix
	assigned   bool
	deprecated bool
	temporary  bool
	dev        DeviceID
}

// snapshotV6 gathers a candidate for every IPv6 address on dev,
// assigned or not; the ranking does its own filtering. An address
// whose properties are gone (configuration being torn down) gets the
// conservative defaults deprecated=true, temporary=false, so it is
// only picked as a last resort.
func (sel *Selector) snapshotV6(st lockorder.State, dev DeviceID) []candidate {
	var cands []candidate
	sel.store.WithAddrIDs(st, dev, func(ids iter.Seq[AddrID], view *AddrsView) {
		for id := range ids {
			if VersionOf(id.Addr()) != V6 {
				continue
			}
			c := candidate{id: id, prefix: id.Prefix(), dev: dev}
			view.AddrData(id, func(data AddrData) {
				c.assigned = data.Assigned
				if data.Props != nil {
					c.deprecated = data.Props.Deprecated
					c.temporary = data.Props.Temporary
				} else {
					c.deprecated = true
					c.temporary = false
				}
			})
			cands = append(cands, c)
		}
	})
	return cands
}

// pickV6 ranks cands for remote and returns the winner's id. It is a
// pure function over the snapshot; tests drive it directly with
// hand-built candidates.
//
// Precedence, highest first: assigned (mandatory), scope match with
// remote, non-deprecated, the temporary/stable preference from policy,
// longest common prefix with remote, store order.
func pickV6(cands []candidate, remote netip.Addr, policy Policy) (AddrID, bool) {
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if !c.assigned {
			continue
		}
		if best == nil || v6Better(c, best, remote, policy) {
			best = c
		}
	}
	if best == nil {
		return AddrID{}, false
	}
	return best.id, true
}

// v6Better reports whether a should be preferred over b. Candidates
// compared equal keep b, so earlier store order wins ties.
func v6Better(a, b *candidate, remote netip.Addr, policy Policy) bool {
	if remote.IsValid() {
		am := v6Scope(a.prefix.Addr()) == v6Scope(remote)
		bm := v6Scope(b.prefix.Addr()) == v6Scope(remote)
		if am != bm {
			return am
		}
	}
	if a.deprecated != b.deprecated {
		return !a.deprecated
	}
	if a.temporary != b.temporary {
		if policy.PreferTemporary {
			return a.temporary
		}
		return b.temporary
	}
	if remote.IsValid() {
		al := commonPrefixLen(a.prefix.Addr(), remote)
		bl := commonPrefixLen(b.prefix.Addr(), remote)
		if al != bl {
			return al > bl
		}
	}
	return false
}

// RFC 4007 scope values, the subset selection distinguishes.
const (
	scopeLinkLocal = 0x2
	scopeSiteLocal = 0x5
	scopeGlobal    = 0xe
)

var siteLocalRange = netip.MustParsePrefix("fec0::/10")

// v6Scope classifies a into an RFC 4007 scope. Loopback counts as
// link-local per RFC 4007 §4; unique local addresses have global
// scope.
func v6Scope(a netip.Addr) uint8 {
	switch {
	case a.IsLoopback(), a.IsLinkLocalUnicast():
		return scopeLinkLocal
	case a.IsMulticast():
		return a.As16()[1] & 0xf
	case siteLocalRange.Contains(a):
		return scopeSiteLocal
	default:
		return scopeGlobal
	}
}

// commonPrefixLen returns the number of leading bits a and b share.
func commonPrefixLen(a, b netip.Addr) int {
	ab, bb := a.As16(), b.As16()
	bits := 0
	for i := range ab {
		x := ab[i] ^ bb[i]
		if x == 0 {
			bits += 8
			continue
		}
		for j := 7; j >= 0; j-- {
			if (x>>uint(j))&1 != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}
