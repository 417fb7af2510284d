// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package rawsock

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"ipcore.dev/net/ipaddr"
	"ipcore.dev/util/lockorder"
)

// InboundPacket is an already-parsed inbound IP packet offered to the
// raw sockets of one family. The registry does not parse or classify
// packets; the caller (the IP receive path) fills this in.
type InboundPacket struct {
	// Device is the device the packet arrived on.
	Device ipaddr.DeviceID
	// Protocol is the packet's transport protocol.
	Protocol tcpip.TransportProtocolNumber
	// Src and Dst are the packet's IP addresses.
	Src, Dst netip.Addr
	// Payload is the packet starting at the transport header. Delivery
	// copies it per socket; the caller may reuse the buffer afterwards.
	Payload []byte
	// ChecksumValid is whether the transport checksum verified, for
	// sockets that require it.
	ChecksumValid bool
}

// icmpType returns the ICMPv6 message type of the payload, for
// filtering. ok is false when the payload is too short to carry one.
func (p *InboundPacket) icmpType() (t uint8, ok bool) {
	if len(p.Payload) < header.ICMPv6MinimumSize {
		return 0, false
	}
	return p.Payload[0], true
}

// DeliverInbound offers pkt to every matching raw socket and returns
// how many sockets it was queued on.
//
// It enumerates under the map read lock and then takes each matching
// socket's state lock in turn, so filtering and enqueueing happen
// atomically per socket. A socket closed mid-enumeration is skipped;
// that is the expected concurrent-close race, not an error.
func (r *Registry) DeliverInbound(st lockorder.State, pkt *InboundPacket) (delivered int) {
	r.WithMapAndStateCtx(st, func(m Map, st lockorder.State) {
		for id := range m {
			err := r.WithLockedStateAndHandler(st, id, func(ls *LockedState, h *Handler) {
				switch socketWants(ls, pkt) {
				case accept:
					if h.EnqueueReceived(pkt.Payload) {
						delivered++
					}
				case dropChecksum:
					h.s.counters.ChecksumErrors.Increment()
					r.counters.ChecksumErrors.Increment()
				case dropFiltered:
					h.s.counters.ICMPPacketsFiltered.Increment()
					r.counters.ICMPPacketsFiltered.Increment()
				case noMatch:
				}
			})
			if err != nil {
				// Concurrently closed; skip.
				continue
			}
		}
	})
	return delivered
}

type deliveryVerdict int

const (
	noMatch deliveryVerdict = iota
	accept
	dropChecksum
	dropFiltered
)

// socketWants decides whether a socket with state ls receives pkt, and
// if not, whether the miss is an attributable drop.
func socketWants(ls *LockedState, pkt *InboundPacket) deliveryVerdict {
	if ls.Protocol != pkt.Protocol {
		return noMatch
	}
	if !ls.BoundDevice.IsZero() && ls.BoundDevice != pkt.Device {
		return noMatch
	}
	if ls.ChecksumEnabled && !pkt.ChecksumValid {
		return dropChecksum
	}
	if pkt.Protocol == header.ICMPv6ProtocolNumber && ls.ICMPv6Filter != nil {
		t, ok := pkt.icmpType()
		if !ok || !ls.ICMPv6Filter.ShouldPass(t) {
			return dropFiltered
		}
	}
	return accept
}
