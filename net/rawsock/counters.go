// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

package rawsock

import "gvisor.dev/gvisor/pkg/tcpip"

// Counters count raw socket events, per socket and per registry.
//
// They are deliberately outside the lock hierarchy: increments and
// reads are atomic ([tcpip.StatCounter]) and require no lock at any
// rank. The values are eventually-consistent statistics, not
// authoritative state; a reader racing an increment may miss it, which
// is fine for diagnostics. A socket's counters stop being attributed
// when the socket is closed.
type Counters struct {
	// PacketsSent counts packets sent through the socket.
	PacketsSent tcpip.StatCounter
	// PacketsReceived counts packets delivered to the socket's
	// receive queue.
	PacketsReceived tcpip.StatCounter
	// ChecksumErrors counts inbound packets dropped for a bad
	// transport checksum before delivery.
	ChecksumErrors tcpip.StatCounter
	// ICMPPacketsFiltered counts inbound ICMPv6 packets suppressed by
	// the socket's ICMPv6 filter.
	ICMPPacketsFiltered tcpip.StatCounter
	// QueueFullDrops counts inbound packets dropped because the
	// socket's receive queue was full.
	QueueFullDrops tcpip.StatCounter
}

// ICMPv6Filter selects which ICMPv6 message types a raw ICMPv6 socket
// receives. The zero value passes every type. Semantics match the
// ICMP6_FILTER socket option: a set bit blocks the type.
type ICMPv6Filter struct {
	blocked [8]uint32
}

// Block suppresses delivery of ICMPv6 messages of type t.
func (f *ICMPv6Filter) Block(t uint8) {
	f.blocked[t>>5] |= 1 << (t & 31)
}

// Pass re-enables delivery of ICMPv6 messages of type t.
func (f *ICMPv6Filter) Pass(t uint8) {
	f.blocked[t>>5] &^= 1 << (t & 31)
}

// ShouldPass reports whether messages of type t are delivered.
func (f *ICMPv6Filter) ShouldPass(t uint8) bool {
	return f.blocked[t>>5]&(1<<(t&31)) == 0
}
