// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package socket implements the VRRP raw-socket pool: one shared
// receive/send socket pair per distinct (family, interface,
// multicast-or-unicast-source) key, demultiplexed to the owning
// instance by (family, VRID).
package socket

import (
	"net"
)

// Family mirrors wire.Family without importing the wire package, so
// socket has no dependency on packet layout.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Key identifies one shared socket within the pool. Two instances that
// resolve to the same Key share the same underlying sockets.
type Key struct {
	Family    Family
	Interface string
	// McastGroup is the multicast group joined on the receive socket; in
	// unicast mode this is empty and UnicastSrc names the local bind
	// address instead.
	McastGroup string
	UnicastSrc string
	// UseAH selects IPProtocolAH (51) instead of IPProtocolVRRP (112) for
	// this socket.
	UseAH bool
}

// Datagram is one received packet handed to the demultiplexer, along
// with the metadata needed for packet validation.
type Datagram struct {
	Payload   []byte
	Src       net.IP
	Dst       net.IP
	TTL       int // IPv4 TTL or IPv6 hop limit
	Interface string
}

// Receiver is implemented by the demultiplexer that a Pool delivers
// datagrams to. Instances register themselves by (family, VRID) with
// the owning Pool entry's demultiplexer.
type Receiver interface {
	// Deliver routes dg to the instance(s) matching (family, vrid) and,
	// for unicast mode, source-peer membership. Returns false if no
	// instance claimed the datagram (logged by the caller, not an error).
	Deliver(vrid uint8, dg Datagram) bool
}

// Sender is the per-socket transmit side: Send writes a fully-built VRRP
// (or AH) payload to dst, or iterates configured unicast peers when
// Pool was opened in unicast mode.
type Sender interface {
	// Send transmits payload to dst (ignored in multicast mode, where
	// the socket already targets the joined group).
	Send(payload []byte, dst net.IP) error
	Close() error
}

// Pool opens and shares raw sockets across VRRP instances with matching
// keys. The production implementation (socket_linux.go) uses IPPROTO_VRRP
// raw sockets with IP_HDRINCL/ancillary hop-limit data; socket_stub.go
// backs non-Linux builds and tests that don't need a real kernel socket.
type Pool interface {
	// Open returns (creating if necessary) the shared sender for key and
	// registers recv as the demultiplexer for datagrams arriving on it.
	// Multiple Open calls with the same key and different VRIDs share
	// one underlying socket pair; recv must itself fan out by VRID.
	Open(key Key, recv Receiver) (Sender, error)
	// Close releases all sockets opened through this pool.
	Close() error
}
