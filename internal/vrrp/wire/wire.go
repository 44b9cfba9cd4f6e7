// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire implements bit-exact VRRP v2/v3 packet encoding and
// decoding (RFC 3768, RFC 5798), IPv4 checksum maintenance including the
// RFC 1624 incremental update, and the VRRPv2 IPSEC-AH authentication
// option (RFC 2402). It has no socket or netlink dependency so it can be
// round-trip tested in isolation.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version identifies the VRRP protocol version carried by a packet.
type Version int

const (
	Version2 Version = 2
	Version3 Version = 3
)

// Type is the VRRP message type. RFC 3768/5798 define only one.
type Type int

const (
	TypeAdvertisement Type = 1
)

// Well-known protocol and addressing constants.
const (
	// IPProtocolVRRP is the IP protocol number carrying VRRP (RFC 5798 §5.1.2).
	IPProtocolVRRP = 112
	// IPProtocolAH is the IP protocol number for IPSEC-AH (RFC 2402), used
	// in place of IPProtocolVRRP when VRRPv2 AH authentication is enabled.
	IPProtocolAH = 51

	// DefaultMulticastGroupV4 is the default IPv4 VRRP multicast group.
	DefaultMulticastGroupV4 = "224.0.0.18"
	// DefaultMulticastGroupV6 is the default IPv6 VRRP multicast group.
	DefaultMulticastGroupV6 = "ff02::12"

	// MulticastTTL is the mandated TTL/hop-limit for multicast VRRP traffic.
	MulticastTTL = 255

	// IPv4TOS is the IPv4 Type-of-Service value keepalived stamps on
	// every VRRP packet it builds.
	IPv4TOS = 0xC0
)

// AuthType enumerates the VRRPv2 authentication scheme (VRRPv3 has none).
type AuthType int

const (
	AuthTypeNone           AuthType = 0
	AuthTypeSimplePassword AuthType = 1 // historical, deprecated by RFC 3768 but still parsed
	AuthTypeIPSECAH        AuthType = 2
)

// header sizes, in bytes.
const (
	HeaderLen    = 8 // common to v2 and v3
	AddrLenV4    = 4
	AddrLenV6    = 16
	AuthDataLenV2 = 8 // trailing field present only on the wire for v2
)

// Packet is the parsed, version/family-agnostic representation of a VRRP
// advertisement. Encode/Decode translate it to/from the RFC 3768/5798
// wire format.
type Packet struct {
	Version  Version
	Type     Type
	VRID     uint8
	Priority uint8
	// AdverInt is the advertisement interval as carried on the wire:
	// whole seconds for v2, centiseconds (1/100s) for v3.
	AdverInt uint16
	AuthType AuthType // v2 only; zero for v3
	Checksum uint16

	// Addresses are VIPs in advertised order. For IPv4 these are 4-byte
	// addresses; for IPv6, 16-byte. Encode validates family consistency
	// against Family.
	Addresses []net.IP
	Family    Family

	// AuthData is the trailing 8 bytes of the v2 header: the plaintext
	// simple password (left-padded with zero bytes) when AuthType is
	// AuthTypeSimplePassword, all-zero otherwise (including when AH is in
	// use — the AH ICV lives in the AH header, not here).
	AuthData [AuthDataLenV2]byte
}

// Family distinguishes the IP address family a Packet's Addresses belong
// to; VRRPv2 is always FamilyV4, VRRPv3 may be either.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func addrLen(f Family) int {
	if f == FamilyV6 {
		return AddrLenV6
	}
	return AddrLenV4
}

// Len returns the on-wire length of the VRRP payload (header + addresses
// + v2 auth trailer): RFC 3768/5798's expected packet length.
func (p *Packet) Len() int {
	n := HeaderLen + len(p.Addresses)*addrLen(p.Family)
	if p.Version == Version2 {
		n += AuthDataLenV2
	}
	return n
}

// Validate checks structural invariants independent of any specific
// instance's configuration: VRID range, address count, and version/auth
// compatibility.
func (p *Packet) Validate() error {
	if p.VRID == 0 {
		return fmt.Errorf("wire: vrid must be in 1..255, got 0")
	}
	if len(p.Addresses) == 0 || len(p.Addresses) > 255 {
		return fmt.Errorf("wire: address count %d out of range 1..255", len(p.Addresses))
	}
	if p.Version == Version3 && p.AuthType != AuthTypeNone {
		return fmt.Errorf("wire: vrrpv3 carries no authentication, got auth type %d", p.AuthType)
	}
	if p.Version == Version2 && p.AdverInt > 255 {
		return fmt.Errorf("wire: vrrpv2 advertisement interval %d exceeds 255 seconds", p.AdverInt)
	}
	if p.Version == Version3 && p.AdverInt > 0x0FFF {
		return fmt.Errorf("wire: vrrpv3 advertisement interval %d exceeds 12-bit field", p.AdverInt)
	}
	for _, a := range p.Addresses {
		if p.Family == FamilyV4 && a.To4() == nil {
			return fmt.Errorf("wire: address %s is not IPv4 but packet family is v4", a)
		}
		if p.Family == FamilyV6 && a.To4() != nil {
			return fmt.Errorf("wire: address %s is IPv4 but packet family is v6", a)
		}
	}
	return nil
}

// Encode serializes p into its wire representation. The checksum field is
// computed and filled in unless family is FamilyV6, in which case it is
// left zero for the kernel to fill via IPV6_CHECKSUM.
//
// pseudoSrc/pseudoDst are only consulted for v3-over-IPv4 (the pseudo-
// header checksum); they may be nil otherwise.
func Encode(p *Packet, pseudoSrc, pseudoDst net.IP) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, p.Len())
	buf[0] = byte(p.Version)<<4 | byte(p.Type)
	buf[1] = p.VRID
	buf[2] = p.Priority
	buf[3] = byte(len(p.Addresses))

	switch p.Version {
	case Version2:
		buf[4] = byte(p.AuthType)
		buf[5] = byte(p.AdverInt)
	case Version3:
		binary.BigEndian.PutUint16(buf[4:6], p.AdverInt&0x0FFF)
	default:
		return nil, fmt.Errorf("wire: unsupported version %d", p.Version)
	}
	// buf[6:8] checksum filled below.

	off := HeaderLen
	al := addrLen(p.Family)
	for _, a := range p.Addresses {
		raw := a.To4()
		if p.Family == FamilyV6 {
			raw = a.To16()
		}
		copy(buf[off:off+al], raw)
		off += al
	}
	if p.Version == Version2 {
		copy(buf[off:off+AuthDataLenV2], p.AuthData[:])
		off += AuthDataLenV2
	}

	if p.Family == FamilyV6 {
		// Kernel fills the checksum via ancillary IPV6_CHECKSUM option.
		binary.BigEndian.PutUint16(buf[6:8], 0)
		return buf, nil
	}

	var sum uint16
	switch p.Version {
	case Version2:
		sum = Checksum(buf)
	case Version3:
		sum = ChecksumV3Pseudo(buf, pseudoSrc, pseudoDst)
	}
	p.Checksum = sum
	binary.BigEndian.PutUint16(buf[6:8], sum)
	return buf, nil
}

// Decode parses raw into a Packet. family must be known ahead of time
// (the caller knows which raw socket — v4 or v6 — the datagram arrived
// on); pseudoSrc/pseudoDst are the IP-header addresses used to validate
// a v3-over-IPv4 checksum.
func Decode(raw []byte, family Family, pseudoSrc, pseudoDst net.IP) (*Packet, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("wire: packet too short: %d bytes", len(raw))
	}
	version := Version(raw[0] >> 4)
	typ := Type(raw[0] & 0x0F)
	if typ != TypeAdvertisement {
		return nil, fmt.Errorf("wire: unsupported message type %d", typ)
	}
	vrid := raw[1]
	priority := raw[2]
	naddr := int(raw[3])

	p := &Packet{Version: version, Type: typ, VRID: vrid, Priority: priority, Family: family}

	switch version {
	case Version2:
		p.AuthType = AuthType(raw[4])
		p.AdverInt = uint16(raw[5])
	case Version3:
		p.AdverInt = binary.BigEndian.Uint16(raw[4:6]) & 0x0FFF
	default:
		return nil, fmt.Errorf("wire: unsupported version %d", version)
	}
	p.Checksum = binary.BigEndian.Uint16(raw[6:8])

	al := addrLen(family)
	needed := HeaderLen + naddr*al
	if version == Version2 {
		needed += AuthDataLenV2
	}
	// Ethernet padding up to the minimum frame size, and VLAN-tag
	// multiples of 4, can leave trailing zero bytes; only a shortfall is
	// an error.
	if len(raw) < needed {
		return nil, fmt.Errorf("wire: packet length %d shorter than expected %d for %d addresses", len(raw), needed, naddr)
	}

	off := HeaderLen
	for i := 0; i < naddr; i++ {
		addr := make(net.IP, al)
		copy(addr, raw[off:off+al])
		p.Addresses = append(p.Addresses, addr)
		off += al
	}
	if version == Version2 {
		copy(p.AuthData[:], raw[off:off+AuthDataLenV2])
		off += AuthDataLenV2
	}

	if family == FamilyV4 {
		var want uint16
		switch version {
		case Version2:
			want = Checksum(raw[:needed])
		case Version3:
			want = ChecksumV3Pseudo(raw[:needed], pseudoSrc, pseudoDst)
		}
		if want != 0 {
			return nil, fmt.Errorf("wire: invalid checksum")
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
