// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// AHHeaderLen is the fixed size of the VRRPv2 IPSEC-AH header: next
// header (1), payload length (1), reserved (2), SPI (4), sequence
// number (4), and a 12-byte truncated HMAC-MD5 ICV (RFC 2402 as profiled
// by keepalived for VRRP).
const AHHeaderLen = 24

// ahPayloadLen is the AH "payload length" field value keepalived always
// emits for this fixed-size header: (24/4)-2 = 4, the RFC 2402 encoding
// of header length in 32-bit words minus 2.
const ahPayloadLen = 4

// ICVLen is the truncated HMAC-MD5 ICV length (96 bits).
const ICVLen = 12

// AHHeader is the parsed IPSEC-AH header prepended to an authenticated
// VRRPv2 packet.
type AHHeader struct {
	NextHeader  uint8 // always IPProtocolVRRP (112)
	PayloadLen  uint8 // always ahPayloadLen
	Reserved    uint16
	SPI         uint32 // sender's source IPv4 address
	SeqNumber   uint32
	ICV         [ICVLen]byte
}

// EncodeAH renders h to its fixed-size wire form, with the ICV field
// optionally included (set zeroICV to compute the digest input, false
// to produce the final on-wire header).
func EncodeAH(h *AHHeader, zeroICV bool) []byte {
	buf := make([]byte, AHHeaderLen)
	buf[0] = h.NextHeader
	buf[1] = h.PayloadLen
	binary.BigEndian.PutUint16(buf[2:4], h.Reserved)
	binary.BigEndian.PutUint32(buf[4:8], h.SPI)
	binary.BigEndian.PutUint32(buf[8:12], h.SeqNumber)
	if !zeroICV {
		copy(buf[12:24], h.ICV[:])
	}
	return buf
}

// DecodeAH parses an AH header from raw.
func DecodeAH(raw []byte) (*AHHeader, error) {
	if len(raw) < AHHeaderLen {
		return nil, fmt.Errorf("wire: AH header too short: %d bytes", len(raw))
	}
	h := &AHHeader{
		NextHeader: raw[0],
		PayloadLen: raw[1],
		Reserved:   binary.BigEndian.Uint16(raw[2:4]),
		SPI:        binary.BigEndian.Uint32(raw[4:8]),
		SeqNumber:  binary.BigEndian.Uint32(raw[8:12]),
	}
	copy(h.ICV[:], raw[12:24])
	return h, nil
}

// NewAHHeader builds an AH header for sourceIPv4 (used both as SPI and
// to identify the sender) and the given anti-replay sequence number.
func NewAHHeader(sourceIPv4 uint32, seq uint32) *AHHeader {
	return &AHHeader{
		NextHeader: IPProtocolVRRP,
		PayloadLen: ahPayloadLen,
		SPI:        sourceIPv4,
		SeqNumber:  seq,
	}
}

// ComputeICV computes the truncated HMAC-MD5 ICV over the mutable-
// zeroed IPv4 header, the AH header (with its ICV field zeroed), and
// the VRRP payload, keyed by password (RFC 2402 / keepalived's simple
// IPSEC-AH profile).
//
// ipHeaderZeroed must already have TOS, fragment-offset-and-flags, and
// (for unicast transmission) TTL zeroed by the caller — those fields are
// mutable in transit and excluded from the digest.
func ComputeICV(key []byte, ipHeaderZeroed []byte, ah *AHHeader, vrrpPayload []byte) [ICVLen]byte {
	mac := hmac.New(md5.New, key)
	mac.Write(ipHeaderZeroed)
	mac.Write(EncodeAH(ah, true))
	mac.Write(vrrpPayload)
	full := mac.Sum(nil)
	var icv [ICVLen]byte
	copy(icv[:], full[:ICVLen])
	return icv
}

// VerifyICV recomputes the ICV the same way ComputeICV does and compares
// it against ah.ICV in constant time, so a timing side channel can't
// leak how many leading bytes matched.
func VerifyICV(key []byte, ipHeaderZeroed []byte, ah *AHHeader, vrrpPayload []byte) bool {
	want := ComputeICV(key, ipHeaderZeroed, ah, vrrpPayload)
	return subtle.ConstantTimeCompare(want[:], ah.ICV[:]) == 1
}

// ZeroMutableIPv4Fields returns a copy of an IPv4 header with the
// mutable-in-transit fields (TOS at byte 1, flags+fragment-offset at
// bytes 6-7, and — only when unicast is true — TTL at byte 8) zeroed,
// ready for ComputeICV/VerifyICV.
func ZeroMutableIPv4Fields(ipHeader []byte, unicast bool) []byte {
	cp := make([]byte, len(ipHeader))
	copy(cp, ipHeader)
	if len(cp) < 20 {
		return cp
	}
	cp[1] = 0    // TOS
	cp[6] = 0    // flags + high fragment-offset bits
	cp[7] = 0    // low fragment-offset bits
	if unicast {
		cp[8] = 0 // TTL
	}
	return cp
}

// SeqTracker implements the IPSEC-AH anti-replay window: a received
// sequence number must be strictly greater than the last accepted one.
// Exhausting the 32-bit space sets Cycled, after which the sender must
// suspend transmission.
type SeqTracker struct {
	last    uint32
	started bool
	Cycled  bool
}

// Accept reports whether seq is acceptable (greater than the last
// accepted sequence number) and, if so, records it as the new high
// watermark.
func (t *SeqTracker) Accept(seq uint32) bool {
	if !t.started {
		t.started = true
		t.last = seq
		return true
	}
	if seq <= t.last {
		return false
	}
	t.last = seq
	return true
}

// Next returns the next sequence number to send, setting Cycled if the
// counter wraps.
func (t *SeqTracker) Next() uint32 {
	t.last++
	if t.last == 0 {
		t.Cycled = true
	}
	return t.last
}
