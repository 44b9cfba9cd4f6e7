// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIPv4(s string) net.IP { return net.ParseIP(s).To4() }
func mustIPv6(s string) net.IP { return net.ParseIP(s).To16() }

func TestRoundTrip_V2_IPv4_NoAuth(t *testing.T) {
	p := &Packet{
		Version:   Version2,
		Type:      TypeAdvertisement,
		VRID:      51,
		Priority:  150,
		AdverInt:  1,
		AuthType:  AuthTypeNone,
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.1")},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)

	got, err := Decode(raw, FamilyV4, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, p.VRID, got.VRID)
	assert.Equal(t, p.Priority, got.Priority)
	assert.Equal(t, p.AdverInt, got.AdverInt)
	assert.Len(t, got.Addresses, 1)
	assert.True(t, got.Addresses[0].Equal(p.Addresses[0]))
}

func TestRoundTrip_V2_IPv4_MultipleVIPs(t *testing.T) {
	p := &Packet{
		Version:  Version2,
		Type:     TypeAdvertisement,
		VRID:     7,
		Priority: 200,
		AdverInt: 5,
		Family:   FamilyV4,
		Addresses: []net.IP{
			mustIPv4("192.168.1.1"),
			mustIPv4("192.168.1.2"),
			mustIPv4("192.168.1.3"),
		},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)
	got, err := Decode(raw, FamilyV4, nil, nil)
	require.NoError(t, err)
	require.Len(t, got.Addresses, 3)
	for i := range p.Addresses {
		assert.True(t, got.Addresses[i].Equal(p.Addresses[i]))
	}
}

func TestRoundTrip_V3_IPv4(t *testing.T) {
	src := mustIPv4("10.0.0.2")
	dst := mustIPv4(DefaultMulticastGroupV4)
	p := &Packet{
		Version:   Version3,
		Type:      TypeAdvertisement,
		VRID:      1,
		Priority:  100,
		AdverInt:  100, // centiseconds = 1s
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.254")},
	}
	raw, err := Encode(p, src, dst)
	require.NoError(t, err)

	got, err := Decode(raw, FamilyV4, src, dst)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), got.AdverInt)
	assert.True(t, got.Addresses[0].Equal(p.Addresses[0]))
}

func TestRoundTrip_V3_IPv6(t *testing.T) {
	p := &Packet{
		Version:  Version3,
		Type:     TypeAdvertisement,
		VRID:     9,
		Priority: 255,
		AdverInt: 40,
		Family:   FamilyV6,
		Addresses: []net.IP{
			mustIPv6("fe80::1"),
			mustIPv6("2001:db8::1"),
		},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)
	got, err := Decode(raw, FamilyV6, nil, nil)
	require.NoError(t, err)
	require.Len(t, got.Addresses, 2)
	assert.True(t, got.Addresses[0].Equal(p.Addresses[0]))
	assert.True(t, got.Addresses[1].Equal(p.Addresses[1]))
}

func TestDecode_RejectsShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, FamilyV4, nil, nil)
	assert.Error(t, err)
}

func TestDecode_TolerantOfEthernetPadding(t *testing.T) {
	p := &Packet{
		Version:   Version2,
		VRID:      1,
		Priority:  1,
		AdverInt:  1,
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.1")},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)
	// pad to Ethernet minimum as a real NIC might deliver it
	padded := append(raw, make([]byte, 20)...)
	got, err := Decode(padded, FamilyV4, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, p.VRID, got.VRID)
}

func TestDecode_RejectsBadChecksum(t *testing.T) {
	p := &Packet{
		Version:   Version2,
		VRID:      1,
		Priority:  1,
		AdverInt:  1,
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.1")},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)
	raw[2] ^= 0xFF // flip priority after checksum was computed
	_, err = Decode(raw, FamilyV4, nil, nil)
	assert.Error(t, err)
}

func TestIncrementalChecksum_MatchesFullRecompute(t *testing.T) {
	p := &Packet{
		Version:   Version2,
		VRID:      51,
		Priority:  100,
		AdverInt:  1,
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.1")},
	}
	raw, err := Encode(p, nil, nil)
	require.NoError(t, err)
	oldChecksum := p.Checksum
	oldPriority := raw[2]

	newPriority := uint8(200)
	oldWord := uint16(oldPriority)<<8 | uint16(raw[3])
	newWord := uint16(newPriority)<<8 | uint16(raw[3])
	incremental := UpdateChecksum16(oldChecksum, oldWord, newWord)

	p2 := *p
	p2.Priority = newPriority
	raw2, err := Encode(&p2, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, p2.Checksum, incremental)
	assert.Equal(t, raw2[6:8], []byte{byte(incremental >> 8), byte(incremental)})
}

func TestV3ChecksumCompat_MulticastPseudoHeader(t *testing.T) {
	// A peer that stamps the multicast group into the v3-over-IPv4
	// pseudo-header even while unicasting: the
	// packet only validates when Decode is given the multicast group as
	// pseudoDst, not the actual unicast destination.
	unicastSrc := mustIPv4("10.0.0.2")
	unicastDst := mustIPv4("10.0.0.3")
	mcastGroup := mustIPv4(DefaultMulticastGroupV4)

	p := &Packet{
		Version:   Version3,
		VRID:      5,
		Priority:  100,
		AdverInt:  100,
		Family:    FamilyV4,
		Addresses: []net.IP{mustIPv4("10.0.0.254")},
	}
	raw, err := Encode(p, unicastSrc, mcastGroup)
	require.NoError(t, err)

	_, err = Decode(raw, FamilyV4, unicastSrc, unicastDst)
	assert.Error(t, err, "should not validate under the real unicast destination")

	got, err := Decode(raw, FamilyV4, unicastSrc, mcastGroup)
	require.NoError(t, err)
	assert.Equal(t, p.VRID, got.VRID)
}

func TestAH_ValidICVAcceptedMutationRejected(t *testing.T) {
	key := []byte("s3cr3t")
	ip := make([]byte, 20)
	ip[0] = 0x45
	ah := NewAHHeader(0x0A000002, 1)
	payload := []byte("vrrp-payload-bytes")

	ah.ICV = ComputeICV(key, ip, ah, payload)
	assert.True(t, VerifyICV(key, ip, ah, payload))

	mutated := append([]byte(nil), payload...)
	mutated[0] ^= 0xFF
	assert.False(t, VerifyICV(key, ip, ah, mutated))

	ahMutated := *ah
	ahMutated.ICV[0] ^= 0xFF
	assert.False(t, VerifyICV(key, ip, &ahMutated, payload))
}

func TestAH_ReplayRejected(t *testing.T) {
	var tr SeqTracker
	assert.True(t, tr.Accept(10))
	assert.True(t, tr.Accept(11))
	assert.False(t, tr.Accept(11), "replaying a seen sequence number must be rejected")
	assert.False(t, tr.Accept(5), "an older sequence number must be rejected")
	assert.True(t, tr.Accept(12))
}

func TestAH_SeqCyclesAtWrap(t *testing.T) {
	tr := SeqTracker{last: 0xFFFFFFFE}
	tr.started = true
	assert.Equal(t, uint32(0xFFFFFFFF), tr.Next())
	assert.False(t, tr.Cycled)
	assert.Equal(t, uint32(0), tr.Next())
	assert.True(t, tr.Cycled)
}

func TestValidate_RejectsOversizeAddressCount(t *testing.T) {
	p := &Packet{Version: Version2, VRID: 1, Priority: 1, Family: FamilyV4}
	for i := 0; i < 256; i++ {
		p.Addresses = append(p.Addresses, mustIPv4("10.0.0.1"))
	}
	assert.Error(t, p.Validate())
}
