// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"sync"

	"grimm.is/flywall/internal/vrrp/wire"
)

// ahState wraps the instance-level IPSEC-AH bookkeeping:
// a monotonic sequence number for outbound adverts and a replay window
// for inbound ones, built on wire's stateless AH helpers.
type ahState struct {
	key []byte

	mu      sync.Mutex
	seq     *wire.SeqTracker
}

func newAHState(password string) *ahState {
	return &ahState{key: []byte(password), seq: &wire.SeqTracker{}}
}

// wrap prepends an AH header with a fresh sequence number and computed
// ICV ahead of raw (the already-encoded IPv4 VRRP payload); the caller
// is responsible for placing the IPv4 header ahead of the result.
func (a *ahState) wrap(raw []byte) []byte {
	a.mu.Lock()
	seq := a.seq.Next()
	a.mu.Unlock()

	ah := &wire.AHHeader{NextHeader: wire.IPProtocolVRRP, SeqNumber: seq}
	icv := wire.ComputeICV(a.key, nil, ah, raw)
	ah.ICV = icv

	out := make([]byte, 0, wire.AHHeaderLen+len(raw))
	out = append(out, wire.EncodeAH(ah, false)...)
	out = append(out, raw...)
	return out
}

// verify checks an inbound AH-wrapped payload's ICV and replay window,
// returning the VRRP payload with the AH header stripped.
func (a *ahState) verify(raw []byte) ([]byte, bool) {
	if len(raw) < wire.AHHeaderLen {
		return nil, false
	}
	ah, err := wire.DecodeAH(raw[:wire.AHHeaderLen])
	if err != nil {
		return nil, false
	}
	payload := raw[wire.AHHeaderLen:]
	if !wire.VerifyICV(a.key, nil, ah, payload) {
		return nil, false
	}
	a.mu.Lock()
	ok := a.seq.Accept(ah.SeqNumber)
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	return payload, true
}
