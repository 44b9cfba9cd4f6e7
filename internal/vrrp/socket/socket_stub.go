// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package socket

import "fmt"

// NewPool returns an error on platforms without raw IPPROTO_VRRP socket
// support; production flywall only ships on Linux (internal/network and
// internal/firewall carry the same split).
func NewPool() Pool {
	return unsupportedPool{}
}

type unsupportedPool struct{}

func (unsupportedPool) Open(key Key, recv Receiver) (Sender, error) {
	return nil, fmt.Errorf("socket: raw VRRP sockets are only supported on Linux")
}

func (unsupportedPool) Close() error { return nil }
