// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

// Protocol constants for rule generation
const (
	ProtoIPv4 = 2  // unix.NFPROTO_IPV4
	ProtoIPv6 = 10 // unix.NFPROTO_IPV6
)
