// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures forwarding of log records to a remote syslog
// collector, in addition to (or instead of) the local Output writer.
//
// Facility is the numeric syslog facility code (1 = user, per RFC 5424),
// not a pre-shifted syslog.Priority; NewSyslogWriter combines it with the
// severity when dialing.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, with the
// conventional defaults filled in for when it is enabled later.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flywall",
		Facility: 1, // LOG_USER
	}
}

// NewSyslogWriter dials a remote syslog collector and returns an
// io.Writer-compatible *syslog.Writer. Missing Host is rejected; Port,
// Protocol and Tag are defaulted if left zero.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flywall"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	return syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
}
