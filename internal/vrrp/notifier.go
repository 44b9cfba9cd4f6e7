// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
)

// ScriptNotifier runs the configured notify_master/notify_backup/
// notify_fault/notify scripts on each transition and, if configured,
// appends a line to a shared FIFO.
type ScriptNotifier struct {
	logger       *logging.Logger
	instances    map[string]config.VRRPInstance
	groupOfInst  map[string]config.SyncGroup
	fifoPath     string

	mu   sync.Mutex
	fifo *os.File
}

// NewScriptNotifier builds a Notifier serving every instance/group in
// cfg.
func NewScriptNotifier(cfg config.VRRPConfig, logger *logging.Logger) *ScriptNotifier {
	n := &ScriptNotifier{
		logger:      logger,
		instances:   make(map[string]config.VRRPInstance),
		groupOfInst: make(map[string]config.SyncGroup),
		fifoPath:    cfg.NotifyFIFO,
	}
	for _, inst := range cfg.Instances {
		n.instances[inst.Name] = inst
	}
	for _, g := range cfg.SyncGroups {
		for _, member := range g.Members {
			n.groupOfInst[member] = g
		}
	}
	return n
}

// Notify implements Instance's Notifier interface.
func (n *ScriptNotifier) Notify(instanceName string, from, to State) {
	inst, ok := n.instances[instanceName]
	if !ok {
		return
	}
	n.writeFIFO(instanceName, from, to)

	script := n.scriptFor(inst, to)
	if script != "" {
		n.run(script, instanceName, to)
	}
	if inst.Notify != "" {
		n.run(inst.Notify, instanceName, to)
	}

	if group, ok := n.groupOfInst[instanceName]; ok {
		if script := n.groupScriptFor(group, to); script != "" {
			n.run(script, group.Name, to)
		}
	}
}

func (n *ScriptNotifier) groupScriptFor(g config.SyncGroup, to State) string {
	switch to {
	case StateMaster:
		return g.NotifyMaster
	case StateBackup:
		return g.NotifyBackup
	case StateFault:
		return g.NotifyFault
	default:
		return ""
	}
}

func (n *ScriptNotifier) scriptFor(inst config.VRRPInstance, to State) string {
	switch to {
	case StateMaster:
		return inst.NotifyMaster
	case StateBackup:
		return inst.NotifyBackup
	case StateFault:
		return inst.NotifyFault
	case StateDeleted:
		return inst.NotifyStop
	default:
		return ""
	}
}

func (n *ScriptNotifier) run(script, instanceName string, to State) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Env = append(os.Environ(),
		"VRRP_INSTANCE="+instanceName,
		"VRRP_STATE="+to.String(),
	)
	if err := cmd.Run(); err != nil && n.logger != nil {
		n.logger.Warn("vrrp: notify script failed", "instance", instanceName, "script", script, "error", err)
	}
}

func (n *ScriptNotifier) writeFIFO(instanceName string, from, to State) {
	if n.fifoPath == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fifo == nil {
		f, err := os.OpenFile(n.fifoPath, os.O_WRONLY|os.O_NONBLOCK, 0)
		if err != nil {
			if n.logger != nil {
				n.logger.Warn("vrrp: notify fifo open failed", "path", n.fifoPath, "error", err)
			}
			return
		}
		n.fifo = f
	}
	line := fmt.Sprintf("INSTANCE %s %s %s\n", instanceName, strings.ToUpper(from.String()), strings.ToUpper(to.String()))
	if _, err := n.fifo.WriteString(line); err != nil && n.logger != nil {
		n.logger.Warn("vrrp: notify fifo write failed", "path", n.fifoPath, "error", err)
	}
}

// Close releases the FIFO handle, if open.
func (n *ScriptNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fifo == nil {
		return nil
	}
	err := n.fifo.Close()
	n.fifo = nil
	return err
}
