// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"sync"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
)

// SyncGroupCoordinator binds a set of instances to a shared state: any
// member entering FAULT forces every member to FAULT, members only leave
// FAULT together once none of them is still faulted, and a member's own
// proposal to transition to MASTER is gated on every other member being
// past INIT and clear of FAULT.
type SyncGroupCoordinator struct {
	cfg     config.SyncGroup
	logger  *logging.Logger
	members map[string]*Instance

	mu      sync.Mutex
	faulted map[string]bool
	state   map[string]State
}

// NewSyncGroupCoordinator builds a coordinator for cfg; members must be
// attached with Attach before any instance starts its event loop.
func NewSyncGroupCoordinator(cfg config.SyncGroup, logger *logging.Logger) *SyncGroupCoordinator {
	return &SyncGroupCoordinator{
		cfg:     cfg,
		logger:  logger,
		members: make(map[string]*Instance),
		faulted: make(map[string]bool),
		state:   make(map[string]State),
	}
}

// Attach registers inst as a member and wires its group-transition
// callback to this coordinator.
func (c *SyncGroupCoordinator) Attach(inst *Instance) {
	c.members[inst.Name()] = inst
	c.mu.Lock()
	c.state[inst.Name()] = StateInit
	c.mu.Unlock()
	inst.joinGroup(&groupMember{coord: c, name: inst.Name()})
}

// groupMember is the per-instance handle an Instance uses to report its
// own transitions back to the coordinator without holding a direct
// reference cycle through SyncGroupCoordinator's exported API.
type groupMember struct {
	coord *SyncGroupCoordinator
	name  string
}

func (g *groupMember) reportTransition(name string, to State) {
	g.coord.onMemberTransition(name, to)
}

// proposeMaster asks the coordinator to gate name's transition to MASTER.
func (g *groupMember) proposeMaster() bool {
	return g.coord.proposeMaster(g.name)
}

// proposeMaster commits a member's MASTER proposal only if every other
// member has cleared INIT and is not currently FAULT; otherwise the
// caller must defer and retry.
func (c *SyncGroupCoordinator) proposeMaster(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for other, st := range c.state {
		if other == name {
			continue
		}
		if st == StateFault || st == StateInit {
			return false
		}
	}
	return true
}

func (c *SyncGroupCoordinator) onMemberTransition(name string, to State) {
	c.mu.Lock()
	c.state[name] = to
	if to == StateFault {
		if c.faulted[name] {
			c.mu.Unlock()
			return
		}
		c.faulted[name] = true
		others := c.otherMembers(name)
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Info("vrrp: sync_group propagating fault", "group", c.cfg.Name, "member", name)
		}
		for _, m := range others {
			m.ForceFault()
		}
		return
	}

	if c.faulted[name] {
		delete(c.faulted, name)
	}
	stillFaulted := len(c.faulted) > 0
	c.mu.Unlock()

	if !stillFaulted && to != StateFault {
		// This member cleared fault and no other member is still
		// faulted; release every other member from the forced FAULT so
		// they can resume their own election logic.
		c.mu.Lock()
		others := c.otherMembers(name)
		c.mu.Unlock()
		for _, m := range others {
			if m.State() == StateFault {
				m.ForceMaster()
			}
		}
	}
}

func (c *SyncGroupCoordinator) otherMembers(exclude string) []*Instance {
	out := make([]*Instance, 0, len(c.members))
	for name, inst := range c.members {
		if name != exclude {
			out = append(out, inst)
		}
	}
	return out
}
