// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
)

func TestScriptNotifier_RunsInstanceScriptOnTransition(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "master.txt")

	cfg := config.VRRPConfig{
		Instances: []config.VRRPInstance{
			{Name: "vr1", NotifyMaster: "touch " + marker},
		},
	}
	n := NewScriptNotifier(cfg, logging.New(logging.DefaultConfig()))

	n.Notify("vr1", StateBackup, StateMaster)

	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func TestScriptNotifier_UnknownInstanceIsNoOp(t *testing.T) {
	n := NewScriptNotifier(config.VRRPConfig{}, logging.New(logging.DefaultConfig()))
	assert.NotPanics(t, func() { n.Notify("missing", StateBackup, StateMaster) })
}

func TestScriptNotifier_ScriptFor(t *testing.T) {
	n := NewScriptNotifier(config.VRRPConfig{}, logging.New(logging.DefaultConfig()))
	inst := config.VRRPInstance{
		NotifyMaster: "master.sh",
		NotifyBackup: "backup.sh",
		NotifyFault:  "fault.sh",
		NotifyStop:   "stop.sh",
	}

	assert.Equal(t, "master.sh", n.scriptFor(inst, StateMaster))
	assert.Equal(t, "backup.sh", n.scriptFor(inst, StateBackup))
	assert.Equal(t, "fault.sh", n.scriptFor(inst, StateFault))
	assert.Equal(t, "stop.sh", n.scriptFor(inst, StateDeleted))
	assert.Equal(t, "", n.scriptFor(inst, StateInit))
}

func TestScriptNotifier_GroupScriptFor(t *testing.T) {
	n := NewScriptNotifier(config.VRRPConfig{}, logging.New(logging.DefaultConfig()))
	group := config.SyncGroup{
		NotifyMaster: "group-master.sh",
		NotifyBackup: "group-backup.sh",
		NotifyFault:  "group-fault.sh",
	}

	assert.Equal(t, "group-master.sh", n.groupScriptFor(group, StateMaster))
	assert.Equal(t, "group-backup.sh", n.groupScriptFor(group, StateBackup))
	assert.Equal(t, "group-fault.sh", n.groupScriptFor(group, StateFault))
	assert.Equal(t, "", n.groupScriptFor(group, StateInit))
}

func TestScriptNotifier_RunsGroupScriptForMember(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "group-fault.txt")

	cfg := config.VRRPConfig{
		Instances: []config.VRRPInstance{{Name: "vr1"}, {Name: "vr2"}},
		SyncGroups: []config.SyncGroup{
			{Name: "g1", Members: []string{"vr1", "vr2"}, NotifyFault: "touch " + marker},
		},
	}
	n := NewScriptNotifier(cfg, logging.New(logging.DefaultConfig()))

	n.Notify("vr2", StateBackup, StateFault)

	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func TestScriptNotifier_MissingFIFODoesNotPanic(t *testing.T) {
	cfg := config.VRRPConfig{
		Instances:  []config.VRRPInstance{{Name: "vr1"}},
		NotifyFIFO: filepath.Join(t.TempDir(), "nonexistent.fifo"),
	}
	n := NewScriptNotifier(cfg, logging.New(logging.DefaultConfig()))

	assert.NotPanics(t, func() { n.Notify("vr1", StateBackup, StateMaster) })
	assert.NoError(t, n.Close())
}

func TestScriptNotifier_CloseWithoutFIFOIsNoOp(t *testing.T) {
	n := NewScriptNotifier(config.VRRPConfig{}, logging.New(logging.DefaultConfig()))
	assert.NoError(t, n.Close())
}
