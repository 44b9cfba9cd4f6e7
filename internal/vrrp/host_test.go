// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIntFile_ParsesTrimmedDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked")
	require.NoError(t, os.WriteFile(path, []byte("  42\n"), 0o644))

	v, err := readIntFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestReadIntFile_MissingFileErrors(t *testing.T) {
	_, err := readIntFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestReadIntFile_NonNumericContentErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))

	_, err := readIntFile(path)
	assert.Error(t, err)
}

func TestLookupProcess_UnknownNameNotFound(t *testing.T) {
	found, err := lookupProcess("definitely-not-a-running-process-name")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInterfacePrimaryAddr_UnknownInterfaceReturnsNil(t *testing.T) {
	assert.Nil(t, interfacePrimaryAddr("definitely-not-a-real-iface0", false))
	assert.Nil(t, interfacePrimaryAddr("definitely-not-a-real-iface0", true))
}
