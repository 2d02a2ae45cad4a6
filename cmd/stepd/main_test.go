package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_RegistersLaunchSubcommands(t *testing.T) {
	root := newRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["launch"])
	assert.True(t, names["batch"])
	assert.True(t, names["spawn"])
}

func TestRunDispatch_RequiresStepFlag(t *testing.T) {
	err := runDispatch("", 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--step")
}
