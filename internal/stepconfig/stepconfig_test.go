package stepconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_SpoolPath(t *testing.T) {
	s := &Step{JobID: 42, SpoolDir: "/var/spool/slurmd"}
	assert.Equal(t, "/var/spool/slurmd/job00042", s.SpoolPath())
}

func TestStep_AllExited(t *testing.T) {
	s := &Step{Tasks: []*TaskRecord{
		{LocalID: 0, Exited: true},
		{LocalID: 1, Exited: false},
	}}
	require.False(t, s.AllExited())

	s.Tasks[1].Exited = true
	require.True(t, s.AllExited())
}

func TestFlags_Has(t *testing.T) {
	f := FlagBatch | FlagParallelDebug
	assert.True(t, f.Has(FlagBatch))
	assert.True(t, f.Has(FlagParallelDebug))
	assert.False(t, f.Has(FlagSpawn))
}

func TestStep_TotalTaskCount(t *testing.T) {
	s := &Step{Tasks: make([]*TaskRecord, 3)}
	assert.Equal(t, 3, s.TotalTaskCount())
}
