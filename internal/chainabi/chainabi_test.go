package chainabi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesAllThreeABIs(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	_, ok := c.Task.Methods["accept"]
	require.True(t, ok, "Task ABI must expose accept()")
	_, ok = c.Task.Methods["submit"]
	require.True(t, ok, "Task ABI must expose submit()")

	_, ok = c.Stake.Methods["minerTestSubmit"]
	require.True(t, ok, "Stake ABI must expose minerTestSubmit()")
	_, ok = c.Stake.Methods["isMiner"]
	require.True(t, ok, "Stake ABI must expose isMiner()")

	_, ok = c.Prover.Methods["version"]
	require.True(t, ok, "Prover ABI must expose version()")
	_, ok = c.Prover.Methods["name"]
	require.True(t, ok, "Prover ABI must expose name()")
}

func TestEventTopicsAreStableAndDistinct(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	createTask, acceptTask, approveProver := c.EventTopics()
	require.NotEqual(t, createTask, acceptTask)
	require.NotEqual(t, createTask, approveProver)
	require.NotEqual(t, acceptTask, approveProver)

	// Deterministic: recomputing from a fresh Load() must yield identical
	// topic hashes, since Scanner keys its dispatch table by these values.
	c2, err := Load()
	require.NoError(t, err)
	createTask2, acceptTask2, approveProver2 := c2.EventTopics()
	require.Equal(t, createTask, createTask2)
	require.Equal(t, acceptTask, acceptTask2)
	require.Equal(t, approveProver, approveProver2)
}
