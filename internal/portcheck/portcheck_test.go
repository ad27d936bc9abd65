package portcheck

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupFindsOwnSocket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := uint32(pc.LocalAddr().(*net.UDPAddr).Port)

	owner, err := Lookup(port)
	require.NoError(t, err)
	require.NotNil(t, owner, "own UDP socket not found in socket table")
	assert.Equal(t, int32(os.Getpid()), owner.PID)

	bound, err := Bound(port)
	require.NoError(t, err)
	assert.True(t, bound)
}

func TestLookupUnboundPort(t *testing.T) {
	// Bind and immediately release a port to get one that is free.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint32(pc.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, pc.Close())

	owner, err := Lookup(port)
	require.NoError(t, err)
	assert.Nil(t, owner)
}
