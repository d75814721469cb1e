package mqterm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDManagerAllocate(t *testing.T) {
	m := NewPacketIDManager()

	for want := uint16(1); want <= 3; want++ {
		id, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, id)
		assert.True(t, m.IsUsed(id))
	}
	assert.Equal(t, 3, m.InUse())

	require.NoError(t, m.Release(2))
	assert.False(t, m.IsUsed(2))
	assert.Equal(t, 2, m.InUse())

	// allocation keeps cycling forward rather than reusing 2 at once
	id, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(4), id)
}

func TestPacketIDManagerRelease(t *testing.T) {
	m := NewPacketIDManager()
	assert.ErrorIs(t, m.Release(0), ErrPacketIDNotFound)
	assert.ErrorIs(t, m.Release(5), ErrPacketIDNotFound)

	id, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.Release(id))
	assert.ErrorIs(t, m.Release(id), ErrPacketIDNotFound)
}

func TestPacketIDManagerExhaustion(t *testing.T) {
	m := NewPacketIDManager()
	for range maxPacketID {
		_, err := m.Allocate()
		require.NoError(t, err)
	}
	assert.Equal(t, maxPacketID, m.InUse())

	_, err := m.Allocate()
	assert.ErrorIs(t, err, ErrPacketIDExhausted)

	require.NoError(t, m.Release(40000))
	id, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), id)
}

func TestPacketIDManagerWraps(t *testing.T) {
	m := NewPacketIDManager()
	for range maxPacketID {
		id, err := m.Allocate()
		require.NoError(t, err)
		if id != 1 {
			require.NoError(t, m.Release(id))
		}
	}

	// 1 is still held, so the cycle skips it
	id, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)
}
