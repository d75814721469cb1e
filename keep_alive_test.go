package mqterm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAlivePingDue(t *testing.T) {
	start := time.Unix(1000, 0)
	k := newKeepAlive(10, start)

	ping, err := k.check(start.Add(4 * time.Second))
	require.NoError(t, err)
	assert.False(t, ping)

	k.sent(start.Add(4 * time.Second))
	ping, err = k.check(start.Add(8 * time.Second))
	require.NoError(t, err)
	assert.False(t, ping, "recent traffic postpones the ping")

	ping, err = k.check(start.Add(9 * time.Second))
	require.NoError(t, err)
	assert.True(t, ping)
	assert.True(t, k.outstanding())

	ping, err = k.check(start.Add(10 * time.Second))
	require.NoError(t, err)
	assert.False(t, ping, "only one ping outstanding")
}

func TestKeepAliveTimeout(t *testing.T) {
	start := time.Unix(1000, 0)
	k := newKeepAlive(10, start)

	ping, err := k.check(start.Add(5 * time.Second))
	require.NoError(t, err)
	require.True(t, ping)

	_, err = k.check(start.Add(15 * time.Second))
	assert.ErrorIs(t, err, ErrKeepAliveTimeout)
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestKeepAlivePong(t *testing.T) {
	start := time.Unix(1000, 0)
	k := newKeepAlive(10, start)

	ping, _ := k.check(start.Add(5 * time.Second))
	require.True(t, ping)

	k.pong()
	assert.False(t, k.outstanding())

	_, err := k.check(start.Add(15 * time.Second))
	assert.NoError(t, err)
}

func TestKeepAliveDisabled(t *testing.T) {
	start := time.Unix(1000, 0)
	k := newKeepAlive(0, start)

	ping, err := k.check(start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ping)
}
