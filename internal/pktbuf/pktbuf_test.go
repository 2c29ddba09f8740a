package pktbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSizesPayload(t *testing.T) {
	buf := Get(128)
	require.Equal(t, 128, buf.Len())
	require.Len(t, buf.Payload(), 128)
}

func TestGetOversizedFallsBackToOneOff(t *testing.T) {
	buf := Get(Cap + 1)
	require.Equal(t, Cap+1, buf.Len())
	buf.Release() // no-op, not pool-backed; must not panic
}

func TestReleaseThenNoop(t *testing.T) {
	buf := Get(64)
	buf.Release()
	require.Nil(t, buf.Payload())
	require.NotPanics(t, buf.Release)
}

func TestWrapDoesNotPool(t *testing.T) {
	data := []byte("hello")
	buf := Wrap(data)
	require.Equal(t, data, buf.Payload())
	buf.Release()
	require.Equal(t, data, buf.Payload(), "Wrap'd buffers are not pool-owned and survive Release")
}
