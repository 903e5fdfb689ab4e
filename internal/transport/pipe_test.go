package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeLinkRoundTrip(t *testing.T) {
	a, b := NewPipe(4)
	defer a.Disconnect()
	defer b.Disconnect()

	require.NoError(t, a.Write([]byte("hello")))
	got := <-b.Reads()
	assert.Equal(t, []byte("hello"), got)
}

func TestPipeLinkQueueFull(t *testing.T) {
	a, b := NewPipe(2)
	defer a.Disconnect()
	defer b.Disconnect()

	require.NoError(t, a.Write([]byte("1")))
	require.NoError(t, a.Write([]byte("2")))
	assert.ErrorIs(t, a.Write([]byte("3")), ErrQueueFull)
	assert.Equal(t, 2, a.QueueLen())

	<-b.Reads()
	assert.Equal(t, 1, a.QueueLen())
}

func TestPipeLinkDisconnectClosesReads(t *testing.T) {
	a, b := NewPipe(1)
	defer b.Disconnect()

	require.NoError(t, a.Disconnect())
	_, ok := <-a.Reads()
	assert.False(t, ok)
}
