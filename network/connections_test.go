package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManagerLifecycle(t *testing.T) {
	manager := NewConnectionManager()
	left, right := net.Pipe()
	defer right.Close()

	record := manager.AddConnection(left, "tcp://127.0.0.1:5432/")
	assert.Equal(t, 1, manager.Counter())
	assert.Equal(t, uint64(1), manager.Total())
	assert.Equal(t, uint64(1), record.ID)
	require.Len(t, manager.Records(), 1)

	manager.RemoveConnection(left)
	assert.Equal(t, 0, manager.Counter())
	assert.Equal(t, uint64(1), manager.Total(), "total keeps counting closed connections")
	assert.Empty(t, manager.Records())

	// removing twice must not unbalance the wait group
	manager.RemoveConnection(left)
	manager.Wait()
}

func TestCountingConn(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	record := &ConnectionRecord{}
	counted := NewCountingConn(left, record)

	go right.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err := counted.Read(buf)
	require.NoError(t, err)

	go func() {
		drain := make([]byte, 3)
		right.Read(drain)
	}()
	_, err = counted.Write([]byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, uint64(5), record.BytesIn())
	assert.Equal(t, uint64(3), record.BytesOut())
}
