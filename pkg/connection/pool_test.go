package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPoolReusesConnectionsPerAddress(t *testing.T) {
	m := NewConnectionPoolManager(grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer m.Close()

	a1, err := m.Get("127.0.0.1:7001")
	require.NoError(t, err)
	a2, err := m.Get("127.0.0.1:7001")
	require.NoError(t, err)
	require.Same(t, a1, a2)

	b, err := m.Get("127.0.0.1:7002")
	require.NoError(t, err)
	require.NotSame(t, a1, b)
	require.Equal(t, 2, m.Len())

	m.Discard("127.0.0.1:7001")
	require.Equal(t, 1, m.Len())
	a3, err := m.Get("127.0.0.1:7001")
	require.NoError(t, err)
	require.NotSame(t, a1, a3)
}

func TestClosedPoolRefusesConnections(t *testing.T) {
	m := NewConnectionPoolManager(grpc.WithTransportCredentials(insecure.NewCredentials()))
	_, err := m.Get("127.0.0.1:7001")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.Zero(t, m.Len())
	_, err = m.Get("127.0.0.1:7001")
	require.Error(t, err)
}

func TestMissingCredentialsFailToDial(t *testing.T) {
	m := NewConnectionPoolManager()
	defer m.Close()
	_, err := m.Get("127.0.0.1:7001")
	require.Error(t, err)
	require.Zero(t, m.Len())
}
