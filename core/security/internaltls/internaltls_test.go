package internaltls

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T, server, client *tls.Config) error {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		serverErr <- tls.Server(conn, server).Handshake()
	}()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	if err := tls.Client(conn, client).Handshake(); err != nil {
		conn.Close()
		<-serverErr
		return err
	}
	return <-serverErr
}

func TestSelfSignedPairHandshakes(t *testing.T) {
	server, client, err := SelfSigned()
	require.NoError(t, err)
	require.NoError(t, handshake(t, server, client))
}

func TestGeneratedFilesLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateCertificates(dir))

	server, err := LoadServerTLSConfig(InDir(dir, "server"))
	require.NoError(t, err)
	client, err := LoadClientTLSConfig(InDir(dir, "client"))
	require.NoError(t, err)
	client.ServerName = "localhost"
	require.NoError(t, handshake(t, server, client))
}

func TestClientFromAnotherAuthorityIsRejected(t *testing.T) {
	server, _, err := SelfSigned()
	require.NoError(t, err)
	_, stranger, err := SelfSigned()
	require.NoError(t, err)
	require.Error(t, handshake(t, server, stranger))
}

func TestMissingFiles(t *testing.T) {
	_, err := LoadServerTLSConfig(InDir(t.TempDir(), "server"))
	require.Error(t, err)
	require.False(t, Files{}.Enabled())
	require.True(t, InDir("d", "client").Enabled())
}
