package hostport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	signer, authorizedKey, err := generateKeyPair()
	require.NoError(t, err)

	// The authorized_keys line must parse back to the signer's public key
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", parsed.Type())
	assert.Equal(t, signer.PublicKey().Marshal(), parsed.Marshal())
}

func TestGenerateKeyPair_Unique(t *testing.T) {
	_, key1, err := generateKeyPair()
	require.NoError(t, err)
	_, key2, err := generateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)
}

func TestBridge(t *testing.T) {
	clientSide, tunnelRemote := net.Pipe()
	tunnelLocal, serverSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		bridge(tunnelRemote, tunnelLocal)
		close(done)
	}()

	// Client -> server direction
	go func() { _, _ = clientSide.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := serverSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)

	// Server -> client direction
	go func() { _, _ = serverSide.Write([]byte("pong")) }()
	_, err = clientSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf)

	// Closing one end unwinds the whole bridge
	clientSide.Close()
	serverSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not terminate after close")
	}
}

func TestBridge_LargePayload(t *testing.T) {
	clientSide, tunnelRemote := net.Pipe()
	tunnelLocal, serverSide := net.Pipe()

	go bridge(tunnelRemote, tunnelLocal)

	payload := bytes.Repeat([]byte("abcdefgh"), 16*1024)
	go func() {
		_, _ = clientSide.Write(payload)
		clientSide.Close()
	}()

	var received bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := serverSide.Read(buf)
		received.Write(buf[:n])
		if err != nil {
			break
		}
	}
	serverSide.Close()
	assert.Equal(t, len(payload), received.Len())
}

func TestStart_Validation(t *testing.T) {
	_, err := Start(t.Context(), nil, Options{NetworkID: "net", Ports: nil})
	assert.ErrorContains(t, err, "no ports")

	_, err = Start(t.Context(), nil, Options{Ports: []int{8080}})
	assert.ErrorContains(t, err, "network ID")
}
