package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendUnicastRecv(t *testing.T) {
	a, err := Listen(0, "127.0.0.1:9")
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen(0, "127.0.0.1:9")
	require.NoError(t, err)
	defer b.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()}
	require.NoError(t, a.SendUnicast(dst, []byte("hello")))

	buf := make([]byte, MaxDatagramSize)
	n, addr, err := b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, a.LocalPort(), addr.Port)
}

func TestSendUnicastRejectsOversizedPayload(t *testing.T) {
	a, err := Listen(0, "127.0.0.1:9")
	require.NoError(t, err)
	defer a.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	oversized := make([]byte, MaxDatagramSize+1)
	require.Error(t, a.SendUnicast(dst, oversized))
}

func TestCloseUnblocksRecv(t *testing.T) {
	a, err := Listen(0, "127.0.0.1:9")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, MaxDatagramSize)
		_, _, err := a.Recv(buf)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}
