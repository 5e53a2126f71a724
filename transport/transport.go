// Package transport implements the LSNP UDP transport (spec.md §4.5): a
// single socket bound with broadcast enabled, fire-and-forget unicast and
// broadcast sends, and a blocking receive loop. Grounded on the teacher's
// ListenForPeers/HandlePeersMessages socket handling, generalized from a
// dial-per-peer connection table to one broadcast-capable listening
// socket (the spec requires broadcast; the teacher dials each peer
// individually instead).
package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the largest payload this layer will attempt to
// send or receive; the file-transfer engine is responsible for chunking
// to stay under it (spec.md §4.5).
const MaxDatagramSize = 60 * 1024

// Transport owns the single UDP socket used for all LSNP traffic.
type Transport struct {
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr
	sendMu        chanMutex
}

// chanMutex is a channel-based mutex so Close can never deadlock behind
// a held sync.Mutex if a send is in flight; spec.md §5 only requires a
// send lock, not a particular implementation.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// Listen binds a UDP4 socket on port with broadcast enabled and resolves
// the subnet's directed broadcast address from broadcastAddr (e.g.
// "255.255.255.255:7000" or a subnet-specific directed broadcast).
func Listen(port int, broadcastAddr string) (*Transport, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: enable SO_BROADCAST: %w", err)
	}

	bAddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: resolve broadcast address %q: %w", broadcastAddr, err)
	}

	return &Transport{conn: conn, broadcastAddr: bAddr, sendMu: newChanMutex()}, nil
}

// setBroadcast sets SO_BROADCAST on the socket; without it, sendto() to
// a broadcast address fails with EACCES (mirrors
// original_source/src/manager/lsnp_controller.py's
// socket.setsockopt(SOL_SOCKET, SO_BROADCAST, 1)).
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// LocalPort returns the bound local port.
func (t *Transport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendUnicast fire-and-forgets bytes to addr.
func (t *Transport) SendUnicast(addr *net.UDPAddr, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("transport: payload %d bytes exceeds max datagram size %d", len(data), MaxDatagramSize)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

// SendBroadcast fire-and-forgets bytes to the configured broadcast
// address.
func (t *Transport) SendBroadcast(data []byte) error {
	return t.SendUnicast(t.broadcastAddr, data)
}

// Recv blocks until a datagram arrives, returning its payload and source
// address. Malformed datagrams and short reads never tear down the
// socket; Recv simply returns whatever bytes were read (spec.md §4.5).
func (t *Transport) Recv(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

// Close releases the socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}
