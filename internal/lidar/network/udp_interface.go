package network

import (
	"net"
	"sync"
)

// UDPSender defines the send side of a connected UDP socket.
// This abstraction lets the forwarder be tested without a real network.
type UDPSender interface {
	// Write sends one datagram to the connected peer.
	Write(b []byte) (n int, err error)

	// Close closes the socket.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// UDPDialer creates connected UDP senders.
type UDPDialer interface {
	DialUDP(network string, raddr *net.UDPAddr) (UDPSender, error)
}

// RealUDPDialer dials with net.DialUDP.
type RealUDPDialer struct{}

// DialUDP implements UDPDialer.
func (RealUDPDialer) DialUDP(network string, raddr *net.UDPAddr) (UDPSender, error) {
	conn, err := net.DialUDP(network, nil, raddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSender implements UDPSender for testing. It records every datagram.
type MockUDPSender struct {
	mu sync.Mutex
	// Writes holds a copy of each datagram written.
	Writes [][]byte
	// WriteError is returned by every Write if set.
	WriteError error
	// Closed indicates whether Close was called.
	Closed bool
	// Remote is returned by RemoteAddr.
	Remote *net.UDPAddr
}

// Write records b, or returns WriteError.
func (m *MockUDPSender) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Writes = append(m.Writes, append([]byte(nil), b...))
	return len(b), nil
}

func (m *MockUDPSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockUDPSender) RemoteAddr() net.Addr {
	return m.Remote
}

// Written returns a snapshot of the recorded datagrams.
func (m *MockUDPSender) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.Writes...)
}

// MockUDPDialer returns a fixed sender and records dial calls.
type MockUDPDialer struct {
	// Sender is returned by DialUDP.
	Sender *MockUDPSender
	// Error is returned by DialUDP if set.
	Error error
	// DialCalls records all DialUDP calls.
	DialCalls []MockDialCall
}

// MockDialCall records a call to DialUDP.
type MockDialCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPDialer creates a dialer returning a fresh MockUDPSender.
func NewMockUDPDialer() *MockUDPDialer {
	return &MockUDPDialer{Sender: &MockUDPSender{}}
}

// DialUDP returns the configured mock sender.
func (d *MockUDPDialer) DialUDP(network string, raddr *net.UDPAddr) (UDPSender, error) {
	d.DialCalls = append(d.DialCalls, MockDialCall{Network: network, Addr: raddr})
	if d.Error != nil {
		return nil, d.Error
	}
	d.Sender.Remote = raddr
	return d.Sender, nil
}
