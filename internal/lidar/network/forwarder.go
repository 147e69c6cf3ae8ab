package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// DropCounter records packets the forwarder could not deliver.
type DropCounter interface {
	AddDropped()
}

// DefaultForwardBuffer is the number of payloads queued before drops begin.
const DefaultForwardBuffer = 1000

// PacketForwarder sends replayed payloads to a UDP destination, typically the
// port a sensor pipeline listens on. Sends are queued and written by a
// background goroutine so replay timing is not held up by the socket.
type PacketForwarder struct {
	conn        UDPSender
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
	done        chan struct{}
	started     bool
	closeOnce   sync.Once
}

// NewPacketForwarder creates a forwarder that sends packets to addr:port.
// A buffer of zero uses DefaultForwardBuffer.
func NewPacketForwarder(addr string, port int, stats DropCounter, logInterval time.Duration, buffer int) (*PacketForwarder, error) {
	return NewPacketForwarderWithDialer(RealUDPDialer{}, addr, port, stats, logInterval, buffer)
}

// NewPacketForwarderWithDialer is NewPacketForwarder with an injected dialer.
func NewPacketForwarderWithDialer(dialer UDPDialer, addr string, port int, stats DropCounter, logInterval time.Duration, buffer int) (*PacketForwarder, error) {
	forwardAddress := net.JoinHostPort(addr, fmt.Sprint(port))
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := dialer.DialUDP("udp", forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	if buffer <= 0 {
		buffer = DefaultForwardBuffer
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	if stats == nil {
		stats = NewPacketStats()
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, buffer),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
		done:        make(chan struct{}),
	}, nil
}

// Start begins the goroutine that drains the queue. On Close it writes what
// is queued before exiting. On ctx cancellation it exits at once and the
// payloads still queued are counted as dropped.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.started = true
	go func() {
		defer close(f.done)
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				f.dropQueued()
				return
			case packet, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
					f.stats.AddDropped()
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					log.Printf("\033[93mDropped %d forwarded packets due to errors (latest: %v)\033[0m", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	log.Printf("Forwarding packets to %s", f.address)
}

// ForwardAsync queues a payload without blocking. The payload must not be
// modified afterwards. When the queue is full the packet is dropped.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	select {
	case f.channel <- packet:
	default:
		f.stats.AddDropped()
	}
}

// HandlePacket implements PacketHandler.
func (f *PacketForwarder) HandlePacket(rec Record) error {
	f.ForwardAsync(rec.Payload)
	return nil
}

// Address returns the destination host:port.
func (f *PacketForwarder) Address() string {
	return f.address
}

// Close stops accepting packets, waits for a started writer to drain the
// queue and closes the socket. ForwardAsync must not be called after Close.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.channel)
		if f.started {
			<-f.done
		}
		f.dropQueued()
		err = f.conn.Close()
	})
	return err
}

// dropQueued counts every payload left in the queue as dropped.
func (f *PacketForwarder) dropQueued() {
	for {
		select {
		case _, ok := <-f.channel:
			if !ok {
				return
			}
			f.stats.AddDropped()
		default:
			return
		}
	}
}
