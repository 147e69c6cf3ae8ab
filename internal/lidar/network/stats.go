package network

import (
	"log"
	"sync"
	"time"
)

// PacketStats tracks replay counters. It is safe for concurrent use; the
// forwarder goroutine reports drops while the replay loop adds packets.
type PacketStats struct {
	mu             sync.Mutex
	packetCount    int64
	byteCount      int64
	droppedCount   int64
	truncatedCount int64
	skippedCount   int64
	lastReset      time.Time
}

// StatsSnapshot is a point-in-time copy of PacketStats.
type StatsSnapshot struct {
	Packets   int64
	Bytes     int64
	Dropped   int64
	Truncated int64
	Skipped   int64
	Duration  time.Duration
}

// NewPacketStats returns zeroed counters.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

func (ps *PacketStats) AddTruncated() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.truncatedCount++
}

func (ps *PacketStats) AddSkipped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.skippedCount++
}

// Snapshot returns the counters accumulated since the last reset.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.snapshotLocked(time.Now())
}

func (ps *PacketStats) snapshotLocked(now time.Time) StatsSnapshot {
	return StatsSnapshot{
		Packets:   ps.packetCount,
		Bytes:     ps.byteCount,
		Dropped:   ps.droppedCount,
		Truncated: ps.truncatedCount,
		Skipped:   ps.skippedCount,
		Duration:  now.Sub(ps.lastReset),
	}
}

// GetAndReset returns the counters and zeroes them.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := ps.snapshotLocked(now)
	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.truncatedCount = 0
	ps.skippedCount = 0
	ps.lastReset = now
	return s
}

// LogStats logs and resets the counters.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	log.Printf("Replay stats (/sec): %.2f packets, %.2f KB, %d dropped, %d truncated",
		float64(s.Packets)/secs, float64(s.Bytes)/secs/1024.0, s.Dropped, s.Truncated)
}
