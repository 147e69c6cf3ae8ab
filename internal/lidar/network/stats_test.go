package network

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketStats_CountersAndReset(t *testing.T) {
	t.Parallel()
	ps := NewPacketStats()
	ps.AddPacket(100)
	ps.AddPacket(58)
	ps.AddDropped()
	ps.AddTruncated()
	ps.AddSkipped()
	ps.AddSkipped()

	snap := ps.Snapshot()
	assert.Equal(t, int64(2), snap.Packets)
	assert.Equal(t, int64(158), snap.Bytes)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, int64(1), snap.Truncated)
	assert.Equal(t, int64(2), snap.Skipped)

	got := ps.GetAndReset()
	assert.Equal(t, snap.Packets, got.Packets)
	assert.Equal(t, StatsSnapshot{}, withoutDuration(ps.Snapshot()))

	// LogStats resets as well.
	ps.AddPacket(10)
	ps.LogStats()
	assert.Zero(t, ps.Snapshot().Packets)
}

func TestPacketStats_Concurrent(t *testing.T) {
	t.Parallel()
	ps := NewPacketStats()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				ps.AddPacket(1)
				ps.AddDropped()
			}
		}()
	}
	wg.Wait()

	snap := ps.Snapshot()
	assert.Equal(t, int64(8000), snap.Packets)
	assert.Equal(t, int64(8000), snap.Dropped)
}

func withoutDuration(s StatsSnapshot) StatsSnapshot {
	s.Duration = 0
	return s
}
