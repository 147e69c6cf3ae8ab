// Package pcapstats summarises the timing and size of the UDP payloads in a
// capture file, either from a dedicated pass over the file or collected
// alongside a replay.
package pcapstats

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lidar-replay/internal/lidar/network"
)

// Collector accumulates per-record elapsed times and payload lengths. It
// implements network.PacketHandler so it can sit next to a forwarder in a
// network.MultiHandler.
type Collector struct {
	mu        sync.Mutex
	elapsed   []float64
	lengths   []float64
	truncated int64
}

func NewCollector() *Collector {
	return &Collector{}
}

// Add records one payload.
func (c *Collector) Add(elapsed float64, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed = append(c.elapsed, elapsed)
	c.lengths = append(c.lengths, float64(length))
}

// AddTruncated counts a record that was too short to carry a payload.
func (c *Collector) AddTruncated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.truncated++
}

// HandlePacket implements network.PacketHandler.
func (c *Collector) HandlePacket(rec network.Record) error {
	c.Add(rec.Elapsed, rec.Length)
	return nil
}

// Summary describes a capture's payload timing and sizes. Inter-arrival
// statistics are in seconds and need at least two packets.
type Summary struct {
	Packets        int
	Truncated      int64
	Bytes          int64
	CaptureSeconds float64
	PacketsPerSec  float64

	MeanInterarrival   float64
	StdDevInterarrival float64
	P50Interarrival    float64
	P95Interarrival    float64
	MaxInterarrival    float64
	// NonMonotonic counts records timestamped earlier than their predecessor.
	NonMonotonic int

	MinPayload  int
	MaxPayload  int
	MeanPayload float64
}

// HasInterarrival reports whether the inter-arrival fields are meaningful.
func (s Summary) HasInterarrival() bool {
	return s.Packets >= 2
}

// Summary computes statistics over everything added so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return summarise(c.elapsed, c.lengths, c.truncated)
}

// Interarrivals returns the gaps between consecutive records in seconds.
func (c *Collector) Interarrivals() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return interarrivals(c.elapsed)
}

// Series returns copies of the elapsed times and payload lengths in
// capture order.
func (c *Collector) Series() (elapsed, lengths []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.elapsed...), append([]float64(nil), c.lengths...)
}

// Summarise computes statistics for records already held in memory.
func Summarise(records []network.Record) Summary {
	c := NewCollector()
	for _, rec := range records {
		c.Add(rec.Elapsed, rec.Length)
	}
	return c.Summary()
}

// SurveyFile reads every matching record of path with reader and returns
// the collected statistics. Truncated records are counted and skipped.
func SurveyFile(reader network.PCAPReader, path string) (*Collector, error) {
	if err := reader.Open(path); err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer reader.Close()

	c := NewCollector()
	for {
		rec, err := reader.NextPacket()
		switch {
		case errors.Is(err, io.EOF):
			return c, nil
		case errors.Is(err, network.ErrTruncatedRecord):
			c.AddTruncated()
			continue
		case err != nil:
			return c, err
		}
		c.Add(rec.Elapsed, rec.Length)
	}
}

func interarrivals(elapsed []float64) []float64 {
	if len(elapsed) < 2 {
		return nil
	}
	gaps := make([]float64, len(elapsed)-1)
	for i := 1; i < len(elapsed); i++ {
		gaps[i-1] = elapsed[i] - elapsed[i-1]
	}
	return gaps
}

func summarise(elapsed, lengths []float64, truncated int64) Summary {
	s := Summary{Packets: len(elapsed), Truncated: truncated}
	if len(elapsed) == 0 {
		return s
	}

	minE, maxE := elapsed[0], elapsed[0]
	s.MinPayload, s.MaxPayload = int(lengths[0]), int(lengths[0])
	for i, e := range elapsed {
		if e < minE {
			minE = e
		}
		if e > maxE {
			maxE = e
		}
		l := int(lengths[i])
		s.Bytes += int64(l)
		if l < s.MinPayload {
			s.MinPayload = l
		}
		if l > s.MaxPayload {
			s.MaxPayload = l
		}
	}
	s.MeanPayload = stat.Mean(lengths, nil)
	s.CaptureSeconds = maxE - minE
	if s.CaptureSeconds > 0 {
		s.PacketsPerSec = float64(s.Packets) / s.CaptureSeconds
	}

	gaps := interarrivals(elapsed)
	if len(gaps) == 0 {
		return s
	}
	for _, g := range gaps {
		if g < 0 {
			s.NonMonotonic++
		}
	}
	s.MeanInterarrival = stat.Mean(gaps, nil)
	if len(gaps) > 1 {
		s.StdDevInterarrival = stat.StdDev(gaps, nil)
	}

	sorted := append([]float64(nil), gaps...)
	sort.Float64s(sorted)
	s.P50Interarrival = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P95Interarrival = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	s.MaxInterarrival = sorted[len(sorted)-1]
	return s
}

// String renders the summary as the multi-line report pcap-replay prints.
func (s Summary) String() string {
	out := fmt.Sprintf("packets:            %d\n", s.Packets)
	out += fmt.Sprintf("truncated:          %d\n", s.Truncated)
	out += fmt.Sprintf("payload bytes:      %d\n", s.Bytes)
	out += fmt.Sprintf("capture duration:   %.6fs\n", s.CaptureSeconds)
	if s.Packets == 0 {
		return out
	}
	out += fmt.Sprintf("packet rate:        %.1f/s\n", s.PacketsPerSec)
	out += fmt.Sprintf("payload min/mean/max: %d / %.1f / %d bytes\n", s.MinPayload, s.MeanPayload, s.MaxPayload)
	if s.HasInterarrival() {
		out += fmt.Sprintf("inter-arrival mean: %.6fs (stddev %.6fs)\n", s.MeanInterarrival, s.StdDevInterarrival)
		out += fmt.Sprintf("inter-arrival p50/p95/max: %.6fs / %.6fs / %.6fs\n", s.P50Interarrival, s.P95Interarrival, s.MaxInterarrival)
		out += fmt.Sprintf("non-monotonic:      %d\n", s.NonMonotonic)
	}
	return out
}
