package pcapstats

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-replay/internal/lidar/network"
)

func recordsAt(elapsed []float64, lengths []int) []network.Record {
	recs := make([]network.Record, len(elapsed))
	for i := range elapsed {
		recs[i] = network.Record{Elapsed: elapsed[i], Length: lengths[i], Index: uint64(i + 1)}
	}
	return recs
}

func TestSummarise_ThreeRecords(t *testing.T) {
	t.Parallel()
	s := Summarise(recordsAt([]float64{0, 0.5, 1.2}, []int{58, 108, 158}))

	assert.Equal(t, 3, s.Packets)
	assert.Equal(t, int64(324), s.Bytes)
	assert.InDelta(t, 1.2, s.CaptureSeconds, 1e-9)
	assert.InDelta(t, 2.5, s.PacketsPerSec, 1e-9)
	assert.True(t, s.HasInterarrival())
	assert.InDelta(t, 0.6, s.MeanInterarrival, 1e-9)
	assert.InDelta(t, 0.1414213562, s.StdDevInterarrival, 1e-9)
	assert.InDelta(t, 0.5, s.P50Interarrival, 1e-9)
	assert.InDelta(t, 0.7, s.P95Interarrival, 1e-9)
	assert.InDelta(t, 0.7, s.MaxInterarrival, 1e-9)
	assert.Zero(t, s.NonMonotonic)
	assert.Equal(t, 58, s.MinPayload)
	assert.Equal(t, 158, s.MaxPayload)
	assert.InDelta(t, 108.0, s.MeanPayload, 1e-9)
}

func TestSummarise_EdgeCases(t *testing.T) {
	t.Parallel()

	empty := Summarise(nil)
	assert.Zero(t, empty.Packets)
	assert.False(t, empty.HasInterarrival())
	assert.Contains(t, empty.String(), "packets:            0")

	single := Summarise(recordsAt([]float64{0}, []int{1206}))
	assert.Equal(t, 1, single.Packets)
	assert.Zero(t, single.CaptureSeconds)
	assert.Zero(t, single.PacketsPerSec)
	assert.False(t, single.HasInterarrival())
	assert.Equal(t, 1206, single.MinPayload)

	two := Summarise(recordsAt([]float64{0, 0.25}, []int{10, 20}))
	assert.InDelta(t, 0.25, two.MeanInterarrival, 1e-9)
	assert.Zero(t, two.StdDevInterarrival)
}

func TestSummarise_NonMonotonic(t *testing.T) {
	t.Parallel()
	s := Summarise(recordsAt([]float64{0, 1.0, 0.4, 1.5}, []int{1, 1, 1, 1}))

	assert.Equal(t, 1, s.NonMonotonic)
	assert.InDelta(t, 1.5, s.CaptureSeconds, 1e-9)
	assert.Contains(t, s.String(), "non-monotonic:      1")
}

func TestCollector_HandlePacketAndRate(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	for _, rec := range recordsAt([]float64{0, 0.2, 0.9, 2.1, 2.5}, []int{100, 100, 100, 200, 200}) {
		require.NoError(t, c.HandlePacket(rec))
	}
	c.AddTruncated()

	rate := c.Rate(1.0)
	require.Len(t, rate, 3)
	assert.Equal(t, RatePoint{Second: 0, Packets: 3, Bytes: 300}, rate[0])
	assert.Equal(t, RatePoint{Second: 1, Packets: 0, Bytes: 0}, rate[1])
	assert.Equal(t, RatePoint{Second: 2, Packets: 2, Bytes: 400}, rate[2])

	assert.Nil(t, c.Rate(0))
	assert.Equal(t, int64(1), c.Summary().Truncated)
}

func TestCollector_RateWidensBucketsForLongSpans(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.Add(0, 100)
	c.Add(-1.7e9, 100) // timestamp far before the first record

	rate := c.Rate(1.0)
	require.NotEmpty(t, rate)
	assert.LessOrEqual(t, len(rate), MaxRateBuckets)
	assert.Equal(t, 1, rate[0].Packets)
	assert.Equal(t, 1, rate[len(rate)-1].Packets)

	total := 0
	for _, p := range rate {
		total += p.Packets
	}
	assert.Equal(t, 2, total)

	var buf bytes.Buffer
	require.NoError(t, c.WriteHTMLReport(&buf, "wild.pcap"))
	assert.Contains(t, buf.String(), "Packet Rate")
}

func TestCollector_WriteHTMLReport(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	for i := 0; i < 20; i++ {
		c.Add(float64(i)*0.1, 1206)
	}

	var buf bytes.Buffer
	require.NoError(t, c.WriteHTMLReport(&buf, "/captures/run.pcap"))
	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "Packet Rate")
	assert.Contains(t, html, "run.pcap")
}

func TestCollector_SaveInterarrivalPlot(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.Add(float64(i)*0.0005+float64(i%3)*0.00001, 1206)
	}

	file := filepath.Join(t.TempDir(), "interarrival.png")
	require.NoError(t, c.SaveInterarrivalPlot(file, 0))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, NewCollector().SaveInterarrivalPlot(file, 10))
}

func TestSurveyFile(t *testing.T) {
	t.Parallel()
	reader := network.NewMockPCAPReader(recordsAt([]float64{0, 0.5}, []int{10, 20}))
	reader.AddError(&network.TruncatedRecordError{Index: 3, CaptureLength: 30})
	reader.AddRecord(network.Record{Elapsed: 1.2, Length: 30, Index: 4})

	c, err := SurveyFile(reader, "mock.pcap")
	require.NoError(t, err)
	s := c.Summary()
	assert.Equal(t, 3, s.Packets)
	assert.Equal(t, int64(1), s.Truncated)
	assert.Equal(t, 1, reader.CloseCalls)
}

func TestSurveyFile_Errors(t *testing.T) {
	t.Parallel()

	reader := network.NewMockPCAPReader(nil)
	reader.OpenError = errors.New("no such file")
	_, err := SurveyFile(reader, "missing.pcap")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no such file"))

	reader = network.NewMockPCAPReader(recordsAt([]float64{0}, []int{1}))
	reader.AddError(network.ErrReadFailure)
	c, err := SurveyFile(reader, "broken.pcap")
	assert.ErrorIs(t, err, network.ErrReadFailure)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Summary().Packets)
}
