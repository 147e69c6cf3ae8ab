package pcapstats

import (
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// MaxRateBuckets bounds the number of points Rate returns.
const MaxRateBuckets = 10000

// RatePoint is the number of packets and payload bytes seen in one bucket
// of capture time.
type RatePoint struct {
	Second  float64
	Packets int
	Bytes   int64
}

// Rate buckets the collected records into windows of bucket seconds,
// starting at the earliest record. Empty buckets are included. When the
// capture spans more than MaxRateBuckets buckets, bucket is widened to fit.
func (c *Collector) Rate(bucket float64) []RatePoint {
	elapsed, lengths := c.Series()
	if len(elapsed) == 0 || bucket <= 0 {
		return nil
	}

	minE, maxE := elapsed[0], elapsed[0]
	for _, e := range elapsed {
		minE = math.Min(minE, e)
		maxE = math.Max(maxE, e)
	}
	if span := maxE - minE; span/bucket >= MaxRateBuckets {
		bucket = span / (MaxRateBuckets - 1)
	}
	n := int(math.Floor((maxE-minE)/bucket)) + 1
	if n > MaxRateBuckets {
		n = MaxRateBuckets
	}
	points := make([]RatePoint, n)
	for i := range points {
		points[i].Second = float64(i) * bucket
	}
	for i, e := range elapsed {
		idx := int(math.Floor((e - minE) / bucket))
		if idx >= n {
			idx = n - 1
		}
		points[idx].Packets++
		points[idx].Bytes += int64(lengths[i])
	}
	return points
}

// WriteHTMLReport renders the packet rate over capture time and a summary
// bar chart as a standalone HTML page.
func (c *Collector) WriteHTMLReport(w io.Writer, captureName string) error {
	summary := c.Summary()
	rate := c.Rate(1.0)

	x := make([]string, len(rate))
	pkts := make([]opts.LineData, len(rate))
	kb := make([]opts.LineData, len(rate))
	for i, p := range rate {
		x[i] = fmt.Sprintf("%.0f", p.Second)
		pkts[i] = opts.LineData{Value: p.Packets}
		kb[i] = opts.LineData{Value: float64(p.Bytes) / 1024.0}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Packet Rate", Subtitle: filepath.Base(captureName)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Capture time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("packets/s", pkts).
		AddSeries("KB/s", kb)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Inter-arrival (ms)", Subtitle: fmt.Sprintf("packets=%d truncated=%d", summary.Packets, summary.Truncated)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"mean", "stddev", "p50", "p95", "max"}).
		AddSeries("inter-arrival", []opts.BarData{
			{Value: summary.MeanInterarrival * 1000},
			{Value: summary.StdDevInterarrival * 1000},
			{Value: summary.P50Interarrival * 1000},
			{Value: summary.P95Interarrival * 1000},
			{Value: summary.MaxInterarrival * 1000},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.SetPageTitle("PCAP Summary")
	page.AddCharts(line, bar)

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}
