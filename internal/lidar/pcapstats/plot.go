package pcapstats

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// DefaultHistogramBins is the bin count used by SaveInterarrivalPlot.
const DefaultHistogramBins = 50

// SaveInterarrivalPlot writes a histogram of inter-arrival times to file.
// The image format follows the extension (.png, .svg, .pdf).
func (c *Collector) SaveInterarrivalPlot(file string, bins int) error {
	gaps := c.Interarrivals()
	if len(gaps) == 0 {
		return errors.New("need at least two packets to plot inter-arrival times")
	}
	if bins <= 0 {
		bins = DefaultHistogramBins
	}

	ms := make(plotter.Values, len(gaps))
	for i, g := range gaps {
		ms[i] = g * 1000
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Packet Inter-arrival (%d packets)", len(gaps)+1)
	p.X.Label.Text = "Inter-arrival (ms)"
	p.Y.Label.Text = "Count"

	hist, err := plotter.NewHist(ms, bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	hist.LineStyle.Width = vg.Points(0.5)
	p.Add(hist)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", file, err)
	}
	return nil
}
