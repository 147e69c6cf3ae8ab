package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/banshee-data/lidar-replay/internal/timeutil"
)

// PacketHandler consumes replayed payloads, e.g. a forwarder feeding a sensor
// pipeline. HandlePacket is called synchronously from the replay loop.
type PacketHandler interface {
	HandlePacket(rec Record) error
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(rec Record) error

func (f PacketHandlerFunc) HandlePacket(rec Record) error { return f(rec) }

// MultiHandler delivers each record to every handler in order, stopping at
// the first error.
type MultiHandler []PacketHandler

func (m MultiHandler) HandlePacket(rec Record) error {
	for _, h := range m {
		if err := h.HandlePacket(rec); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProgressEvery is how many packets pass between progress log lines.
const DefaultProgressEvery = 10000

// ReplayConfig configures capture replay.
type ReplayConfig struct {
	// SpeedMultiplier scales replay speed (1.0 = real-time, 2.0 = 2x speed,
	// 0.5 = half speed). Values <= 0 mean real-time.
	SpeedMultiplier float64

	// Unpaced delivers packets as fast as possible, ignoring capture timing.
	Unpaced bool

	// StartSeconds skips records whose elapsed time is below this offset.
	// Zero delivers everything, including records stamped before the first.
	StartSeconds float64

	// DurationSeconds stops replay after this many seconds of capture time
	// past StartSeconds. Values <= 0 replay to the end of the file.
	DurationSeconds float64

	// ProgressEvery controls progress logging. Zero uses DefaultProgressEvery;
	// negative disables progress lines.
	ProgressEvery int

	// Clock paces replay. Nil uses the real clock.
	Clock timeutil.Clock
}

// ReplaySummary reports what a replay delivered.
type ReplaySummary struct {
	FileName           string
	Packets            int64
	Bytes              int64
	Truncated          int64
	SkippedBeforeStart int64
	FilteredOut        uint64
	FirstElapsed       float64
	LastElapsed        float64
	WallTime           time.Duration
	Cancelled          bool
}

// CaptureSeconds returns the span of capture time that was replayed.
func (s ReplaySummary) CaptureSeconds() float64 {
	if s.Packets == 0 {
		return 0
	}
	return s.LastElapsed - s.FirstElapsed
}

// Replayer replays a capture file to a PacketHandler in capture order,
// reproducing the original relative timing scaled by the speed multiplier.
type Replayer struct {
	reader  PCAPReader
	handler PacketHandler
	stats   *PacketStats
	config  ReplayConfig
}

// NewReplayer creates a Replayer. A nil handler discards packets; nil stats
// allocates fresh counters.
func NewReplayer(reader PCAPReader, handler PacketHandler, stats *PacketStats, config ReplayConfig) *Replayer {
	if config.SpeedMultiplier <= 0 {
		config.SpeedMultiplier = 1.0
	}
	if config.ProgressEvery == 0 {
		config.ProgressEvery = DefaultProgressEvery
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}
	if handler == nil {
		handler = PacketHandlerFunc(func(Record) error { return nil })
	}
	if stats == nil {
		stats = NewPacketStats()
	}
	return &Replayer{reader: reader, handler: handler, stats: stats, config: config}
}

// Stats returns the counters the replayer updates.
func (rp *Replayer) Stats() *PacketStats {
	return rp.stats
}

// Replay opens path and delivers its records until the end of the file, the
// end of the configured window, a handler error or context cancellation.
// The reader is closed before Replay returns.
func (rp *Replayer) Replay(ctx context.Context, path string) (ReplaySummary, error) {
	cfg := rp.config
	clock := cfg.Clock
	summary := ReplaySummary{FileName: path}

	if err := rp.reader.Open(path); err != nil {
		return summary, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer rp.reader.Close()

	if cfg.Unpaced {
		log.Printf("PCAP replay: %s (unpaced, start %.1fs)", path, cfg.StartSeconds)
	} else {
		log.Printf("PCAP replay: %s (speed %.1fx, start %.1fs)", path, cfg.SpeedMultiplier, cfg.StartSeconds)
	}

	wallStart := clock.Now()
	var anchor time.Time
	var base float64
	delivered := false

	finish := func() ReplaySummary {
		summary.WallTime = clock.Since(wallStart)
		if fr, ok := rp.reader.(interface{ Skipped() uint64 }); ok {
			summary.FilteredOut = fr.Skipped()
		}
		return summary
	}

	for {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			log.Printf("PCAP replay stopping due to context cancellation (processed %d packets)", summary.Packets)
			return finish(), err
		}

		rec, err := rp.reader.NextPacket()
		switch {
		case errors.Is(err, io.EOF):
			log.Printf("PCAP replay complete: %d packets, %d bytes in %v", summary.Packets, summary.Bytes, clock.Since(wallStart))
			return finish(), nil
		case errors.Is(err, ErrTruncatedRecord):
			summary.Truncated++
			rp.stats.AddTruncated()
			log.Printf("Skipping PCAP record: %v", err)
			continue
		case err != nil:
			return finish(), fmt.Errorf("PCAP replay stopped after %d packets: %w", summary.Packets, err)
		}

		if cfg.StartSeconds > 0 && rec.Elapsed < cfg.StartSeconds {
			summary.SkippedBeforeStart++
			rp.stats.AddSkipped()
			continue
		}
		if cfg.DurationSeconds > 0 && rec.Elapsed > cfg.StartSeconds+cfg.DurationSeconds {
			log.Printf("PCAP replay reached end of window at %.3fs (%d packets)", rec.Elapsed, summary.Packets)
			return finish(), nil
		}

		if !delivered {
			delivered = true
			anchor = clock.Now()
			base = rec.Elapsed
			summary.FirstElapsed = rec.Elapsed
		} else if !cfg.Unpaced {
			target := time.Duration((rec.Elapsed - base) / cfg.SpeedMultiplier * float64(time.Second))
			if err := rp.wait(ctx, target-clock.Since(anchor)); err != nil {
				summary.Cancelled = true
				log.Printf("PCAP replay stopping due to context cancellation (processed %d packets)", summary.Packets)
				return finish(), err
			}
		}

		if err := rp.handler.HandlePacket(rec); err != nil {
			return finish(), fmt.Errorf("packet handler failed at record %d: %w", rec.Index, err)
		}

		summary.Packets++
		summary.Bytes += int64(rec.Length)
		summary.LastElapsed = rec.Elapsed
		rp.stats.AddPacket(rec.Length)

		if cfg.ProgressEvery > 0 && summary.Packets%int64(cfg.ProgressEvery) == 0 {
			elapsed := clock.Since(wallStart)
			log.Printf("PCAP replay progress: %d packets in %v (capture time %.1fs)", summary.Packets, elapsed, rec.Elapsed-base)
		}
	}
}

func (rp *Replayer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := rp.config.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
