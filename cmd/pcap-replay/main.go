// Command pcap-replay replays the UDP payloads of a capture file to a LiDAR
// pipeline with their original timing, or surveys the capture.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/lidar-replay/internal/config"
	"github.com/banshee-data/lidar-replay/internal/lidar/lidardb"
	"github.com/banshee-data/lidar-replay/internal/lidar/network"
	"github.com/banshee-data/lidar-replay/internal/lidar/pcapstats"
	"github.com/banshee-data/lidar-replay/internal/version"
)

var (
	pcapFile      = flag.String("pcap", "", "Capture file to read (pcap or pcapng)")
	configFile    = flag.String("config", "", "Optional JSON replay config; flags override its values")
	filterExpr    = flag.String("filter", config.DefaultFilter, "Capture filter: udp, udp port N, udp src port N, udp dst port N")
	backend       = flag.String("backend", config.DefaultBackend, "Capture backend: native or libpcap (requires -tags=pcap)")
	speed         = flag.Float64("speed", 1.0, "Replay speed multiplier (2.0 = twice real-time)")
	unpaced       = flag.Bool("unpaced", false, "Replay as fast as possible, ignoring capture timing")
	startSeconds  = flag.Float64("start", 0, "Skip packets captured earlier than this many seconds into the file")
	durationSecs  = flag.Float64("duration", -1, "Stop after this many seconds of capture time (<= 0 for whole file)")
	forward       = flag.Bool("forward", false, "Forward replayed payloads over UDP")
	forwardAddr   = flag.String("forward-addr", config.DefaultForwardAddr, "Address to forward payloads to")
	forwardPort   = flag.Int("forward-port", config.DefaultForwardPort, "Port to forward payloads to")
	forwardBuffer = flag.Int("forward-buffer", config.DefaultForwardBuffer, "Payloads queued for forwarding before drops")
	dbFile        = flag.String("db", "", "SQLite database to record the replay session in (optional)")
	logInterval   = flag.Duration("log-interval", config.DefaultLogInterval, "Statistics logging interval")
	progressEvery = flag.Int("progress-every", config.DefaultProgressEvery, "Log progress every N packets (negative disables)")
	countOnly     = flag.Bool("count", false, "Print the number of matching packets and exit")
	summaryOnly   = flag.Bool("summary", false, "Print capture statistics and exit")
	plotFile      = flag.String("plot", "", "Write an inter-arrival histogram (.png, .svg or .pdf)")
	htmlFile      = flag.String("html", "", "Write an HTML packet rate report")
	listSessions  = flag.Int("list-sessions", 0, "Print the N most recent sessions from -db and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
	listen        = flag.String("listen", "", "Serve /debug/ routes on this address while replaying (e.g. localhost:8082)")
)

// options is the resolved configuration after applying flags over the
// optional config file.
type options struct {
	PCAPFile      string
	Reader        network.ReaderOptions
	Replay        network.ReplayConfig
	Forward       bool
	ForwardAddr   string
	ForwardPort   int
	ForwardBuffer int
	LogInterval   time.Duration
	DBFile        string
	Count         bool
	Summary       bool
	PlotFile      string
	HTMLFile      string
	ListSessions  int
	Listen        string
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := &config.ReplayConfig{}
	if *configFile != "" {
		var err error
		cfg, err = config.LoadReplayConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded replay config from %s", *configFile)
	}

	opts, err := resolveOptions(cfg, set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Print("Replay interrupted")
			return
		}
		log.Fatalf("pcap-replay failed: %v", err)
	}
}

// resolveOptions merges cfg with the package flags; flags named in set win.
func resolveOptions(cfg *config.ReplayConfig, set map[string]bool) (options, error) {
	opts := options{
		PCAPFile: *pcapFile,
		Reader: network.ReaderOptions{
			Filter:  cfg.GetFilter(),
			Backend: network.Backend(cfg.GetBackend()),
		},
		Replay: network.ReplayConfig{
			SpeedMultiplier: cfg.GetSpeedMultiplier(),
			Unpaced:         cfg.GetUnpaced(),
			StartSeconds:    cfg.GetStartSeconds(),
			DurationSeconds: cfg.GetDurationSeconds(),
			ProgressEvery:   cfg.GetProgressEvery(),
		},
		Forward:       cfg.GetForward(),
		ForwardAddr:   cfg.GetForwardAddr(),
		ForwardPort:   cfg.GetForwardPort(),
		ForwardBuffer: cfg.GetForwardBuffer(),
		LogInterval:   cfg.GetLogInterval(),
		DBFile:        *dbFile,
		Count:         *countOnly,
		Summary:       *summaryOnly,
		PlotFile:      *plotFile,
		HTMLFile:      *htmlFile,
		ListSessions:  *listSessions,
		Listen:        *listen,
	}

	if set["filter"] {
		opts.Reader.Filter = *filterExpr
	}
	if set["backend"] {
		opts.Reader.Backend = network.Backend(*backend)
	}
	if set["speed"] {
		opts.Replay.SpeedMultiplier = *speed
	}
	if set["unpaced"] {
		opts.Replay.Unpaced = *unpaced
	}
	if set["start"] {
		opts.Replay.StartSeconds = *startSeconds
	}
	if set["duration"] {
		opts.Replay.DurationSeconds = *durationSecs
	}
	if set["progress-every"] {
		opts.Replay.ProgressEvery = *progressEvery
	}
	if set["forward"] {
		opts.Forward = *forward
	}
	if set["forward-addr"] {
		opts.ForwardAddr = *forwardAddr
	}
	if set["forward-port"] {
		opts.ForwardPort = *forwardPort
	}
	if set["forward-buffer"] {
		opts.ForwardBuffer = *forwardBuffer
	}
	if set["log-interval"] {
		opts.LogInterval = *logInterval
	}

	if opts.ListSessions > 0 {
		if opts.DBFile == "" {
			return opts, errors.New("-list-sessions requires -db")
		}
		return opts, nil
	}
	if opts.PCAPFile == "" {
		return opts, errors.New("PCAP file is required (-pcap)")
	}
	if opts.Replay.SpeedMultiplier <= 0 {
		return opts, fmt.Errorf("speed must be positive, got %g", opts.Replay.SpeedMultiplier)
	}
	if opts.Replay.StartSeconds < 0 {
		return opts, fmt.Errorf("start must be non-negative, got %g", opts.Replay.StartSeconds)
	}
	if opts.Forward && opts.ForwardAddr == "" {
		return opts, errors.New("forward-addr is required when forwarding")
	}
	if opts.Forward && (opts.ForwardPort < 1 || opts.ForwardPort > 65535) {
		return opts, fmt.Errorf("forward-port must be between 1 and 65535, got %d", opts.ForwardPort)
	}
	if opts.LogInterval <= 0 {
		return opts, fmt.Errorf("log-interval must be positive, got %v", opts.LogInterval)
	}
	return opts, nil
}

// run executes the mode selected by opts, writing reports to out.
func run(ctx context.Context, opts options, out io.Writer) error {
	switch {
	case opts.ListSessions > 0:
		return printSessions(opts, out)
	case opts.Count:
		count, err := network.CountPCAPPackets(opts.PCAPFile, opts.Reader)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d\n", count.Matched)
		if count.Truncated > 0 {
			log.Printf("%d matching records were shorter than %d bytes of framing", count.Truncated, network.FramingBytes)
		}
		return nil
	case opts.Summary:
		collector, err := pcapstats.SurveyFile(network.NewPacketFileReader(opts.Reader), opts.PCAPFile)
		if err != nil {
			return err
		}
		fmt.Fprint(out, collector.Summary().String())
		return writeReports(opts, collector)
	default:
		return replay(ctx, opts, out)
	}
}

func replay(ctx context.Context, opts options, out io.Writer) error {
	stats := network.NewPacketStats()
	collector := pcapstats.NewCollector()
	handlers := network.MultiHandler{collector}

	var forwarder *network.PacketForwarder
	if opts.Forward {
		var err error
		forwarder, err = network.NewPacketForwarder(opts.ForwardAddr, opts.ForwardPort, stats, opts.LogInterval, opts.ForwardBuffer)
		if err != nil {
			return err
		}
		forwarder.Start(ctx)
		handlers = append(handlers, forwarder)
	}

	var ldb *lidardb.LidarDB
	if opts.DBFile != "" {
		var err error
		ldb, err = lidardb.NewLidarDB(opts.DBFile)
		if err != nil {
			if forwarder != nil {
				forwarder.Close()
			}
			return fmt.Errorf("failed to open lidar database: %w", err)
		}
		defer ldb.Close()
	}

	if opts.Listen != "" {
		debugCtx, stopDebug := context.WithCancel(ctx)
		debugDone, err := serveDebug(debugCtx, opts.Listen, newDebugMux(stats, collector, opts.PCAPFile, ldb))
		if err != nil {
			stopDebug()
			if forwarder != nil {
				forwarder.Close()
			}
			return fmt.Errorf("failed to start debug server: %w", err)
		}
		defer func() {
			stopDebug()
			<-debugDone
		}()
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		ticker := time.NewTicker(opts.LogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				stats.LogStats()
			}
		}
	}()

	reader := network.NewPacketFileReader(opts.Reader)
	replayer := network.NewReplayer(reader, handlers, stats, opts.Replay)

	startedAt := time.Now()
	summary, replayErr := replayer.Replay(ctx, opts.PCAPFile)
	finishedAt := time.Now()

	stopStats()
	<-statsDone
	if forwarder != nil {
		if err := forwarder.Close(); err != nil {
			log.Printf("Failed to close forwarder: %v", err)
		}
	}
	dropped := stats.Snapshot().Dropped

	fmt.Fprintf(out, "replayed %d packets (%d bytes) over %.3fs of capture time in %v\n",
		summary.Packets, summary.Bytes, summary.CaptureSeconds(), summary.WallTime.Round(time.Millisecond))
	if summary.Truncated > 0 || summary.FilteredOut > 0 || dropped > 0 {
		fmt.Fprintf(out, "truncated %d, filtered out %d, dropped %d\n", summary.Truncated, summary.FilteredOut, dropped)
	}

	if ldb != nil {
		session := sessionFromSummary(opts, summary, collector.Summary(), dropped, startedAt, finishedAt, replayErr)
		id, err := ldb.InsertSession(session)
		if err != nil {
			log.Printf("Failed to record replay session: %v", err)
		} else {
			log.Printf("Recorded replay session %s", id)
		}
	}

	if replayErr != nil {
		return replayErr
	}
	return writeReports(opts, collector)
}

func sessionFromSummary(opts options, summary network.ReplaySummary, stats pcapstats.Summary, dropped int64, started, finished time.Time, replayErr error) *lidardb.ReplaySession {
	s := &lidardb.ReplaySession{
		FileName:        opts.PCAPFile,
		Filter:          opts.Reader.Filter,
		Backend:         string(opts.Reader.Backend),
		SpeedMultiplier: opts.Replay.SpeedMultiplier,
		Unpaced:         opts.Replay.Unpaced,
		StartedAt:       started,
		FinishedAt:      finished,
		Packets:         summary.Packets,
		Bytes:           summary.Bytes,
		Truncated:       summary.Truncated,
		Skipped:         summary.SkippedBeforeStart,
		FilteredOut:     int64(summary.FilteredOut),
		Dropped:         dropped,
		CaptureSeconds:  summary.CaptureSeconds(),
		Cancelled:       summary.Cancelled,
	}
	if stats.HasInterarrival() {
		mean := stats.MeanInterarrival
		s.MeanInterarrivalSeconds = &mean
	}
	if replayErr != nil && !errors.Is(replayErr, context.Canceled) {
		s.Error = replayErr.Error()
	}
	return s
}

func writeReports(opts options, collector *pcapstats.Collector) error {
	if opts.PlotFile != "" {
		if err := collector.SaveInterarrivalPlot(opts.PlotFile, pcapstats.DefaultHistogramBins); err != nil {
			return err
		}
		log.Printf("Wrote inter-arrival plot to %s", opts.PlotFile)
	}
	if opts.HTMLFile != "" {
		f, err := os.Create(opts.HTMLFile)
		if err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		if err := collector.WriteHTMLReport(f, opts.PCAPFile); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		log.Printf("Wrote HTML report to %s", opts.HTMLFile)
	}
	return nil
}

func printSessions(opts options, out io.Writer) error {
	ldb, err := lidardb.NewLidarDB(opts.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open lidar database: %w", err)
	}
	defer ldb.Close()

	sessions, err := ldb.ListSessions(opts.ListSessions)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		status := "ok"
		switch {
		case s.Error != "":
			status = "error: " + s.Error
		case s.Cancelled:
			status = "cancelled"
		}
		fmt.Fprintf(out, "%s  %s  %s  %d packets  %.3fs  %s\n",
			s.SessionID, s.StartedAt.UTC().Format(time.RFC3339), s.FileName, s.Packets, s.CaptureSeconds, status)
	}
	return nil
}
