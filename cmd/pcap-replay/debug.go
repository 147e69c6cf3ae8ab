package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lidar-replay/internal/lidar/lidardb"
	"github.com/banshee-data/lidar-replay/internal/lidar/network"
	"github.com/banshee-data/lidar-replay/internal/lidar/pcapstats"
)

// newDebugMux builds the /debug/ routes served with -listen while a replay
// runs. ldb may be nil.
func newDebugMux(stats *network.PacketStats, collector *pcapstats.Collector, pcapPath string, ldb *lidardb.LidarDB) *http.ServeMux {
	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)

	debug.Handle("replay-stats", "Replay counters since the last stats log line (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := stats.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"packets":          snap.Packets,
			"bytes":            snap.Bytes,
			"dropped":          snap.Dropped,
			"truncated":        snap.Truncated,
			"skipped":          snap.Skipped,
			"duration_seconds": snap.Duration.Seconds(),
		})
	}))

	debug.Handle("replay-report", "Packet rate chart for the packets replayed so far", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := collector.WriteHTMLReport(w, pcapPath); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	if ldb != nil {
		ldb.AttachAdminRoutes(debug)
	}
	return mux
}

// serveDebug serves handler on addr until ctx is cancelled.
func serveDebug(ctx context.Context, addr string, handler http.Handler) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})

	go func() {
		defer close(done)
		log.Printf("Debug server listening on http://%s/debug/", ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Debug server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Debug server shutdown error: %v", err)
		}
	}()
	return done, nil
}
