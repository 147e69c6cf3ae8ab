package lidardb

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts live SQL access to the session database and a
// JSON session listing on the debug handler.
func (ldb *LidarDB) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://lidar_replay.db", ldb.DB, &tailsql.DBOptions{
		Label: "Replay sessions DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("sessions", "Recent replay sessions (JSON, ?limit=N)", http.HandlerFunc(ldb.handleSessions))
}

type sessionJSON struct {
	SessionID               string   `json:"session_id"`
	FileName                string   `json:"file_name"`
	Filter                  string   `json:"filter"`
	Backend                 string   `json:"backend"`
	SpeedMultiplier         float64  `json:"speed_multiplier"`
	Unpaced                 bool     `json:"unpaced"`
	StartedUnixNanos        int64    `json:"started_unix_nanos"`
	FinishedUnixNanos       int64    `json:"finished_unix_nanos"`
	Packets                 int64    `json:"packets"`
	Bytes                   int64    `json:"bytes"`
	Truncated               int64    `json:"truncated"`
	Skipped                 int64    `json:"skipped"`
	FilteredOut             int64    `json:"filtered_out"`
	Dropped                 int64    `json:"dropped"`
	CaptureSeconds          float64  `json:"capture_seconds"`
	MeanInterarrivalSeconds *float64 `json:"mean_interarrival_seconds,omitempty"`
	Cancelled               bool     `json:"cancelled"`
	Error                   string   `json:"error,omitempty"`
}

func (ldb *LidarDB) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := ldb.ListSessions(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{
			SessionID:               s.SessionID,
			FileName:                s.FileName,
			Filter:                  s.Filter,
			Backend:                 s.Backend,
			SpeedMultiplier:         s.SpeedMultiplier,
			Unpaced:                 s.Unpaced,
			StartedUnixNanos:        s.StartedAt.UnixNano(),
			FinishedUnixNanos:       s.FinishedAt.UnixNano(),
			Packets:                 s.Packets,
			Bytes:                   s.Bytes,
			Truncated:               s.Truncated,
			Skipped:                 s.Skipped,
			FilteredOut:             s.FilteredOut,
			Dropped:                 s.Dropped,
			CaptureSeconds:          s.CaptureSeconds,
			MeanInterarrivalSeconds: s.MeanInterarrivalSeconds,
			Cancelled:               s.Cancelled,
			Error:                   s.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Printf("failed to encode sessions: %v", err)
	}
}
