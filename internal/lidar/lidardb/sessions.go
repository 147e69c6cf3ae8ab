package lidardb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by GetSession for an unknown id.
var ErrSessionNotFound = errors.New("replay session not found")

// ReplaySession is one run of pcap-replay over a capture file.
type ReplaySession struct {
	SessionID       string
	FileName        string
	Filter          string
	Backend         string
	SpeedMultiplier float64
	Unpaced         bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Packets         int64
	Bytes           int64
	Truncated       int64
	Skipped         int64
	FilteredOut     int64
	Dropped         int64
	CaptureSeconds  float64
	// MeanInterarrivalSeconds is nil when fewer than two packets were replayed.
	MeanInterarrivalSeconds *float64
	Cancelled               bool
	Error                   string
}

const sessionColumns = `session_id, file_name, filter_expr, backend, speed_multiplier, unpaced,
	started_unix_nanos, finished_unix_nanos, packets, bytes, truncated, skipped,
	filtered_out, dropped, capture_seconds, mean_interarrival_seconds, cancelled, error_text`

// InsertSession stores s, assigning a new SessionID when it is empty, and
// returns the id.
func (ldb *LidarDB) InsertSession(s *ReplaySession) (string, error) {
	if s == nil {
		return "", errors.New("nil replay session")
	}
	if s.SessionID == "" {
		s.SessionID = uuid.New().String()
	}

	var errText sql.NullString
	if s.Error != "" {
		errText = sql.NullString{String: s.Error, Valid: true}
	}
	var meanIA sql.NullFloat64
	if s.MeanInterarrivalSeconds != nil {
		meanIA = sql.NullFloat64{Float64: *s.MeanInterarrivalSeconds, Valid: true}
	}

	_, err := ldb.Exec(`INSERT INTO replay_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.FileName, s.Filter, s.Backend, s.SpeedMultiplier, boolToInt(s.Unpaced),
		s.StartedAt.UnixNano(), s.FinishedAt.UnixNano(), s.Packets, s.Bytes, s.Truncated, s.Skipped,
		s.FilteredOut, s.Dropped, s.CaptureSeconds, meanIA, boolToInt(s.Cancelled), errText,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert replay session: %w", err)
	}
	return s.SessionID, nil
}

// GetSession returns the session with the given id.
func (ldb *LidarDB) GetSession(id string) (*ReplaySession, error) {
	row := ldb.QueryRow(`SELECT `+sessionColumns+` FROM replay_sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replay session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns the most recently started sessions first. A limit
// <= 0 returns all sessions.
func (ldb *LidarDB) ListSessions(limit int) ([]*ReplaySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM replay_sessions ORDER BY started_unix_nanos DESC, session_id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ldb.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ReplaySession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replay session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*ReplaySession, error) {
	var (
		s                 ReplaySession
		unpaced, canc     int
		started, finished int64
		meanIA            sql.NullFloat64
		errText           sql.NullString
	)
	err := row.Scan(&s.SessionID, &s.FileName, &s.Filter, &s.Backend, &s.SpeedMultiplier, &unpaced,
		&started, &finished, &s.Packets, &s.Bytes, &s.Truncated, &s.Skipped,
		&s.FilteredOut, &s.Dropped, &s.CaptureSeconds, &meanIA, &canc, &errText)
	if err != nil {
		return nil, err
	}
	s.Unpaced = unpaced != 0
	s.Cancelled = canc != 0
	s.StartedAt = time.Unix(0, started)
	s.FinishedAt = time.Unix(0, finished)
	if meanIA.Valid {
		v := meanIA.Float64
		s.MeanInterarrivalSeconds = &v
	}
	s.Error = errText.String
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
