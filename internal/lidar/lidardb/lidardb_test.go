package lidardb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *LidarDB {
	t.Helper()
	ldb, err := NewLidarDB(filepath.Join(t.TempDir(), "replay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return ldb
}

func sampleSession(started time.Time) *ReplaySession {
	mean := 0.0005
	return &ReplaySession{
		FileName:                "/captures/pandar40p.pcap",
		Filter:                  "udp port 2369",
		Backend:                 "native",
		SpeedMultiplier:         2,
		StartedAt:               started,
		FinishedAt:              started.Add(90 * time.Second),
		Packets:                 360000,
		Bytes:                   360000 * 1262,
		Truncated:               3,
		Skipped:                 10,
		FilteredOut:             42,
		Dropped:                 1,
		CaptureSeconds:          180,
		MeanInterarrivalSeconds: &mean,
	}
}

func TestNewLidarDB_Migrates(t *testing.T) {
	ldb := newTestDB(t)

	version, dirty, err := ldb.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, ldb.MigrateUp())
}

func TestNewLidarDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")
	ldb, err := NewLidarDB(path)
	require.NoError(t, err)
	id, err := ldb.InsertSession(sampleSession(time.Unix(1700000000, 0)))
	require.NoError(t, err)
	require.NoError(t, ldb.Close())

	ldb, err = NewLidarDB(path)
	require.NoError(t, err)
	defer ldb.Close()
	got, err := ldb.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, int64(360000), got.Packets)
}

func TestInsertAndGetSession(t *testing.T) {
	ldb := newTestDB(t)
	want := sampleSession(time.Unix(1700000000, 123456789))
	want.Error = "capture file read failed: unexpected EOF"

	id, err := ldb.InsertSession(want)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "session id should be a uuid")
	assert.Equal(t, id, want.SessionID)

	got, err := ldb.GetSession(id)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("GetSession mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertSession_KeepsExplicitID(t *testing.T) {
	ldb := newTestDB(t)
	s := sampleSession(time.Unix(1700000000, 0))
	s.SessionID = "fixed-id"
	s.MeanInterarrivalSeconds = nil
	s.Cancelled = true
	s.Unpaced = true

	id, err := ldb.InsertSession(s)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	got, err := ldb.GetSession("fixed-id")
	require.NoError(t, err)
	assert.Nil(t, got.MeanInterarrivalSeconds)
	assert.True(t, got.Cancelled)
	assert.True(t, got.Unpaced)
	assert.Empty(t, got.Error)

	_, err = ldb.InsertSession(s)
	assert.Error(t, err, "duplicate id should fail")

	_, err = ldb.InsertSession(nil)
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	ldb := newTestDB(t)
	_, err := ldb.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessions(t *testing.T) {
	ldb := newTestDB(t)
	base := time.Unix(1700000000, 0)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := ldb.InsertSession(sampleSession(base.Add(time.Duration(i) * time.Hour)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := ldb.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].SessionID, all[1].SessionID, all[2].SessionID})

	recent, err := ldb.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].SessionID)
}

func TestListSessions_Empty(t *testing.T) {
	ldb := newTestDB(t)
	sessions, err := ldb.ListSessions(10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
