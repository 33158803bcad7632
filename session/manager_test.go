package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtsync/store"
)

type fakeConnector struct {
	connects    int
	disconnects int
	joins       []string
}

func (f *fakeConnector) Connect() error { f.connects++; return nil }
func (f *fakeConnector) Disconnect()    { f.disconnects++ }
func (f *fakeConnector) JoinRoom(username, room string) {
	f.joins = append(f.joins, username+"@"+room)
}

func newTestManager(t *testing.T, now time.Time) (*Manager, *store.Store, *fakeConnector) {
	t.Helper()
	st := store.New()
	conn := &fakeConnector{}
	m := NewManager(st, conn, Options{
		Path: filepath.Join(t.TempDir(), "session.json"),
		Now:  func() time.Time { return now },
	})
	return m, st, conn
}

func TestCreatePersistsRecordAndJoins(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m, st, conn := newTestManager(t, now)

	rec, err := m.Create("alice", "courtroom-3")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^session_\d+_[0-9a-z]{9}$`), rec.SessionID)
	assert.Equal(t, now.UnixMilli(), rec.Timestamp)
	assert.Equal(t, rec.SessionID, st.SessionID())
	assert.Equal(t, 1, conn.connects)
	assert.Equal(t, []string{"alice@courtroom-3"}, conn.joins)

	data, err := os.ReadFile(m.opts.Path)
	require.NoError(t, err)
	var onDisk Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, rec, onDisk)
}

func TestRecoverWithoutRecordFails(t *testing.T) {
	m, _, _ := newTestManager(t, time.Now())
	assert.ErrorIs(t, m.Recover(), ErrNoSession)
}

func TestRecoverWithEmptyMirrorsFails(t *testing.T) {
	now := time.Now()
	m, _, _ := newTestManager(t, now)
	require.NoError(t, m.writeRecord(Record{
		SessionID: "session-1",
		Username:  "alice",
		RoomName:  "courtroom-3",
		Timestamp: now.UnixMilli(),
	}))

	// The record exists but the in-memory mirrors carry nothing.
	assert.ErrorIs(t, m.Recover(), ErrNoSession)
}

func populateMirrors(st *store.Store) {
	st.SetCurrentUser(store.User{ID: "u1", Username: "alice", SID: "sid-1"})
	st.SetRoomState(store.RoomState{Name: "courtroom-3"})
	st.SetSessionID("session-1")
}

func TestRecoverRejoinsKnownRoom(t *testing.T) {
	now := time.Now()
	m, st, conn := newTestManager(t, now)
	populateMirrors(st)
	require.NoError(t, m.writeRecord(Record{
		SessionID: "session-1",
		Username:  "alice",
		RoomName:  "courtroom-3",
		Timestamp: now.UnixMilli(),
	}))

	require.NoError(t, m.Recover())
	assert.Equal(t, 1, conn.connects)
	assert.Equal(t, []string{"alice@courtroom-3"}, conn.joins)
}

func TestExpiryBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		age     time.Duration
		expired bool
	}{
		{"just past 24h", 24*time.Hour + time.Millisecond, true},
		{"just under 24h", 24*time.Hour - time.Millisecond, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, st, conn := newTestManager(t, now)
			populateMirrors(st)
			require.NoError(t, m.writeRecord(Record{
				SessionID: "session-1",
				Username:  "alice",
				RoomName:  "courtroom-3",
				Timestamp: now.Add(-tc.age).UnixMilli(),
			}))

			err := m.Recover()
			if tc.expired {
				assert.ErrorIs(t, err, ErrExpired)
				_, ok := m.readRecord()
				assert.False(t, ok, "expired record must be cleared")
				assert.Equal(t, 1, conn.disconnects)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTouchRefreshesTimestamp(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := start

	st := store.New()
	m := NewManager(st, &fakeConnector{}, Options{
		Path: filepath.Join(t.TempDir(), "session.json"),
		Now:  func() time.Time { return current },
	})
	require.NoError(t, m.writeRecord(Record{SessionID: "session-1", Timestamp: start.UnixMilli()}))

	current = start.Add(3 * time.Hour)
	m.Touch()

	rec, ok := m.readRecord()
	require.True(t, ok)
	assert.Equal(t, current.UnixMilli(), rec.Timestamp)
}

func TestIsValid(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(t, now)

	assert.False(t, m.IsValid(), "empty mirrors are not a session")

	populateMirrors(st)
	assert.False(t, m.IsValid(), "mirrors without a persisted record are not a session")

	require.NoError(t, m.writeRecord(Record{SessionID: "session-1", Timestamp: now.UnixMilli()}))
	assert.True(t, m.IsValid())
}

func TestClearWipesEverything(t *testing.T) {
	now := time.Now()
	m, st, conn := newTestManager(t, now)
	populateMirrors(st)
	require.NoError(t, m.writeRecord(Record{SessionID: "session-1", Timestamp: now.UnixMilli()}))

	m.Clear()

	_, ok := m.readRecord()
	assert.False(t, ok)
	assert.Empty(t, st.SessionID())
	_, hasUser := st.CurrentUser()
	assert.False(t, hasUser)
	assert.Equal(t, 1, conn.disconnects)
}

func TestSnapshotRehydratesOnRecover(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()
	recordPath := filepath.Join(dir, "session.json")
	snapshotPath := filepath.Join(dir, "snapshot.json")

	first := store.New()
	warm := NewManager(first, &fakeConnector{}, Options{
		Path:         recordPath,
		SnapshotPath: snapshotPath,
		Now:          func() time.Time { return now },
	})
	populateMirrors(first)
	first.AddHighlight(store.Highlight{ID: "h1", DocumentID: "d1", Username: "alice"})
	require.NoError(t, warm.writeRecord(Record{
		SessionID: "session-1",
		Username:  "alice",
		RoomName:  "courtroom-3",
		Timestamp: now.UnixMilli(),
	}))

	// A fresh process: empty store, same paths.
	second := store.New()
	conn := &fakeConnector{}
	cold := NewManager(second, conn, Options{
		Path:         recordPath,
		SnapshotPath: snapshotPath,
		Now:          func() time.Time { return now },
	})

	require.NoError(t, cold.Recover())
	assert.Equal(t, "session-1", second.SessionID())
	assert.Len(t, second.HighlightsForDocument("d1"), 1)
	assert.Equal(t, []string{"alice@courtroom-3"}, conn.joins)
}
