// Package session persists identity metadata across process restarts and
// drives the rejoin sequencing on recovery.
package session

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"courtsync/pkg/logger"
	"courtsync/store"
)

var (
	// ErrNoSession means there is nothing to recover: no persisted record,
	// or the in-memory mirrors carry no session.
	ErrNoSession = errors.New("no session")
	// ErrExpired means the persisted record was older than the expiry
	// window and has been cleared. Expiry is a normal lifecycle
	// transition, not a failure.
	ErrExpired = errors.New("session expired")
)

// DefaultExpiry is the soft session lifetime. The timestamp is client-side
// and advisory (clock skew, multi-tab drift), a UX guard rather than a
// security boundary.
const DefaultExpiry = 24 * time.Hour

// Record is the persisted session metadata, written wholesale as JSON under
// the record path. It is versionless; schema changes need a manual reset.
type Record struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	RoomName  string `json:"roomName"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds of last activity
}

// Connector is the slice of the connection manager the session lifecycle
// drives.
type Connector interface {
	Connect() error
	Disconnect()
	JoinRoom(username, room string)
}

type Options struct {
	// Path of the session record file.
	Path string
	// SnapshotPath, when set, enables the warm-start snapshot of
	// {currentUser, room, sessionId, highlights}, rewritten on every store
	// mutation.
	SnapshotPath string
	Expiry       time.Duration
	// Now is swappable for tests.
	Now func() time.Time
}

type Manager struct {
	opts  Options
	store *store.Store
	conn  Connector
}

func NewManager(st *store.Store, conn Connector, opts Options) *Manager {
	if opts.Expiry == 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{opts: opts, store: st, conn: conn}
	if opts.SnapshotPath != "" {
		st.Subscribe(m.saveSnapshot)
	}
	return m
}

// Create starts a fresh session: generates an identifier, persists the
// record, and triggers the join sequence. The identifier is best-effort
// unique, not cryptographic.
func (m *Manager) Create(username, roomName string) (Record, error) {
	rec := Record{
		SessionID: newSessionID(m.opts.Now()),
		Username:  username,
		RoomName:  roomName,
		Timestamp: m.opts.Now().UnixMilli(),
	}
	if err := m.writeRecord(rec); err != nil {
		return Record{}, err
	}
	m.store.SetSessionID(rec.SessionID)

	if err := m.conn.Connect(); err != nil {
		return Record{}, errors.Wrap(err, "connect for new session")
	}
	m.conn.JoinRoom(username, roomName)
	logger.Sugar.Infof("session %s created for %s in room %s", rec.SessionID, username, roomName)
	return rec, nil
}

// Recover re-establishes a previous session on startup: rehydrates the
// store from the snapshot, validates the persisted record, then reconnects
// and re-emits the join. The join emission is gated on the connection
// manager reaching its connected state, so the caller verifies success via
// the next room broadcast rather than any fixed delay.
func (m *Manager) Recover() error {
	if m.opts.SnapshotPath != "" {
		m.restoreSnapshot()
	}

	rec, ok := m.readRecord()
	if !ok {
		return ErrNoSession
	}
	user, hasUser := m.store.CurrentUser()
	room := m.store.Room()
	if !hasUser || room.Name == "" || m.store.SessionID() == "" {
		return ErrNoSession
	}
	if m.expired(rec.Timestamp) {
		logger.Sugar.Infof("session %s expired, clearing", rec.SessionID)
		m.Clear()
		return ErrExpired
	}

	logger.Sugar.Infof("recovering session for %s in room %s", user.Username, room.Name)
	if err := m.conn.Connect(); err != nil {
		m.Clear()
		return errors.Wrap(err, "reconnect for session recovery")
	}
	m.conn.JoinRoom(user.Username, room.Name)
	return nil
}

// Touch refreshes the activity timestamp. Invoked on any interaction signal
// so an active session never soft-expires.
func (m *Manager) Touch() {
	rec, ok := m.readRecord()
	if !ok {
		return
	}
	rec.Timestamp = m.opts.Now().UnixMilli()
	if err := m.writeRecord(rec); err != nil {
		logger.Sugar.Warnf("touch session: %v", err)
	}
}

// IsValid reports whether the in-memory mirrors and the persisted record
// together describe a live session.
func (m *Manager) IsValid() bool {
	_, hasUser := m.store.CurrentUser()
	if !hasUser || m.store.Room().Name == "" || m.store.SessionID() == "" {
		return false
	}
	rec, ok := m.readRecord()
	return ok && !m.expired(rec.Timestamp)
}

// Clear erases the persisted state, wipes the in-memory mirrors and
// disconnects the transport.
func (m *Manager) Clear() {
	if err := os.Remove(m.opts.Path); err != nil && !os.IsNotExist(err) {
		logger.Sugar.Warnf("remove session record: %v", err)
	}
	if m.opts.SnapshotPath != "" {
		if err := os.Remove(m.opts.SnapshotPath); err != nil && !os.IsNotExist(err) {
			logger.Sugar.Warnf("remove session snapshot: %v", err)
		}
	}
	m.store.ClearSession()
	m.conn.Disconnect()
}

func (m *Manager) expired(timestampMillis int64) bool {
	age := m.opts.Now().UnixMilli() - timestampMillis
	return age > m.opts.Expiry.Milliseconds()
}

func (m *Manager) readRecord() (Record, bool) {
	data, err := os.ReadFile(m.opts.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Sugar.Warnf("read session record: %v", err)
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Sugar.Warnf("corrupt session record: %v", err)
		return Record{}, false
	}
	return rec, true
}

func (m *Manager) writeRecord(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.Path), 0o755); err != nil {
		return errors.Wrap(err, "create session dir")
	}
	if err := os.WriteFile(m.opts.Path, data, 0o600); err != nil {
		return errors.Wrap(err, "write session record")
	}
	return nil
}

func (m *Manager) saveSnapshot() {
	snap := m.store.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		logger.Sugar.Warnf("marshal store snapshot: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.SnapshotPath), 0o755); err != nil {
		logger.Sugar.Warnf("create snapshot dir: %v", err)
		return
	}
	if err := os.WriteFile(m.opts.SnapshotPath, data, 0o600); err != nil {
		logger.Sugar.Warnf("write store snapshot: %v", err)
	}
}

func (m *Manager) restoreSnapshot() {
	data, err := os.ReadFile(m.opts.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Sugar.Warnf("read store snapshot: %v", err)
		}
		return
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Sugar.Warnf("corrupt store snapshot: %v", err)
		return
	}
	m.store.Restore(snap)
}

const sessionIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newSessionID(now time.Time) string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = sessionIDAlphabet[rand.Intn(len(sessionIDAlphabet))]
	}
	return "session_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix)
}
