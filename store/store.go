package store

import (
	"sort"
	"sync"

	"courtsync/pkg/logger"
)

// Store is the client-side mirror of room state: the room snapshot, the
// current user, and the highlight map keyed by document id. It is the single
// writer for that state; every mutation goes through one of its methods and
// completes atomically under the lock, so callers never observe a partial
// update. Both optimistic local writes and server broadcasts land here, which
// is why AddHighlight is idempotent by id: the same highlight may arrive once
// from local optimism and once from the server echo.
type Store struct {
	mu          sync.RWMutex
	room        RoomState
	currentUser User
	hasUser     bool
	highlights  map[string][]Highlight
	sessionID   string
	subs        []func()
}

func New() *Store {
	return &Store{
		room:       EmptyRoom(),
		highlights: make(map[string][]Highlight),
	}
}

// Subscribe registers fn to run after every mutation. Subscribers are called
// outside the lock and must not assume the state that triggered them is still
// current.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// SetRoomState replaces the mirrored room wholesale. Nil collections are
// normalized to empty so readers never see nil slices.
func (s *Store) SetRoomState(room RoomState) {
	if room.Users == nil {
		room.Users = []User{}
	}
	if room.Documents == nil {
		room.Documents = []Document{}
	}
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	s.notify()
}

// Room returns the current room snapshot. The returned value shares its
// slices with the store; treat it as read-only.
func (s *Store) Room() RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Store) SetCurrentUser(u User) {
	s.mu.Lock()
	s.currentUser = u
	s.hasUser = true
	s.mu.Unlock()
	s.notify()
}

// CurrentUser reports the user record matched to this client, if any. The
// match can transiently be absent right after a reconnect, before the next
// room broadcast arrives.
func (s *Store) CurrentUser() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser, s.hasUser
}

// AddHighlight inserts h into the document's highlight collection. Inserting
// an id that is already present is a no-op; the return value reports whether
// the highlight was actually inserted, so callers can distinguish the
// duplicate case for UI feedback.
func (s *Store) AddHighlight(h Highlight) bool {
	s.mu.Lock()
	existing := s.highlights[h.DocumentID]
	for _, cur := range existing {
		if cur.ID == h.ID {
			s.mu.Unlock()
			logger.Sugar.Debugf("duplicate highlight %s on document %s, skipping", h.ID, h.DocumentID)
			return false
		}
	}
	s.highlights[h.DocumentID] = append(existing, h)
	s.mu.Unlock()
	s.notify()
	return true
}

// RemoveHighlight deletes the highlight and returns the removed copy so
// callers can re-insert it as a compensating action. Removing an absent id
// is a no-op.
func (s *Store) RemoveHighlight(documentID, highlightID string) (Highlight, bool) {
	s.mu.Lock()
	existing := s.highlights[documentID]
	for i, cur := range existing {
		if cur.ID == highlightID {
			s.highlights[documentID] = append(existing[:i:i], existing[i+1:]...)
			s.mu.Unlock()
			s.notify()
			return cur, true
		}
	}
	s.mu.Unlock()
	return Highlight{}, false
}

// HighlightsForDocument returns a copy of the document's highlights, empty
// if there are none.
func (s *Store) HighlightsForDocument(documentID string) []Highlight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := s.highlights[documentID]
	out := make([]Highlight, len(existing))
	copy(out, existing)
	return out
}

// ClearHighlights wipes the highlights of one document, or of every document
// when documentID is empty.
func (s *Store) ClearHighlights(documentID string) {
	s.mu.Lock()
	if documentID == "" {
		s.highlights = make(map[string][]Highlight)
	} else {
		delete(s.highlights, documentID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// ClearSession resets every mirror to its zero state: empty room, no current
// user, no highlights, no session id.
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.room = EmptyRoom()
	s.currentUser = User{}
	s.hasUser = false
	s.highlights = make(map[string][]Highlight)
	s.sessionID = ""
	s.mu.Unlock()
	s.notify()
}

// ActivityFeed derives the room-scoped highlight feed, newest first.
// Highlights whose document is not in the current room are filtered out, not
// purged: stale entries from a previous room stay in the raw mapping until
// explicitly cleared but never surface here.
func (s *Store) ActivityFeed() []ActivityItem {
	s.mu.RLock()
	items := make([]ActivityItem, 0)
	for docID, docHighlights := range s.highlights {
		doc, ok := s.room.Document(docID)
		if !ok {
			continue
		}
		for _, h := range docHighlights {
			items = append(items, ActivityItem{
				HighlightID:  h.ID,
				DocumentID:   docID,
				DocumentName: doc.Name,
				PageNumber:   h.PageNumber,
				Username:     h.Username,
				Text:         h.SelectedText,
				Timestamp:    h.Timestamp,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp > items[j].Timestamp
	})
	return items
}

// Snapshot captures the persisted subset of the store for warm-start
// rehydration.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:  s.sessionID,
		Highlights: make(map[string][]Highlight, len(s.highlights)),
	}
	for docID, hs := range s.highlights {
		cp := make([]Highlight, len(hs))
		copy(cp, hs)
		snap.Highlights[docID] = cp
	}
	if s.hasUser {
		u := s.currentUser
		snap.CurrentUser = &u
	}
	room := s.room
	snap.Room = &room
	return snap
}

// Restore rehydrates the store from a snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.sessionID = snap.SessionID
	if snap.Highlights != nil {
		s.highlights = snap.Highlights
	} else {
		s.highlights = make(map[string][]Highlight)
	}
	if snap.CurrentUser != nil {
		s.currentUser = *snap.CurrentUser
		s.hasUser = true
	} else {
		s.currentUser = User{}
		s.hasUser = false
	}
	if snap.Room != nil {
		s.room = *snap.Room
		if s.room.Users == nil {
			s.room.Users = []User{}
		}
		if s.room.Documents == nil {
			s.room.Documents = []Document{}
		}
	} else {
		s.room = EmptyRoom()
	}
	s.mu.Unlock()
	s.notify()
}
