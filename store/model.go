package store

// BoundingBox is the selection rectangle of a highlight, relative to the
// top-left corner of its page container, in the units the page was rendered
// at when the selection was made. Consumers replaying a highlight at a
// different zoom level must rescale the box themselves.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Highlight is a piece of selected text on a document page. Username is a
// point-in-time copy of the creator's display name so feeds can render
// without a join; renaming a user does not rewrite past highlights.
type Highlight struct {
	ID           string      `json:"id"`
	DocumentID   string      `json:"documentId"`
	PageNumber   int         `json:"pageNumber"`
	SelectedText string      `json:"selectedText"`
	BoundingBox  BoundingBox `json:"boundingBox"`
	UserID       string      `json:"userId"`
	Username     string      `json:"username"`
	Timestamp    int64       `json:"timestamp"` // unix milliseconds
}

// User is one connected participant. SID is the transport-session identifier
// and changes across reconnects; ID is stable for the participant's lifetime
// in the room. An empty CurrentDocID means no document is selected.
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	SID          string      `json:"sid"`
	CurrentDocID string      `json:"current_doc_id"`
	CurrentPage  int         `json:"current_page"`
	Highlights   []Highlight `json:"highlights"`
}

// Document is immutable from the client's perspective once uploaded.
// UploaderID is empty when the uploader has left the room.
type Document struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Pages      int    `json:"pages"`
	RoomID     string `json:"room_id"`
	UploaderID string `json:"uploader_id"`
}

// RoomState is the full server-authoritative room snapshot. Broadcasts
// replace it wholesale; it is never patched incrementally.
type RoomState struct {
	Name      string     `json:"name"`
	Users     []User     `json:"users"`
	Documents []Document `json:"documents"`
}

// EmptyRoom returns the blank state the mirror is reset to on disconnect.
func EmptyRoom() RoomState {
	return RoomState{Users: []User{}, Documents: []Document{}}
}

// Document returns the room's document with the given id, if present.
func (r RoomState) Document(id string) (Document, bool) {
	for _, d := range r.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return Document{}, false
}

// UserByID returns the room's user with the given stable id, if present.
func (r RoomState) UserByID(id string) (User, bool) {
	for _, u := range r.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// UserBySID returns the room's user with the given transport-session id.
func (r RoomState) UserBySID(sid string) (User, bool) {
	for _, u := range r.Users {
		if u.SID == sid {
			return u, true
		}
	}
	return User{}, false
}

// ActivityItem is one row of the room-scoped activity feed, denormalized
// for rendering.
type ActivityItem struct {
	HighlightID  string `json:"id"`
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	PageNumber   int    `json:"pageNumber"`
	Username     string `json:"username"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"`
}

// Snapshot is the persisted warm-start image of the store.
type Snapshot struct {
	CurrentUser *User                  `json:"currentUser"`
	Room        *RoomState             `json:"room"`
	SessionID   string                 `json:"sessionId"`
	Highlights  map[string][]Highlight `json:"highlights"`
}
