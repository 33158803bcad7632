package socket

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"courtsync/pkg/logger"
	"courtsync/protocol"
	"courtsync/store"
)

// userRecord is the server-side participant state. Highlights live on the
// user that created them, mirroring how the room payload denormalizes them.
type userRecord struct {
	ID           string
	SID          string
	Username     string
	CurrentDocID string
	CurrentPage  int
	Highlights   []store.Highlight
}

type docRecord struct {
	store.Document
	data []byte
}

type room struct {
	name       string
	clients    map[*Client]bool
	users      map[string]*userRecord // keyed by sid
	docs       map[string]*docRecord  // keyed by document id
	emptySince time.Time              // zero while occupied
}

type inbound struct {
	client *Client
	env    protocol.Envelope
}

// Hub is the central component that manages all connected clients and
// rooms. Rooms, users, documents and highlights live in process memory
// only; an empty room is reaped after the configured TTL.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan inbound

	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*Client]bool
	polls   map[string]*Client // poll-transport sessions by sid
	roomTTL time.Duration
}

func NewHub(roomTTL time.Duration) *Hub {
	if roomTTL == 0 {
		roomTTL = time.Hour
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan inbound),
		rooms:      make(map[string]*room),
		clients:    make(map[*Client]bool),
		polls:      make(map[string]*Client),
		roomTTL:    roomTTL,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			if client.Conn == nil {
				h.polls[client.SID] = client
			}
			h.mu.Unlock()

			// The handshake frame carries the transport-session id the
			// client will match itself against in room broadcasts.
			env, _ := protocol.NewEnvelope(protocol.EventConnected, 0, protocol.ConnectedPayload{SID: client.SID})
			h.sendTo(client, env)

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			delete(h.polls, client.SID)
			roomName := client.room
			if rm := h.rooms[roomName]; rm != nil {
				delete(rm.clients, client)
				delete(rm.users, client.SID)
				if len(rm.clients) == 0 {
					rm.emptySince = time.Now()
				}
			}
			close(client.Send)
			h.mu.Unlock()

			if roomName != "" {
				logger.Sugar.Infof("client %s left room %s", client.SID, roomName)
				h.broadcastRoom(roomName)
			}

		case msg := <-h.Inbound:
			h.dispatch(msg.client, msg.env)
		}
	}
}

// CleanupWorker reaps rooms that have sat empty past the TTL and poll
// sessions that stopped polling.
func (h *Hub) CleanupWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var stale []*Client
		h.mu.Lock()
		for name, rm := range h.rooms {
			if len(rm.clients) == 0 && !rm.emptySince.IsZero() && time.Since(rm.emptySince) > h.roomTTL {
				delete(h.rooms, name)
				logger.Sugar.Infof("reaped empty room %s", name)
			}
		}
		for _, client := range h.polls {
			if time.Since(client.lastPoll) > pollSessionTTL {
				stale = append(stale, client)
			}
		}
		h.mu.Unlock()

		for _, client := range stale {
			logger.Sugar.Infof("reaping stale poll session %s", client.SID)
			h.Unregister <- client
		}
	}
}

func (h *Hub) dispatch(c *Client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoin:
		h.handleJoin(c, env)
	case protocol.EventUploadFile:
		h.handleUpload(c, env)
	case protocol.EventSetView:
		h.handleSetView(c, env)
	case protocol.EventAddHighlight:
		h.handleAddHighlight(c, env)
	case protocol.EventRemoveHighlight:
		h.handleRemoveHighlight(c, env)
	default:
		logger.Sugar.Warnf("unknown event %q from %s", env.Event, c.SID)
		h.ack(c, env, protocol.AckPayload{Error: "unknown event"})
	}
}

func (h *Hub) handleJoin(c *Client, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Username == "" || p.Room == "" {
		logger.Sugar.Warnf("rejecting join from %s: missing username or room", c.SID)
		h.ack(c, env, protocol.AckPayload{Error: "username and room are required"})
		return
	}

	h.mu.Lock()
	// Leaving a previous room is implicit in joining a new one.
	oldRoom := ""
	if c.room != "" && c.room != p.Room {
		if rm := h.rooms[c.room]; rm != nil {
			delete(rm.clients, c)
			delete(rm.users, c.SID)
			if len(rm.clients) == 0 {
				rm.emptySince = time.Now()
			}
			oldRoom = c.room
		}
	}

	rm := h.rooms[p.Room]
	if rm == nil {
		rm = &room{
			name:    p.Room,
			clients: make(map[*Client]bool),
			users:   make(map[string]*userRecord),
			docs:    make(map[string]*docRecord),
		}
		h.rooms[p.Room] = rm
		logger.Sugar.Infof("created room %s", p.Room)
	}
	rm.clients[c] = true
	rm.emptySince = time.Time{}
	// A join with an sid that already has a user record replaces it.
	rm.users[c.SID] = &userRecord{
		ID:       uuid.NewString(),
		SID:      c.SID,
		Username: p.Username,
	}
	c.room = p.Room
	h.mu.Unlock()

	logger.Sugar.Infof("user %s joined room %s", p.Username, p.Room)
	h.ack(c, env, protocol.AckPayload{})
	if oldRoom != "" {
		h.broadcastRoom(oldRoom)
	}
	h.broadcastRoom(p.Room)
}

func (h *Hub) handleUpload(c *Client, env protocol.Envelope) {
	var p protocol.UploadFilePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Name == "" || len(p.File) == 0 {
		h.ack(c, env, protocol.AckPayload{Error: "missing file name or data"})
		return
	}
	name := sanitizeFilename(p.Name)

	h.mu.Lock()
	rm, user := h.lookup(c)
	if user == nil {
		h.mu.Unlock()
		h.ack(c, env, protocol.AckPayload{Error: "user not found"})
		return
	}
	for _, doc := range rm.docs {
		if doc.Name == name {
			h.mu.Unlock()
			h.ack(c, env, protocol.AckPayload{Error: "document already exists"})
			return
		}
	}
	doc := &docRecord{
		Document: store.Document{
			ID:         uuid.NewString(),
			Name:       name,
			Pages:      countPDFPages(p.File),
			RoomID:     rm.name,
			UploaderID: user.ID,
		},
		data: p.File,
	}
	rm.docs[doc.ID] = doc
	roomName := rm.name
	h.mu.Unlock()

	logger.Sugar.Infof("document %s (%d pages) uploaded to room %s by %s", name, doc.Pages, roomName, user.Username)
	h.ack(c, env, protocol.AckPayload{DocumentID: doc.ID})
	h.broadcastRoom(roomName)
}

func (h *Hub) handleSetView(c *Client, env protocol.Envelope) {
	var p protocol.SetViewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Page < 0 {
		h.ack(c, env, protocol.AckPayload{Error: "invalid view"})
		return
	}

	h.mu.Lock()
	rm, user := h.lookup(c)
	if user == nil {
		h.mu.Unlock()
		h.ack(c, env, protocol.AckPayload{Error: "user not found"})
		return
	}
	user.CurrentDocID = p.DocID
	user.CurrentPage = p.Page
	roomName := rm.name
	h.mu.Unlock()

	h.ack(c, env, protocol.AckPayload{})
	h.broadcastRoom(roomName)
}

func (h *Hub) handleAddHighlight(c *Client, env protocol.Envelope) {
	var hl store.Highlight
	if err := json.Unmarshal(env.Payload, &hl); err != nil || hl.ID == "" || hl.DocumentID == "" {
		h.ack(c, env, protocol.AckPayload{Error: "highlight requires id and document id"})
		return
	}

	h.mu.Lock()
	rm, user := h.lookup(c)
	if user == nil {
		h.mu.Unlock()
		h.ack(c, env, protocol.AckPayload{Error: "user not found"})
		return
	}
	// Owner fields are server-authoritative to prevent spoofing.
	hl.UserID = user.ID
	hl.Username = user.Username
	user.Highlights = append(user.Highlights, hl)
	roomName := rm.name
	h.mu.Unlock()

	h.ack(c, env, protocol.AckPayload{})
	// The sender gets the echo too; its idempotent merge collapses the
	// optimistic copy and the broadcast into one entry.
	outEnv, _ := protocol.NewEnvelope(protocol.EventHighlightAdded, 0, hl)
	h.broadcast(roomName, outEnv)
}

func (h *Hub) handleRemoveHighlight(c *Client, env protocol.Envelope) {
	var p protocol.RemoveHighlightPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.HighlightID == "" || p.DocumentID == "" {
		h.ack(c, env, protocol.AckPayload{Error: "highlight id and document id are required"})
		return
	}

	h.mu.Lock()
	rm, user := h.lookup(c)
	if user == nil {
		h.mu.Unlock()
		h.ack(c, env, protocol.AckPayload{Error: "user not found"})
		return
	}
	// Any participant may delete, so the pull runs across every user in
	// the room.
	for _, u := range rm.users {
		for i, hl := range u.Highlights {
			if hl.ID == p.HighlightID {
				u.Highlights = append(u.Highlights[:i:i], u.Highlights[i+1:]...)
				break
			}
		}
	}
	roomName := rm.name
	h.mu.Unlock()

	h.ack(c, env, protocol.AckPayload{})
	outEnv, _ := protocol.NewEnvelope(protocol.EventHighlightRemoved, 0, p)
	h.broadcast(roomName, outEnv)
}

// lookup resolves the caller's room and user record. Callers hold h.mu.
func (h *Hub) lookup(c *Client) (*room, *userRecord) {
	rm := h.rooms[c.room]
	if rm == nil {
		return nil, nil
	}
	return rm, rm.users[c.SID]
}

// roomStatePayload builds the full room snapshot the way clients mirror it.
// Callers hold h.mu.
func (h *Hub) roomStatePayload(roomName string) store.RoomState {
	state := store.RoomState{Name: roomName, Users: []store.User{}, Documents: []store.Document{}}
	rm := h.rooms[roomName]
	if rm == nil {
		return state
	}
	for _, u := range rm.users {
		highlights := make([]store.Highlight, len(u.Highlights))
		copy(highlights, u.Highlights)
		state.Users = append(state.Users, store.User{
			ID:           u.ID,
			Username:     u.Username,
			SID:          u.SID,
			CurrentDocID: u.CurrentDocID,
			CurrentPage:  u.CurrentPage,
			Highlights:   highlights,
		})
	}
	for _, d := range rm.docs {
		state.Documents = append(state.Documents, d.Document)
	}
	return state
}

// broadcastRoom sends the wholesale room_update to everyone in the room.
func (h *Hub) broadcastRoom(roomName string) {
	h.mu.Lock()
	state := h.roomStatePayload(roomName)
	h.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EventRoomUpdate, 0, state)
	if err != nil {
		logger.Sugar.Errorf("marshal room_update for %s: %v", roomName, err)
		return
	}
	h.broadcast(roomName, env)
}

func (h *Hub) broadcast(roomName string, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Sugar.Errorf("marshal %s broadcast: %v", env.Event, err)
		return
	}

	// Collect recipients under the lock, send outside it.
	h.mu.Lock()
	rm := h.rooms[roomName]
	var recipients []*Client
	if rm != nil {
		recipients = make([]*Client, 0, len(rm.clients))
		for client := range rm.clients {
			recipients = append(recipients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range recipients {
		select {
		case client.Send <- payload:
		default:
			// If the send buffer is full, the client is lagging.
			// Unregister it to keep the hub from blocking.
			logger.Sugar.Warnf("client %s send buffer full, unregistering", client.SID)
			go func(c *Client) { h.Unregister <- c }(client)
		}
	}
}

func (h *Hub) sendTo(c *Client, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Sugar.Errorf("marshal %s: %v", env.Event, err)
		return
	}
	select {
	case c.Send <- payload:
	default:
		logger.Sugar.Warnf("client %s send buffer full, dropping %s", c.SID, env.Event)
	}
}

// ack answers an emission that asked for acknowledgment; emissions without a
// seq are fire-and-forget.
func (h *Hub) ack(c *Client, req protocol.Envelope, payload protocol.AckPayload) {
	if req.Seq == 0 {
		return
	}
	env, err := protocol.NewEnvelope(protocol.EventAck, req.Seq, payload)
	if err != nil {
		logger.Sugar.Errorf("marshal ack: %v", err)
		return
	}
	h.sendTo(c, env)
}

// DocumentBytes returns the stored bytes for a document, for the HTTP fetch
// endpoint.
func (h *Hub) DocumentBytes(docID string) ([]byte, store.Document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rm := range h.rooms {
		if doc, ok := rm.docs[docID]; ok {
			return doc.data, doc.Document, true
		}
	}
	return nil, store.Document{}, false
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// countPDFPages does a shallow scan for page objects. Real PDF parsing is a
// renderer concern; this only needs a plausible count for the viewer, and
// unparseable input counts as a single page.
func countPDFPages(data []byte) int {
	n := bytes.Count(data, []byte("/Type /Page")) - bytes.Count(data, []byte("/Type /Pages"))
	n += bytes.Count(data, []byte("/Type/Page")) - bytes.Count(data, []byte("/Type/Pages"))
	if n <= 0 {
		return 1
	}
	return n
}
