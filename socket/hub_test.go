package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtsync/protocol"
	"courtsync/store"
)

// Helper to read one envelope from a WebSocket connection with a timeout.
func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	// Set a deadline to avoid tests hanging forever.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	err = json.Unmarshal(p, &env)
	require.NoError(t, err, "Failed to unmarshal envelope JSON")
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, seq uint64, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, seq, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func decodeRoom(t *testing.T, env protocol.Envelope) store.RoomState {
	t.Helper()
	require.Equal(t, protocol.EventRoomUpdate, env.Event)
	room, err := protocol.DecodeRoomState(env.Payload)
	require.NoError(t, err)
	return room
}

func startHub(t *testing.T) (string, *Hub) {
	t.Helper()
	hub := NewHub(time.Hour)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http"), hub
}

func dialWs(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubIntegration(t *testing.T) {
	wsURL, _ := startHub(t)

	// Client 1 connects and receives its sid.
	conn1 := dialWs(t, wsURL)
	connected1 := readEnvelope(t, conn1)
	require.Equal(t, protocol.EventConnected, connected1.Event)
	var hello1 protocol.ConnectedPayload
	require.NoError(t, json.Unmarshal(connected1.Payload, &hello1))
	require.NotEmpty(t, hello1.SID)

	// Client 1 joins a room: ack first, then the room broadcast.
	writeEnvelope(t, conn1, protocol.EventJoin, 1, protocol.JoinPayload{Username: "alice", Room: "courtroom-3"})
	ack := readEnvelope(t, conn1)
	require.Equal(t, protocol.EventAck, ack.Event)
	require.Equal(t, uint64(1), ack.Seq)

	room := decodeRoom(t, readEnvelope(t, conn1))
	require.Len(t, room.Users, 1)
	assert.Equal(t, "alice", room.Users[0].Username)
	assert.Equal(t, hello1.SID, room.Users[0].SID)

	// Client 2 joins the same room.
	conn2 := dialWs(t, wsURL)
	_ = readEnvelope(t, conn2) // connected
	writeEnvelope(t, conn2, protocol.EventJoin, 1, protocol.JoinPayload{Username: "bob", Room: "courtroom-3"})
	_ = readEnvelope(t, conn2) // ack
	room2 := decodeRoom(t, readEnvelope(t, conn2))
	require.Len(t, room2.Users, 2)

	// Client 1 sees the grown room too.
	room = decodeRoom(t, readEnvelope(t, conn1))
	require.Len(t, room.Users, 2)
	names := []string{room.Users[0].Username, room.Users[1].Username}
	assert.Contains(t, names, "alice")
	assert.Contains(t, names, "bob")

	// Client 2 adds a highlight; both clients get the broadcast, the
	// sender included.
	hl := store.Highlight{
		ID:           "hl-1",
		DocumentID:   "d1",
		PageNumber:   3,
		SelectedText: "the disputed clause",
		Username:     "spoofed", // server must overwrite owner fields
	}
	writeEnvelope(t, conn2, protocol.EventAddHighlight, 2, hl)
	ack = readEnvelope(t, conn2)
	require.Equal(t, protocol.EventAck, ack.Event)

	added := readEnvelope(t, conn2)
	require.Equal(t, protocol.EventHighlightAdded, added.Event)
	var echoed store.Highlight
	require.NoError(t, json.Unmarshal(added.Payload, &echoed))
	assert.Equal(t, "hl-1", echoed.ID)
	assert.Equal(t, "bob", echoed.Username, "owner fields are server-authoritative")

	broadcast := readEnvelope(t, conn1)
	require.Equal(t, protocol.EventHighlightAdded, broadcast.Event)

	// Client 1 removes it; both clients get highlight_removed.
	writeEnvelope(t, conn1, protocol.EventRemoveHighlight, 2, protocol.RemoveHighlightPayload{
		HighlightID: "hl-1",
		DocumentID:  "d1",
	})
	ack = readEnvelope(t, conn1)
	require.Equal(t, protocol.EventAck, ack.Event)

	removed := readEnvelope(t, conn1)
	require.Equal(t, protocol.EventHighlightRemoved, removed.Event)
	removed = readEnvelope(t, conn2)
	require.Equal(t, protocol.EventHighlightRemoved, removed.Event)

	// Client 2 leaves; client 1 sees the shrunken room.
	conn2.Close()
	room = decodeRoom(t, readEnvelope(t, conn1))
	require.Len(t, room.Users, 1)
	assert.Equal(t, "alice", room.Users[0].Username)
}

func TestHubUpload(t *testing.T) {
	wsURL, hub := startHub(t)

	conn := dialWs(t, wsURL)
	_ = readEnvelope(t, conn) // connected
	writeEnvelope(t, conn, protocol.EventJoin, 1, protocol.JoinPayload{Username: "alice", Room: "courtroom-3"})
	_ = readEnvelope(t, conn) // ack
	_ = readEnvelope(t, conn) // room_update

	pdf := []byte("%PDF-1.4\n/Type /Page\n/Type /Page\n/Type /Pages\n%%EOF")
	writeEnvelope(t, conn, protocol.EventUploadFile, 2, protocol.UploadFilePayload{Name: "../brief.pdf", File: pdf})

	ack := readEnvelope(t, conn)
	require.Equal(t, protocol.EventAck, ack.Event)
	var ackPayload protocol.AckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	require.Empty(t, ackPayload.Error)
	require.NotEmpty(t, ackPayload.DocumentID)

	room := decodeRoom(t, readEnvelope(t, conn))
	require.Len(t, room.Documents, 1)
	assert.Equal(t, "brief.pdf", room.Documents[0].Name, "path components must be stripped")
	assert.Equal(t, 2, room.Documents[0].Pages)

	data, doc, ok := hub.DocumentBytes(ackPayload.DocumentID)
	require.True(t, ok)
	assert.Equal(t, pdf, data)
	assert.Equal(t, "brief.pdf", doc.Name)

	// A second upload with the same name is rejected.
	writeEnvelope(t, conn, protocol.EventUploadFile, 3, protocol.UploadFilePayload{Name: "brief.pdf", File: pdf})
	ack = readEnvelope(t, conn)
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	assert.Equal(t, "document already exists", ackPayload.Error)
}

func TestHubRejectsJoinWithoutNames(t *testing.T) {
	wsURL, _ := startHub(t)

	conn := dialWs(t, wsURL)
	_ = readEnvelope(t, conn) // connected

	writeEnvelope(t, conn, protocol.EventJoin, 1, protocol.JoinPayload{Username: "", Room: "courtroom-3"})
	ack := readEnvelope(t, conn)
	require.Equal(t, protocol.EventAck, ack.Event)
	var ackPayload protocol.AckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	assert.NotEmpty(t, ackPayload.Error)
}

func TestCountPDFPages(t *testing.T) {
	assert.Equal(t, 1, countPDFPages([]byte("not a pdf")))
	assert.Equal(t, 3, countPDFPages([]byte("/Type /Page /Type /Page /Type/Page /Type /Pages")))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "brief.pdf", sanitizeFilename("../../brief.pdf"))
	assert.Equal(t, "brief.pdf", sanitizeFilename(`C:\uploads\brief.pdf`))
	assert.Equal(t, "a_b.pdf", sanitizeFilename("a:b.pdf"))
}
