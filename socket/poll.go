package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"courtsync/pkg/logger"
	"courtsync/protocol"
)

const (
	// pollWait is how long an events request blocks for the first message
	// before answering with an empty batch.
	pollWait = 25 * time.Second
	// pollSessionTTL reaps sessions whose client stopped polling.
	pollSessionTTL = time.Minute
)

// The polling fallback emulates a session over three plain HTTP endpoints:
// connect assigns a sid, events long-polls the outbound queue, emit accepts
// one inbound envelope. It exists for clients whose websocket attempts hit
// the reconnection cap.

// HandlePollConnect creates a poll session and answers with the connected
// envelope, the same handshake a websocket client receives as its first
// frame.
func (h *Hub) HandlePollConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client := &Client{
		Hub:      h,
		SID:      uuid.NewString(),
		Send:     make(chan []byte, 256),
		lastPoll: time.Now(),
	}
	h.Register <- client

	select {
	case msg, ok := <-client.Send:
		if !ok {
			http.Error(w, "Session closed", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(msg)
	case <-time.After(5 * time.Second):
		logger.Sugar.Error("poll connect: handshake frame never arrived")
		http.Error(w, "Handshake timeout", http.StatusInternalServerError)
	}
}

// HandlePollEvents drains the session's outbound queue, blocking up to
// pollWait for the first message. An empty array means the poll timed out
// and the client should poll again.
func (h *Hub) HandlePollEvents(w http.ResponseWriter, r *http.Request) {
	client := h.pollClient(w, r)
	if client == nil {
		return
	}

	batch := make([]json.RawMessage, 0)
	timer := time.NewTimer(pollWait)
	defer timer.Stop()

	select {
	case msg, ok := <-client.Send:
		if !ok {
			http.Error(w, "Session closed", http.StatusGone)
			return
		}
		batch = append(batch, msg)
	case <-r.Context().Done():
		return
	case <-timer.C:
	}

	// Take whatever else is already queued without blocking again.
drain:
	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				break drain
			}
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

// HandlePollEmit accepts one envelope from the session and feeds it into
// the hub, exactly as a websocket read would.
func (h *Hub) HandlePollEmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	client := h.pollClient(w, r)
	if client == nil {
		return
	}

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		logger.Sugar.Warnf("poll emit from %s: %v", client.SID, err)
		http.Error(w, "Malformed envelope", http.StatusBadRequest)
		return
	}
	h.Inbound <- inbound{client: client, env: env}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) pollClient(w http.ResponseWriter, r *http.Request) *Client {
	sid := r.URL.Query().Get("sid")
	h.mu.Lock()
	client := h.polls[sid]
	if client != nil {
		client.lastPoll = time.Now()
	}
	h.mu.Unlock()
	if client == nil {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return nil
	}
	return client
}
