package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"courtsync/pkg/logger"
	"courtsync/protocol"
	"courtsync/store"
)

// ErrNotConnected is returned by emissions attempted without a live,
// handshaken transport. Callers use it to tell connectivity failures apart
// from server-side rejections.
var ErrNotConnected = errors.New("not connected")

// AckError is a server-rejected operation: the acknowledgment arrived but
// carried an error reason.
type AckError struct {
	Reason string
}

func (e *AckError) Error() string {
	return "server rejected operation: " + e.Reason
}

// State is the connection lifecycle position. The join emission is gated on
// the Connected transition, not on a timer, so a rejoin can never race ahead
// of the handshake.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	}
	return "unknown"
}

type Config struct {
	// ServerURL is the http(s) base URL of the room server.
	ServerURL string
	// Token is attached to dial requests when the server requires auth.
	Token string
	// ReconnectDelay is the fixed (not exponential) delay between attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds websocket dials; past it the client falls
	// back to polling-only and stops retrying the richer transport.
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	AckTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	return c
}

// Client owns the transport session and is the dispatch boundary between the
// wire and the store: it validates inbound broadcasts and applies them, and
// it carries outbound emissions, optionally waiting for acknowledgment.
type Client struct {
	cfg   Config
	store *store.Store

	mu          sync.Mutex
	writeMu     sync.Mutex
	state       State
	transport   Transport
	sid         string
	pendingJoin *protocol.JoinPayload
	attempts    int
	pollingOnly bool
	closing     bool
	running     bool
	acks        map[uint64]chan protocol.AckPayload

	seq uint64
}

func NewClient(cfg Config, st *store.Store) *Client {
	return &Client{
		cfg:   cfg.withDefaults(),
		store: st,
		acks:  make(map[uint64]chan protocol.AckPayload),
	}
}

// Connect is idempotent: it starts the connection loop if one is not already
// running. Dial failures feed the bounded reconnection policy rather than
// being surfaced here.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		// A loop that was told to shut down but has not exited yet is
		// simply told to keep going.
		c.closing = false
		return nil
	}
	c.running = true
	c.closing = false
	c.state = StateConnecting
	go c.run()
	return nil
}

// Disconnect is idempotent: it stops the connection loop, tears down the
// transport and blanks the mirrored room so the UI never shows stale
// membership.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = StateDisconnected
	c.pendingJoin = nil
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.store.SetRoomState(store.EmptyRoom())
}

// JoinRoom emits the join once the connection reaches the connected state,
// connecting first if needed. Empty arguments are logged and dropped; no
// error is surfaced to the caller.
func (c *Client) JoinRoom(username, room string) {
	if username == "" || room == "" {
		logger.Sugar.Warn("join requires both a username and a room name")
		return
	}
	join := &protocol.JoinPayload{Username: username, Room: room}

	c.mu.Lock()
	c.pendingJoin = join
	ready := c.state >= StateConnected && c.transport != nil
	c.mu.Unlock()

	if !ready {
		// The pending join is flushed on the connected transition.
		c.Connect()
		return
	}
	c.sendJoin(join)
}

func (c *Client) sendJoin(join *protocol.JoinPayload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
		defer cancel()
		if _, err := c.EmitWithAck(ctx, protocol.EventJoin, join); err != nil {
			// Success is re-verified via the next room broadcast, not the
			// join ack alone.
			logger.Sugar.Warnf("join %s as %s not acknowledged: %v", join.Room, join.Username, err)
			return
		}
		logger.Sugar.Infof("joined room %s as %s", join.Room, join.Username)
	}()
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, 0, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

// EmitWithAck sends an event and waits for the server's acknowledgment. A
// server-side rejection is returned as *AckError; connectivity problems as
// ErrNotConnected.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any) (protocol.AckPayload, error) {
	seq := atomic.AddUint64(&c.seq, 1)
	env, err := protocol.NewEnvelope(event, seq, payload)
	if err != nil {
		return protocol.AckPayload{}, err
	}

	ch := make(chan protocol.AckPayload, 1)
	c.mu.Lock()
	c.acks[seq] = ch
	c.mu.Unlock()

	if err := c.write(env); err != nil {
		c.mu.Lock()
		delete(c.acks, seq)
		c.mu.Unlock()
		return protocol.AckPayload{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout)
		defer cancel()
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			// Connection dropped before the ack arrived.
			return protocol.AckPayload{}, ErrNotConnected
		}
		if ack.Error != "" {
			return ack, &AckError{Reason: ack.Error}
		}
		return ack, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, seq)
		c.mu.Unlock()
		return protocol.AckPayload{}, errors.Wrap(ctx.Err(), "await "+event+" ack")
	}
}

// UploadFile reads the document and emits upload_file, returning the id the
// server assigned.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if name == "" {
		return "", errors.New("file name is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "read file")
	}
	if len(data) == 0 {
		return "", errors.New("file is empty")
	}
	ack, err := c.EmitWithAck(ctx, protocol.EventUploadFile, protocol.UploadFilePayload{Name: name, File: data})
	if err != nil {
		return "", err
	}
	return ack.DocumentID, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SID reports the current transport-session identifier, empty while
// disconnected.
func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// TransportKind reports the mode the client is on (or will dial next).
func (c *Client) TransportKind() TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return c.transport.Kind()
	}
	if c.pollingOnly {
		return TransportPolling
	}
	return TransportWebsocket
}

func (c *Client) write(env protocol.Envelope) error {
	c.mu.Lock()
	t := c.transport
	st := c.state
	c.mu.Unlock()
	if t == nil || st < StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := t.WriteMessage(data); err != nil {
		return errors.Wrap(ErrNotConnected, err.Error())
	}
	return nil
}

// run is the connection loop: dial, pump inbound events, tear down, retry.
// Retries use a fixed linear delay; once websocket dials hit the attempt cap
// the loop permanently switches to the polling transport.
func (c *Client) run() {
	for {
		c.mu.Lock()
		if c.closing {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		polling := c.pollingOnly
		c.mu.Unlock()

		var t Transport
		var err error
		if polling {
			t, err = dialPolling(c.cfg.ServerURL, c.cfg.Token, c.cfg.DialTimeout)
		} else {
			t, err = dialWebsocket(c.cfg.ServerURL, c.cfg.Token, c.cfg.DialTimeout)
		}
		if err != nil {
			c.mu.Lock()
			c.attempts++
			if !c.pollingOnly && c.attempts >= c.cfg.MaxReconnectAttempts {
				logger.Sugar.Errorf("reached %d failed connection attempts, falling back to polling", c.attempts)
				c.pollingOnly = true
			}
			c.state = StateDisconnected
			c.mu.Unlock()
			logger.Sugar.Warnf("connection attempt failed: %v", err)
			time.Sleep(c.cfg.ReconnectDelay)
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.running = false
			c.mu.Unlock()
			t.Close()
			return
		}
		c.transport = t
		c.mu.Unlock()

		c.readLoop(t)

		// The transport is gone: blank the room mirror, fail waiting acks,
		// then wait the fixed delay before the reconnect attempt.
		c.mu.Lock()
		c.transport = nil
		c.sid = ""
		c.state = StateDisconnected
		for seq, ch := range c.acks {
			delete(c.acks, seq)
			close(ch)
		}
		closing := c.closing
		c.mu.Unlock()

		c.store.SetRoomState(store.EmptyRoom())
		if closing {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}
		time.Sleep(c.cfg.ReconnectDelay)
	}
}

func (c *Client) readLoop(t Transport) {
	defer t.Close()
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				logger.Sugar.Warnf("transport closed: %v", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Sugar.Warnf("dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventConnected:
		c.handleConnected(env.Payload)
	case protocol.EventAck:
		c.handleAck(env)
	case protocol.EventRoomUpdate:
		c.handleRoomUpdate(env.Payload)
	case protocol.EventHighlightAdded:
		c.handleHighlightAdded(env.Payload)
	case protocol.EventHighlightRemoved:
		c.handleHighlightRemoved(env.Payload)
	case protocol.EventError:
		var p protocol.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.Sugar.Errorf("server error: %s", p.Message)
	default:
		logger.Sugar.Debugf("ignoring unknown event %q", env.Event)
	}
}

func (c *Client) handleConnected(raw json.RawMessage) {
	var p protocol.ConnectedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SID == "" {
		logger.Sugar.Warn("dropping connected event without sid")
		return
	}

	c.mu.Lock()
	c.sid = p.SID
	c.state = StateConnected
	c.attempts = 0
	join := c.pendingJoin
	c.mu.Unlock()

	logger.Sugar.Infof("connected with sid %s", p.SID)
	if join != nil {
		c.sendJoin(join)
	}
}

func (c *Client) handleAck(env protocol.Envelope) {
	c.mu.Lock()
	ch := c.acks[env.Seq]
	delete(c.acks, env.Seq)
	c.mu.Unlock()
	if ch == nil {
		logger.Sugar.Debugf("ack for unknown seq %d", env.Seq)
		return
	}
	var ack protocol.AckPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &ack)
	}
	ch <- ack
}

// handleRoomUpdate replaces the mirrored room wholesale and re-derives which
// user record is ours by sid. A malformed payload is dropped and the
// last-known-good state retained.
func (c *Client) handleRoomUpdate(raw json.RawMessage) {
	room, err := protocol.DecodeRoomState(raw)
	if err != nil {
		logger.Sugar.Warnf("dropping room_update: %v", err)
		return
	}
	c.store.SetRoomState(room)

	c.mu.Lock()
	sid := c.sid
	c.mu.Unlock()
	if u, ok := room.UserBySID(sid); ok {
		c.store.SetCurrentUser(u)
		c.mu.Lock()
		if c.state >= StateConnected {
			c.state = StateJoined
		}
		c.mu.Unlock()
	} else {
		// Expected transiently right after a reconnect, until the server's
		// next broadcast carries the new sid.
		logger.Sugar.Debugf("own sid %s not in room_update with %d users", sid, len(room.Users))
	}
}

func (c *Client) handleHighlightAdded(raw json.RawMessage) {
	var h store.Highlight
	if err := json.Unmarshal(raw, &h); err != nil || h.ID == "" || h.DocumentID == "" {
		logger.Sugar.Warn("dropping highlight_added without id and document id")
		return
	}
	if !c.store.AddHighlight(h) {
		logger.Sugar.Debugf("highlight %s already present, broadcast collapsed", h.ID)
	}
}

func (c *Client) handleHighlightRemoved(raw json.RawMessage) {
	var p protocol.RemoveHighlightPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.HighlightID == "" || p.DocumentID == "" {
		logger.Sugar.Warn("dropping highlight_removed without highlight id and document id")
		return
	}
	c.store.RemoveHighlight(p.DocumentID, p.HighlightID)
}
