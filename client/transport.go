package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// TransportKind names the two transport modes the connection manager can run
// on. Websocket is the rich default; polling is the constrained fallback the
// manager drops to once the reconnection cap is hit.
type TransportKind string

const (
	TransportWebsocket TransportKind = "websocket"
	TransportPolling   TransportKind = "polling"
)

// Transport is one live connection to the server. Implementations carry the
// framing; the connection manager only moves envelope bytes through them.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	Kind() TransportKind
}

type wsTransport struct {
	conn *websocket.Conn
}

func dialWebsocket(serverURL, token string, timeout time.Duration) (Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial websocket")
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) Kind() TransportKind {
	return TransportWebsocket
}

// pollTransport emulates a persistent session over plain HTTP: one connect
// request that assigns a sid, long-poll reads against /poll/events, and
// one-shot writes against /poll/emit.
type pollTransport struct {
	base   string
	token  string
	sid    string
	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	queue  [][]byte
}

func dialPolling(serverURL, token string, timeout time.Duration) (Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &pollTransport{
		base:   serverURL,
		token:  token,
		client: &http.Client{},
		ctx:    ctx,
		cancel: cancel,
	}

	connectCtx, done := context.WithTimeout(ctx, timeout)
	defer done()
	req, err := http.NewRequestWithContext(connectCtx, http.MethodPost, t.endpoint("/poll/connect", ""), nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build poll connect request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "poll connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cancel()
		return nil, errors.Errorf("poll connect: status %d", resp.StatusCode)
	}

	// The connect response body is the "connected" envelope itself; it is
	// queued so the read loop sees the same handshake as over websocket.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "read poll connect response")
	}
	var env struct {
		Payload struct {
			SID string `json:"sid"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Payload.SID == "" {
		cancel()
		return nil, errors.New("poll connect: malformed response")
	}
	t.sid = env.Payload.SID
	t.queue = append(t.queue, body)
	return t, nil
}

func (t *pollTransport) endpoint(path, sid string) string {
	u, _ := url.Parse(t.base)
	u.Path = path
	q := u.Query()
	if sid != "" {
		q.Set("sid", sid)
	}
	if t.token != "" {
		q.Set("token", t.token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *pollTransport) ReadMessage() ([]byte, error) {
	for {
		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue = t.queue[1:]
			return msg, nil
		}

		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.endpoint("/poll/events", t.sid), nil)
		if err != nil {
			return nil, errors.Wrap(err, "build poll events request")
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "poll events")
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("poll events: status %d", resp.StatusCode)
		}
		var batch []json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "decode poll events")
		}
		for _, raw := range batch {
			t.queue = append(t.queue, raw)
		}
		// An empty batch means the long poll timed out server-side; poll again.
	}
}

func (t *pollTransport) WriteMessage(data []byte) error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.endpoint("/poll/emit", t.sid), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build poll emit request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "poll emit")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("poll emit: status %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.cancel()
	return nil
}

func (t *pollTransport) Kind() TransportKind {
	return TransportPolling
}
