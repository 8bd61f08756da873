// Package console multiplexes one or more interactive VM shells onto a
// single client WebSocket. Each session ("sid") is an upstream WebSocket
// to the owning node's /vms/{id}/tty endpoint; a reader goroutine per
// session fans upstream frames into the client writer, which serializes
// all writes. The callback bridge of the original design is redesigned
// as channel-fed goroutines so a slow client never blocks SSH reads
// beyond buffer bounds.
package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerMsg is the envelope pushed to the client. Binary data follows a
// stream-bytes envelope naming its session.
type ServerMsg struct {
	Type     string   `json:"type"` // "info", "error", "stream", "stream-bytes"
	SID      string   `json:"sid,omitempty"`
	Message  string   `json:"message,omitempty"`
	Payload  string   `json:"payload,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
	Active   string   `json:"active,omitempty"`
}

// clientMsg is the client's JSON shape; control and data messages share
// it.
type clientMsg struct {
	Control   string  `json:"control,omitempty"` // "open", "close", "focus"
	SID       string  `json:"sid,omitempty"`
	Data      *string `json:"data,omitempty"`
	Broadcast bool    `json:"broadcast,omitempty"`
}

// Conn is the minimal WebSocket surface the bridge needs on both legs;
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens an upstream TTY socket for the bridged VM.
type Dialer func() (Conn, error)

// DialNode builds a Dialer for a node's TTY endpoint.
func DialNode(ttyURL string, headers http.Header) Dialer {
	return func() (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
		ws, _, err := d.Dial(ttyURL, headers)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

type session struct {
	sid  string
	up   Conn
	done chan struct{}

	writeMu sync.Mutex
}

func (s *session) send(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.up.WriteMessage(websocket.TextMessage, []byte(data))
}

func (s *session) sendBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.up.WriteMessage(websocket.BinaryMessage, data)
}

// Bridge is one client connection's console state: its sessions, the
// active sid, and the serialized client writer.
type Bridge struct {
	client Conn
	dial   Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	active   string

	clientWriteMu sync.Mutex
}

// NewBridge builds a bridge for an accepted client connection.
func NewBridge(client Conn, dial Dialer) *Bridge {
	return &Bridge{
		client:   client,
		dial:     dial,
		logger:   log.WithComponent("console"),
		sessions: make(map[string]*session),
	}
}

// Run opens the initial "s1" session, announces it, and serves the
// client until disconnect. Closing the last session closes the client.
func (b *Bridge) Run() {
	metrics.ConsoleSessionsActive.Inc()
	defer metrics.ConsoleSessionsActive.Dec()
	defer b.shutdown()

	if err := b.openSession("s1"); err != nil {
		b.writeText(fmt.Sprintf("Proxy error: could not connect initial console (s1) (%v)", err))
		return
	}

	b.writeJSON(ServerMsg{
		Type:     "info",
		Message:  "Connected",
		Sessions: b.sessionIDs(),
		Active:   b.activeSID(),
	})

	for {
		msgType, data, err := b.client.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			b.handleText(string(data))
		case websocket.BinaryMessage:
			b.handleBinary(data)
		}
		if b.sessionCount() == 0 {
			return
		}
	}
}

func (b *Bridge) handleText(text string) {
	var msg clientMsg
	if err := json.Unmarshal([]byte(text), &msg); err == nil && (msg.Control != "" || msg.Data != nil) {
		if msg.Control != "" {
			b.handleControl(msg)
			return
		}
		if msg.Broadcast {
			b.sendToAll(*msg.Data)
			return
		}
		sid := msg.SID
		if sid == "" {
			sid = b.activeSID()
		}
		b.sendToOne(sid, *msg.Data)
		return
	}

	// Plain text goes to the active session
	sid := b.activeSID()
	if sid == "" {
		b.writeJSON(ServerMsg{Type: "error", Message: "No active session to receive plain text."})
		return
	}
	b.sendToOne(sid, text)
}

func (b *Bridge) handleBinary(data []byte) {
	sid := b.activeSID()
	if sid == "" {
		b.writeJSON(ServerMsg{Type: "error", Message: "No active session for binary payload."})
		return
	}
	b.mu.Lock()
	sess := b.sessions[sid]
	b.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.sendBinary(data); err != nil {
		b.writeText(fmt.Sprintf("Proxy error when sending bin upstream[%s]: %v", sid, err))
		b.closeSession(sid)
	}
}

func (b *Bridge) handleControl(msg clientMsg) {
	switch msg.Control {
	case "open":
		if msg.SID == "" {
			b.writeJSON(ServerMsg{Type: "error", Message: "control=open requires a string 'sid'."})
			return
		}
		b.mu.Lock()
		_, exists := b.sessions[msg.SID]
		b.mu.Unlock()
		if exists {
			b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Session '%s' already exists.", msg.SID)})
			return
		}
		if err := b.openSession(msg.SID); err != nil {
			b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Failed to open session '%s': %v", msg.SID, err)})
			return
		}
		b.writeJSON(ServerMsg{Type: "info", Message: "session-opened", SID: msg.SID, Active: msg.SID})

	case "close":
		b.mu.Lock()
		_, exists := b.sessions[msg.SID]
		b.mu.Unlock()
		if !exists {
			b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Unknown sid '%s' to close.", msg.SID)})
			return
		}
		b.closeSession(msg.SID)
		b.writeJSON(ServerMsg{Type: "info", Message: "session-closed", SID: msg.SID})

	case "focus":
		b.mu.Lock()
		_, exists := b.sessions[msg.SID]
		if exists {
			b.active = msg.SID
		}
		b.mu.Unlock()
		if !exists {
			b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Unknown sid '%s' to focus.", msg.SID)})
			return
		}
		b.writeJSON(ServerMsg{Type: "info", Message: "session-focused", SID: msg.SID})

	default:
		b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Unknown control '%s'.", msg.Control)})
	}
}

// openSession dials upstream, registers the session, starts its reader,
// and focuses it.
func (b *Bridge) openSession(sid string) error {
	up, err := b.dial()
	if err != nil {
		return err
	}

	sess := &session{sid: sid, up: up, done: make(chan struct{})}
	b.mu.Lock()
	b.sessions[sid] = sess
	b.active = sid
	b.mu.Unlock()

	go b.pump(sess)
	return nil
}

// pump forwards upstream frames to the client until the upstream ends.
func (b *Bridge) pump(sess *session) {
	defer close(sess.done)
	for {
		msgType, data, err := sess.up.ReadMessage()
		if err != nil {
			b.writeJSON(ServerMsg{
				Type:    "info",
				SID:     sess.sid,
				Message: fmt.Sprintf("Proxy: upstream connection ended (%v)", err),
			})
			b.closeSession(sess.sid)
			return
		}

		metrics.ConsoleBytesTotal.WithLabelValues("down").Add(float64(len(data)))
		if msgType == websocket.BinaryMessage {
			// Envelope first so the client knows which session the
			// following bytes belong to.
			b.writeJSON(ServerMsg{Type: "stream-bytes", SID: sess.sid})
			b.writeBinary(data)
		} else {
			b.writeJSON(ServerMsg{Type: "stream", SID: sess.sid, Payload: string(data)})
		}
	}
}

// sendToOne forwards a command to one session, appending the newline
// interactive shells expect.
func (b *Bridge) sendToOne(sid, data string) {
	b.mu.Lock()
	sess := b.sessions[sid]
	b.mu.Unlock()
	if sess == nil {
		b.writeJSON(ServerMsg{Type: "error", Message: fmt.Sprintf("Unknown or inactive sid '%s'.", sid)})
		return
	}

	metrics.ConsoleBytesTotal.WithLabelValues("up").Add(float64(len(data)))
	if err := sess.send(ensureNewline(data)); err != nil {
		b.writeText(fmt.Sprintf("Proxy error when sending upstream[%s]: %v", sid, err))
		b.closeSession(sid)
	}
}

func (b *Bridge) sendToAll(data string) {
	b.mu.Lock()
	sids := make([]string, 0, len(b.sessions))
	for sid := range b.sessions {
		sids = append(sids, sid)
	}
	b.mu.Unlock()

	for _, sid := range sids {
		b.sendToOne(sid, data)
	}
}

func ensureNewline(data string) string {
	if !strings.HasSuffix(data, "\n") {
		return data + "\n"
	}
	return data
}

// closeSession removes one session and refocuses; the client socket
// stays open while other sessions remain.
func (b *Bridge) closeSession(sid string) {
	b.mu.Lock()
	sess := b.sessions[sid]
	delete(b.sessions, sid)
	if b.active == sid {
		b.active = ""
		for other := range b.sessions {
			b.active = other
			break
		}
	}
	remaining := len(b.sessions)
	b.mu.Unlock()

	if sess != nil {
		_ = sess.up.Close()
	}
	if remaining == 0 {
		// Disconnecting the last session ends the client connection;
		// this unblocks Run's read loop.
		_ = b.client.Close()
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.up.Close()
		<-sess.done
	}
	_ = b.client.Close()
}

func (b *Bridge) sessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for sid := range b.sessions {
		ids = append(ids, sid)
	}
	return ids
}

func (b *Bridge) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Bridge) activeSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Bridge) writeJSON(msg ServerMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.clientWriteMu.Lock()
	defer b.clientWriteMu.Unlock()
	_ = b.client.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) writeText(text string) {
	b.clientWriteMu.Lock()
	defer b.clientWriteMu.Unlock()
	_ = b.client.WriteMessage(websocket.TextMessage, []byte(text))
}

func (b *Bridge) writeBinary(data []byte) {
	b.clientWriteMu.Lock()
	defer b.clientWriteMu.Unlock()
	_ = b.client.WriteMessage(websocket.BinaryMessage, data)
}
