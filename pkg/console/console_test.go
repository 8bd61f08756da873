package console

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	msgType int
	data    []byte
}

// fakeConn is a channel-backed Conn for both legs of the bridge.
type fakeConn struct {
	in chan frame

	mu     sync.Mutex
	out    []frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.msgType, fr.data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, frame{msgType, append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.out...)
}

func (f *fakeConn) textFrames() []string {
	var out []string
	for _, fr := range f.frames() {
		if fr.msgType == websocket.TextMessage {
			out = append(out, string(fr.data))
		}
	}
	return out
}

func (f *fakeConn) sendText(s string)   { f.in <- frame{websocket.TextMessage, []byte(s)} }
func (f *fakeConn) sendBinary(b []byte) { f.in <- frame{websocket.BinaryMessage, b} }

// harness runs a bridge against fake client and upstream conns.
type harness struct {
	client    *fakeConn
	upstreams []*fakeConn
	mu        sync.Mutex
	done      chan struct{}
}

func startBridge(t *testing.T) *harness {
	t.Helper()
	h := &harness{client: newFakeConn(), done: make(chan struct{})}
	dial := func() (Conn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		up := newFakeConn()
		h.upstreams = append(h.upstreams, up)
		return up, nil
	}

	b := NewBridge(h.client, dial)
	go func() {
		b.Run()
		close(h.done)
	}()

	// Wait for the Connected announcement
	require.Eventually(t, func() bool {
		return len(h.client.textFrames()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	return h
}

func (h *harness) upstream(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreams[i]
}

func (h *harness) upstreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.upstreams)
}

func decode(t *testing.T, raw string) ServerMsg {
	t.Helper()
	var msg ServerMsg
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestConnectAnnouncesInitialSession(t *testing.T) {
	h := startBridge(t)

	msg := decode(t, h.client.textFrames()[0])
	assert.Equal(t, "info", msg.Type)
	assert.Equal(t, "Connected", msg.Message)
	assert.Equal(t, []string{"s1"}, msg.Sessions)
	assert.Equal(t, "s1", msg.Active)
}

func TestPlainTextGetsNewlineAndOrder(t *testing.T) {
	h := startBridge(t)

	h.client.sendText("ls\n")
	h.client.sendText("pwd")

	up := h.upstream(0)
	require.Eventually(t, func() bool { return len(up.frames()) == 2 }, 2*time.Second, 10*time.Millisecond)

	frames := up.frames()
	assert.Equal(t, "ls\n", string(frames[0].data))
	assert.Equal(t, "pwd\n", string(frames[1].data))
}

func TestJSONDataRoutesToNamedSession(t *testing.T) {
	h := startBridge(t)

	h.client.sendText(`{"control":"open","sid":"s2"}`)
	require.Eventually(t, func() bool { return h.upstreamCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.client.sendText(`{"data":"echo hi","sid":"s1"}`)
	up1 := h.upstream(0)
	require.Eventually(t, func() bool { return len(up1.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo hi\n", string(up1.frames()[0].data))

	// Missing sid goes to the active session (s2, the newest)
	h.client.sendText(`{"data":"whoami"}`)
	up2 := h.upstream(1)
	require.Eventually(t, func() bool { return len(up2.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "whoami\n", string(up2.frames()[0].data))
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	h := startBridge(t)

	h.client.sendText(`{"control":"open","sid":"s2"}`)
	require.Eventually(t, func() bool { return h.upstreamCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.client.sendText(`{"data":"clear","broadcast":true}`)
	require.Eventually(t, func() bool {
		return len(h.upstream(0).frames()) == 1 && len(h.upstream(1).frames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFocusSwitchesActiveSession(t *testing.T) {
	h := startBridge(t)

	h.client.sendText(`{"control":"open","sid":"s2"}`)
	require.Eventually(t, func() bool { return h.upstreamCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.client.sendText(`{"control":"focus","sid":"s1"}`)
	h.client.sendText("uptime")

	up1 := h.upstream(0)
	require.Eventually(t, func() bool { return len(up1.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "uptime\n", string(up1.frames()[0].data))
}

func TestBinaryGoesToActiveSession(t *testing.T) {
	h := startBridge(t)

	h.client.sendBinary([]byte{0x03})
	up := h.upstream(0)
	require.Eventually(t, func() bool { return len(up.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, websocket.BinaryMessage, up.frames()[0].msgType)
	assert.Equal(t, []byte{0x03}, up.frames()[0].data)
}

func TestUpstreamStreamIsEnveloped(t *testing.T) {
	h := startBridge(t)

	h.upstream(0).sendText("shell output here")
	require.Eventually(t, func() bool { return len(h.client.textFrames()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	msg := decode(t, h.client.textFrames()[1])
	assert.Equal(t, "stream", msg.Type)
	assert.Equal(t, "s1", msg.SID)
	assert.Equal(t, "shell output here", msg.Payload)
}

func TestUpstreamBinaryGetsStreamBytesEnvelope(t *testing.T) {
	h := startBridge(t)

	h.upstream(0).sendBinary([]byte{0xde, 0xad})
	require.Eventually(t, func() bool { return len(h.client.frames()) >= 3 }, 2*time.Second, 10*time.Millisecond)

	frames := h.client.frames()
	envelope := decode(t, string(frames[1].data))
	assert.Equal(t, "stream-bytes", envelope.Type)
	assert.Equal(t, "s1", envelope.SID)
	assert.Equal(t, websocket.BinaryMessage, frames[2].msgType)
	assert.Equal(t, []byte{0xde, 0xad}, frames[2].data)
}

func TestClosingLastSessionEndsBridge(t *testing.T) {
	h := startBridge(t)

	h.client.sendText(`{"control":"close","sid":"s1"}`)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down after last session closed")
	}
}

func TestUnknownControlIsRejected(t *testing.T) {
	h := startBridge(t)

	h.client.sendText(`{"control":"teleport","sid":"s1"}`)
	require.Eventually(t, func() bool {
		for _, raw := range h.client.textFrames() {
			var msg ServerMsg
			if json.Unmarshal([]byte(raw), &msg) == nil && msg.Type == "error" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
