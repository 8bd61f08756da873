package agentapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// handleTTY upgrades to WebSocket and bridges the client to a fresh
// interactive shell on the VM. Shell output streams down as binary
// frames; client text frames get a trailing newline when missing, so
// plain text means "run this command". The ctrlc/ctrld text shortcuts
// become the control bytes 0x03/0x04; raw binary frames pass through to
// the channel unchanged.
func (s *Server) handleTTY(w http.ResponseWriter, r *http.Request) {
	vm, err := s.requireRunning(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	shell, err := s.cache.NewShell(vm)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		shell.Close()
		return
	}

	metrics.ConsoleSessionsActive.Inc()
	defer metrics.ConsoleSessionsActive.Dec()
	defer ws.Close()
	defer shell.Close()

	logger := s.logger.With().Str("vm_id", vm.ID).Logger()
	logger.Info().Msg("TTY session opened")

	// Shell -> client
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range shell.Out() {
			metrics.ConsoleBytesTotal.WithLabelValues("down").Add(float64(len(chunk)))
			_ = ws.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}()

	// Client -> shell
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		metrics.ConsoleBytesTotal.WithLabelValues("up").Add(float64(len(data)))

		if msgType == websocket.BinaryMessage {
			if _, err := shell.Write(data); err != nil {
				break
			}
			continue
		}

		payload := ttyTextPayload(string(data))
		if _, err := shell.Write(payload); err != nil {
			break
		}
	}

	shell.Close()
	<-done
	logger.Info().Msg("TTY session closed")
}

// ttyTextPayload maps a text frame to shell input: the ctrlc/ctrld
// shortcuts become their control bytes, anything else is a command line.
func ttyTextPayload(text string) []byte {
	switch strings.TrimSpace(text) {
	case "ctrlc":
		return []byte{0x03}
	case "ctrld":
		return []byte{0x04}
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return []byte(text)
}
