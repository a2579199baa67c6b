package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// upgrader accepts connections from any origin; this endpoint is a pure
// observation surface with no credentials of its own to leak.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// terminalWS streams a sandbox's live interactive-shell byte stream to an
// observer. It is strictly additive: it never writes to the shell's
// stdin, so it cannot interfere with the marker protocol driving
// exec_session/exec_standalone on the same sandbox.
func (h *Handler) terminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, unsubscribe, err := h.registry.SubscribeOutput(id)
	if err != nil {
		h.writeSandboxError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Discard anything the client sends; this socket is read-only.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for chunk := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			log.Printf("api: terminal ws write to %s: %v", id, err)
			return
		}
	}
}
