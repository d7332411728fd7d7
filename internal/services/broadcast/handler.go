package broadcast

import (
	"context"
	"log"
	"net/http"

	"docsync/internal/auth"
	"docsync/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// credentials are checked before upgrade, origin is not
		return true
	},
}

// CredentialVerifier resolves a bearer credential to a subject id
type CredentialVerifier interface {
	VerifyCredential(token string) (string, error)
}

// Handler upgrades authenticated requests to realtime connections
type Handler struct {
	hub      *Hub
	verifier CredentialVerifier
}

func NewHandler(hub *Hub, verifier CredentialVerifier) *Handler {
	return &Handler{hub: hub, verifier: verifier}
}

// ServeHTTP accepts the token from the Authorization header or, for
// browsers, the token query parameter
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	subjectID, err := h.verifier.VerifyCredential(token)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.Header.Get("X-Client-ID")

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("subject.id", subjectID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn, err := h.hub.Connect(ctx, subjectID, clientID, ws)
	if err != nil {
		log.Printf("❌ Failed to register connection for %s: %v", subjectID, err)
		middleware.AddSpanError(ctx, err)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"))
		ws.Close()
		return
	}

	// the request context ends when this handler returns
	pumpCtx := context.WithoutCancel(ctx)
	go conn.WritePump()
	go conn.ReadPump(pumpCtx)

	log.Printf("✓ WebSocket connection established for %s (connection: %s)", subjectID, conn.ID)
}
