package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/auth"
)

// Authenticator validates a bearer token and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Claims, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHandler builds the HTTP routes for the collaboration gateway.
func NewHandler(hub *Hub, authn Authenticator, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", serveWS(hub, authn, log)).Methods(http.MethodGet)
	return r
}

// serveWS authenticates the request, upgrades it and starts the client
// pumps. The token comes from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func serveWS(hub *Hub, authn Authenticator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims, err := authn.Authenticate(r.Context(), token)
		if err != nil {
			log.Warn().Err(err).Msg("websocket auth failed")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := newClient(hub, conn, claims)
		client.log.Info().Str("user", claims.Name).Msg("client connected")
		go client.writePump()
		go client.readPump()
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
