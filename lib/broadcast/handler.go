package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/telemetry"
)

const closeCodeInvalidToken = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the Hub to an HTTP mux, handling the /ws upgrade and the
// ambient /health and /metrics endpoints.
type Server struct {
	hub      *Hub
	verifier *TokenVerifier
	log      *logrus.Entry
}

// NewServer builds a Server fronting hub, authenticating connections
// with verifier.
func NewServer(hub *Hub, verifier *TokenVerifier, log *logrus.Entry) *Server {
	return &Server{hub: hub, verifier: verifier, log: log}
}

// Router assembles the broadcaster's HTTP surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.hub.atCapacity() {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "at capacity"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	token := bearerToken(r)
	claims, err := s.verifier.Verify(token)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeInvalidToken, "invalid token"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConnection(wsConn, claims, s.log)
	for _, ch := range c.defaultChannels() {
		c.subscribe(ch)
	}
	s.hub.register(c)

	welcome := envelope("WELCOME", map[string]interface{}{
		"userId":   claims.UserID,
		"role":     claims.Role,
		"channels": c.channelList(),
	})
	c.enqueue(welcome)

	go c.writePump()
	c.readPump(func() { s.hub.unregister(c) })
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return auth
}
