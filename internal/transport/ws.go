package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/hub"
	"github.com/sawpanic/xgateway/internal/symbols"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// wsTransport adapts a gorilla websocket connection to hub.Transport.
type wsTransport struct {
	conn *websocket.Conn

	// writeMu serializes every frame: the hub's per-session send loop and
	// the read loop's error replies share one connection, and gorilla
	// permits only one concurrent writer.
	writeMu sync.Mutex
}

func (t *wsTransport) send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Send(update hub.BookUpdate) error {
	return t.send(map[string]map[string]book.Book{
		update.CanonicalSymbol: {
			string(update.Exchange): update.Book,
		},
	})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

type wsClientMessage struct {
	Action    string             `json:"action"`
	Symbol    string             `json:"symbol"`
	Exchanges []symbols.Exchange `json:"exchanges"`
}

// handleWS authenticates the token query parameter, upgrades the connection,
// and bridges client subscribe/unsubscribe frames into the Hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("transport: ws upgrade failed")
		return
	}

	tr := &wsTransport{conn: conn}
	session := s.hub.Connect(u.Username, tr)
	s.metrics.WSConnections.Inc()
	defer func() {
		session.Close()
		s.metrics.WSConnections.Dec()
	}()

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if err := hub.ValidateExchanges(msg.Exchanges); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			if err := s.hub.Subscribe(r.Context(), session, msg.Symbol, msg.Exchanges); err != nil {
				_ = tr.send(map[string]string{"type": "error", "error": err.Error()})
			}
		case "unsubscribe":
			s.hub.Unsubscribe(session, msg.Symbol, msg.Exchanges)
		}
	}
}
