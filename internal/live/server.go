package live

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"barreplay/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Server streams Model events to websocket clients. Clients may narrow the
// stream with exchange, symbol, and timeframe query parameters.
type Server struct {
	model    *Model
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates a websocket handler backed by the given Model.
func NewServer(model *Model, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		model: model,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With("component", "live-ws"),
	}
}

// ServeHTTP upgrades the connection, sends a snapshot of the matching
// series, then streams new events until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.SeriesKey{
		Exchange:  q.Get("exchange"),
		Symbol:    strings.ToUpper(q.Get("symbol")),
		Timeframe: q.Get("timeframe"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no event falls between the two.
	subID, ch := s.model.Subscribe(1024)
	defer s.model.Unsubscribe(subID)
	s.log.Info("websocket client subscribed", "subID", subID, "filter", filter.String())

	for _, evt := range s.model.Snapshot(filter) {
		if err := s.send(conn, evt); err != nil {
			return
		}
	}

	// The read loop only drains control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			s.log.Info("websocket client disconnected", "subID", subID)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !Matches(filter, evt.Key) {
				continue
			}
			if err := s.send(conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, evt BarEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}
