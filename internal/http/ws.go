package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/park-rides/internal/models"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	// origins are already filtered by the CORS layer for API calls; stream
	// clients authenticate with their token instead.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession is one connected stream client. Writes are serialised because
// store subscriptions and close can race.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// wsRegistry tracks open sessions so shutdown can close them.
type wsRegistry struct {
	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

func newWSRegistry() *wsRegistry { return &wsRegistry{sessions: make(map[*wsSession]struct{})} }

func (r *wsRegistry) add(conn *websocket.Conn) *wsSession {
	s := &wsSession{conn: conn}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *wsRegistry) remove(s *wsSession) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

func (r *wsRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *wsRegistry) closeAll() {
	r.mu.Lock()
	all := make([]*wsSession, 0, len(r.sessions))
	for s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

type queueMessage struct {
	RideID string              `json:"rideId"`
	Queue  []models.QueueEntry `json:"queue"`
	Length int                 `json:"length"`
}

type chatMessage struct {
	ChatID   string           `json:"chatId"`
	Messages []models.Message `json:"messages"`
}

// stream upgrades the request and keeps it open until the client goes away.
// watch is started after the upgrade and must stop when ctx ends.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, watch func(ctx context.Context, sess *wsSession) (func(), error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sess := s.sessions.add(conn)
	defer s.sessions.remove(sess)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop, err := watch(ctx, sess)
	if err != nil {
		s.logger.Warn("websocket watch failed", "path", r.URL.Path, "error", err)
		return
	}
	defer stop()

	// the read loop only detects the close; clients do not send data
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleQueueWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	if _, err := s.Catalog.Ride(r.Context(), rideID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.stream(w, r, func(ctx context.Context, sess *wsSession) (func(), error) {
		return s.Queue.Watch(ctx, rideID, func(q []models.QueueEntry) {
			if err := sess.send(queueMessage{RideID: rideID, Queue: q, Length: len(q)}); err != nil {
				s.logger.Debug("queue stream write failed", "ride_id", rideID, "error", err)
			}
		})
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chat_id"]
	caller := principalFrom(r.Context())
	// authorise before upgrading so a refusal is a plain HTTP error
	if _, err := s.Messages.List(r.Context(), caller, chatID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.stream(w, r, func(ctx context.Context, sess *wsSession) (func(), error) {
		return s.Messages.Watch(ctx, caller, chatID, func(msgs []models.Message) {
			if err := sess.send(chatMessage{ChatID: chatID, Messages: msgs}); err != nil {
				s.logger.Debug("chat stream write failed", "chat_id", chatID, "error", err)
			}
		})
	})
}
