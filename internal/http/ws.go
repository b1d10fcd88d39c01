package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	wsWriteWait = 5 * time.Second
	wsPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// locationFrame is one position report on a driver's stream. The driver id
// comes from the URL.
type locationFrame struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type locationAck struct {
	DriverID string `json:"driver_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// wsSession is a connected driver stream. Writes are serialised.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by newer session"),
		time.Now().Add(wsWriteWait))
	_ = s.conn.Close()
}

// sessionRegistry keeps at most one live stream per driver.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*wsSession)}
}

// add registers sess and returns the session it displaced, if any.
func (r *sessionRegistry) add(driverID string, sess *wsSession) *wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = sess
	return prev
}

func (r *sessionRegistry) remove(driverID string, sess *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == sess {
		delete(r.sessions, driverID)
	}
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s *Server) handleLocationStream(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.requestLogger(r.Context()).Warn("websocket upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	sess := &wsSession{conn: conn}
	if prev := s.sessions.add(driverID, sess); prev != nil {
		prev.close()
	}
	observability.LocationStreams.Inc()
	defer func() {
		observability.LocationStreams.Dec()
		s.sessions.remove(driverID, sess)
		_ = conn.Close()
	}()

	log := s.requestLogger(r.Context()).With("driver_id", driverID)
	log.Info("location stream opened", "sessions", s.sessions.count())

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := r.Context()
	for {
		var frame locationFrame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) {
				log.Info("location stream closed")
			} else {
				log.Debug("location stream read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		ack := locationAck{DriverID: driverID, OK: true}
		loc := models.DriverLocation{DriverID: driverID, Loc: models.Coord{Lat: frame.Lat, Lon: frame.Lon}}
		if err := s.ingestLocation(ctx, loc); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
		if err := sess.send(ack); err != nil {
			log.Debug("location ack failed", "error", err)
			return
		}
	}
}
