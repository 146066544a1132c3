package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendQueueSize  = 64
)

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

var ErrSlowConsumer = errors.New("ws session send queue full")

// WSSession is one live socket. All writes happen on its writer goroutine
// and leave in the order they were queued. A position-like frame replaces an
// undelivered frame of the same type only while no ordered frame has been
// queued behind it.
type WSSession struct {
	ID     string
	UserID string

	conn *websocket.Conn

	mu      sync.Mutex
	queue   []frame
	ordered int // ordered frames in queue
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

type frame struct {
	typ    string
	b      []byte
	latest bool
}

func newSession(id, userID string, conn *websocket.Conn, logger *slog.Logger) *WSSession {
	return &WSSession{
		ID:     id,
		UserID: userID,
		conn:   conn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues an ordered frame.
func (s *WSSession) Send(ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	s.mu.Lock()
	if s.ordered >= sendQueueSize {
		s.mu.Unlock()
		s.logger.Warn("ws_slow_consumer", "session_id", s.ID, "user_id", s.UserID)
		s.Close()
		return ErrSlowConsumer
	}
	s.queue = append(s.queue, frame{typ: ev.Type, b: b})
	s.ordered++
	s.mu.Unlock()
	s.signal()
	return nil
}

// SendLatest queues ev last-value-wins: an undelivered frame of the same type
// with no ordered frame after it is overwritten in place.
func (s *WSSession) SendLatest(ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	s.mu.Lock()
	for i := len(s.queue) - 1; i >= 0 && s.queue[i].latest; i-- {
		if s.queue[i].typ == ev.Type {
			s.queue[i].b = b
			s.mu.Unlock()
			observability.FramesCoalesced.Inc()
			return nil
		}
	}
	s.queue = append(s.queue, frame{typ: ev.Type, b: b, latest: true})
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *WSSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take empties the queue.
func (s *WSSession) take() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.queue))
	for i, f := range s.queue {
		out[i] = f.b
	}
	s.queue = nil
	s.ordered = 0
	return out
}

// Close stops the writer, which closes the socket.
func (s *WSSession) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *WSSession) Done() <-chan struct{} { return s.done }

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	write := func(b []byte) bool {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			s.logger.Debug("ws_write_failed", "session_id", s.ID, "err", err)
			s.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-s.wake:
			for _, b := range s.take() {
				if !write(b) {
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// ReadLoop decodes inbound frames and hands them to handle until the socket
// fails or the session is closed.
func (s *WSSession) ReadLoop(handle func(models.Inbound)) error {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	defer s.Close()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return err
			}
			return nil
		}
		var in models.Inbound
		if err := json.Unmarshal(msg, &in); err != nil || in.Type == "" {
			_ = s.Send(models.Event{Type: models.EvError, Data: models.ErrorPayload{Code: "InvalidRequest", Message: "malformed frame"}})
			continue
		}
		handle(in)
	}
}

// WSRegistry maps user ids to their live socket. A user has at most one;
// attaching a new one closes the previous.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Attach registers conn for userID and starts its writer.
func (r *WSRegistry) Attach(sessionID, userID string, conn *websocket.Conn) *WSSession {
	s := newSession(sessionID, userID, conn, r.logger)
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if prev != nil {
		r.logger.Info("ws_session_replaced", "user_id", userID, "old_session", prev.ID, "session_id", sessionID)
		prev.Close()
	}
	go s.writePump()
	return s
}

// Detach removes s if it is still the user's current session.
func (r *WSRegistry) Detach(s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.UserID]; ok && cur == s {
		delete(r.sessions, s.UserID)
	}
	r.mu.Unlock()
	s.Close()
}

func (r *WSRegistry) lookup(userID string) (*WSSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Notify delivers ev to userID in order with every other Notify.
func (r *WSRegistry) Notify(userID string, ev models.Event) error {
	s, err := r.lookup(userID)
	if err != nil {
		return err
	}
	return s.Send(ev)
}

// NotifyLatest delivers ev last-value-wins.
func (r *WSRegistry) NotifyLatest(userID string, ev models.Event) error {
	s, err := r.lookup(userID)
	if err != nil {
		return err
	}
	return s.SendLatest(ev)
}

// Connected reports whether userID has a live session.
func (r *WSRegistry) Connected(userID string) bool {
	_, err := r.lookup(userID)
	return err == nil
}

// CloseAll closes every session, used on shutdown.
func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*WSSession)
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
