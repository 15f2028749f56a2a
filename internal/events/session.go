package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxMessageBytes bounds client messages.
	maxMessageBytes = 64 << 10
)

// ErrSessionClosed is returned when the session is closed locally.
var ErrSessionClosed = errors.New("session closed")

// Client message types.
const (
	MsgControl         = "control"
	MsgSubscribeLogs   = "subscribe-logs"
	MsgUnsubscribeLogs = "unsubscribe-logs"
	MsgGetList         = "get-list"
)

// ClientMessage is a request sent by the browser over the socket.
type ClientMessage struct {
	Type   string           `json:"type"`
	Name   string           `json:"name,omitempty"`
	Action string           `json:"action,omitempty"`
	Stream models.LogStream `json:"stream,omitempty"`
}

// Controller applies control actions.
type Controller interface {
	Control(ctx context.Context, name string, action models.Action) error
}

// WorkloadLister returns the current workload table.
type WorkloadLister interface {
	List() []*models.Workload
}

// LogSubscriber opens log tails.
type LogSubscriber interface {
	Subscribe(ctx context.Context, name string, stream models.LogStream) (*logs.Subscription, error)
}

// Service serves push-channel sessions.
type Service struct {
	hub        *Hub
	controller Controller
	workloads  WorkloadLister
	logs       LogSubscriber
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a session service.
func NewService(hub *Hub, controller Controller, workloads WorkloadLister, ls LogSubscriber, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		hub:        hub,
		controller: controller,
		workloads:  workloads,
		logs:       ls,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Session is one connected observer. Only the write loop writes to Conn.
type Session struct {
	ID   string
	Conn *websocket.Conn

	out     chan Event
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
	tail   *logs.Subscription
}

// Close closes the session and releases its log tail.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	tail := s.tail
	s.tail = nil
	s.mu.Unlock()

	if tail != nil {
		tail.Close()
	}
	if err := s.Conn.Close(); err != nil {
		return fmt.Errorf("closing websocket: %w", err)
	}
	return nil
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue queues a reply for this session only.
func (s *Session) enqueue(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.out <- ev:
		return true
	case <-s.closeCh:
		return false
	}
}

// swapTail installs a new tail and returns the previous one.
func (s *Session) swapTail(next *logs.Subscription) *logs.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return next
	}
	prev := s.tail
	s.tail = next
	return prev
}

// Serve runs a session on an upgraded connection until the client goes away
// or ctx is cancelled.
func (svc *Service) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := &Session{
		ID:      uuid.New().String(),
		Conn:    conn,
		out:     make(chan Event, DefaultBufferSize),
		closeCh: make(chan struct{}),
	}
	sub := svc.hub.Subscribe()

	svc.mu.Lock()
	svc.sessions[session.ID] = session
	svc.mu.Unlock()
	svc.logger.Info("push session opened", "session_id", session.ID, "remote", conn.RemoteAddr().String())

	defer func() {
		svc.mu.Lock()
		delete(svc.sessions, session.ID)
		svc.mu.Unlock()
		svc.hub.Unsubscribe(sub)
		session.Close()
		svc.logger.Info("push session closed", "session_id", session.ID)
	}()

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-session.closeCh:
		}
	}()
	go svc.writeLoop(session, sub)

	session.enqueue(Event{Type: TypeWorkloadList, Data: svc.list()})
	return svc.readLoop(ctx, session)
}

// ActiveSessions returns the number of connected sessions.
func (svc *Service) ActiveSessions() int {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return len(svc.sessions)
}

func (svc *Service) writeLoop(session *Session, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(ev Event) bool {
		_ = session.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := session.Conn.WriteJSON(ev); err != nil {
			if !session.IsClosed() {
				svc.logger.Debug("websocket write error", "error", err, "session_id", session.ID)
			}
			return false
		}
		return true
	}

	defer session.Close()
	for {
		select {
		case <-session.closeCh:
			return
		case ev, ok := <-sub.Ch:
			if !ok || !write(ev) {
				return
			}
		case ev := <-session.out:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			_ = session.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (svc *Service) readLoop(ctx context.Context, session *Session) error {
	session.Conn.SetReadLimit(maxMessageBytes)
	_ = session.Conn.SetReadDeadline(time.Now().Add(pongWait))
	session.Conn.SetPongHandler(func(string) error {
		return session.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := session.Conn.ReadMessage()
		if err != nil {
			if session.IsClosed() {
				return ErrSessionClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading websocket: %w", err)
		}
		_ = session.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			svc.logger.Debug("ignoring malformed client message", "session_id", session.ID, "error", err)
			continue
		}
		svc.handleMessage(ctx, session, &msg)
	}
}

func (svc *Service) handleMessage(ctx context.Context, session *Session, msg *ClientMessage) {
	switch msg.Type {
	case MsgControl:
		go svc.control(ctx, session, msg.Name, msg.Action)
	case MsgSubscribeLogs:
		svc.subscribeLogs(ctx, session, msg.Name, msg.Stream)
	case MsgUnsubscribeLogs:
		if prev := session.swapTail(nil); prev != nil {
			prev.Close()
		}
	case MsgGetList:
		session.enqueue(Event{Type: TypeWorkloadList, Data: svc.list()})
	default:
		svc.logger.Debug("ignoring unknown client message", "session_id", session.ID, "type", msg.Type)
	}
}

// control applies an action and reports the outcome to this session only.
func (svc *Service) control(ctx context.Context, session *Session, name, rawAction string) {
	result := ActionResult{Name: name, Action: models.Action(rawAction)}

	action, err := models.ParseAction(rawAction)
	if err == nil {
		err = svc.controller.Control(ctx, name, action)
	}
	if err != nil {
		result.Status = StatusError
		result.Message = deploy.UserMessage(err)
		result.Code = string(deploy.KindOf(err))
		if result.Code == "" {
			result.Code = string(deploy.KindInvalidInput)
		}
	} else {
		result.Status = StatusSuccess
		result.Message = deploy.ActionMessage(name, action)
	}
	session.enqueue(Event{Type: TypeActionResult, Data: result})
}

// subscribeLogs replaces the session's tail. The previous tail is closed
// before the new one starts.
func (svc *Service) subscribeLogs(ctx context.Context, session *Session, name string, stream models.LogStream) {
	if prev := session.swapTail(nil); prev != nil {
		prev.Close()
	}

	tail, err := svc.logs.Subscribe(ctx, name, stream)
	if err != nil {
		session.enqueue(Event{Type: TypeLogOutput, Data: models.LogLine{
			Workload:   name,
			Stream:     stream,
			Message:    fmt.Sprintf("cannot follow logs: %v", err),
			Timestamp:  time.Now(),
			Diagnostic: true,
		}})
		return
	}
	if leftover := session.swapTail(tail); leftover != nil {
		leftover.Close()
		if leftover == tail {
			return
		}
	}

	go func() {
		for line := range tail.Lines() {
			if !session.enqueue(Event{Type: TypeLogOutput, Data: line}) {
				return
			}
		}
	}()
}

func (svc *Service) list() []*models.Workload {
	ws := svc.workloads.List()
	if ws == nil {
		ws = []*models.Workload{}
	}
	return ws
}

// Close ends every connected session. Serve calls return shortly after.
func (svc *Service) Close() {
	svc.mu.RLock()
	sessions := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		sessions = append(sessions, s)
	}
	svc.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
