package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docustream/backend/internal/capture"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendQueue    = 64

	// DefaultMaxSegmentBytes bounds a single binary frame.
	DefaultMaxSegmentBytes = 1 << 20
)

// Upgrader is shared by the capture stream and event relay endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Message is the JSON text-frame envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client → server events.
const (
	EventAllow = "allow"
	EventDeny  = "deny"
)

// Server → client events.
const (
	EventPermissionRequest = "permission_request"
	EventState             = "state"
	EventTick              = "tick"
)

type allowPayload struct {
	DeviceID string `json:"device_id"`
}

type tickPayload struct {
	Elapsed string `json:"elapsed"`
	Seconds int64  `json:"seconds"`
}

// WSSource is a WebSocket client acting as a microphone. Binary frames are
// encoded audio segments; text frames carry the permission answer.
type WSSource struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	send    chan Message
	answers chan Message
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	sink     func([]byte)
	deviceID string
}

// NewWSSource starts the read and write pumps for conn.
func NewWSSource(conn *websocket.Conn, maxSegmentBytes int64, logger *zap.Logger) *WSSource {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WSSource{
		conn:    conn,
		logger:  logger,
		send:    make(chan Message, sendQueue),
		answers: make(chan Message, 1),
		done:    make(chan struct{}),
	}
	go s.writePump()
	go s.readPump(maxSegmentBytes)
	return s
}

func (s *WSSource) Transport() string { return TransportWebSocket }

func (s *WSSource) Done() <-chan struct{} { return s.done }

// Open sends a permission request and waits for the client's answer.
func (s *WSSource) Open(ctx context.Context, c capture.Constraints) (Stream, error) {
	// a stale answer from an earlier request must not satisfy this one
	select {
	case <-s.answers:
	default:
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}
	if !s.enqueue(Message{Event: EventPermissionRequest, Data: data}) {
		return nil, fmt.Errorf("%w: stream not writable", capture.ErrNotFound)
	}

	select {
	case ans := <-s.answers:
		if ans.Event == EventDeny {
			return nil, fmt.Errorf("%w: client denied microphone access", capture.ErrNotAllowed)
		}
		var p allowPayload
		if len(ans.Data) > 0 {
			if err := json.Unmarshal(ans.Data, &p); err != nil {
				s.logger.Debug("malformed allow payload, using default device",
					zap.ByteString("data", ans.Data),
					zap.Error(err),
				)
			}
		}
		s.mu.Lock()
		s.deviceID = p.DeviceID
		s.mu.Unlock()
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: stream disconnected", capture.ErrNotFound)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WSSource) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *WSSource) Start(sink func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Close ends the connection. It is safe to call repeatedly.
func (s *WSSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *WSSource) StateChanged(snap capture.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.enqueue(Message{Event: EventState, Data: data})
}

func (s *WSSource) Tick(elapsed string, seconds int64) {
	data, _ := json.Marshal(tickPayload{Elapsed: elapsed, Seconds: seconds})
	s.enqueue(Message{Event: EventTick, Data: data})
}

// enqueue never blocks; messages to a slow client are dropped.
func (s *WSSource) enqueue(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- m:
		return true
	default:
		s.logger.Debug("capture stream send queue full", zap.String("event", m.Event))
		return false
	}
}

func (s *WSSource) readPump(limit int64) {
	defer s.Close()

	s.conn.SetReadLimit(limit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("capture stream closed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.BinaryMessage:
			s.mu.Lock()
			sink := s.sink
			s.mu.Unlock()
			if sink != nil {
				sink(data)
			}
		case websocket.TextMessage:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			switch m.Event {
			case EventAllow, EventDeny:
				select {
				case s.answers <- m:
				default:
				}
			default:
				// ignore
			}
		}
	}
}

func (s *WSSource) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(m); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			s.drain()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture ended"))
			return
		}
	}
}

// drain flushes queued messages so the final state reaches the client before the close frame.
func (s *WSSource) drain() {
	for {
		select {
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(m); err != nil {
				return
			}
		default:
			return
		}
	}
}
