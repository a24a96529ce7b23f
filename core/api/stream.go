package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/tempctl/core/process"
)

const (
	streamQueueLen     = 16
	streamWriteTimeout = 5 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// hub fans state snapshots out to websocket subscribers. A subscriber that
// cannot keep up loses snapshots; publishing never blocks.
type hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: map[*subscriber]struct{}{},
	}
}

func (h *hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	mtrcs.Load().streamSubs.Set(float64(len(h.subs)))
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.once.Do(func() { close(s.send) })
	mtrcs.Load().streamSubs.Set(float64(len(h.subs)))
}

func (h *hub) publish(st process.State) {
	msg, err := json.Marshal(st)
	if err != nil {
		h.log.Error("failed to encode state", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			h.log.Debug("dropped state update for slow subscriber",
				zap.Stringer("addr", s.conn.RemoteAddr()))
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		h.remove(s)
	}
}

func (h *hub) writeLoop(s *subscriber) {
	defer s.conn.Close()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		err := s.conn.WriteMessage(websocket.TextMessage, msg)
		if err != nil {
			h.log.Info("stream subscriber removed",
				zap.Stringer("addr", s.conn.RemoteAddr()), zap.Error(err))
			h.remove(s)
			for range s.send {
			}
			return
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readLoop discards client messages and detects disconnects.
func (h *hub) readLoop(s *subscriber) {
	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			h.remove(s)
			return
		}
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request, initial process.State) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("failed to upgrade stream connection", zap.Error(err))
		return
	}
	s := &subscriber{
		conn: conn,
		send: make(chan []byte, streamQueueLen),
	}
	msg, err := json.Marshal(initial)
	if err == nil {
		s.send <- msg
	}
	h.add(s)
	h.log.Info("stream subscriber added", zap.Stringer("addr", conn.RemoteAddr()))
	go h.writeLoop(s)
	go h.readLoop(s)
}
