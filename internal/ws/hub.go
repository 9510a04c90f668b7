// Package ws broadcasts live detection metadata to WebSocket subscribers.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Box is one detection in a broadcast message.
type Box struct {
	Class       string  `json:"class"`
	Confidence  float32 `json:"confidence"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	W           int     `json:"w"`
	H           int     `json:"h"`
	Interesting bool    `json:"interesting"`
}

// Face is one recognised face in a broadcast message.
type Face struct {
	Identity   string  `json:"identity"`
	Similarity float32 `json:"similarity"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
}

// DetectionMessage is the JSON payload sent for each processed frame while
// the device has subscribers. Boxes and Faces are omitted when empty.
type DetectionMessage struct {
	Device      string  `json:"device"`
	FrameSeqNum uint64  `json:"frame_seq_num"`
	UnixTimeMs  int64   `json:"unix_time_ms"`
	ChangeRate  float32 `json:"change_rate"`
	FPS         float32 `json:"fps"`
	Boxes       []Box   `json:"boxes,omitempty"`
	Faces       []Face  `json:"faces,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the snapshot surface already gates access via Basic auth
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connections per device and fans detection messages out to
// them. Dead connections are pruned when a write fails.
type Hub struct {
	log     *zap.Logger
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log.With(zap.String("component", "ws")),
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and registers it for the device named in
// the "device" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		http.Error(w, "device query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register(device, conn)

	// the read loop exists only to observe the close handshake
	go func() {
		defer func() {
			h.unregister(device, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(device string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[device] == nil {
		h.clients[device] = make(map[*websocket.Conn]bool)
	}
	h.clients[device][conn] = true
	h.log.Info("client registered",
		zap.String("device", device), zap.Int("total", len(h.clients[device])))
}

func (h *Hub) unregister(device string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[device]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, device)
		}
	}
}

// HasClients reports whether anyone subscribes to the device, so callers
// can skip marshalling entirely.
func (h *Hub) HasClients(device string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[device]) > 0
}

// Broadcast sends msg to every subscriber of its device.
func (h *Hub) Broadcast(msg *DetectionMessage) {
	if !h.HasClients(msg.Device) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshaling detection message failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[msg.Device]))
	for conn := range h.clients[msg.Device] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(msg.Device, conn)
			conn.Close()
		}
	}
}
