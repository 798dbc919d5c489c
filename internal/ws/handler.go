package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bias-lab/biaslab-go/internal/monitor"
)

// Message types pushed to dashboards.
const (
	TypeStats       = "stats"
	TypeAnalysis    = "analysis"
	TypeCalibration = "calibration"
)

// StatsInterval is how often connected clients receive a stats push.
const StatsInterval = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope of every WebSocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SnapshotSource provides the current operations snapshot.
type SnapshotSource interface {
	Snapshot() monitor.OpsSnapshot
}

// client serializes writes; gorilla connections allow one concurrent writer.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager tracks active WebSocket connections and broadcasts events.
type Manager struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	stats   SnapshotSource
	logger  *slog.Logger
}

// NewManager creates a new WebSocket manager.
func NewManager(stats SnapshotSource, logger *slog.Logger) *Manager {
	return &Manager{
		clients: make(map[*client]struct{}),
		stats:   stats,
		logger:  logger,
	}
}

// HandleWS upgrades an HTTP connection to WebSocket and registers it.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn}

	// Hydrate before registering so the snapshot is always the first frame.
	if data, err := json.Marshal(m.statsMessage()); err == nil {
		if err := c.send(data); err != nil {
			conn.Close()
			return
		}
	}

	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	defer m.remove(c)

	// Inbound frames are ignored; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends msg to all connected clients, dropping those whose write fails.
func (m *Manager) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("websocket marshal failed", "type", msg.Type, "err", err)
		return
	}

	m.mu.RLock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			m.logger.Debug("websocket client dropped", "err", err)
			m.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RunStatsBroadcaster pushes a stats message every interval while at least
// one client is connected. It blocks until ctx is cancelled.
func (m *Manager) RunStatsBroadcaster(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.ClientCount() > 0 {
				m.Broadcast(m.statsMessage())
			}
		}
	}
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		c.conn.Close()
		delete(m.clients, c)
	}
}

func (m *Manager) statsMessage() Message {
	return Message{Type: TypeStats, Data: m.stats.Snapshot()}
}

func (m *Manager) remove(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
