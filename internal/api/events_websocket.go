package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/orchestrator"
	"github.com/codelift/workbench/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Restrict to the operator console origin in production
		return true
	},
}

// EventsWebSocket fans audit events out to connected operator consoles.
// It implements events.StreamPublisher.
type EventsWebSocket struct {
	orch         *orchestrator.Orchestrator
	clients      map[*websocket.Conn]bool
	clientsMutex sync.RWMutex
	broadcast    chan streamFrame
	register     chan *websocket.Conn
	unregister   chan *websocket.Conn
	shutdownChan chan struct{}
}

// streamFrame is one WebSocket message sent to stream clients.
type streamFrame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func NewEventsWebSocket(orch *orchestrator.Orchestrator) *EventsWebSocket {
	return &EventsWebSocket{
		orch:         orch,
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan streamFrame, 256),
		register:     make(chan *websocket.Conn),
		unregister:   make(chan *websocket.Conn),
		shutdownChan: make(chan struct{}),
	}
}

// Run starts the stream manager (run in goroutine).
func (ws *EventsWebSocket) Run() {
	logger.Info("EventStream: Starting WebSocket manager", nil)

	statsTicker := time.NewTicker(15 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case client := <-ws.register:
			ws.clientsMutex.Lock()
			ws.clients[client] = true
			total := len(ws.clients)
			ws.clientsMutex.Unlock()

			logger.Info("EventStream: Client connected", map[string]interface{}{
				"total_clients": total,
			})

			go ws.sendInitialState(client)

		case client := <-ws.unregister:
			ws.clientsMutex.Lock()
			if _, ok := ws.clients[client]; ok {
				delete(ws.clients, client)
				client.Close()
			}
			total := len(ws.clients)
			ws.clientsMutex.Unlock()

			logger.Info("EventStream: Client disconnected", map[string]interface{}{
				"total_clients": total,
			})

		case frame := <-ws.broadcast:
			ws.clientsMutex.RLock()
			for client := range ws.clients {
				go ws.sendToClient(client, frame)
			}
			ws.clientsMutex.RUnlock()

		case <-statsTicker.C:
			ws.broadcastFleetStatus()

		case <-ws.shutdownChan:
			logger.Info("EventStream: Shutting down", nil)
			return
		}
	}
}

// HandleConnection handles WebSocket upgrade and client registration.
// GET /admin/events/stream
func (ws *EventsWebSocket) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("EventStream: Failed to upgrade connection", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ws.register <- conn

	go ws.handleClientMessages(conn)
}

// handleClientMessages keeps the connection alive with ping/pong and drains
// inbound frames until the peer goes away.
func (ws *EventsWebSocket) handleClientMessages(conn *websocket.Conn) {
	defer func() {
		ws.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("EventStream: Unexpected close error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			break
		}
	}
}

func (ws *EventsWebSocket) sendToClient(client *websocket.Conn, frame streamFrame) {
	client.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := client.WriteJSON(frame); err != nil {
		logger.Debug("EventStream: Failed to send message", map[string]interface{}{
			"error": err.Error(),
		})
		ws.unregister <- client
	}
}

// sendInitialState sends the fleet snapshot and recent audit events to a
// newly connected client.
func (ws *EventsWebSocket) sendInitialState(client *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if status, err := ws.orch.Status(ctx); err == nil {
		ws.sendToClient(client, streamFrame{
			Type:      "fleet.status",
			Timestamp: time.Now(),
			Data:      status,
		})
	}

	recent, err := events.GetEventBus().Query(events.EventFilters{Limit: 50})
	if err != nil {
		logger.Warn("EventStream: Failed to load recent events", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, event := range recent {
		ws.sendToClient(client, streamFrame{
			Type:      string(event.Type),
			Timestamp: event.Timestamp,
			Data:      event,
		})
	}
}

// broadcastFleetStatus pushes the current fleet snapshot to all clients.
func (ws *EventsWebSocket) broadcastFleetStatus() {
	ws.clientsMutex.RLock()
	listeners := len(ws.clients)
	ws.clientsMutex.RUnlock()
	if listeners == 0 {
		// No describe calls against the cloud API when nobody is watching.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := ws.orch.Status(ctx)
	if err != nil {
		logger.Warn("EventStream: Failed to build fleet snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ws.broadcast <- streamFrame{
		Type:      "fleet.status",
		Timestamp: time.Now(),
		Data:      status,
	}
}

// PublishEvent forwards one audit event to all connected clients.
// Non-blocking; drops the frame when the broadcast buffer is full.
func (ws *EventsWebSocket) PublishEvent(event events.Event) {
	frame := streamFrame{
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		Data:      event,
	}

	select {
	case ws.broadcast <- frame:
	default:
		logger.Warn("EventStream: Broadcast channel full, dropping event", map[string]interface{}{
			"event_type": event.Type,
		})
	}
}

// Shutdown stops the manager and closes all client connections.
func (ws *EventsWebSocket) Shutdown() {
	close(ws.shutdownChan)

	ws.clientsMutex.Lock()
	for client := range ws.clients {
		client.Close()
	}
	ws.clientsMutex.Unlock()
}
