// Package websocket pushes triage events to connected dashboards. Clients
// join rooms (one per hospital plus the government room) and receive every
// event published to the rooms they joined.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/events"
)

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Rooms  []string `json:"rooms"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Rooms []string
	Send  chan []byte
	// allow decides whether the client may join a room. Nil allows all.
	allow func(room string) bool
}

// Hub tracks clients and their room memberships. It implements
// events.Publisher so it can sit behind the service fan-out or the Redis relay.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a client to the hub and joins its initial rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		h.addLocked(client, room)
	}
}

func (h *Hub) addLocked(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Unregister removes a client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range client.Rooms {
		h.removeLocked(client, room)
	}
	delete(h.all, client)
	close(client.Send)
}

// Join adds rooms to a registered client. Rooms the client is not allowed to
// see are skipped and returned.
func (h *Hub) Join(client *Client, rooms []string) (denied []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range rooms {
		if client.allow != nil && !client.allow(room) {
			denied = append(denied, room)
			continue
		}
		if _, already := h.rooms[room][client]; already {
			continue
		}
		h.addLocked(client, room)
		client.Rooms = append(client.Rooms, room)
	}
	return denied
}

// Leave removes rooms from a registered client.
func (h *Hub) Leave(client *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		drop[room] = struct{}{}
		h.removeLocked(client, room)
	}

	remaining := client.Rooms[:0]
	for _, room := range client.Rooms {
		if _, rm := drop[room]; !rm {
			remaining = append(remaining, room)
		}
	}
	client.Rooms = remaining
}

// ProcessMessage dispatches a ClientMessage to Join or Leave.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "join":
		if denied := h.Join(client, msg.Rooms); len(denied) > 0 {
			h.logger.Warn().Str("client", client.ID).Strs("rooms", denied).Msg("room join denied")
		}
	case "leave":
		h.Leave(client, msg.Rooms)
	}
}

// Broadcast sends an event to every client in event.Room. Slow clients whose
// buffer is full miss the event rather than blocking the publisher.
func (h *Hub) Broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[event.Room] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client", client.ID).Str("event", event.Type).Msg("client buffer full, event dropped")
		}
	}
}

func (h *Hub) Publish(_ context.Context, event events.Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients in room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket connections bound to the hub.
type Handler struct {
	hub *Hub
	// RoomFilter builds the per-client room authorizer from the request
	// context. Nil lets clients join any room.
	RoomFilter func(ctx context.Context) func(room string) bool
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:    uuid.New().String(),
		Rooms: []string{},
		Send:  make(chan []byte, 256),
	}
	if wsh.RoomFilter != nil {
		client.allow = wsh.RoomFilter(c.Request().Context())
	}

	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client", client.ID).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
