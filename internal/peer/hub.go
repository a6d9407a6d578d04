// Package peer implements the best-effort direct channel between
// participants. It carries the same operation wire format as the relay;
// receivers deduplicate by operation id, so a message arriving on both
// paths is harmless. Nothing here is guaranteed ordered or delivered.
package peer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBufferSize = 64
	inboundBufferSize    = 64
)

// Hub maintains the set of connected peers and broadcasts local
// operations to them. Connections arrive both ways: inbound upgrades via
// ServeWS and outbound dials to discovered peers.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	inbound    chan op.Operation
	done       chan struct{}
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, clientSendBufferSize),
		inbound:    make(chan op.Operation, inboundBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Inbound returns operations received from connected peers.
func (h *Hub) Inbound() <-chan op.Operation {
	return h.inbound
}

// Broadcast sends the operation to every connected peer, best effort.
func (h *Hub) Broadcast(operation op.Operation) {
	message, err := json.Marshal(operation)
	if err != nil {
		h.logger.Warn("failed to encode peer broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug("peer broadcast dropped, hub busy")
	}
}

// Run owns the client set until the context is cancelled. Closing done
// on exit releases pumps blocked on the register and unregister channels.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for peerClient := range h.clients {
				peerClient.conn.Close()
				close(peerClient.send)
				delete(h.clients, peerClient)
			}
			return
		case peerClient := <-h.register:
			h.clients[peerClient] = true
			h.logger.Info("peer connected", zap.Int("peers", len(h.clients)))
		case peerClient := <-h.unregister:
			if _, ok := h.clients[peerClient]; ok {
				delete(h.clients, peerClient)
				close(peerClient.send)
				h.logger.Info("peer disconnected", zap.Int("peers", len(h.clients)))
			}
		case message := <-h.broadcast:
			for peerClient := range h.clients {
				select {
				case peerClient.send <- message:
				default:
					close(peerClient.send)
					delete(h.clients, peerClient)
				}
			}
		}
	}
}

// ServeWS upgrades an inbound HTTP request into a peer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("peer upgrade failed", zap.Error(err))
		return
	}
	h.adopt(conn)
}

// Dial connects out to a discovered peer's websocket endpoint.
func (h *Hub) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	h.adopt(conn)
	return nil
}

func (h *Hub) adopt(conn *websocket.Conn) {
	peerClient := &client{conn: conn, send: make(chan []byte, clientSendBufferSize)}
	select {
	case h.register <- peerClient:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(peerClient)
	go h.readPump(peerClient)
}

func (h *Hub) readPump(peerClient *client) {
	defer func() {
		select {
		case h.unregister <- peerClient:
		case <-h.done:
		}
		peerClient.conn.Close()
	}()
	for {
		_, message, err := peerClient.conn.ReadMessage()
		if err != nil {
			return
		}
		var operation op.Operation
		if err := json.Unmarshal(message, &operation); err != nil {
			h.logger.Warn("undecodable peer message dropped", zap.Error(err))
			continue
		}
		select {
		case h.inbound <- operation:
		default:
			// Best-effort path: the relay redelivers anything dropped here.
			h.logger.Debug("inbound peer operation dropped, session busy")
		}
	}
}

func (h *Hub) writePump(peerClient *client) {
	defer peerClient.conn.Close()
	for message := range peerClient.send {
		if err := peerClient.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	peerClient.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
}
