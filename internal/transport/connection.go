package transport

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State enumerates the per-connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const eventBufferSize = 64

var errMissingClient = errors.New("transport: relay client is required")

// Event is either a state transition or a received operation.
type Event struct {
	State     State
	Operation *op.Operation
}

// ConnectionConfig describes the inputs required to build a Connection.
type ConnectionConfig struct {
	Client *Client
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Connection maintains the relay websocket stream through the
// Disconnected -> Connecting -> Connected state machine, redialing with
// exponential backoff. State changes and received operations are
// delivered on one ordered event channel.
type Connection struct {
	client *Client
	dialer *websocket.Dialer
	logger *zap.Logger
	events chan Event
}

// NewConnection constructs a Connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		client: cfg.Client,
		dialer: dialer,
		logger: logger,
		events: make(chan Event, eventBufferSize),
	}, nil
}

// Events returns the ordered stream of state changes and operations.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Run drives the connection until the context is cancelled.
func (c *Connection) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.emit(ctx, Event{State: StateConnecting})
		conn, _, err := c.dialer.DialContext(ctx, c.client.StreamURL(), nil)
		if err != nil {
			c.emit(ctx, Event{State: StateDisconnected})
			wait := policy.NextBackOff()
			c.logger.Warn("relay stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		c.emit(ctx, Event{State: StateConnected})
		c.readLoop(ctx, conn)
		c.emit(ctx, Event{State: StateDisconnected})
	}
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var operation op.Operation
		if err := conn.ReadJSON(&operation); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("relay stream read failed", zap.Error(err))
			}
			return
		}
		c.emit(ctx, Event{Operation: &operation})
	}
}

func (c *Connection) emit(ctx context.Context, event Event) {
	select {
	case c.events <- event:
	case <-ctx.Done():
	}
}
