package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	queryLastSeenLogicalTime = "last_seen_logical_time"
	streamWriteTimeout       = 10 * time.Second
)

var errMissingService = errors.New("relay service dependency required")

// Dependencies lists what the HTTP handler needs.
type Dependencies struct {
	Service    *Service
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler builds the relay's HTTP surface: operation submission,
// catch-up, and the realtime websocket stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		service:    deps.Service,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router.POST("/api/canvas/operations", handler.handleSubmitOperation)
	router.GET("/api/canvas/catchup", handler.handleCatchUp)
	router.GET("/api/canvas/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	service    *Service
	dispatcher *Dispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type submitResponsePayload struct {
	Accepted  bool  `json:"accepted"`
	Duplicate bool  `json:"duplicate"`
	Seq       int64 `json:"seq"`
}

func (h *httpHandler) handleSubmitOperation(c *gin.Context) {
	var operation op.Operation
	if err := c.ShouldBindJSON(&operation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := op.Validate(operation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	outcome, err := h.service.SubmitOperation(c.Request.Context(), operation)
	if err != nil {
		h.logger.Error("failed to store submitted operation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
		return
	}
	c.JSON(http.StatusOK, submitResponsePayload{
		Accepted:  true,
		Duplicate: outcome.Duplicate,
		Seq:       outcome.Seq,
	})
}

type catchUpResponsePayload struct {
	Snapshot        []canvas.CanvasObject `json:"snapshot"`
	OperationsSince []op.Operation        `json:"operations_since"`
}

func (h *httpHandler) handleCatchUp(c *gin.Context) {
	lastSeen := int64(0)
	if raw := c.Query(queryLastSeenLogicalTime); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_seen"})
			return
		}
		lastSeen = parsed
	}

	result, err := h.service.CatchUp(c.Request.Context(), op.LogicalTime(lastSeen))
	if err != nil {
		h.logger.Error("catch-up failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catchup_failed"})
		return
	}
	snapshot := result.Snapshot
	if snapshot == nil {
		snapshot = []canvas.CanvasObject{}
	}
	operationsSince := result.OperationsSince
	if operationsSince == nil {
		operationsSince = []op.Operation{}
	}
	c.JSON(http.StatusOK, catchUpResponsePayload{
		Snapshot:        snapshot,
		OperationsSince: operationsSince,
	})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	// Reads only detect the peer closing; clients never send on this path.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case operation := <-stream:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(operation); err != nil {
				return
			}
		}
	}
}
