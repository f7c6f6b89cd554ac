package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jmerrifield20/freetalk/internal/delivery"
	"go.uber.org/zap"
)

// maxClientMessage bounds a single pagination request frame.
const maxClientMessage = 4 << 10

// PostsHandler upgrades clients to the post delivery protocol.
type PostsHandler struct {
	ledger    delivery.Ledger
	cfg       delivery.Config
	upgrader  websocket.Upgrader
	onMetrics delivery.MetricsRecorder
	baseCtx   context.Context
	logger    *zap.Logger
}

// NewPostsHandler creates a PostsHandler. origins restricts browser origins
// allowed to connect; an empty list or "*" allows any.
func NewPostsHandler(ledger delivery.Ledger, cfg delivery.Config, origins []string, logger *zap.Logger) *PostsHandler {
	return &PostsHandler{
		ledger: ledger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(origins),
		},
		baseCtx: context.Background(),
		logger:  logger,
	}
}

// SetMetricsRecorder configures the connection metrics callbacks.
func (h *PostsHandler) SetMetricsRecorder(rec delivery.MetricsRecorder) {
	h.onMetrics = rec
}

// SetBaseContext sets a context whose cancellation closes every open
// connection. Hijacked connections are not tracked by http.Server.Shutdown.
func (h *PostsHandler) SetBaseContext(ctx context.Context) {
	h.baseCtx = ctx
}

// Register mounts the delivery endpoint.
func (h *PostsHandler) Register(r gin.IRoutes) {
	r.GET("/posts", h.Serve)
}

// Serve handles GET /posts. It upgrades to a websocket and runs the delivery
// protocol until either side goes away.
func (h *PostsHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxClientMessage)

	id := uuid.NewString()
	logger := h.logger.With(zap.String("conn_id", id))
	logger.Info("connection opened", zap.String("remote", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(h.baseCtx, cancel)
	defer stop()

	dc := delivery.New(id, conn, h.ledger, h.cfg, h.logger)
	if h.onMetrics != nil {
		dc.SetMetricsRecorder(h.onMetrics)
	}
	err = dc.Serve(ctx)
	logger.Info("connection closed", zap.NamedError("reason", err))
}

func checkOrigin(origins []string) func(*http.Request) bool {
	if AllowsAnyOrigin(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// AllowsAnyOrigin reports whether origins is empty or includes "*".
func AllowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
