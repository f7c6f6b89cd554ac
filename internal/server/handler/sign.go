package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freetalk/internal/signer"
	"go.uber.org/zap"
)

// SignHandler co-signs post transactions on behalf of the paying account.
type SignHandler struct {
	signer signer.Signer
	cfg    signer.Config
	now    func() time.Time
	logger *zap.Logger
}

// NewSignHandler creates a new SignHandler.
func NewSignHandler(s signer.Signer, cfg signer.Config, logger *zap.Logger) *SignHandler {
	return &SignHandler{signer: s, cfg: cfg, now: time.Now, logger: logger}
}

// Register mounts the signing route.
func (h *SignHandler) Register(r gin.IRoutes) {
	r.POST("/sign_post_trx", h.Sign)
}

// Sign handles POST /sign_post_trx and returns the signatures and packed
// transaction for a user-signed post.
func (h *SignHandler) Sign(c *gin.Context) {
	var req signer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	trx, err := signer.BuildTransaction(h.cfg, req, h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.signer.Sign(c.Request.Context(), trx)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing is not configured"})
			return
		}
		h.logger.Error("sign post transaction",
			zap.String("user", req.Post.User),
			zap.Uint64("sequence", req.Post.Sequence),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign transaction"})
		return
	}

	h.logger.Info("signed post",
		zap.String("user", req.Post.User),
		zap.Uint64("sequence", req.Post.Sequence),
	)
	c.JSON(http.StatusOK, res)
}
