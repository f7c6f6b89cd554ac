package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PublicConfig is the chain configuration served to the web client.
type PublicConfig struct {
	ChainID      string `json:"chainId"`
	ChainRPCURL  string `json:"chainRpcUrl"`
	TalkContract string `json:"talkContract"`
	EdenContract string `json:"edenContract"`
}

// ConfigHandler serves the public client configuration.
type ConfigHandler struct {
	cfg PublicConfig
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(cfg PublicConfig) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// Register mounts the config route.
func (h *ConfigHandler) Register(r gin.IRoutes) {
	r.GET("/config.json", h.Get)
}

// Get handles GET /config.json.
func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg)
}
