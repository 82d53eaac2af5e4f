package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adminHandler struct {
	room *Room
	log  *zap.SugaredLogger
}

// stats 输出在线人数与运行指标
// GET /stats
func (h *adminHandler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"playersOnline": h.room.Metrics().Online(),
		"metrics":       h.room.Metrics().Snapshot(),
	})
}

// getConfig 返回当前房间参数
// GET /admin/config
func (h *adminHandler) getConfig(c *gin.Context) {
	s, err := h.room.Settings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// updateConfig 热更新房间参数，载荷中缺省的字段保持不变
// POST /admin/config {"capacity":3,"overflow":"drop-oldest"}
func (h *adminHandler) updateConfig(c *gin.Context) {
	var body RoomSettings
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	err := h.room.Reconfigure(c.Request.Context(), body)
	switch {
	case errors.Is(err, ErrInvalidSettings):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s, err := h.room.Settings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	h.log.Infow("config updated", "capacity", s.Capacity, "overflow", s.Overflow)
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": s})
}
