package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"posrelay/config"
)

// NewRouter 注册全部 HTTP 路由
func NewRouter(room *Room, cfg config.Config, log *zap.SugaredLogger) *gin.Engine {
	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	ws := &wsHandler{
		room:       room,
		session:    cfg.Session,
		sendBuffer: cfg.Room.SendBuffer,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.WriteBufferSize,
			// 无鉴权，允许所有来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	admin := &adminHandler{room: room, log: log}

	r.GET("/ws", ws.serve)
	r.GET("/stats", admin.stats)
	r.GET("/admin/config", admin.getConfig)
	r.POST("/admin/config", admin.updateConfig)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

type wsHandler struct {
	room       *Room
	session    config.SessionConfig
	sendBuffer int
	upgrader   websocket.Upgrader
	log        *zap.SugaredLogger
}

// serve 升级为 WebSocket，并在当前协程中运行会话直到连接结束
func (h *wsHandler) serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		h.log.Warnw("upgrade error", "error", err, "remote", c.ClientIP())
		return
	}
	sess := NewSession(ws, h.room, h.session, h.sendBuffer, h.log)
	sess.log.Infow("connection opened", "remote", c.ClientIP())
	sess.Serve(c.Request.Context())
	sess.log.Infow("connection closed")
}

func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
