package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"posrelay/config"
	"posrelay/server"
)

// PosRelay 入口：加载配置，启动房间事件循环与 HTTP + WebSocket 服务
func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := server.InitLogger(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer server.SyncLogger()
	log := server.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room, err := server.NewRoom(cfg.Room, log.Named("room"))
	if err != nil {
		log.Fatalw("creating room", "error", err)
	}
	roomCtx, stopRoom := context.WithCancel(context.Background())
	roomDone := make(chan struct{})
	go func() {
		defer close(roomDone)
		room.Run(roomCtx)
	}()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: server.NewRouter(room, cfg, log.Named("http"))}
	go func() {
		log.Infof("PosRelay listening on %s; websocket endpoint ws://localhost%s/ws", cfg.Server.Addr, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）：先停止接收新连接，再停房间，房间会关闭所有会话
	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	stopRoom()
	<-roomDone
	log.Infow("stopped", "players_online", room.Metrics().Online())
}
