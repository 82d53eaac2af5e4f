package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"posrelay/config"
	"posrelay/protocol"
)

// SessionState 连接状态机：Connecting → Active → Closing → Closed
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session 单个 WebSocket 连接的运行时：
// 读协程把二进制帧解码为位置更新交给房间，写协程把房间事件编码后按序写出
type Session struct {
	connID string
	ws     *websocket.Conn
	room   *Room
	cfg    config.SessionConfig
	log    *zap.SugaredLogger

	id           protocol.PlayerID
	out          chan protocol.OutboundEvent
	state        atomic.Int32
	lastActivity atomic.Int64
	leaveOnce    sync.Once
}

// NewSession 包装已升级的连接；sendBuffer 为出站队列长度
func NewSession(ws *websocket.Conn, room *Room, cfg config.SessionConfig, sendBuffer int, log *zap.SugaredLogger) *Session {
	connID := uuid.NewString()
	return &Session{
		connID: connID,
		ws:     ws,
		room:   room,
		cfg:    cfg,
		log:    log.With("conn", connID),
		out:    make(chan protocol.OutboundEvent, sendBuffer),
	}
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// PlayerID 加入成功前为 0
func (s *Session) PlayerID() protocol.PlayerID { return s.id }

// LastActivity 最近一次收到 ping/pong 的时间
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) setState(st SessionState) {
	prev := SessionState(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debugw("session state", "from", prev, "to", st)
	}
}

// Serve 驱动整个连接生命周期，返回时连接已关闭
func (s *Session) Serve(ctx context.Context) {
	defer func() {
		_ = s.ws.Close()
		s.setState(StateClosed)
	}()

	s.setState(StateActive)
	id, err := s.room.Join(ctx, s.out)
	if err != nil {
		s.setState(StateClosing)
		s.leave()
		code, reason := websocket.CloseGoingAway, "server unavailable"
		if errors.Is(err, ErrRoomFull) {
			code, reason = websocket.CloseTryAgainLater, "room full"
		}
		s.log.Infow("join failed, closing", "error", err)
		s.closeHandshake(code, reason)
		return
	}
	s.id = id
	s.log = s.log.With("player", id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump(ctx)
	s.setState(StateClosing)
	s.leave()
	// 房间处理 Leave 后关闭 out，写协程随之退出
	<-writerDone
}

// leave 无论是否加入成功都只通知一次；房间的 Leave 对未知 ID 是空操作
func (s *Session) leave() {
	s.leaveOnce.Do(func() { s.room.Leave(s.id) })
}

func (s *Session) touch() {
	now := time.Now()
	s.lastActivity.Store(now.UnixNano())
	_ = s.ws.SetReadDeadline(now.Add(s.cfg.LivenessTimeout))
}

// readPump 读取客户端帧并转换为位置更新；任何读错误（含存活超时）都会结束会话
func (s *Session) readPump(ctx context.Context) {
	s.ws.SetReadLimit(s.cfg.MaxMessageSize)
	s.touch()
	s.ws.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.ws.SetPingHandler(func(data string) error {
		s.touch()
		err := s.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		typ, payload, err := s.ws.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if typ != websocket.BinaryMessage {
			s.log.Debugw("ignoring non-binary frame", "type", typ)
			continue
		}
		moved, err := protocol.DecodeClientFrame(payload)
		if err != nil {
			s.room.Metrics().IncDecodeErrors()
			s.log.Warnw("dropping malformed frame", "error", err, "bytes", len(payload))
			continue
		}
		if err := s.room.UpdatePosition(ctx, s.id, moved.Position, moved.Controls); err != nil {
			s.log.Infow("room unavailable, closing", "error", err)
			return
		}
	}
}

func (s *Session) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Infow("liveness timeout", "last_activity", s.LastActivity())
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.log.Infow("client closed")
	case websocket.IsUnexpectedCloseError(err):
		s.log.Infow("connection lost", "error", err)
	default:
		s.log.Debugw("read ended", "error", err)
	}
}

// writePump 独立协程：按房间投递顺序写出事件，并定期发送 ping。
// out 被房间关闭时发送关闭帧并退出
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case ev, ok := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			frame, err := protocol.EncodeServerFrame(ev)
			if err != nil {
				s.log.Errorw("encode failed", "error", err, "event", ev.Kind())
				continue
			}
			if err := s.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.log.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeHandshake 发送关闭帧并等待对端回应（或超时）
func (s *Session) closeHandshake(code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteWait)
	if err := s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		return
	}
	grace := s.cfg.CloseGrace
	if grace <= 0 {
		grace = time.Second
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(grace))
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}
