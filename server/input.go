package server

import (
	"sync/atomic"

	"posrelay/protocol"
)

// inboundEvent 投递到房间事件队列的消息；所有类型共用同一队列，保证单个会话内的先后顺序
type inboundEvent interface {
	isInbound()
}

// joinEvent 请求加入；out 为会话的出站队列，接纳后由房间负责关闭
type joinEvent struct {
	out   chan protocol.OutboundEvent
	reply chan joinResult
}

type joinResult struct {
	id  protocol.PlayerID
	err error
}

type leaveEvent struct {
	id protocol.PlayerID
}

// positionEvent 客户端上报的位置；controls 仅用于日志
type positionEvent struct {
	id       protocol.PlayerID
	pos      protocol.Position
	controls protocol.Controls
}

type playersQuery struct {
	reply chan []protocol.PlayerEntry
}

type settingsQuery struct {
	reply chan RoomSettings
}

type reconfigureEvent struct {
	settings RoomSettings
	reply    chan error
}

func (joinEvent) isInbound()        {}
func (leaveEvent) isInbound()       {}
func (positionEvent) isInbound()    {}
func (playersQuery) isInbound()     {}
func (settingsQuery) isInbound()    {}
func (reconfigureEvent) isInbound() {}

// IDGenerator 会话 ID 来源；实现必须并发安全且永不返回 0
type IDGenerator interface {
	Next() protocol.PlayerID
}

// SequentialIDs 从 1 开始单调递增的 ID 生成器
type SequentialIDs struct {
	last atomic.Uint64
}

func (g *SequentialIDs) Next() protocol.PlayerID {
	return protocol.PlayerID(g.last.Add(1))
}
