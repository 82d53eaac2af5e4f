package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于 /stats 与调试）。
// PlayersOnline 只由房间事件循环在接纳/移除时增减，其他路径只读
type RoomMetrics struct {
	PlayersOnline   int64 // 当前已接纳的玩家数
	JoinsAccepted   int64 // 成功接纳的加入请求
	JoinsRejected   int64 // 因房间已满被拒绝的加入请求
	Leaves          int64 // 实际生效的离开（含隐式离开）
	PositionUpdates int64 // 被接受并广播的位置更新
	DecodeErrors    int64 // 因帧格式错误被丢弃的入站帧
	QueueOverflows  int64 // 出站队列已满的投递次数
	EventsDropped   int64 // drop-oldest 策略下丢弃的旧事件
	Evictions       int64 // 因投递失败被隐式移除的会话
}

func (m *RoomMetrics) PlayerJoined() {
	atomic.AddInt64(&m.PlayersOnline, 1)
	atomic.AddInt64(&m.JoinsAccepted, 1)
}

func (m *RoomMetrics) PlayerLeft() {
	atomic.AddInt64(&m.PlayersOnline, -1)
	atomic.AddInt64(&m.Leaves, 1)
}

func (m *RoomMetrics) IncJoinsRejected()   { atomic.AddInt64(&m.JoinsRejected, 1) }
func (m *RoomMetrics) IncPositionUpdates() { atomic.AddInt64(&m.PositionUpdates, 1) }
func (m *RoomMetrics) IncDecodeErrors()    { atomic.AddInt64(&m.DecodeErrors, 1) }
func (m *RoomMetrics) IncQueueOverflows()  { atomic.AddInt64(&m.QueueOverflows, 1) }
func (m *RoomMetrics) IncEventsDropped()   { atomic.AddInt64(&m.EventsDropped, 1) }
func (m *RoomMetrics) IncEvictions()       { atomic.AddInt64(&m.Evictions, 1) }

// Online 当前在线人数
func (m *RoomMetrics) Online() int64 { return atomic.LoadInt64(&m.PlayersOnline) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	return map[string]any{
		"players_online":   atomic.LoadInt64(&m.PlayersOnline),
		"joins_accepted":   atomic.LoadInt64(&m.JoinsAccepted),
		"joins_rejected":   atomic.LoadInt64(&m.JoinsRejected),
		"leaves":           atomic.LoadInt64(&m.Leaves),
		"position_updates": atomic.LoadInt64(&m.PositionUpdates),
		"decode_errors":    atomic.LoadInt64(&m.DecodeErrors),
		"queue_overflows":  atomic.LoadInt64(&m.QueueOverflows),
		"events_dropped":   atomic.LoadInt64(&m.EventsDropped),
		"evictions":        atomic.LoadInt64(&m.Evictions),
	}
}
