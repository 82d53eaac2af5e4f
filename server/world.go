package server

import (
	"slices"

	"posrelay/protocol"
)

// DefaultCapacity 房间默认可容纳的玩家数
const DefaultCapacity = 2

// World 世界状态：玩家最后上报的位置表，受容量上限约束。
// 不做内部加锁，只允许房间的事件循环协程访问
type World struct {
	capacity int
	players  map[protocol.PlayerID]protocol.Position
}

// NewWorld 创建世界状态；capacity <= 0 时使用 DefaultCapacity
func NewWorld(capacity int) *World {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &World{
		capacity: capacity,
		players:  make(map[protocol.PlayerID]protocol.Position),
	}
}

func (w *World) Len() int      { return len(w.players) }
func (w *World) Capacity() int { return w.capacity }

// HasRoom 是否还能再接纳一名玩家
func (w *World) HasRoom() bool { return len(w.players) < w.capacity }

// SetCapacity 调整容量；低于当前人数或小于 1 时拒绝
func (w *World) SetCapacity(n int) bool {
	if n < 1 || n < len(w.players) {
		return false
	}
	w.capacity = n
	return true
}

func (w *World) Contains(id protocol.PlayerID) bool {
	_, ok := w.players[id]
	return ok
}

// InsertIfCapacity 容量已满或 id 已存在时返回 false 且不做任何修改
func (w *World) InsertIfCapacity(id protocol.PlayerID, pos protocol.Position) bool {
	if !w.HasRoom() {
		return false
	}
	if _, ok := w.players[id]; ok {
		return false
	}
	w.players[id] = pos
	return true
}

func (w *World) Remove(id protocol.PlayerID) (protocol.Position, bool) {
	pos, ok := w.players[id]
	if ok {
		delete(w.players, id)
	}
	return pos, ok
}

// UpdatePosition id 不存在时为空操作
func (w *World) UpdatePosition(id protocol.PlayerID, x, y float32) bool {
	if _, ok := w.players[id]; !ok {
		return false
	}
	w.players[id] = protocol.Position{X: x, Y: y}
	return true
}

// SnapshotExcluding 返回除 id 外所有玩家，按 ID 升序
func (w *World) SnapshotExcluding(id protocol.PlayerID) []protocol.PlayerEntry {
	out := make([]protocol.PlayerEntry, 0, len(w.players))
	for pid, pos := range w.players {
		if pid == id {
			continue
		}
		out = append(out, protocol.PlayerEntry{ID: pid, Position: pos})
	}
	slices.SortFunc(out, func(a, b protocol.PlayerEntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Snapshot 全部玩家（0 不是有效 ID，因此不会排除任何人）
func (w *World) Snapshot() []protocol.PlayerEntry {
	return w.SnapshotExcluding(0)
}
