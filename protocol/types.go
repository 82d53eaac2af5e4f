package protocol

// PlayerID 玩家（会话）唯一标识，由协调者在加入时分配；0 永远不是有效 ID
type PlayerID uint64

// Position 玩家最后上报的位置
type Position struct {
	X float32
	Y float32
}

// Controls 客户端按键状态，仅随位置一起转发与记录，不参与权威状态
type Controls struct {
	Up    bool
	Down  bool
	Left  bool
	Right bool
}

// PlayerEntry 快照中的一项
type PlayerEntry struct {
	ID       PlayerID
	Position Position
}

// PlayerMoved 客户端上行的移动消息
type PlayerMoved struct {
	Controls Controls
	Position Position
}

// RequestKind 客户端消息类型
type RequestKind uint64

const (
	RequestNone RequestKind = iota
	RequestPlayerMoved
)

// EventKind 服务端下行消息类型（与线格式中的 kind 字段一致）
type EventKind uint64

const (
	EventNone EventKind = iota
	EventRemotePeerJoined
	EventRemotePeerLeft
	EventRemotePeerPositionUpdate
	EventWorldSnapshot
)

func (k EventKind) String() string {
	switch k {
	case EventRemotePeerJoined:
		return "RemotePeerJoined"
	case EventRemotePeerLeft:
		return "RemotePeerLeft"
	case EventRemotePeerPositionUpdate:
		return "RemotePeerPositionUpdate"
	case EventWorldSnapshot:
		return "WorldSnapshot"
	default:
		return "None"
	}
}

// OutboundEvent 协调者发往会话的事件
type OutboundEvent interface {
	Kind() EventKind
}

// RemotePeerJoined 其他玩家加入
type RemotePeerJoined struct {
	PlayerID PlayerID
	Position Position
}

// RemotePeerLeft 其他玩家离开
type RemotePeerLeft struct {
	PlayerID PlayerID
}

// RemotePeerPositionUpdate 其他玩家位置变化
type RemotePeerPositionUpdate struct {
	PlayerID PlayerID
	Position Position
}

// WorldSnapshot 加入时私发给新玩家的世界快照（不含自己）
type WorldSnapshot struct {
	Entries []PlayerEntry
}

func (RemotePeerJoined) Kind() EventKind         { return EventRemotePeerJoined }
func (RemotePeerLeft) Kind() EventKind           { return EventRemotePeerLeft }
func (RemotePeerPositionUpdate) Kind() EventKind { return EventRemotePeerPositionUpdate }
func (WorldSnapshot) Kind() EventKind            { return EventWorldSnapshot }
