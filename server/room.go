package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"posrelay/config"
	"posrelay/protocol"
)

var (
	// ErrRoomFull 房间已满，加入被直接拒绝
	ErrRoomFull = errors.New("room full")
	// ErrRoomClosed 房间事件循环已退出
	ErrRoomClosed = errors.New("room closed")
	// ErrInvalidSettings 运行时配置不合法（例如容量低于当前人数）
	ErrInvalidSettings = errors.New("invalid room settings")
)

// OverflowPolicy 会话出站队列已满时的处理方式
type OverflowPolicy string

const (
	// OverflowDisconnect 视为投递失败，隐式移除该会话
	OverflowDisconnect OverflowPolicy = config.OverflowDisconnect
	// OverflowDropOldest 丢弃队列中最旧的一条后重试一次
	OverflowDropOldest OverflowPolicy = config.OverflowDropOldest
)

// ParseOverflowPolicy 解析配置中的策略名
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowDisconnect, OverflowDropOldest:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidSettings, s)
}

// RoomSettings 可在运行时调整的房间参数
type RoomSettings struct {
	Capacity int            `json:"capacity"`
	Overflow OverflowPolicy `json:"overflow"`
}

// peer 房间对已接纳会话的记录：ID + 出站队列
type peer struct {
	id  protocol.PlayerID
	out chan protocol.OutboundEvent
}

// Room 协调者：世界状态与会话表的唯一所有者。
// 所有修改都在 Run 的单个协程中按到达顺序处理，因此不需要锁
type Room struct {
	world    *World
	peers    map[protocol.PlayerID]*peer
	overflow OverflowPolicy
	ids      IDGenerator

	events  chan inboundEvent
	done    chan struct{}
	started atomic.Bool

	metrics *RoomMetrics
	log     *zap.SugaredLogger
}

// RoomOption 可选构造参数
type RoomOption func(*Room)

// WithIDGenerator 替换默认的递增 ID（测试中用于注入确定性 ID）
func WithIDGenerator(g IDGenerator) RoomOption {
	return func(r *Room) { r.ids = g }
}

// NewRoom 创建房间；需要再调用 Run 启动事件循环
func NewRoom(cfg config.RoomConfig, log *zap.SugaredLogger, opts ...RoomOption) (*Room, error) {
	overflow, err := ParseOverflowPolicy(cfg.Overflow)
	if err != nil {
		return nil, err
	}
	mailbox := cfg.MailboxSize
	if mailbox < 1 {
		mailbox = 1
	}
	r := &Room{
		world:    NewWorld(cfg.Capacity),
		peers:    make(map[protocol.PlayerID]*peer),
		overflow: overflow,
		ids:      &SequentialIDs{},
		events:   make(chan inboundEvent, mailbox),
		done:     make(chan struct{}),
		metrics:  &RoomMetrics{},
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Metrics 运行指标（只读使用）
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// Run 事件循环：逐条处理入站事件，直到 ctx 结束。
// 退出时关闭全部会话的出站队列，等待中的调用返回 ErrRoomClosed
func (r *Room) Run(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.log.Warn("room loop already running")
		return
	}
	r.log.Infow("room started", "capacity", r.world.Capacity(), "overflow", r.overflow)
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Room) shutdown() {
	for id, p := range r.peers {
		r.world.Remove(id)
		close(p.out)
		delete(r.peers, id)
		r.metrics.PlayerLeft()
	}
	close(r.done)
	r.log.Info("room stopped")
}

func (r *Room) handle(ev inboundEvent) {
	switch e := ev.(type) {
	case joinEvent:
		r.join(e)
	case leaveEvent:
		r.leave(e.id)
	case positionEvent:
		r.updatePosition(e)
	case playersQuery:
		e.reply <- r.world.Snapshot()
	case settingsQuery:
		e.reply <- RoomSettings{Capacity: r.world.Capacity(), Overflow: r.overflow}
	case reconfigureEvent:
		e.reply <- r.reconfigure(e.settings)
	default:
		r.log.Errorw("unknown room event", "type", fmt.Sprintf("%T", ev))
	}
}

// send 把事件放入房间队列；队列满时阻塞调用方（会话），不会阻塞事件循环
func (r *Room) send(ctx context.Context, ev inboundEvent) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join 请求加入房间。成功时返回分配的 ID，此后 out 的关闭由房间负责，调用方不得关闭；
// 房间已满返回 ErrRoomFull
func (r *Room) Join(ctx context.Context, out chan protocol.OutboundEvent) (protocol.PlayerID, error) {
	reply := make(chan joinResult, 1)
	if err := r.send(ctx, joinEvent{out: out, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-r.done:
		return 0, ErrRoomClosed
	case <-ctx.Done():
		// 请求已入队，可能稍后被接纳：收到结果后立即释放
		go func() {
			select {
			case res := <-reply:
				if res.err == nil {
					r.Leave(res.id)
				}
			case <-r.done:
			}
		}()
		return 0, ctx.Err()
	}
}

// Leave 幂等；未知 ID 为空操作
func (r *Room) Leave(id protocol.PlayerID) {
	_ = r.send(context.Background(), leaveEvent{id: id})
}

// UpdatePosition 上报位置；未接纳的 ID 会被忽略
func (r *Room) UpdatePosition(ctx context.Context, id protocol.PlayerID, pos protocol.Position, controls protocol.Controls) error {
	return r.send(ctx, positionEvent{id: id, pos: pos, controls: controls})
}

// Players 当前全部玩家（按 ID 升序）
func (r *Room) Players(ctx context.Context) ([]protocol.PlayerEntry, error) {
	reply := make(chan []protocol.PlayerEntry, 1)
	if err := r.send(ctx, playersQuery{reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, r.done, reply)
}

// Settings 读取当前运行时参数
func (r *Room) Settings(ctx context.Context) (RoomSettings, error) {
	reply := make(chan RoomSettings, 1)
	if err := r.send(ctx, settingsQuery{reply: reply}); err != nil {
		return RoomSettings{}, err
	}
	return await(ctx, r.done, reply)
}

// Reconfigure 调整容量与溢出策略；零值字段保持不变
func (r *Room) Reconfigure(ctx context.Context, s RoomSettings) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, reconfigureEvent{settings: s, reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r.done, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrRoomClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) join(e joinEvent) {
	if !r.world.HasRoom() {
		r.metrics.IncJoinsRejected()
		r.log.Infow("join rejected: room full", "capacity", r.world.Capacity())
		e.reply <- joinResult{err: ErrRoomFull}
		return
	}

	id := r.ids.Next()
	pos := protocol.Position{}
	if id == 0 || !r.world.InsertIfCapacity(id, pos) {
		r.log.Errorw("id generator returned unusable id", "player", id)
		e.reply <- joinResult{err: fmt.Errorf("allocate session id: duplicate or zero id %d", id)}
		return
	}
	p := &peer{id: id, out: e.out}
	r.peers[id] = p
	r.metrics.PlayerJoined()
	r.log.Infow("player joined", "player", id, "online", len(r.peers))

	// 先广播再私发快照，均在本次事件内完成，其他事件看不到“加入一半”的玩家
	failed := r.broadcast(protocol.RemotePeerJoined{PlayerID: id, Position: pos}, id)
	if !r.deliver(p, protocol.WorldSnapshot{Entries: r.world.SnapshotExcluding(id)}) {
		failed = append(failed, id)
	}
	e.reply <- joinResult{id: id}
	r.evict(failed)
}

func (r *Room) leave(id protocol.PlayerID) {
	p, ok := r.peers[id]
	if !ok {
		r.log.Debugw("leave for unknown session", "player", id)
		return
	}
	// 会话记录与世界条目同时移除
	delete(r.peers, id)
	r.world.Remove(id)
	close(p.out)
	r.metrics.PlayerLeft()
	r.log.Infow("player left", "player", id, "online", len(r.peers))

	r.evict(r.broadcast(protocol.RemotePeerLeft{PlayerID: id}))
}

func (r *Room) updatePosition(e positionEvent) {
	if _, ok := r.peers[e.id]; !ok {
		r.log.Debugw("position update for unknown session", "player", e.id)
		return
	}
	r.world.UpdatePosition(e.id, e.pos.X, e.pos.Y)
	r.metrics.IncPositionUpdates()
	r.log.Debugw("position update", "player", e.id, "x", e.pos.X, "y", e.pos.Y,
		"up", e.controls.Up, "down", e.controls.Down, "left", e.controls.Left, "right", e.controls.Right)

	r.evict(r.broadcast(protocol.RemotePeerPositionUpdate{PlayerID: e.id, Position: e.pos}, e.id))
}

func (r *Room) reconfigure(s RoomSettings) error {
	overflow := r.overflow
	if s.Overflow != "" {
		p, err := ParseOverflowPolicy(string(s.Overflow))
		if err != nil {
			return err
		}
		overflow = p
	}
	if s.Capacity != 0 && !r.world.SetCapacity(s.Capacity) {
		return fmt.Errorf("%w: capacity %d below occupancy %d", ErrInvalidSettings, s.Capacity, r.world.Len())
	}
	r.overflow = overflow
	r.log.Infow("room settings updated", "capacity", r.world.Capacity(), "overflow", r.overflow)
	return nil
}

// broadcast 向除 except 外的全部会话投递事件，返回投递失败的会话 ID。
// 失败的会话在广播结束后再统一移除
func (r *Room) broadcast(ev protocol.OutboundEvent, except ...protocol.PlayerID) []protocol.PlayerID {
	var failed []protocol.PlayerID
	for id, p := range r.peers {
		if slices.Contains(except, id) {
			continue
		}
		if !r.deliver(p, ev) {
			failed = append(failed, id)
		}
	}
	return failed
}

// deliver 非阻塞投递；按溢出策略处理满队列
func (r *Room) deliver(p *peer, ev protocol.OutboundEvent) bool {
	select {
	case p.out <- ev:
		return true
	default:
	}
	r.metrics.IncQueueOverflows()

	if r.overflow == OverflowDropOldest {
		select {
		case <-p.out:
			r.metrics.IncEventsDropped()
		default:
		}
		select {
		case p.out <- ev:
			return true
		default:
		}
	}
	return false
}

// evict 把投递失败视为隐式离开
func (r *Room) evict(ids []protocol.PlayerID) {
	for _, id := range ids {
		if _, ok := r.peers[id]; !ok {
			continue
		}
		r.metrics.IncEvictions()
		r.log.Warnw("evicting session after delivery failure", "player", id)
		r.leave(id)
	}
}
