package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"posrelay/config"
	"posrelay/protocol"
)

func testRoomConfig(capacity int) config.RoomConfig {
	return config.RoomConfig{
		Capacity:    capacity,
		MailboxSize: 64,
		SendBuffer:  16,
		Overflow:    config.OverflowDisconnect,
	}
}

func startRoom(t *testing.T, cfg config.RoomConfig, opts ...RoomOption) *Room {
	t.Helper()
	r, err := NewRoom(cfg, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

// settle 往返一次事件循环，之前入队的事件都已处理完毕
func settle(t *testing.T, r *Room) []protocol.PlayerEntry {
	t.Helper()
	players, err := r.Players(context.Background())
	require.NoError(t, err)
	return players
}

func recv(t *testing.T, ch <-chan protocol.OutboundEvent) protocol.OutboundEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan protocol.OutboundEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %#v", ev)
		}
	default:
	}
}

func join(t *testing.T, r *Room, buf int) (protocol.PlayerID, chan protocol.OutboundEvent) {
	t.Helper()
	out := make(chan protocol.OutboundEvent, buf)
	id, err := r.Join(context.Background(), out)
	require.NoError(t, err)
	return id, out
}

func TestRoom_ScenarioA_CapacityTwo(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))

	s1, out1 := join(t, r, 8)
	assert.Equal(t, protocol.PlayerID(1), s1)
	snap := recv(t, out1).(protocol.WorldSnapshot)
	assert.Empty(t, snap.Entries)

	s2, out2 := join(t, r, 8)
	assert.Equal(t, protocol.PlayerID(2), s2)
	assert.Equal(t, protocol.RemotePeerJoined{PlayerID: s2}, recv(t, out1))
	assert.Equal(t, protocol.WorldSnapshot{Entries: []protocol.PlayerEntry{{ID: s1}}}, recv(t, out2))

	out3 := make(chan protocol.OutboundEvent, 8)
	_, err := r.Join(context.Background(), out3)
	assert.ErrorIs(t, err, ErrRoomFull)
	assertNoEvent(t, out3)

	assert.Len(t, settle(t, r), 2)
	assertNoEvent(t, out1)
	assertNoEvent(t, out2)
	assert.Equal(t, int64(2), r.Metrics().Online())
	assert.Equal(t, int64(1), r.Metrics().JoinsRejected)
}

func TestRoom_ScenarioB_PositionExcludesSender(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))
	s1, out1 := join(t, r, 8)
	recv(t, out1)
	s2, out2 := join(t, r, 8)
	recv(t, out1)
	recv(t, out2)

	pos := protocol.Position{X: 5, Y: 7}
	require.NoError(t, r.UpdatePosition(context.Background(), s1, pos, protocol.Controls{Right: true}))

	assert.Equal(t, protocol.RemotePeerPositionUpdate{PlayerID: s1, Position: pos}, recv(t, out2))
	players := settle(t, r)
	assertNoEvent(t, out1)
	assert.Equal(t, []protocol.PlayerEntry{{ID: s1, Position: pos}, {ID: s2}}, players)
}

func TestRoom_UpdateForUnknownSessionIgnored(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))
	_, out1 := join(t, r, 8)
	recv(t, out1)

	require.NoError(t, r.UpdatePosition(context.Background(), 42, protocol.Position{X: 1}, protocol.Controls{}))
	players := settle(t, r)
	assertNoEvent(t, out1)
	assert.Len(t, players, 1)
	assert.Equal(t, int64(0), r.Metrics().PositionUpdates)
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))
	s1, out1 := join(t, r, 8)
	recv(t, out1)
	_, out2 := join(t, r, 8)
	recv(t, out1)
	recv(t, out2)

	r.Leave(s1)
	r.Leave(s1)
	r.Leave(99)
	players := settle(t, r)

	assert.Equal(t, protocol.RemotePeerLeft{PlayerID: s1}, recv(t, out2))
	assertNoEvent(t, out2)
	assert.Len(t, players, 1)
	assert.Equal(t, int64(1), r.Metrics().Leaves)

	// 离开的会话出站队列被房间关闭
	_, ok := <-out1
	assert.False(t, ok)
}

func TestRoom_LeaveFreesCapacity(t *testing.T) {
	r := startRoom(t, testRoomConfig(1))
	s1, out1 := join(t, r, 8)
	recv(t, out1)

	_, err := r.Join(context.Background(), make(chan protocol.OutboundEvent, 8))
	require.ErrorIs(t, err, ErrRoomFull)

	r.Leave(s1)
	s2, out2 := join(t, r, 8)
	assert.NotEqual(t, s1, s2)
	assert.Empty(t, recv(t, out2).(protocol.WorldSnapshot).Entries)
}

func TestRoom_DisconnectPolicyEvictsSlowConsumer(t *testing.T) {
	r := startRoom(t, testRoomConfig(3))
	s1, out1 := join(t, r, 1) // 快照占满队列
	s2, out2 := join(t, r, 8)

	// s2 的快照仍包含 s1，随后收到 s1 被移除
	assert.Equal(t, protocol.WorldSnapshot{Entries: []protocol.PlayerEntry{{ID: s1}}}, recv(t, out2))
	assert.Equal(t, protocol.RemotePeerLeft{PlayerID: s1}, recv(t, out2))

	assert.IsType(t, protocol.WorldSnapshot{}, recv(t, out1))
	_, ok := <-out1
	assert.False(t, ok, "evicted session's queue must be closed")

	assert.Equal(t, []protocol.PlayerEntry{{ID: s2}}, settle(t, r))
	assert.Equal(t, int64(1), r.Metrics().Evictions)
	assert.Equal(t, int64(1), r.Metrics().Online())
}

func TestRoom_DropOldestKeepsSlowConsumer(t *testing.T) {
	cfg := testRoomConfig(3)
	cfg.Overflow = config.OverflowDropOldest
	r := startRoom(t, cfg)

	s1, out1 := join(t, r, 1)
	s2, out2 := join(t, r, 8)
	recv(t, out2)

	// 快照被丢弃，只剩最新的加入通知
	assert.Equal(t, protocol.RemotePeerJoined{PlayerID: s2}, recv(t, out1))
	assert.Len(t, settle(t, r), 2)
	assert.Equal(t, int64(1), r.Metrics().EventsDropped)
	assert.Equal(t, int64(0), r.Metrics().Evictions)
	_ = s1
}

func TestRoom_EvictedJoinerStillGetsID(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))
	_, out1 := join(t, r, 8)
	recv(t, out1)

	// 无缓冲队列：快照无法投递，新玩家立即被隐式移除
	s2, out2 := join(t, r, 0)
	assert.NotZero(t, s2)
	_, ok := <-out2
	assert.False(t, ok)

	assert.Equal(t, protocol.RemotePeerJoined{PlayerID: s2}, recv(t, out1))
	assert.Equal(t, protocol.RemotePeerLeft{PlayerID: s2}, recv(t, out1))
	assert.Len(t, settle(t, r), 1)
}

type fixedIDs struct{ ids []protocol.PlayerID }

func (f *fixedIDs) Next() protocol.PlayerID {
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id
}

func TestRoom_InjectedIDGenerator(t *testing.T) {
	r := startRoom(t, testRoomConfig(2), WithIDGenerator(&fixedIDs{ids: []protocol.PlayerID{70, 70, 3}}))
	s1, _ := join(t, r, 8)
	assert.Equal(t, protocol.PlayerID(70), s1)

	_, err := r.Join(context.Background(), make(chan protocol.OutboundEvent, 8))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomFull)

	s3, _ := join(t, r, 8)
	assert.Equal(t, protocol.PlayerID(3), s3)
}

func TestRoom_Reconfigure(t *testing.T) {
	r := startRoom(t, testRoomConfig(2))
	ctx := context.Background()
	join(t, r, 8)
	join(t, r, 8)

	err := r.Reconfigure(ctx, RoomSettings{Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	err = r.Reconfigure(ctx, RoomSettings{Overflow: "block"})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	require.NoError(t, r.Reconfigure(ctx, RoomSettings{Capacity: 3, Overflow: OverflowDropOldest}))
	s, err := r.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoomSettings{Capacity: 3, Overflow: OverflowDropOldest}, s)

	join(t, r, 8)
	assert.Len(t, settle(t, r), 3)
}

func TestRoom_StopClosesSessions(t *testing.T) {
	r, err := NewRoom(testRoomConfig(2), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	_, out := join(t, r, 8)
	recv(t, out)
	cancel()
	<-done

	_, ok := <-out
	assert.False(t, ok)
	_, err = r.Join(context.Background(), make(chan protocol.OutboundEvent, 1))
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.Equal(t, int64(0), r.Metrics().Online())
}

func TestRoom_JoinContextCanceled(t *testing.T) {
	r, err := NewRoom(testRoomConfig(2), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	// 事件循环尚未启动：请求入队后等待超时
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Join(ctx, make(chan protocol.OutboundEvent, 4))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(loopCtx)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})

	// 迟到的接纳被自动释放
	assert.Eventually(t, func() bool {
		players, err := r.Players(context.Background())
		return err == nil && len(players) == 0 && atomic.LoadInt64(&r.Metrics().Leaves) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewRoom_InvalidOverflow(t *testing.T) {
	cfg := testRoomConfig(2)
	cfg.Overflow = "block"
	_, err := NewRoom(cfg, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

// 任意 Join/Leave 序列下，世界人数都不超过容量，且与在线计数一致
func TestRoom_CapacityInvariant_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 4).Draw(rt, "capacity")
		r, err := NewRoom(testRoomConfig(capacity), zap.NewNop().Sugar())
		if err != nil {
			rt.Fatalf("new room: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Run(ctx)
		}()
		defer func() {
			cancel()
			<-done
		}()

		var admitted []protocol.PlayerID
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(admitted) > 0 && rapid.Bool().Draw(rt, "leave") {
				idx := rapid.IntRange(0, len(admitted)-1).Draw(rt, "idx")
				r.Leave(admitted[idx])
				admitted = append(admitted[:idx], admitted[idx+1:]...)
			} else {
				id, err := r.Join(context.Background(), make(chan protocol.OutboundEvent, 64))
				switch {
				case err == nil:
					admitted = append(admitted, id)
				case len(admitted) < capacity:
					rt.Fatalf("join rejected below capacity: %v", err)
				}
			}

			players, err := r.Players(context.Background())
			if err != nil {
				rt.Fatalf("players: %v", err)
			}
			if len(players) > capacity {
				rt.Fatalf("world size %d exceeds capacity %d", len(players), capacity)
			}
			if len(players) != len(admitted) || int64(len(players)) != r.Metrics().Online() {
				rt.Fatalf("world %d, admitted %d, online %d", len(players), len(admitted), r.Metrics().Online())
			}
		}
	})
}
