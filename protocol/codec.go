package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame 帧结构校验失败；调用方应丢弃该帧并保留连接
var ErrMalformedFrame = errors.New("malformed frame")

// 线格式字段编号（protobuf wire 编码，未知字段跳过）
const (
	envelopeKindField protowire.Number = 1
	envelopeBodyField protowire.Number = 2

	movedControlsField protowire.Number = 1
	movedPositionField protowire.Number = 2

	controlsUpField    protowire.Number = 1
	controlsDownField  protowire.Number = 2
	controlsLeftField  protowire.Number = 3
	controlsRightField protowire.Number = 4

	vecXField protowire.Number = 1
	vecYField protowire.Number = 2

	playerIDField       protowire.Number = 1
	playerPositionField protowire.Number = 2

	snapshotCountField protowire.Number = 1
	snapshotEntryField protowire.Number = 2
)

func malformed(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, what, err)
	}
	return fmt.Errorf("%w: %s", ErrMalformedFrame, what)
}

// EncodeClientFrame 编码客户端上行的 PlayerMoved 帧
func EncodeClientFrame(m PlayerMoved) []byte {
	var body []byte
	body = appendControls(body, movedControlsField, m.Controls)
	body = appendVec2(body, movedPositionField, m.Position)
	return appendEnvelope(nil, uint64(RequestPlayerMoved), body)
}

// DecodeClientFrame 解码客户端帧。信封不合法时返回 ErrMalformedFrame；
// 信封合法但缺少的可选字段按零值处理
func DecodeClientFrame(b []byte) (PlayerMoved, error) {
	kind, body, err := decodeEnvelope(b)
	if err != nil {
		return PlayerMoved{}, err
	}
	if RequestKind(kind) != RequestPlayerMoved {
		return PlayerMoved{}, malformed(fmt.Sprintf("unknown request kind %d", kind), nil)
	}

	var m PlayerMoved
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case movedControlsField:
			v, n, err := consumeBytes("controls", typ, b)
			if err != nil {
				return 0, err
			}
			m.Controls, err = decodeControls(v)
			return n, err
		case movedPositionField:
			v, n, err := consumeBytes("position", typ, b)
			if err != nil {
				return 0, err
			}
			m.Position, err = decodeVec2(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return PlayerMoved{}, err
	}
	return m, nil
}

// EncodeServerFrame 按事件类型编码下行帧
func EncodeServerFrame(ev OutboundEvent) ([]byte, error) {
	var body []byte
	switch e := ev.(type) {
	case RemotePeerJoined:
		body = appendPlayerData(body, e.PlayerID, e.Position)
	case RemotePeerLeft:
		body = protowire.AppendTag(body, playerIDField, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(e.PlayerID))
	case RemotePeerPositionUpdate:
		body = appendPlayerData(body, e.PlayerID, e.Position)
	case WorldSnapshot:
		body = protowire.AppendTag(body, snapshotCountField, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(len(e.Entries)))
		for _, entry := range e.Entries {
			body = protowire.AppendTag(body, snapshotEntryField, protowire.BytesType)
			body = protowire.AppendBytes(body, appendPlayerData(nil, entry.ID, entry.Position))
		}
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", ev)
	}
	return appendEnvelope(nil, uint64(ev.Kind()), body), nil
}

// DecodeServerFrame 解码下行帧（客户端与测试使用）
func DecodeServerFrame(b []byte) (OutboundEvent, error) {
	kind, body, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch EventKind(kind) {
	case EventRemotePeerJoined:
		id, pos, err := decodePlayerData(body)
		if err != nil {
			return nil, err
		}
		return RemotePeerJoined{PlayerID: id, Position: pos}, nil
	case EventRemotePeerLeft:
		id, _, err := decodePlayerData(body)
		if err != nil {
			return nil, err
		}
		return RemotePeerLeft{PlayerID: id}, nil
	case EventRemotePeerPositionUpdate:
		id, pos, err := decodePlayerData(body)
		if err != nil {
			return nil, err
		}
		return RemotePeerPositionUpdate{PlayerID: id, Position: pos}, nil
	case EventWorldSnapshot:
		return decodeSnapshot(body)
	}
	return nil, malformed(fmt.Sprintf("unknown event kind %d", kind), nil)
}

func decodeSnapshot(body []byte) (WorldSnapshot, error) {
	var count uint64
	entries := []PlayerEntry{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapshotCountField:
			v, n, err := consumeVarint("snapshot count", typ, b)
			count = v
			return n, err
		case snapshotEntryField:
			v, n, err := consumeBytes("snapshot entry", typ, b)
			if err != nil {
				return 0, err
			}
			id, pos, err := decodePlayerData(v)
			if err != nil {
				return 0, err
			}
			entries = append(entries, PlayerEntry{ID: id, Position: pos})
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return WorldSnapshot{}, err
	}
	if count != uint64(len(entries)) {
		return WorldSnapshot{}, malformed(fmt.Sprintf("snapshot declares %d entries, got %d", count, len(entries)), nil)
	}
	return WorldSnapshot{Entries: entries}, nil
}

func appendEnvelope(b []byte, kind uint64, body []byte) []byte {
	b = protowire.AppendTag(b, envelopeKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	b = protowire.AppendTag(b, envelopeBodyField, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func decodeEnvelope(b []byte) (uint64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, malformed("empty frame", nil)
	}
	var (
		kind     uint64
		haveKind bool
		body     []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envelopeKindField:
			v, n, err := consumeVarint("kind", typ, b)
			kind, haveKind = v, err == nil
			return n, err
		case envelopeBodyField:
			v, n, err := consumeBytes("body", typ, b)
			body = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return 0, nil, err
	}
	if !haveKind || kind == 0 {
		return 0, nil, malformed("missing message kind", nil)
	}
	return kind, body, nil
}

func appendPlayerData(b []byte, id PlayerID, pos Position) []byte {
	b = protowire.AppendTag(b, playerIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	return appendVec2(b, playerPositionField, pos)
}

func decodePlayerData(b []byte) (PlayerID, Position, error) {
	var (
		id  PlayerID
		pos Position
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case playerIDField:
			v, n, err := consumeVarint("player id", typ, b)
			id = PlayerID(v)
			return n, err
		case playerPositionField:
			v, n, err := consumeBytes("player position", typ, b)
			if err != nil {
				return 0, err
			}
			pos, err = decodeVec2(v)
			return n, err
		}
		return 0, nil
	})
	return id, pos, err
}

func appendVec2(b []byte, num protowire.Number, p Position) []byte {
	var v []byte
	v = protowire.AppendTag(v, vecXField, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(p.X))
	v = protowire.AppendTag(v, vecYField, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(p.Y))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func decodeVec2(b []byte) (Position, error) {
	var p Position
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case vecXField:
			v, n, err := consumeFloat("x", typ, b)
			p.X = v
			return n, err
		case vecYField:
			v, n, err := consumeFloat("y", typ, b)
			p.Y = v
			return n, err
		}
		return 0, nil
	})
	return p, err
}

func appendControls(b []byte, num protowire.Number, c Controls) []byte {
	var v []byte
	for _, f := range []struct {
		num protowire.Number
		on  bool
	}{
		{controlsUpField, c.Up},
		{controlsDownField, c.Down},
		{controlsLeftField, c.Left},
		{controlsRightField, c.Right},
	} {
		v = protowire.AppendTag(v, f.num, protowire.VarintType)
		v = protowire.AppendVarint(v, protowire.EncodeBool(f.on))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func decodeControls(b []byte) (Controls, error) {
	var c Controls
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *bool
		switch num {
		case controlsUpField:
			dst = &c.Up
		case controlsDownField:
			dst = &c.Down
		case controlsLeftField:
			dst = &c.Left
		case controlsRightField:
			dst = &c.Right
		default:
			return 0, nil
		}
		v, n, err := consumeVarint("control", typ, b)
		*dst = protowire.DecodeBool(v)
		return n, err
	})
	return c, err
}

// walk 依次遍历 b 中的字段。fn 返回已消费的字节数；返回 0 表示字段未识别，按未知字段跳过
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return malformed(fmt.Sprintf("field %d", num), protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(what string, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, malformed(what+": wrong wire type", nil)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, malformed(what, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(what string, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, malformed(what+": wrong wire type", nil)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, malformed(what, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeFloat(what string, typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, malformed(what+": wrong wire type", nil)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, malformed(what, protowire.ParseError(n))
	}
	return math.Float32frombits(v), n, nil
}
