package gateway

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"camrelay/internal/models"
)

// ==================== 二进制帧 ====================
// 格式: Type(1) + SourceID(2, BE) + Timestamp(4, BE) + Payload

const HeaderSize = 7

// 帧类型
const (
	FrameTypeCamera byte = 0x01
	FrameTypeAudio  byte = 0x02
)

var (
	// ErrShortFrame is returned for binary messages shorter than HeaderSize.
	ErrShortFrame = errors.New("binary frame shorter than header")

	// ErrUnknownFrameType is returned for an unrecognized binary frame type.
	ErrUnknownFrameType = errors.New("unknown binary frame type")

	// ErrUnknownControl is returned for a control message with an unknown type.
	ErrUnknownControl = errors.New("unknown control message type")
)

// BinaryFrame 设备上行二进制帧
type BinaryFrame struct {
	Type      byte
	SourceID  uint16 // 设备侧帧号/序号
	Timestamp uint32 // 设备时钟，不用于排序
	Payload   []byte
}

// DecodeBinaryFrame 解析二进制帧。类型未知时返回已解析的帧和 ErrUnknownFrameType。
func DecodeBinaryFrame(data []byte) (BinaryFrame, error) {
	if len(data) < HeaderSize {
		return BinaryFrame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	f := BinaryFrame{
		Type:      data[0],
		SourceID:  binary.BigEndian.Uint16(data[1:3]),
		Timestamp: binary.BigEndian.Uint32(data[3:7]),
		Payload:   data[HeaderSize:],
	}
	if f.Type != FrameTypeCamera && f.Type != FrameTypeAudio {
		return f, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, f.Type)
	}
	return f, nil
}

// EncodeBinaryFrame 编码二进制帧 (设备侧/测试使用)
func EncodeBinaryFrame(f BinaryFrame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.SourceID)
	binary.BigEndian.PutUint32(buf[3:7], f.Timestamp)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// ==================== 控制消息 ====================

// ControlType 控制消息类型
type ControlType string

const (
	TypeAuth        ControlType = "auth"
	TypeAuthSuccess ControlType = "auth_success"
	TypePing        ControlType = "ping"
	TypePong        ControlType = "pong"
	TypeStats       ControlType = "stats"
	TypeError       ControlType = "error"
)

// ControlMessage 设备上行控制消息: *AuthMessage, *PingMessage, *StatsRequest
type ControlMessage interface {
	Type() ControlType
}

// AuthMessage 认证请求
type AuthMessage struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

func (*AuthMessage) Type() ControlType { return TypeAuth }

// PingMessage 心跳
type PingMessage struct{}

func (*PingMessage) Type() ControlType { return TypePing }

// StatsRequest 查询本设备统计
type StatsRequest struct{}

func (*StatsRequest) Type() ControlType { return TypeStats }

type envelope struct {
	Type ControlType `json:"type"`
}

// DecodeControl 解析上行控制消息
func DecodeControl(data []byte) (ControlMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		msg := &AuthMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("malformed auth message: %w", err)
		}
		return msg, nil
	case TypePing:
		return &PingMessage{}, nil
	case TypeStats:
		return &StatsRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownControl, env.Type)
	}
}

// 下行消息

// AuthSuccessMessage 认证成功
type AuthSuccessMessage struct {
	Type     ControlType `json:"type"`
	DeviceID string      `json:"device_id"`
}

// PongMessage 心跳应答
type PongMessage struct {
	Type      ControlType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// StatsMessage 统计应答
type StatsMessage struct {
	Type ControlType         `json:"type"`
	Data models.ChannelStats `json:"data"`
}

// ErrorMessage 错误
type ErrorMessage struct {
	Type    ControlType `json:"type"`
	Message string      `json:"message"`
}

func newAuthSuccess(deviceID string) AuthSuccessMessage {
	return AuthSuccessMessage{Type: TypeAuthSuccess, DeviceID: deviceID}
}

func newPong(timestampMs int64) PongMessage {
	return PongMessage{Type: TypePong, Timestamp: timestampMs}
}

func newStats(stats models.ChannelStats) StatsMessage {
	return StatsMessage{Type: TypeStats, Data: stats}
}

func newError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
