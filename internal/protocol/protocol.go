// Package protocol 定义事件流的帧格式与错误码
package protocol

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventFrame 推送给订阅端的事件帧
type EventFrame struct {
	Kind      string `msgpack:"kind"`
	Timestamp int64  `msgpack:"ts"` // Unix 毫秒
	Payload   []byte `msgpack:"payload"`
}

// HelloFrame 事件流建立后的首帧
type HelloFrame struct {
	SessionID string `msgpack:"session_id,omitempty"`
	ServerID  string `msgpack:"server_id"` // fleetd 实例 ID
	Code      int    `msgpack:"code"`
	Message   string `msgpack:"message,omitempty"`
}

// Encode 使用 msgpack 编码
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode 使用 msgpack 解码
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// NewEventFrame 构造事件帧
func NewEventFrame(kind string, payload []byte) *EventFrame {
	return &EventFrame{
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// 错误码定义
const (
	CodeSuccess       = 0
	CodeInternalError = 1
	CodeInvalidToken  = 1001 // 令牌无效
	CodeTokenExpired  = 1002 // 令牌过期
	CodeNotFound      = 2001 // 服务器/会话/票据不存在
	CodeServerGone    = 2002 // 分配的服务器已不在舰队中
	CodeCapacityFull  = 2003 // 容量不足或非就绪
)

// CodeMessage 错误码对应的消息
var CodeMessage = map[int]string{
	CodeSuccess:       "success",
	CodeInternalError: "internal_error",
	CodeInvalidToken:  "invalid_token",
	CodeTokenExpired:  "token_expired",
	CodeNotFound:      "not_found",
	CodeServerGone:    "server_gone",
	CodeCapacityFull:  "capacity_full",
}
