// Package protocol 定义 websocket 实时通道与 REST 错误体共用的线上格式，
// 服务端 ws 包与客户端 realtime 包都依赖它。
package protocol

import (
	"encoding/json"
	"time"
)

// 实时事件名。
const (
	EventJoinRoom          = "join-room"
	EventGetHistory        = "get-history"
	EventSendMessage       = "send-message"
	EventLeaveRoom         = "leave-room"
	EventAck               = "ack"
	EventMessage           = "message"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
)

// REST 401 错误码，客户端据此区分 access 过期与 refresh 过期。
const (
	CodeMissingToken        = "missing_token"
	CodeInvalidToken        = "invalid_token"
	CodeAccessTokenExpired  = "access_token_expired"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeRefreshTokenExpired = "refresh_token_expired"
)

// ack 失败码。
const (
	AckRoomNotFound   = "room_not_found"
	AckInvalidPayload = "invalid_payload"
	AckNotJoined      = "not_joined"
	AckInternal       = "internal_error"
)

// DefaultHistoryLimit 与原客户端一致，入房后拉取最近 100 条。
const DefaultHistoryLimit = 100

// Frame 是单个 websocket 文本帧。
type Frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame 编码 data 并构造帧。
func NewFrame(event, ack string, data any) (Frame, error) {
	f := Frame{Event: event, Ack: ack}
	if data == nil {
		return f, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = b
	return f, nil
}

type RoomRef struct {
	RoomID uint `json:"room_id"`
}

type JoinAck struct {
	Success     bool `json:"success"`
	RoomID      uint `json:"room_id"`
	ActiveUsers int  `json:"active_users"`
}

type HistoryRequest struct {
	RoomID uint `json:"room_id"`
	Limit  int  `json:"limit"`
}

type HistoryAck struct {
	Success  bool          `json:"success"`
	Messages []ChatMessage `json:"messages"`
}

type SendMessage struct {
	RoomID uint   `json:"room_id"`
	Body   string `json:"body"`
}

// ChatMessage 是不可变的聊天消息记录。
type ChatMessage struct {
	ID          uint      `json:"id"`
	RoomID      uint      `json:"room_id"`
	SenderID    uint      `json:"sender_id"`
	SenderCode  string    `json:"sender_code"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
}

// Presence 是 participant-joined / participant-left 的负载。
type Presence struct {
	RoomID      uint   `json:"room_id"`
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	ActiveUsers int    `json:"active_users"`
}

// ErrorBody 是 REST 错误响应体。
type ErrorBody struct {
	Error string `json:"error"`
}
