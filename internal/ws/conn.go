package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomlink/internal/auth"
	"roomlink/internal/metrics"
	"roomlink/internal/models"
	"roomlink/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Store 是 websocket 层依赖的最小数据访问接口，由 server 包注入。
type Store interface {
	Authenticate(token string) (models.User, error)
	RoomExists(roomID uint) bool
	History(roomID uint, limit int) ([]protocol.ChatMessage, error)
	SaveMessage(roomID uint, sender models.User, body string) (protocol.ChatMessage, error)
}

const (
	maxHistoryLimit = 200
	maxBodyLength   = 4000
)

type Client struct {
	hub         *Hub
	store       Store
	room        *RoomHub
	conn        *websocket.Conn
	user        models.User
	userID      uint
	displayName string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Serve(h *Hub, store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.Request, true)
		if token == "" {
			c.JSON(http.StatusUnauthorized, protocol.ErrorBody{Error: protocol.CodeMissingToken})
			return
		}
		user, err := store.Authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, protocol.ErrorBody{Error: auth.TokenErrorCode(err)})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		metrics.WsConnections.Inc()
		defer metrics.WsConnections.Dec()

		client := newClient(h, store, conn, user)
		go client.writePump()
		client.readPump()
	}
}

func newClient(h *Hub, store Store, conn *websocket.Conn, user models.User) *Client {
	return &Client{
		hub:         h,
		store:       store,
		conn:        conn,
		user:        user,
		userID:      user.ID,
		displayName: user.DisplayName,
		send:        make(chan []byte, 256),
	}
}

// enqueue 非阻塞地投递一帧，通道已关闭或已满时返回 false。
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func encodeFrame(event, ack string, data any) ([]byte, error) {
	f, err := protocol.NewFrame(event, ack, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// reply 回复一个成功 ack，ack 为空表示对端不等待应答。
func (c *Client) reply(ack string, data any) {
	if ack == "" {
		return
	}
	b, err := encodeFrame(protocol.EventAck, ack, data)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.userID).Msg("encode ack")
		return
	}
	c.enqueue(b)
}

func (c *Client) replyError(ack, code string) {
	if ack == "" {
		return
	}
	b, _ := json.Marshal(protocol.Frame{Event: protocol.EventAck, Ack: ack, Error: code})
	c.enqueue(b)
}

func (c *Client) readPump() {
	defer func() {
		c.leaveRoom("")
		c.closeSend()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in protocol.Frame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in protocol.Frame) {
	switch in.Event {
	case protocol.EventJoinRoom:
		var req protocol.RoomRef
		if err := json.Unmarshal(in.Data, &req); err != nil || req.RoomID == 0 {
			c.replyError(in.Ack, protocol.AckInvalidPayload)
			return
		}
		if !c.store.RoomExists(req.RoomID) {
			c.replyError(in.Ack, protocol.AckRoomNotFound)
			return
		}
		if c.room != nil && c.room.roomID == req.RoomID {
			c.reply(in.Ack, protocol.JoinAck{Success: true, RoomID: req.RoomID, ActiveUsers: c.room.Online()})
			return
		}
		c.leaveRoom("")
		c.room = c.hub.GetRoom(req.RoomID)
		c.room.Join(c, in.Ack)
	case protocol.EventGetHistory:
		var req protocol.HistoryRequest
		if err := json.Unmarshal(in.Data, &req); err != nil || req.RoomID == 0 {
			c.replyError(in.Ack, protocol.AckInvalidPayload)
			return
		}
		if !c.store.RoomExists(req.RoomID) {
			c.replyError(in.Ack, protocol.AckRoomNotFound)
			return
		}
		if req.Limit <= 0 || req.Limit > maxHistoryLimit {
			req.Limit = protocol.DefaultHistoryLimit
		}
		msgs, err := c.store.History(req.RoomID, req.Limit)
		if err != nil {
			log.Error().Err(err).Uint("room_id", req.RoomID).Msg("ws history")
			c.replyError(in.Ack, protocol.AckInternal)
			return
		}
		c.reply(in.Ack, protocol.HistoryAck{Success: true, Messages: msgs})
	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := json.Unmarshal(in.Data, &req); err != nil {
			c.replyError(in.Ack, protocol.AckInvalidPayload)
			return
		}
		body := strings.TrimSpace(req.Body)
		if body == "" || len(body) > maxBodyLength {
			c.replyError(in.Ack, protocol.AckInvalidPayload)
			return
		}
		if c.room == nil || c.room.roomID != req.RoomID {
			c.replyError(in.Ack, protocol.AckNotJoined)
			return
		}
		msg, err := c.store.SaveMessage(req.RoomID, c.user, body)
		if err != nil {
			log.Error().Err(err).Uint("room_id", req.RoomID).Uint("user_id", c.userID).Msg("ws save message")
			c.replyError(in.Ack, protocol.AckInternal)
			return
		}
		b, err := encodeFrame(protocol.EventMessage, "", msg)
		if err != nil {
			return
		}
		metrics.WsMessagesTotal.Inc()
		c.room.broadcast <- b
		c.reply(in.Ack, protocol.RoomRef{RoomID: req.RoomID})
	case protocol.EventLeaveRoom:
		var req protocol.RoomRef
		_ = json.Unmarshal(in.Data, &req)
		if c.room == nil || (req.RoomID != 0 && c.room.roomID != req.RoomID) {
			c.replyError(in.Ack, protocol.AckNotJoined)
			return
		}
		c.leaveRoom(in.Ack)
	}
}

func (c *Client) leaveRoom(ack string) {
	if c.room == nil {
		return
	}
	c.room.Leave(c, ack)
	c.room = nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
