package ws

import (
	"sync"
	"sync/atomic"

	"roomlink/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// joinRequest 携带入房 ack 的关联 id，由房间协程回复。
type joinRequest struct {
	client *Client
	ack    string
}

type leaveRequest struct {
	client *Client
	ack    string
}

type RoomHub struct {
	roomID     uint
	clients    map[*Client]bool
	register   chan joinRequest
	unregister chan leaveRequest
	broadcast  chan []byte
	online     int32
}

func NewRoomHub(roomID uint) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan joinRequest),
		unregister: make(chan leaveRequest),
		broadcast:  make(chan []byte, 256),
	}
}

// Join 把客户端加入房间，入房 ack 先于 participant-joined 广播发出。
func (rh *RoomHub) Join(c *Client, ack string) { rh.register <- joinRequest{client: c, ack: ack} }

// Leave 把客户端移出房间，房间协程处理完之前不会再向它投递广播。
func (rh *RoomHub) Leave(c *Client, ack string) { rh.unregister <- leaveRequest{client: c, ack: ack} }

func (rh *RoomHub) run() {
	for {
		select {
		case req, ok := <-rh.register:
			if !ok {
				return
			}
			c := req.client
			rh.clients[c] = true
			online := rh.syncOnline()
			c.reply(req.ack, protocol.JoinAck{Success: true, RoomID: rh.roomID, ActiveUsers: online})
			rh.fanout(rh.presence(protocol.EventParticipantJoined, c, online))
		case req := <-rh.unregister:
			c := req.client
			if _, ok := rh.clients[c]; !ok {
				continue
			}
			delete(rh.clients, c)
			online := rh.syncOnline()
			if req.ack != "" {
				c.reply(req.ack, protocol.RoomRef{RoomID: rh.roomID})
			}
			rh.fanout(rh.presence(protocol.EventParticipantLeft, c, online))
		case msg := <-rh.broadcast:
			rh.fanout(msg)
		}
	}
}

func (rh *RoomHub) syncOnline() int {
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	return len(rh.clients)
}

func (rh *RoomHub) presence(event string, c *Client, online int) []byte {
	b, err := encodeFrame(event, "", protocol.Presence{
		RoomID:      rh.roomID,
		UserID:      c.userID,
		DisplayName: c.displayName,
		ActiveUsers: online,
	})
	if err != nil {
		log.Error().Err(err).Uint("room_id", rh.roomID).Str("event", event).Msg("encode presence")
		return nil
	}
	return b
}

// fanout 向房间内所有客户端投递，发送缓冲已满的客户端会被踢出。
func (rh *RoomHub) fanout(msg []byte) {
	if msg == nil {
		return
	}
	for c := range rh.clients {
		if !c.enqueue(msg) {
			c.closeSend()
			delete(rh.clients, c)
			rh.syncOnline()
		}
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
