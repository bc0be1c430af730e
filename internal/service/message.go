package service

import (
	"roomlink/internal/models"
	"roomlink/internal/protocol"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// ListByRoom 分页查询指定房间的消息，按 id 升序返回。
func (s *MessageService) ListByRoom(roomID uint, limit int, beforeID uint) ([]protocol.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	users, err := s.resolveUsers(msgs)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatMessage(m, users[m.UserID]))
	}
	return out, nil
}

// Create 持久化一条消息并返回可广播的记录。
func (s *MessageService) Create(roomID uint, sender models.User, body string) (protocol.ChatMessage, error) {
	msg := models.Message{RoomID: roomID, UserID: sender.ID, Content: body}
	if err := s.db.Create(&msg).Error; err != nil {
		return protocol.ChatMessage{}, err
	}
	return toChatMessage(msg, sender), nil
}

func toChatMessage(m models.Message, u models.User) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.UserID,
		SenderCode:  u.UserCode,
		DisplayName: u.DisplayName,
		Body:        m.Content,
		SentAt:      m.CreatedAt,
	}
}

// resolveUsers 批量获取消息涉及的用户。
func (s *MessageService) resolveUsers(msgs []models.Message) (map[uint]models.User, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}

	users := make(map[uint]models.User, len(userIDs))
	if len(userIDs) > 0 {
		var found []models.User
		if err := s.db.Select("id", "user_code", "display_name").Where("id IN ?", userIDs).Find(&found).Error; err != nil {
			return nil, err
		}
		for _, u := range found {
			users[u.ID] = u
		}
	}
	return users, nil
}
