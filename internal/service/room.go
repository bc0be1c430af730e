package service

import (
	"errors"

	"roomlink/internal/models"

	"gorm.io/gorm"
)

// OnlineCounter 报告房间当前在线人数，由 ws.Hub 实现。
type OnlineCounter interface {
	Online(roomID uint) int
}

type RoomService struct {
	db     *gorm.DB
	online OnlineCounter
}

func NewRoomService(db *gorm.DB, online OnlineCounter) *RoomService {
	return &RoomService{db: db, online: online}
}

type RoomDTO struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	OwnerID uint   `json:"owner_id"`
	Online  int    `json:"online"`
}

func (s *RoomService) toDTO(r models.Room) RoomDTO {
	dto := RoomDTO{ID: r.ID, Name: r.Name, OwnerID: r.OwnerID}
	if s.online != nil {
		dto.Online = s.online.Online(r.ID)
	}
	return dto
}

// Create 创建房间，名称重复返回 ErrRoomNameTaken。
func (s *RoomService) Create(name string, ownerID uint) (*RoomDTO, error) {
	var count int64
	if err := s.db.Model(&models.Room{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrRoomNameTaken
	}
	room := models.Room{Name: name, OwnerID: ownerID}
	if err := s.db.Create(&room).Error; err != nil {
		return nil, err
	}
	dto := s.toDTO(room)
	return &dto, nil
}

// List 按创建倒序返回房间，附带在线人数。
func (s *RoomService) List(limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, s.toDTO(r))
	}
	return out, nil
}

func (s *RoomService) Get(roomID uint) (*RoomDTO, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	dto := s.toDTO(room)
	return &dto, nil
}
