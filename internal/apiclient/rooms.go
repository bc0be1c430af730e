package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"roomlink/internal/protocol"
)

type Room struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Path: "/rooms"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Rooms []Room `json:"rooms"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rooms",
		Body:   map[string]string{"name": name},
	})
	if err != nil {
		return Room{}, err
	}
	var out struct {
		Room Room `json:"room"`
	}
	if err := resp.Decode(&out); err != nil {
		return Room{}, err
	}
	return out.Room, nil
}

// RoomMessages 按时间升序返回房间消息；beforeID 为 0 时取最新一页。
func (c *Client) RoomMessages(ctx context.Context, roomID uint, limit int, beforeID uint) ([]protocol.ChatMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatUint(uint64(beforeID), 10))
	}
	resp, err := c.Send(ctx, Request{
		Method: http.MethodGet,
		Path:   "/rooms/" + strconv.FormatUint(uint64(roomID), 10) + "/messages",
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
