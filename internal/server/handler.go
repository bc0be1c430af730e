package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"roomlink/internal/auth"
	"roomlink/internal/config"
	"roomlink/internal/protocol"
	"roomlink/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg     config.Config
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(cfg config.Config, userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{cfg: cfg, userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc}
}

func abortCode(c *gin.Context, status int, code string) {
	c.JSON(status, protocol.ErrorBody{Error: code})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if len(req.DisplayName) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid display name"})
		return
	}
	user, err := h.userSvc.Register(req.Username, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// SignIn 处理登录请求：access token 走响应体，refresh token 只写入 HTTP-only cookie。
func (h *Handler) SignIn(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.SignIn(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("signin")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	auth.SetRefreshCookie(c, result.RefreshToken, h.userSvc.RefreshTTL(), h.cfg.CookieSecure)
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "user": result.User})
}

// Refresh 使用 cookie 中的 refresh token 换取新的 access token，并旋转 cookie。
func (h *Handler) Refresh(c *gin.Context) {
	rt, err := c.Cookie(auth.RefreshCookieName)
	if err != nil || rt == "" {
		abortCode(c, http.StatusUnauthorized, protocol.CodeInvalidRefreshToken)
		return
	}
	result, err := h.userSvc.Refresh(rt)
	if err != nil {
		auth.ClearRefreshCookie(c, h.cfg.CookieSecure)
		switch {
		case errors.Is(err, auth.ErrRefreshExpired):
			abortCode(c, http.StatusUnauthorized, protocol.CodeRefreshTokenExpired)
		case errors.Is(err, auth.ErrRefreshInvalid):
			abortCode(c, http.StatusUnauthorized, protocol.CodeInvalidRefreshToken)
		default:
			log.Error().Err(err).Msg("refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		}
		return
	}
	auth.SetRefreshCookie(c, result.RefreshToken, h.userSvc.RefreshTTL(), h.cfg.CookieSecure)
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken})
}

// SetCookies 处理 OAuth 回调：客户端把回调带回的 token 对交给服务端写入 cookie。
func (h *Handler) SetCookies(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" || req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.userSvc.AcceptRefreshToken(req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrRefreshExpired) {
			abortCode(c, http.StatusUnauthorized, protocol.CodeRefreshTokenExpired)
			return
		}
		abortCode(c, http.StatusUnauthorized, protocol.CodeInvalidRefreshToken)
		return
	}
	auth.SetRefreshCookie(c, req.RefreshToken, h.userSvc.RefreshTTL(), h.cfg.CookieSecure)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Logout 吊销 cookie 中的 refresh token 并清除 cookie。
func (h *Handler) Logout(c *gin.Context) {
	rt, _ := c.Cookie(auth.RefreshCookieName)
	if err := h.userSvc.Logout(rt); err != nil {
		log.Warn().Err(err).Msg("logout revoke")
	}
	auth.ClearRefreshCookie(c, h.cfg.CookieSecure)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	user, err := h.userSvc.Get(auth.GetUserID(c))
	if err != nil {
		abortCode(c, http.StatusUnauthorized, protocol.CodeInvalidToken)
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(req.Name, auth.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrRoomNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "room name taken"})
			return
		}
		log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, err := strconv.Atoi(c.Param("id"))
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	if _, err := h.roomSvc.Get(uint(roomID)); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Error().Err(err).Int("room_id", roomID).Msg("get room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	limitStr := c.Query("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, _ := strconv.Atoi(limitStr)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListByRoom(uint(roomID), limit, beforeID)
	if err != nil {
		log.Error().Err(err).Int("room_id", roomID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
