package server

import (
	"net/http"
	"time"

	"roomlink/internal/auth"
	"roomlink/internal/config"
	"roomlink/internal/metrics"
	"roomlink/internal/models"
	"roomlink/internal/mw"
	"roomlink/internal/protocol"
	"roomlink/internal/service"
	"roomlink/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub) *gin.Engine {
	userSvc := service.NewUserService(db, cfg)
	roomSvc := service.NewRoomService(db, hub)
	msgSvc := service.NewMessageService(db)
	h := NewHandler(cfg, userSvc, roomSvc, msgSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute), mw.PerRoute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	// 凭证相关接口按 IP 共享一份更严格的额度。
	creds := api.Group("/auth", mw.RateLimit(mw.NewLimiter(rate.Every(time.Second/2), 30, 10*time.Minute), mw.PerClient))
	creds.POST("/register", h.Register)
	creds.POST("/signin", h.SignIn)
	creds.POST("/refresh", h.Refresh)
	creds.POST("/set-cookies", h.SetCookies)
	creds.POST("/logout", h.Logout)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/users/me", h.Me)
	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:id/messages", h.ListMessages)

	r.GET("/ws", ws.Serve(hub, &chatStore{users: userSvc, rooms: roomSvc, msgs: msgSvc}))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// chatStore 把 service 层适配为 ws.Store。
type chatStore struct {
	users *service.UserService
	rooms *service.RoomService
	msgs  *service.MessageService
}

func (s *chatStore) Authenticate(token string) (models.User, error) {
	return s.users.Authenticate(token)
}

func (s *chatStore) RoomExists(roomID uint) bool {
	_, err := s.rooms.Get(roomID)
	return err == nil
}

func (s *chatStore) History(roomID uint, limit int) ([]protocol.ChatMessage, error) {
	return s.msgs.ListByRoom(roomID, limit, 0)
}

func (s *chatStore) SaveMessage(roomID uint, sender models.User, body string) (protocol.ChatMessage, error) {
	return s.msgs.Create(roomID, sender, body)
}
