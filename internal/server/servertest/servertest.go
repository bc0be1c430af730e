// Package servertest 在内存 SQLite 上启动完整的后端，供客户端包做端到端测试。
package servertest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"roomlink/internal/config"
	"roomlink/internal/db"
	"roomlink/internal/server"
	"roomlink/internal/ws"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const JWTSecret = "test-secret"

type Server struct {
	*httptest.Server
	Config config.Config
	DB     *gorm.DB
	Hub    *ws.Hub
}

// Start 启动后端，测试结束时自动关闭。
func Start(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Connect("sqlite:file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{
		JWTSecret:             JWTSecret,
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
	}
	hub := ws.NewHub()
	srv := httptest.NewServer(server.SetupRouter(cfg, gdb, hub))
	t.Cleanup(srv.Close)
	return &Server{Server: srv, Config: cfg, DB: gdb, Hub: hub}
}

// APIBase 返回 REST 接口前缀。
func (s *Server) APIBase() string { return s.URL + "/api/v1" }

// WSURL 返回 websocket 端点。
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" }
