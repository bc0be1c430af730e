package service

import (
	"errors"
	"strings"
	"time"

	"roomlink/internal/auth"
	"roomlink/internal/config"
	"roomlink/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserService 封装用户与凭证相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// UserDTO 是对外输出的用户摘要。
type UserDTO struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	UserCode    string `json:"user_code"`
	DisplayName string `json:"display_name"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, UserCode: u.UserCode, DisplayName: u.DisplayName}
}

// Register 注册新用户，displayName 为空时使用用户名。
func (s *UserService) Register(username, password, displayName string) (*UserDTO, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}
	user := models.User{
		Username:     username,
		UserCode:     newUserCode(),
		DisplayName:  displayName,
		PasswordHash: hash,
	}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	dto := toUserDTO(user)
	return &dto, nil
}

func newUserCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SignInResult 登录或刷新成功后返回的数据，RefreshToken 只通过 cookie 下发。
type SignInResult struct {
	AccessToken  string
	RefreshToken string
	User         UserDTO
}

// SignIn 校验用户名密码并签发 token 对。
func (s *UserService) SignIn(username, password string) (*SignInResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(s.db, user)
}

func (s *UserService) issue(tx *gorm.DB, user models.User) (*SignInResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := auth.SaveRefreshToken(tx, user.ID, rt, time.Now().Add(s.RefreshTTL())); err != nil {
		return nil, err
	}
	return &SignInResult{AccessToken: at, RefreshToken: rt, User: toUserDTO(user)}, nil
}

// RefreshTTL 是 refresh token 与其 cookie 的有效期。
func (s *UserService) RefreshTTL() time.Duration {
	return time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour
}

// Refresh 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) Refresh(oldRT string) (*SignInResult, error) {
	var result *SignInResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.LookupRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		var user models.User
		if err := tx.First(&user, rec.UserID).Error; err != nil {
			return auth.ErrRefreshInvalid
		}
		result, err = s.issue(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AcceptRefreshToken 校验 OAuth 回调带回的 refresh token 仍然有效。
func (s *UserService) AcceptRefreshToken(rt string) error {
	_, err := auth.LookupRefreshToken(s.db, rt)
	return err
}

// Logout 吊销 refresh token，未知 token 视为已登出。
func (s *UserService) Logout(rt string) error {
	if rt == "" {
		return nil
	}
	return auth.RevokeRefreshToken(s.db, rt)
}

// Authenticate 解析 access token 并加载用户，供 websocket 握手使用。
func (s *UserService) Authenticate(token string) (models.User, error) {
	claims, err := auth.ParseAccessToken(token, s.cfg.JWTSecret)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	if err := s.db.First(&user, claims.UserID).Error; err != nil {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *UserService) Get(userID uint) (*UserDTO, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return nil, ErrUserNotFound
	}
	dto := toUserDTO(user)
	return &dto, nil
}
