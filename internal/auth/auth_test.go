package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"roomlink/internal/db"
	"roomlink/internal/models"
	"roomlink/internal/protocol"

	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite:file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid password", "password123", false},
		{"empty password", "", false},
		{"long password", "a" + string(make([]byte, 70)), false}, // bcrypt max is 72 bytes
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	userID := uint(42)

	token, err := GenerateAccessToken(userID, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID uint
		wantErr bool
	}{
		{"valid token", token, secret, userID, false},
		{"wrong secret", token, "wrong-secret", 0, true},
		{"invalid token", "invalid.token.here", secret, 0, true},
		{"empty token", "", secret, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && claims.UserID != tt.wantUID {
				t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
			}
		})
	}
}

func TestTokenErrorCode(t *testing.T) {
	secret := "test-secret"
	expired, err := GenerateAccessToken(1, secret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	valid, err := GenerateAccessToken(1, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret string
		want   string
	}{
		{"expired token", expired, secret, protocol.CodeAccessTokenExpired},
		{"wrong secret", valid, "other", protocol.CodeInvalidToken},
		{"garbage", "not-a-jwt", secret, protocol.CodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccessToken(tt.token, tt.secret)
			if err == nil {
				t.Fatal("ParseAccessToken() error = nil, want error")
			}
			if got := TokenErrorCode(err); got != tt.want {
				t.Errorf("TokenErrorCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token1, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	token2, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	if token1 == token2 {
		t.Error("GenerateRefreshToken() should generate unique tokens")
	}
	// hex encoded 32 bytes = 64 chars
	if len(token1) != 64 {
		t.Errorf("GenerateRefreshToken() token length = %d, want 64", len(token1))
	}
	if HashToken(token1) == token1 {
		t.Error("HashToken() returned the plain token")
	}
	if HashToken(token1) != HashToken(token1) {
		t.Error("HashToken() is not deterministic")
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	gdb := openTestDB(t)

	live, _ := GenerateRefreshToken()
	stale, _ := GenerateRefreshToken()
	if err := SaveRefreshToken(gdb, 7, live, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := SaveRefreshToken(gdb, 7, stale, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	var stored models.RefreshToken
	if err := gdb.Where("user_id = ?", 7).First(&stored).Error; err != nil {
		t.Fatalf("query refresh token: %v", err)
	}
	if stored.TokenHash == live || stored.TokenHash == stale {
		t.Error("refresh token stored in plain text")
	}

	rec, err := LookupRefreshToken(gdb, live)
	if err != nil {
		t.Fatalf("LookupRefreshToken(live) error = %v", err)
	}
	if rec.UserID != 7 {
		t.Errorf("LookupRefreshToken() UserID = %d, want 7", rec.UserID)
	}

	if _, err := LookupRefreshToken(gdb, stale); !errors.Is(err, ErrRefreshExpired) {
		t.Errorf("LookupRefreshToken(stale) error = %v, want ErrRefreshExpired", err)
	}
	if _, err := LookupRefreshToken(gdb, "unknown"); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("LookupRefreshToken(unknown) error = %v, want ErrRefreshInvalid", err)
	}

	if err := RevokeRefreshToken(gdb, live); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if _, err := LookupRefreshToken(gdb, live); !errors.Is(err, ErrRefreshExpired) {
		t.Errorf("LookupRefreshToken(revoked) error = %v, want ErrRefreshExpired", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		target     string
		allowQuery bool
		want       string
	}{
		{"bearer header", "Bearer abc", "/", false, "abc"},
		{"lowercase scheme", "bearer abc", "/", false, "abc"},
		{"no header", "", "/?token=q", false, ""},
		{"query allowed", "", "/?token=q", true, "q"},
		{"header wins over query", "Bearer h", "/?token=q", true, "h"},
		{"basic scheme", "Basic abc", "/", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(r, tt.allowQuery); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
