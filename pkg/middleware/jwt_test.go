package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newAuthRouter はJWTAuthを適用したテスト用ルーターを生成する。
// /me はコンテキストに設定された値をそのまま返す。
func newAuthRouter() *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSecret))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":      GetUserID(c),
			"display_name": GetDisplayName(c),
			"token":        GetToken(c),
		})
	})
	return router
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームが正しく設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now().Add(-time.Second)
		tokenStr, err := GenerateJWT(testSecret, "member-1", "a@example.com", "アキ")
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		if claims.UserID != "member-1" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "member-1")
		}
		if claims.Email != "a@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "a@example.com")
		}
		if claims.DisplayName != "アキ" {
			t.Errorf("DisplayName = %q, want %q", claims.DisplayName, "アキ")
		}
		if claims.Issuer != "clubhub-gateway" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "clubhub-gateway")
		}
		if claims.Subject != "member-1" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "member-1")
		}
		expiry := claims.ExpiresAt.Time
		if expiry.Before(before.Add(24*time.Hour)) || expiry.After(time.Now().Add(24*time.Hour+time.Second)) {
			t.Errorf("ExpiresAt = %v, 24時間後ではない", expiry)
		}
	})

	t.Run("異なるシークレットでは検証に失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "member-1", "", "")
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := ParseJWT("other-secret", tokenStr); err == nil {
			t.Error("異なるシークレットで検証が成功してしまった")
		}
	})

	t.Run("HS256以外の署名方式は拒否されること", func(t *testing.T) {
		t.Parallel()

		token := jwt.NewWithClaims(jwt.SigningMethodHS512, JWTClaims{UserID: "member-1"})
		tokenStr, err := token.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, err := ParseJWT(testSecret, tokenStr); err == nil {
			t.Error("HS512のトークンが受理されてしまった")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	validToken, err := GenerateJWT(testSecret, "member-1", "a@example.com", "アキ")
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	t.Run("Authorizationヘッダーのトークンでコンテキストが設定されること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+validToken)
		w := httptest.NewRecorder()
		newAuthRouter().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["user_id"] != "member-1" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "member-1")
		}
		if body["display_name"] != "アキ" {
			t.Errorf("display_name = %q, want %q", body["display_name"], "アキ")
		}
		if body["token"] != validToken {
			t.Error("token がコンテキストに設定されていない")
		}
		if got := w.Header().Get("X-User-ID"); got != "member-1" {
			t.Errorf("X-User-ID = %q, want %q", got, "member-1")
		}
	})

	t.Run("access_tokenクエリのトークンでも認証されること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/me?access_token="+validToken, nil)
		w := httptest.NewRecorder()
		newAuthRouter().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		UserID: "member-1",
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("期限切れトークンの署名に失敗: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{name: "トークンが無い場合401が返ること", header: ""},
		{name: "Bearer接頭辞が無い場合401が返ること", header: validToken},
		{name: "空のBearerトークンで401が返ること", header: "Bearer "},
		{name: "不正なトークンで401が返ること", header: "Bearer invalid.token.value"},
		{name: "期限切れトークンで401が返ること", header: "Bearer " + expiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

// TestGetUserID はコンテキストからの取得を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合は空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})

	t.Run("文字列以外の値は空文字列として扱われること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set("user_id", 123)
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})
}
