package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer はJWTの発行者名。
const tokenIssuer = "clubhub-gateway"

// tokenTTL はJWTの有効期間。
const tokenTTL = 24 * time.Hour

// accessTokenQuery はヘッダーを付与できないWebSocketクライアント向けのクエリパラメータ名。
const accessTokenQuery = "access_token"

// コンテキストに格納するキー。
const (
	contextKeyUserID      = "user_id"
	contextKeyEmail       = "email"
	contextKeyDisplayName = "display_name"
	contextKeyToken       = "token"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みメンバーの一意識別子。
	UserID string `json:"user_id"`
	// Email はメンバーのメールアドレス。
	Email string `json:"email"`
	// DisplayName はトークン発行時点の表示名。
	DisplayName string `json:"display_name"`
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// GenerateJWT はメンバー情報からJWTトークンを生成する。
func GenerateJWT(secret, userID, email, displayName string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証してクレームを返す。
// HS256以外の署名方式は拒否する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("トークンが無効です")
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンはAuthorizationヘッダー、無い場合は access_token クエリから取得する。
// 検証に成功した場合、コンテキストに "user_id"、"email"、"display_name" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証トークンが必要です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyDisplayName, claims.DisplayName)
		c.Set(contextKeyToken, tokenString)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// extractToken はリクエストからトークン文字列を取り出す。
func extractToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token == "" {
			return "", false
		}
		return token, true
	}
	if token := c.Query(accessTokenQuery); token != "" {
		return token, true
	}
	return "", false
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetDisplayName はGinコンテキストからトークン発行時点の表示名を取得する。
func GetDisplayName(c *gin.Context) string {
	return c.GetString(contextKeyDisplayName)
}

// GetToken はGinコンテキストから検証済みのトークン文字列を取得する。
// 下流サービスへの転送に使用する。
func GetToken(c *gin.Context) string {
	return c.GetString(contextKeyToken)
}
