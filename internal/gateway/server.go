package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/config"
	"github.com/nao1215/clubhub/pkg/database"
	"github.com/nao1215/clubhub/pkg/event"
	"github.com/nao1215/clubhub/pkg/httpclient"
	"github.com/nao1215/clubhub/pkg/middleware"
	"github.com/nao1215/clubhub/pkg/session"
)

// 開発用トークンのデフォルトのメンバー。
const (
	devEmail       = "dev@localhost"
	devDisplayName = "開発ユーザー"
)

// proxyTimeout は内部サービスへの転送のタイムアウト。
const proxyTimeout = 30 * time.Second

// Server はAPI Gatewayサービスの HTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はサーバーのリッスンアドレス。
	addr string
	// store はメンバーのプロフィールを永続化する。
	store *Store
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
	// serviceURLs は内部サービスのURL。
	serviceURLs serviceURLConfig
	// events はProfileUpdatedイベントの追記に使用するEvent Storeクライアント。
	events *httpclient.Client
	// proxyClient は内部サービスへの転送に使用するHTTPクライアント。
	proxyClient *http.Client
}

// serviceURLConfig は内部サービスのURL設定。
type serviceURLConfig struct {
	Notification string
	EventStore   string
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg config.Config) (*Server, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := newServer(router, db, cfg.JWTSecret, serviceURLConfig{
		Notification: cfg.NotificationURL,
		EventStore:   cfg.EventStoreURL,
	})
	s.addr = cfg.Addr()
	s.setupRoutes()
	return s, nil
}

// newServer はルート設定前のServerを組み立てる。
func newServer(router *gin.Engine, db *sqlx.DB, jwtSecret string, urls serviceURLConfig) *Server {
	return &Server{
		router:      router,
		store:       NewStore(db),
		db:          db,
		jwtSecret:   jwtSecret,
		serviceURLs: urls,
		events:      httpclient.New(urls.EventStore),
		proxyClient: &http.Client{Timeout: proxyTimeout},
	}
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(s.addr)
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// メンバー情報
		api.GET("/me", s.handleGetCurrentMember())
		api.GET("/profile", s.handleGetProfile())
		api.PUT("/profile", s.handleUpdateProfile())

		// 通知（プロキシ）
		api.GET("/notifications", s.handleProxy(s.serviceURLs.Notification, "/api/v1/notifications"))
		api.GET("/notifications/unread", s.handleProxy(s.serviceURLs.Notification, "/api/v1/notifications/unread"))
		api.PUT("/notifications/read-all", s.handleProxy(s.serviceURLs.Notification, "/api/v1/notifications/read-all"))
		api.PUT("/notifications/:id/read", s.handleProxyWithParam(s.serviceURLs.Notification, "/api/v1/notifications/", "id", "/read"))

		// イベントログ
		api.GET("/events", s.handleProxy(s.serviceURLs.EventStore, "/api/v1/events"))
		api.GET("/events/head", s.handleProxy(s.serviceURLs.EventStore, "/api/v1/events/head"))
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
}

// devTokenRequest は開発用トークン発行のリクエストボディ。どちらも省略できる。
type devTokenRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// メールアドレスが一致するメンバーがいなければ作成する。本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		email := strings.TrimSpace(req.Email)
		if email == "" {
			email = devEmail
		}
		if !strings.Contains(email, "@") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メールアドレスの形式が不正です"})
			return
		}
		displayName := req.DisplayName
		if strings.TrimSpace(displayName) == "" {
			displayName = devDisplayName
		}

		member, created, err := s.store.FindOrCreate(c.Request.Context(), email, displayName)
		if errors.Is(err, ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メンバーの取得に失敗しました"})
			log.Printf("開発ユーザー取得エラー: %v", err)
			return
		}
		if created {
			log.Printf("[Gateway] 開発ユーザーを作成しました: id=%s, email=%s", member.ID, member.Email)
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, member.ID, member.Email, member.DisplayName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": member.ID,
		})
	}
}

// profileResponse はプロフィールのJSONレスポンス構造。
type profileResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	// Topic は通知ストリームの購読に使用するトピック名。
	Topic     string `json:"topic"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toProfileResponse(m Member) profileResponse {
	return profileResponse{
		ID:          m.ID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		Topic:       session.TopicFor(m.ID),
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   m.UpdatedAt.Format(time.RFC3339),
	}
}

// handleGetCurrentMember は認証済みメンバーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentMember() gin.HandlerFunc {
	return s.handleGetProfile()
}

// handleGetProfile は認証済みメンバーのプロフィールを返すハンドラを返す。
func (s *Server) handleGetProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		member, err := s.store.Get(c.Request.Context(), userID)
		if errors.Is(err, ErrMemberNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの取得に失敗しました"})
			log.Printf("プロフィール取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toProfileResponse(member))
	}
}

// updateProfileRequest はプロフィール更新のリクエストボディ。
type updateProfileRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	AvatarURL   string `json:"avatar_url"`
}

// handleUpdateProfile は認証済みメンバーのプロフィールを更新するハンドラを返す。
// 更新後にProfileUpdatedイベントをEvent Storeに追記する。
func (s *Server) handleUpdateProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req updateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		member, err := s.store.UpdateProfile(c.Request.Context(), userID, ProfileUpdate{
			DisplayName: req.DisplayName,
			AvatarURL:   req.AvatarURL,
		})
		switch {
		case errors.Is(err, ErrInvalidProfile):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, ErrMemberNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの更新に失敗しました"})
			log.Printf("プロフィール更新エラー: %v", err)
			return
		}

		if err := s.recordProfileUpdated(c.Request.Context(), member); err != nil {
			log.Printf("[Gateway] ProfileUpdatedイベントの送信に失敗 (id=%s): %v", member.ID, err)
		}

		c.JSON(http.StatusOK, toProfileResponse(member))
	}
}

// recordProfileUpdated はProfileUpdatedイベントをEvent Storeに追記する。
func (s *Server) recordProfileUpdated(ctx context.Context, m Member) error {
	e, err := event.New(m.ID, event.AggregateTypeMember, event.TypeProfileUpdated, 0, event.ProfileUpdatedData{
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
	})
	if err != nil {
		return err
	}
	if err := s.events.PostJSON(httpclient.WithUserID(ctx, m.ID), "/api/v1/events", e, nil); err != nil {
		return fmt.Errorf("Event Storeへの追記に失敗: %w", err)
	}
	return nil
}

// handleProxy は指定されたサービスにリクエストをプロキシするハンドラを返す。
func (s *Server) handleProxy(baseURL, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxyURL := baseURL + path
		if c.Request.URL.RawQuery != "" {
			proxyURL += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, c.Request.Method, proxyURL)
	}
}

// handleProxyWithParam はURLパラメータを含むプロキシハンドラを返す。
func (s *Server) handleProxyWithParam(baseURL, pathPrefix, paramName string, pathSuffix ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxyURL := baseURL + pathPrefix + c.Param(paramName) + strings.Join(pathSuffix, "")
		if c.Request.URL.RawQuery != "" {
			proxyURL += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, c.Request.Method, proxyURL)
	}
}

// doProxy はリクエストを内部サービスにプロキシする共通処理。
// JWTトークンとユーザーIDヘッダーを転送し、レスポンスをそのまま返す。
func (s *Server) doProxy(c *gin.Context, method, url string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}

	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Authorization", "Bearer "+middleware.GetToken(c))
	req.Header.Set("X-User-ID", middleware.GetUserID(c))

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシエラー: url=%s, error=%v", url, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
