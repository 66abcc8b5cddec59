package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/config"
	"github.com/nao1215/clubhub/pkg/database"
	"github.com/nao1215/clubhub/pkg/event"
	"github.com/nao1215/clubhub/pkg/middleware"
)

// Server はイベントストアサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はサーバーのリッスンアドレス。
	addr string
	// store はイベントの永続化を担当する。
	store *Store
	// db はデータベース接続。Close時に使用する。
	db *sqlx.DB
}

// NewServer は新しいイベントストアサーバーを生成する。
// データベースを開き、マイグレーションを適用する。
func NewServer(cfg config.Config) (*Server, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := newServer(router, db)
	s.addr = cfg.Addr()
	return s, nil
}

// newServer はルーターとデータベースからServerを組み立てる。
func newServer(router *gin.Engine, db *sqlx.DB) *Server {
	s := &Server{
		router: router,
		store:  NewStore(db),
		db:     db,
	}
	s.setupRoutes()
	return s
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(s.addr)
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		events := api.Group("/events")
		{
			// イベントの追記
			events.POST("", s.handleAppendEvent())
			// position以降のイベント取得（クエリパラメータ: after, type, limit）
			events.GET("", s.handleListEvents())
			// 末尾positionの取得
			events.GET("/head", s.handleGetHead())
			// AggregateIDによるイベント取得
			events.GET("/aggregate/:aggregate_id", s.handleGetEventsByAggregateID())
			// AggregateIDの最新バージョン取得
			events.GET("/aggregate/:aggregate_id/version", s.handleGetLatestVersion())
			// イベントタイプによるイベント取得
			events.GET("/type/:event_type", s.handleGetEventsByType())
			// 日時指定によるイベント取得（クエリパラメータ: since）
			events.GET("/since", s.handleGetEventsSince())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eventstore"})
	})
}

// appendEventRequest はイベント追記リクエストのボディ。
type appendEventRequest struct {
	// ID はイベントID。省略時はサーバーが採番する。
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	AggregateType string          `json:"aggregate_type" binding:"required"`
	EventType     string          `json:"event_type" binding:"required"`
	Data          json.RawMessage `json:"data" binding:"required"`
	// Version は期待するバージョン。0の場合は自動で採番する。
	Version int64 `json:"version"`
}

// handleAppendEvent はイベントの追記を処理するハンドラを返す。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		if req.Version < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "versionは0以上である必要があります"})
			return
		}
		if !json.Valid(req.Data) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dataがJSONではありません"})
			return
		}

		appended, err := s.store.Append(c.Request.Context(), event.Event{
			ID:            req.ID,
			AggregateID:   req.AggregateID,
			AggregateType: event.AggregateType(req.AggregateType),
			EventType:     event.Type(req.EventType),
			Data:          req.Data,
			Version:       req.Version,
		})
		switch {
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDuplicateID):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Printf("[EventStore] イベントの追記に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの追記に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, appended)
	}
}

// handleListEvents はposition以降のイベント取得を処理するハンドラを返す。
func (s *Server) handleListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			Type:  event.Type(c.Query("type")),
			Limit: DefaultListLimit,
		}

		if v := c.Query("after"); v != "" {
			after, err := strconv.ParseInt(v, 10, 64)
			if err != nil || after < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "afterは0以上の整数で指定してください"})
				return
			}
			filter.After = after
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 || limit > MaxListLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limitは1から%dの整数で指定してください", MaxListLimit)})
				return
			}
			filter.Limit = limit
		}

		events, err := s.store.List(c.Request.Context(), filter)
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleGetHead は末尾positionの取得を処理するハンドラを返す。
func (s *Server) handleGetHead() gin.HandlerFunc {
	return func(c *gin.Context) {
		head, err := s.store.Head(c.Request.Context())
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"position": head})
	}
}

// handleGetEventsByAggregateID はAggregateIDによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByAggregateID() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := s.store.ByAggregate(c.Request.Context(), c.Param("aggregate_id"))
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleGetEventsByType はイベントタイプによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByType() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := s.store.ByType(c.Request.Context(), event.Type(c.Param("event_type")))
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleGetEventsSince は日時指定によるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsSince() gin.HandlerFunc {
	return func(c *gin.Context) {
		sinceStr := c.Query("since")
		if sinceStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceパラメータは必須です"})
			return
		}
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceはRFC3339形式で指定してください"})
			return
		}

		events, err := s.store.Since(c.Request.Context(), since)
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleGetLatestVersion はAggregateIDの最新バージョン取得を処理するハンドラを返す。
func (s *Server) handleGetLatestVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		aggregateID := c.Param("aggregate_id")
		latest, err := s.store.LatestVersion(c.Request.Context(), aggregateID)
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "latest_version": latest})
	}
}

// internalError は内部エラーをログに記録して500を返す。
func (s *Server) internalError(c *gin.Context, err error) {
	log.Printf("[EventStore] %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "内部エラーが発生しました"})
}
