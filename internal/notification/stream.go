package notification

import (
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/clubhub/pkg/middleware"
	"github.com/nao1215/clubhub/pkg/session"
)

const (
	// defaultPingInterval はクライアントにpingを送る間隔。
	defaultPingInterval = 30 * time.Second
	// writeTimeout は1回の書き込みのタイムアウト。
	writeTimeout = 10 * time.Second
	// maxClientMessageSize はクライアントから受け付けるメッセージの最大サイズ。
	maxClientMessageSize = 512
)

// streamMessage はストリームで送信する通知。
type streamMessage struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func toStreamMessage(n Notification) streamMessage {
	return streamMessage{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
}

// newUpgrader はWebSocketのUpgraderを生成する。
// Originヘッダーの無いリクエスト（ブラウザ以外のクライアント）は常に許可する。
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		},
	}
}

func originAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	// 同一オリジン
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleStream はトピックの通知をWebSocketで配信するハンドラを返す。
// トピックは接続したユーザー自身のものでなければならない。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		topic := c.Query("topic")
		if topic == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topicパラメータは必須です"})
			return
		}
		target, err := session.UserIDFromTopic(topic)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if target != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "このトピックを購読する権限がありません"})
			return
		}

		messages, cancel := s.hub.Subscribe(userID)
		defer cancel()

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeがエラーレスポンスを書き込み済み
			log.Printf("[Stream] WebSocketへのアップグレードに失敗 (user=%s): %v", userID, err)
			return
		}

		log.Printf("[Stream] トピック %s の配信を開始しました", topic)
		s.serveStream(conn, messages)
		log.Printf("[Stream] トピック %s の配信を終了しました", topic)
	}
}

// serveStream はクライアントが切断するまで通知とpingを書き込む。
func (s *Server) serveStream(conn *websocket.Conn, messages <-chan Notification) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		// 書き込みに失敗した場合は接続を閉じて読み込みも終わらせる
		defer conn.Close()

		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case n, ok := <-messages:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(writeTimeout))
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(toStreamMessage(n)); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// クライアントからのメッセージは読み捨てる。切断とpongの処理のために読み続ける
	conn.SetReadLimit(maxClientMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
}
