// Package wssource は通知サービスのWebSocketストリームを購読するイベントソース。
package wssource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/nao1215/clubhub/internal/feed"
	"github.com/nao1215/clubhub/pkg/session"
)

// streamPath は通知ストリームのパス。
const streamPath = "/api/v1/notifications/stream"

// pongWait はサーバーからのpingを待つ最大時間。サーバーは30秒ごとにpingを送る。
const pongWait = 75 * time.Second

// frame は通知ストリームで受信するメッセージ。
type frame struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Source は通知サービスのWebSocketストリームを購読する。
type Source struct {
	baseURL    string
	session    session.Session
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
}

// Option はSourceの設定を変更する関数。
type Option func(*Source)

// WithDialer はWebSocketの接続に使うDialerを設定する。
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Source) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithBackOff は再接続間隔を生成する関数を設定する。
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Source) {
		if fn != nil {
			s.newBackOff = fn
		}
	}
}

// New は新しいSourceを生成する。baseURLは通知サービスのURL (http/https)。
func New(baseURL string, sess session.Session, opts ...Option) *Source {
	s := &Source{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    sess,
		dialer:     websocket.DefaultDialer,
		newBackOff: feed.NewBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe はトピックのストリームに接続する。
// 最初の接続に失敗した場合はエラーを返す。接続後に切断された場合は再接続を続ける。
func (s *Source) Subscribe(ctx context.Context, topic string, handler feed.Handler) (feed.Subscription, error) {
	conn, err := s.dial(ctx, topic)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
	}
	go s.run(loopCtx, sub, topic, conn, handler)
	return sub, nil
}

// streamURL はトピックのストリームURLを組み立てる。
func (s *Source) streamURL(topic string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("通知サービスURLの解析に失敗: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("未対応のスキームです: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + streamPath
	u.RawQuery = url.Values{"topic": {topic}}.Encode()
	return u.String(), nil
}

// dial はストリームに接続する。
func (s *Source) dial(ctx context.Context, topic string) (*websocket.Conn, error) {
	endpoint, err := s.streamURL(topic)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.session.Token != "" {
		header.Set("Authorization", "Bearer "+s.session.Token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("ストリームへの接続に失敗: %w", err)
	}
	return conn, nil
}

// run は接続を読み続け、切断されたら再接続する。
// 再接続を諦めた場合はhandler.OnClosedで原因を知らせて終わる。
func (s *Source) run(ctx context.Context, sub *subscription, topic string, conn *websocket.Conn, handler feed.Handler) {
	defer close(sub.done)

	b := s.newBackOff()
	for {
		err := s.read(conn, handler)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		report(handler, fmt.Errorf("ストリームが切断されました: %w", err))

		var cause error
		conn, cause = s.redial(ctx, b, topic, handler)
		if conn == nil {
			if cause != nil {
				handler.Close(cause)
			}
			return
		}
		if !sub.swap(conn) {
			conn.Close()
			return
		}
		b.Reset()
		log.Printf("[WSSource] トピック %s に再接続しました", topic)
	}
}

// redial は接続できるまでバックオフしながら再接続する。
// 購読が解放された場合はnil, nilを返す。
// 再試行しても意味の無いエラーの場合、または再試行を諦めた場合はnilとその原因を返す。
func (s *Source) redial(ctx context.Context, b backoff.BackOff, topic string, handler feed.Handler) (*websocket.Conn, error) {
	for {
		if err := feed.WaitBackOff(ctx, b); err != nil {
			if errors.Is(err, feed.ErrGaveUp) {
				report(handler, err)
				return nil, err
			}
			return nil, nil
		}

		conn, err := s.dial(ctx, topic)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		report(handler, err)

		var dialErr *DialError
		if errors.As(err, &dialErr) && dialErr.Permanent() {
			return nil, err
		}
	}
}

// read は接続が切れるまでメッセージを読み、ハンドラに渡す。
func (s *Source) read(conn *websocket.Conn, handler feed.Handler) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.ID == "" {
			log.Printf("[WSSource] IDの無いメッセージを無視しました")
			continue
		}
		if handler.OnEvent != nil {
			handler.OnEvent(feed.Notification{
				ID:      f.ID,
				Title:   f.Title,
				Message: f.Message,
			})
		}
	}
}

func report(handler feed.Handler, err error) {
	if handler.OnError != nil {
		handler.OnError(err)
	}
}

// DialError はサーバーが接続を拒否したことを表す。
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("ストリームへの接続が拒否されました (status=%d): %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Permanent は再接続しても成功しない拒否かどうかを返す。
func (e *DialError) Permanent() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// subscription は確立済みの購読。
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// swap は再接続した接続を登録する。解放済みの場合はfalseを返す。
func (s *subscription) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

// Unsubscribe は接続を閉じ、読み込みのゴルーチンが終わるまで待つ。
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	<-s.done
}
