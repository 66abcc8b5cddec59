// Package pollsource はEvent StoreのNotificationSentイベントをポーリングするイベントソース。
// WebSocketが使えない環境で通知フィードを動かすために使用する。
package pollsource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nao1215/clubhub/internal/feed"
	"github.com/nao1215/clubhub/pkg/event"
	"github.com/nao1215/clubhub/pkg/httpclient"
	"github.com/nao1215/clubhub/pkg/session"
)

const (
	// DefaultInterval はデフォルトのポーリング間隔。
	DefaultInterval = 2 * time.Second
	// pageSize は1回のリクエストで取得するイベント数。
	pageSize = 100
)

// Source はEvent Storeをポーリングしてセッションのユーザー宛ての通知を配信する。
type Source struct {
	// client はEvent Storeとの通信用HTTPクライアント。
	client *httpclient.Client
	// interval はポーリング間隔。
	interval time.Duration
	// newBackOff はエラー時の待ち時間を生成する。
	newBackOff func() backoff.BackOff
}

// Option はSourceの設定を変更する関数。
type Option func(*Source)

// WithInterval はポーリング間隔を設定する。0以下の値は無視する。
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBackOff はエラー時の待ち時間を生成する関数を設定する。
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Source) {
		if fn != nil {
			s.newBackOff = fn
		}
	}
}

// New は新しいSourceを生成する。
// eventStoreURL はEvent StoreのベースURL（例: "http://localhost:8084"）。
func New(eventStoreURL string, sess session.Session, opts ...Option) *Source {
	s := &Source{
		client:     httpclient.New(eventStoreURL, httpclient.WithBearerToken(sess.Token)),
		interval:   DefaultInterval,
		newBackOff: feed.NewBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// headResponse は /api/v1/events/head のレスポンス。
type headResponse struct {
	Position int64 `json:"position"`
}

// Subscribe は現在の末尾位置を取得し、それ以降に送信された通知のポーリングを開始する。
// 末尾位置を取得できない場合はエラーを返す。
func (s *Source) Subscribe(ctx context.Context, topic string, handler feed.Handler) (feed.Subscription, error) {
	userID, err := session.UserIDFromTopic(topic)
	if err != nil {
		return nil, fmt.Errorf("トピック %q: %w", topic, err)
	}

	var head headResponse
	if err := s.client.GetJSON(ctx, "/api/v1/events/head", &head); err != nil {
		return nil, fmt.Errorf("Event Storeの末尾位置の取得に失敗: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &poller{
		source:  s,
		userID:  userID,
		cursor:  head.Position,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.run(loopCtx)
	return p, nil
}

// poller は1つの購読のポーリング状態。
type poller struct {
	source  *Source
	userID  string
	handler feed.Handler

	// cursor は処理済みのイベント位置。ポーリングのゴルーチンだけが更新する。
	cursor int64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// run はUnsubscribeされるまでポーリングを続ける。
// 再試行を諦めた場合はhandler.OnClosedで原因を知らせて終わる。
func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.source.interval)
	defer ticker.Stop()

	b := p.source.newBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.poll(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		p.report(err)
		if err := feed.WaitBackOff(ctx, b); err != nil {
			if errors.Is(err, feed.ErrGaveUp) {
				p.report(err)
				p.handler.Close(err)
			}
			return
		}
	}
}

// poll はカーソル以降のNotificationSentイベントをすべて取得して配信する。
func (p *poller) poll(ctx context.Context) error {
	for {
		query := url.Values{
			"type":  {string(event.TypeNotificationSent)},
			"after": {strconv.FormatInt(p.cursor, 10)},
			"limit": {strconv.Itoa(pageSize)},
		}

		var events []event.Event
		if err := p.source.client.GetJSON(ctx, "/api/v1/events?"+query.Encode(), &events); err != nil {
			return fmt.Errorf("Event Storeからのイベント取得に失敗: %w", err)
		}

		for i := range events {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.deliver(&events[i])
			if events[i].Position > p.cursor {
				p.cursor = events[i].Position
			}
		}

		if len(events) < pageSize {
			return nil
		}
	}
}

// deliver はセッションのユーザー宛ての通知だけをハンドラに渡す。
func (p *poller) deliver(e *event.Event) {
	data, err := event.DecodeAs[event.NotificationSentData](e, event.TypeNotificationSent)
	if err != nil {
		log.Printf("[PollSource] イベントをスキップしました (id=%s): %v", e.ID, err)
		return
	}
	if data.UserID != p.userID {
		return
	}

	id := data.NotificationID
	if id == "" {
		id = e.ID
	}
	if p.handler.OnEvent != nil {
		p.handler.OnEvent(feed.Notification{
			ID:      id,
			Title:   data.Title,
			Message: data.Message,
		})
	}
}

func (p *poller) report(err error) {
	if p.handler.OnError != nil {
		p.handler.OnError(err)
	}
}

// Unsubscribe はポーリングを止め、ゴルーチンが終わるまで待つ。
func (p *poller) Unsubscribe() {
	p.once.Do(p.cancel)
	<-p.done
}
