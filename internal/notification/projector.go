package notification

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/clubhub/pkg/event"
	"github.com/nao1215/clubhub/pkg/httpclient"
)

const (
	// projectorName はprojector_stateテーブルでの名前。
	projectorName = "notification"
	// projectorPageSize は1回のリクエストで取得するイベント数。
	projectorPageSize = 100
)

// Projector はEvent Storeのイベントをポーリングし、メンバー宛ての通知を生成するバックグラウンドプロセス。
// 処理済みの位置をデータベースに保存するため、再起動後は続きから処理する。
type Projector struct {
	// store は処理済み位置の永続化に使用する。
	store *Store
	// notifier は生成した通知を保存して配信する。
	notifier *Notifier
	// client はEvent Storeとの通信用HTTPクライアント。
	client *httpclient.Client
	// interval はポーリング間隔。
	interval time.Duration

	// mu はcancelとdoneを保護する。
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProjector は新しいProjectorを生成する。
// eventstoreURL はEvent StoreのベースURL（例: "http://localhost:8084"）。
func NewProjector(store *Store, notifier *Notifier, eventstoreURL string, interval time.Duration) *Projector {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Projector{
		store:    store,
		notifier: notifier,
		client:   httpclient.New(eventstoreURL),
		interval: interval,
	}
}

// Start はバックグラウンドでEvent Storeのポーリングを開始する。既に開始している場合は何もしない。
func (p *Projector) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done

	go func() {
		defer close(done)
		log.Println("[Projector] Event Storeのポーリングを開始します")
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[Projector] ポーリングを停止しました")
				return
			case <-ticker.C:
				if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[Projector] ポーリングエラー: %v", err)
				}
			}
		}
	}()
}

// Stop はバックグラウンドのポーリングを停止し、終了を待つ。
func (p *Projector) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll は処理済み位置以降のイベントをすべて取得して通知に変換し、生成した通知の件数を返す。
// 通知の保存に失敗した場合はそのイベントの手前で止め、次回のポーリングで再処理する。
func (p *Projector) Poll(ctx context.Context) (int, error) {
	cursor, err := p.store.Cursor(ctx, projectorName)
	if err != nil {
		return 0, err
	}

	created := 0
	for {
		query := url.Values{
			"after": {strconv.FormatInt(cursor, 10)},
			"limit": {strconv.Itoa(projectorPageSize)},
		}
		var events []event.Event
		if err := p.client.GetJSON(ctx, "/api/v1/events?"+query.Encode(), &events); err != nil {
			return created, fmt.Errorf("Event Storeからのイベント取得に失敗: %w", err)
		}

		for i := range events {
			n, err := p.processEvent(ctx, &events[i])
			if err != nil {
				return created, fmt.Errorf("イベント処理に失敗 (id=%s, type=%s): %w", events[i].ID, events[i].EventType, err)
			}
			created += n

			cursor = events[i].Position
			if err := p.store.SaveCursor(ctx, projectorName, cursor); err != nil {
				return created, err
			}
		}

		if len(events) < projectorPageSize {
			break
		}
	}

	if created > 0 {
		log.Printf("[Projector] %d件の通知を生成しました", created)
	}
	return created, nil
}

// processEvent は1つのイベントから通知を生成する。
// データが壊れているイベントはログに記録して読み飛ばす。
func (p *Projector) processEvent(ctx context.Context, e *event.Event) (int, error) {
	drafts, err := draftsFor(e)
	if err != nil {
		log.Printf("[Projector] イベントをスキップしました (id=%s, type=%s): %v", e.ID, e.EventType, err)
		return 0, nil
	}

	created := 0
	for _, d := range drafts {
		_, ok, err := p.notifier.Notify(ctx, d)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}
