package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Notification は表示中リストの1エントリ。
type Notification struct {
	// ID はイベントソースが採番した識別子。
	ID string `json:"id"`
	// Title は通知の見出し。空の場合もある。
	Title string `json:"title,omitempty"`
	// Message は表示する本文。
	Message string `json:"message"`
	// ReceivedAt はコントローラに到着した時刻。
	ReceivedAt time.Time `json:"received_at"`
}

// Handler はイベントソースからの配信を受け取るコールバックの組。
type Handler struct {
	// OnEvent は通知が届くたびに到着順で呼ばれる。
	OnEvent func(Notification)
	// OnError は購読確立後に発生したエラーを受け取る。nilでもよい。
	OnError func(error)
	// OnClosed はイベントソースが自ら配信を終えたときに原因とともに1回だけ呼ばれる。
	// Unsubscribeによる解放では呼ばれない。nilでもよい。
	OnClosed func(error)
}

// Close はOnClosedが設定されていれば原因を渡して呼び出す。
func (h Handler) Close(cause error) {
	if h.OnClosed != nil {
		h.OnClosed(cause)
	}
}

// Source は通知を配信する外部のイベントソース。
type Source interface {
	// Subscribe はtopicを購読し、配信をhandlerへ渡す。
	// 購読を確立できなかった場合はエラーを返す。
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
}

// Subscription は確立済みの購読。
type Subscription interface {
	// Unsubscribe は購読を解放する。戻った後にハンドラが呼ばれることはない。
	// ハンドラを呼び出しているゴルーチンの終了を待つため、ハンドラの中から呼んではならない。
	Unsubscribe()
}

// ErrStopped は停止済みのコントローラを再開しようとした場合のエラー。
var ErrStopped = errors.New("通知フィードは停止済みです")

// ErrSourceClosed はイベントソースが配信を終えたためにコントローラが停止したことを表す。
var ErrSourceClosed = errors.New("イベントソースが配信を終了しました")

// SubscriptionError はイベントソースの購読を確立できなかったことを表す。
type SubscriptionError struct {
	// Topic は購読しようとしたトピック。
	Topic string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("トピック %s の購読に失敗: %v", e.Topic, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
