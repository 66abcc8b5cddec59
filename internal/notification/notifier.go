package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/nao1215/clubhub/pkg/event"
	"github.com/nao1215/clubhub/pkg/httpclient"
)

// Notifier は通知の保存、購読者への配信、NotificationSentイベントの追記をまとめて行う。
type Notifier struct {
	store  *Store
	hub    *Hub
	events *httpclient.Client
}

// NewNotifier は新しいNotifierを生成する。eventsがnilの場合はイベントを追記しない。
func NewNotifier(store *Store, hub *Hub, events *httpclient.Client) *Notifier {
	return &Notifier{store: store, hub: hub, events: events}
}

// Notify は通知を保存して配信する。
// 同じSourceEventIDの通知が既にある場合は何もせず、createdにfalseを返す。
// NotificationSentイベントの追記に失敗しても通知自体は成功として扱う。
func (n *Notifier) Notify(ctx context.Context, d Draft) (Notification, bool, error) {
	saved, created, err := n.store.Create(ctx, d)
	if err != nil {
		return Notification{}, false, err
	}
	if !created {
		return Notification{}, false, nil
	}

	n.hub.Publish(saved)

	if err := n.recordSent(ctx, saved); err != nil {
		log.Printf("[Notifier] NotificationSentイベントの送信に失敗 (id=%s): %v", saved.ID, err)
	}
	return saved, true, nil
}

// recordSent はNotificationSentイベントをEvent Storeに追記する。
func (n *Notifier) recordSent(ctx context.Context, saved Notification) error {
	if n.events == nil {
		return nil
	}

	e, err := event.New(saved.ID, event.AggregateTypeNotification, event.TypeNotificationSent, 0, event.NotificationSentData{
		NotificationID: saved.ID,
		UserID:         saved.UserID,
		Title:          saved.Title,
		Message:        saved.Message,
	})
	if err != nil {
		return err
	}

	if err := n.events.PostJSON(ctx, "/api/v1/events", e, nil); err != nil {
		return fmt.Errorf("Event Storeへの追記に失敗: %w", err)
	}
	return nil
}
