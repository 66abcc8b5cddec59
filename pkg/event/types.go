// Package event はクラブ活動の変更イベントを表す型を提供する。
//
// すべての状態変更はイベントとしてEvent Storeに追記され、
// 通知サービスや通知フィードはこの変更フィードを購読する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeClub はクラブ全体（会計など）を表す。
	AggregateTypeClub AggregateType = "Club"
	// AggregateTypeTask はタスクを表す。
	AggregateTypeTask AggregateType = "Task"
	// AggregateTypeMember はメンバー（プロフィール）を表す。
	AggregateTypeMember AggregateType = "Member"
	// AggregateTypeChat はチャットルームを表す。
	AggregateTypeChat AggregateType = "Chat"
	// AggregateTypeNotification は通知を表す。
	AggregateTypeNotification AggregateType = "Notification"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeExpenseRecorded は支出が記録されたことを表す。
	TypeExpenseRecorded Type = "ExpenseRecorded"
	// TypeContributionRecorded は会費などの拠出金が記録されたことを表す。
	TypeContributionRecorded Type = "ContributionRecorded"
	// TypeTaskAssigned はタスクがメンバーに割り当てられたことを表す。
	TypeTaskAssigned Type = "TaskAssigned"
	// TypeTaskCompleted はタスクが完了したことを表す。
	TypeTaskCompleted Type = "TaskCompleted"
	// TypeChatMessagePosted はチャットにメッセージが投稿されたことを表す。
	TypeChatMessagePosted Type = "ChatMessagePosted"
	// TypeGalleryPhotoUploaded はギャラリーに写真がアップロードされたことを表す。
	TypeGalleryPhotoUploaded Type = "GalleryPhotoUploaded"
	// TypeProfileUpdated はメンバーのプロフィールが更新されたことを表す。
	TypeProfileUpdated Type = "ProfileUpdated"
	// TypeNotificationSent は通知が送信されたことを表す。
	TypeNotificationSent Type = "NotificationSent"
)

// Event はEvent Storeに永続化される不変のイベントレコード。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Position はEvent Store全体での追記順の連番。購読のカーソルとして使用する。
	Position int64 `json:"position"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。楽観的排他制御に使用する。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// ExpenseRecordedData はExpenseRecordedイベントのデータ。
type ExpenseRecordedData struct {
	// RecordedBy は支出を記録したメンバーのID。
	RecordedBy string `json:"recorded_by"`
	// Description は支出の内容。
	Description string `json:"description"`
	// AmountMinor は最小通貨単位での金額。
	AmountMinor int64 `json:"amount_minor"`
	// Currency はISO 4217通貨コード。
	Currency string `json:"currency"`
}

// ContributionRecordedData はContributionRecordedイベントのデータ。
type ContributionRecordedData struct {
	// MemberID は拠出したメンバーのID。
	MemberID string `json:"member_id"`
	// AmountMinor は最小通貨単位での金額。
	AmountMinor int64 `json:"amount_minor"`
	// Currency はISO 4217通貨コード。
	Currency string `json:"currency"`
	// Purpose は拠出の目的（会費、イベント参加費など）。
	Purpose string `json:"purpose"`
}

// TaskAssignedData はTaskAssignedイベントのデータ。
type TaskAssignedData struct {
	// Title はタスク名。
	Title string `json:"title"`
	// AssigneeID は担当者のメンバーID。
	AssigneeID string `json:"assignee_id"`
	// AssignedBy は割り当てたメンバーのID。
	AssignedBy string `json:"assigned_by"`
	// DueAt は期限。未設定の場合はnil。
	DueAt *time.Time `json:"due_at,omitempty"`
}

// TaskCompletedData はTaskCompletedイベントのデータ。
type TaskCompletedData struct {
	// CompletedBy は完了させたメンバーのID。
	CompletedBy string `json:"completed_by"`
}

// ChatMessagePostedData はChatMessagePostedイベントのデータ。
type ChatMessagePostedData struct {
	// SenderID は投稿者のメンバーID。
	SenderID string `json:"sender_id"`
	// SenderName は投稿時点の投稿者の表示名。
	SenderName string `json:"sender_name"`
	// Body はメッセージ本文。
	Body string `json:"body"`
	// MentionedUserIDs はメンションされたメンバーのID。
	MentionedUserIDs []string `json:"mentioned_user_ids,omitempty"`
}

// GalleryPhotoUploadedData はGalleryPhotoUploadedイベントのデータ。
type GalleryPhotoUploadedData struct {
	// UploadedBy はアップロードしたメンバーのID。
	UploadedBy string `json:"uploaded_by"`
	// StoragePath は外部ストレージ上のパス。
	StoragePath string `json:"storage_path"`
	// Caption は写真の説明。
	Caption string `json:"caption"`
}

// ProfileUpdatedData はProfileUpdatedイベントのデータ。
type ProfileUpdatedData struct {
	// DisplayName は更新後の表示名。
	DisplayName string `json:"display_name"`
	// AvatarURL は更新後のアバター画像URL。
	AvatarURL string `json:"avatar_url"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// NotificationID は通知サービスが採番した通知ID。
	NotificationID string `json:"notification_id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
}
