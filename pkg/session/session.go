// Package session はログイン中のメンバーを表すセッション値を提供する。
//
// 現在のユーザーはグローバルな保存領域から読み出さず、
// 必要とするコンポーネントへ Session として明示的に渡す。
package session

import (
	"errors"
	"strings"
)

// topicPrefix は通知トピック名の接頭辞。
const topicPrefix = "notifications:"

// ErrInvalidTopic はトピック名の形式が不正な場合のエラー。
var ErrInvalidTopic = errors.New("トピック名の形式が不正です")

// Session は認証済みメンバーのセッション情報。
type Session struct {
	// UserID はメンバーの一意識別子。
	UserID string
	// DisplayName はプロフィールに登録された表示名。
	DisplayName string
	// Token はAPI呼び出しに使用するJWTトークン。
	Token string
}

// Valid はセッションがユーザーIDとトークンを持つかを返す。
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// Topic はメンバー宛て通知を購読するためのトピック名を返す。
func (s Session) Topic() string {
	return TopicFor(s.UserID)
}

// TopicFor は指定ユーザー宛て通知のトピック名を返す。
func TopicFor(userID string) string {
	return topicPrefix + userID
}

// UserIDFromTopic はトピック名から宛先ユーザーIDを取り出す。
func UserIDFromTopic(topic string) (string, error) {
	userID, found := strings.CutPrefix(topic, topicPrefix)
	if !found || userID == "" {
		return "", ErrInvalidTopic
	}
	return userID, nil
}
