package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnexpectedType はイベントの種類が期待と異なる場合のエラー。
var ErrUnexpectedType = errors.New("イベントの種類が一致しません")

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
// Positionは追記時にEvent Storeが採番する。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// DecodeAs はイベントの種類を確認してからDataをデシリアライズする。
func DecodeAs[T any](e *Event, want Type) (*T, error) {
	if e.EventType != want {
		return nil, fmt.Errorf("%w: got=%s want=%s", ErrUnexpectedType, e.EventType, want)
	}
	return DecodeData[T](e)
}
