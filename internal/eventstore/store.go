package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/database"
	"github.com/nao1215/clubhub/pkg/event"
)

const (
	// DefaultListLimit は件数指定が無い場合の取得件数。
	DefaultListLimit = 100
	// MaxListLimit は1回で取得できる最大件数。
	MaxListLimit = 1000
)

// ErrVersionConflict は追記しようとしたバージョンが最新バージョン+1でない場合のエラー。
var ErrVersionConflict = errors.New("バージョンが競合しています")

// ErrDuplicateID は同じIDのイベントが既に存在する場合のエラー。
var ErrDuplicateID = errors.New("同じIDのイベントが既に存在します")

// Store はイベントをSQLiteに永続化する。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// eventRow はeventsテーブルの1行。
type eventRow struct {
	Position      int64  `db:"position"`
	ID            string `db:"id"`
	AggregateID   string `db:"aggregate_id"`
	AggregateType string `db:"aggregate_type"`
	EventType     string `db:"event_type"`
	Data          string `db:"data"`
	Version       int64  `db:"version"`
	CreatedAt     string `db:"created_at"`
}

func (r eventRow) toEvent() (event.Event, error) {
	createdAt, err := database.ParseTime(r.CreatedAt)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{
		ID:            r.ID,
		Position:      r.Position,
		AggregateID:   r.AggregateID,
		AggregateType: event.AggregateType(r.AggregateType),
		EventType:     event.Type(r.EventType),
		Data:          json.RawMessage(r.Data),
		Version:       r.Version,
		CreatedAt:     createdAt,
	}, nil
}

const selectColumns = `SELECT position, id, aggregate_id, aggregate_type, event_type, data, version, created_at FROM events`

// Append はイベントを追記し、採番されたpositionとバージョンを設定したイベントを返す。
// e.Versionが0の場合は最新バージョン+1を割り当てる。
// 0以外の場合は最新バージョン+1と一致しなければ ErrVersionConflict を返す。
// IDが空の場合はUUIDを採番する。
func (s *Store) Append(ctx context.Context, e event.Event) (event.Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest int64
	if err := tx.GetContext(ctx, &latest,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", e.AggregateID); err != nil {
		return event.Event{}, fmt.Errorf("最新バージョンの取得に失敗: %w", err)
	}
	switch {
	case e.Version == 0:
		e.Version = latest + 1
	case e.Version != latest+1:
		return event.Event{}, fmt.Errorf("%w: aggregate_id=%s latest=%d requested=%d",
			ErrVersionConflict, e.AggregateID, latest, e.Version)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data), e.Version,
		database.FormatTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "events.id") {
				return event.Event{}, fmt.Errorf("%w: id=%s", ErrDuplicateID, e.ID)
			}
			return event.Event{}, fmt.Errorf("%w: aggregate_id=%s version=%d", ErrVersionConflict, e.AggregateID, e.Version)
		}
		return event.Event{}, fmt.Errorf("イベントの保存に失敗: %w", err)
	}

	position, err := res.LastInsertId()
	if err != nil {
		return event.Event{}, fmt.Errorf("positionの取得に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("コミットに失敗: %w", err)
	}

	e.Position = position
	return e, nil
}

// isUniqueViolation は一意制約違反のエラーかどうかを返す。
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Head は最後に追記されたイベントのpositionを返す。イベントが無い場合は0。
func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.GetContext(ctx, &head, "SELECT COALESCE(MAX(position), 0) FROM events"); err != nil {
		return 0, fmt.Errorf("末尾positionの取得に失敗: %w", err)
	}
	return head, nil
}

// ListFilter はList の取得条件。
type ListFilter struct {
	// After はこのposition より後のイベントを取得する。
	After int64
	// Type が空でない場合はこのイベントタイプだけを取得する。
	Type event.Type
	// Limit は取得件数。0以下の場合は DefaultListLimit。
	Limit int
}

// List はposition順にイベントを取得する。
func (s *Store) List(ctx context.Context, f ListFilter) ([]event.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := selectColumns + " WHERE position > ?"
	args := []any{f.After}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY position LIMIT ?"
	args = append(args, limit)

	return s.selectEvents(ctx, query, args...)
}

// ByAggregate はAggregateIDに紐づくイベントをバージョン順に取得する。
func (s *Store) ByAggregate(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return s.selectEvents(ctx, selectColumns+" WHERE aggregate_id = ? ORDER BY version", aggregateID)
}

// ByType はイベントタイプに一致するイベントをposition順に取得する。
func (s *Store) ByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	return s.selectEvents(ctx, selectColumns+" WHERE event_type = ? ORDER BY position", string(eventType))
}

// Since は指定日時以降に作成されたイベントをposition順に取得する。
func (s *Store) Since(ctx context.Context, since time.Time) ([]event.Event, error) {
	return s.selectEvents(ctx, selectColumns+" WHERE created_at >= ? ORDER BY position", database.FormatTime(since))
}

// LatestVersion はAggregateIDの最新バージョンを返す。イベントが無い場合は0。
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var latest int64
	err := s.db.GetContext(ctx, &latest,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("最新バージョンの取得に失敗: %w", err)
	}
	return latest, nil
}

func (s *Store) selectEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}

	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, fmt.Errorf("イベント %s の変換に失敗: %w", r.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}
