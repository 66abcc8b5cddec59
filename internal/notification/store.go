package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/database"
)

// ErrNotFound は通知が存在しない場合のエラー。
var ErrNotFound = errors.New("通知が見つかりません")

// Notification は保存された通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID string
	// UserID は通知先のユーザーID。
	UserID string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// IsRead は通知の既読状態。
	IsRead bool
	// SourceEventID は通知の元になったイベントと宛先の組。内部APIから送信した通知は空。
	SourceEventID string
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
}

// Draft は保存前の通知。
type Draft struct {
	UserID        string
	Title         string
	Message       string
	SourceEventID string
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Title         string         `db:"title"`
	Message       string         `db:"message"`
	IsRead        int64          `db:"is_read"`
	SourceEventID sql.NullString `db:"source_event_id"`
	CreatedAt     string         `db:"created_at"`
}

func (r notificationRow) toNotification() (Notification, error) {
	createdAt, err := database.ParseTime(r.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:            r.ID,
		UserID:        r.UserID,
		Title:         r.Title,
		Message:       r.Message,
		IsRead:        r.IsRead != 0,
		SourceEventID: r.SourceEventID.String,
		CreatedAt:     createdAt,
	}, nil
}

const selectColumns = `SELECT id, user_id, title, message, is_read, source_event_id, created_at FROM notifications`

// Store は通知をSQLiteに永続化する。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create は通知を保存する。
// SourceEventIDが既存の通知と重複する場合は保存せず、createdにfalseを返す。
func (s *Store) Create(ctx context.Context, d Draft) (n Notification, created bool, err error) {
	n = Notification{
		ID:            uuid.New().String(),
		UserID:        d.UserID,
		Title:         d.Title,
		Message:       d.Message,
		SourceEventID: d.SourceEventID,
		CreatedAt:     s.now().UTC(),
	}

	source := sql.NullString{String: d.SourceEventID, Valid: d.SourceEventID != ""}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, is_read, source_event_id, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(source_event_id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Message, source, database.FormatTime(n.CreatedAt))
	if err != nil {
		return Notification{}, false, fmt.Errorf("通知の保存に失敗: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Notification{}, false, fmt.Errorf("保存件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return Notification{}, false, nil
	}
	return n, true, nil
}

// Get はIDで通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, selectColumns+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return row.toNotification()
}

// ListByUser はユーザーの通知を新しい順に取得する。
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Notification, error) {
	return s.selectNotifications(ctx, selectColumns+" WHERE user_id = ? ORDER BY created_at DESC, id", userID)
}

// ListUnread はユーザーの未読通知を新しい順に取得する。
func (s *Store) ListUnread(ctx context.Context, userID string) ([]Notification, error) {
	return s.selectNotifications(ctx, selectColumns+" WHERE user_id = ? AND is_read = 0 ORDER BY created_at DESC, id", userID)
}

// MarkAsRead は通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead はユーザーの全通知を既読にし、更新した件数を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Cursor はProjectorが処理済みのEvent Store上の位置を返す。未保存の場合は0。
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var position int64
	err := s.db.GetContext(ctx, &position, "SELECT position FROM projector_state WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Projectorの位置の取得に失敗: %w", err)
	}
	return position, nil
}

// SaveCursor はProjectorが処理済みの位置を保存する。
func (s *Store) SaveCursor(ctx context.Context, name string, position int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projector_state (name, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		name, position, database.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("Projectorの位置の保存に失敗: %w", err)
	}
	return nil
}

func (s *Store) selectNotifications(ctx context.Context, query string, args ...any) ([]Notification, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	notifications := make([]Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNotification()
		if err != nil {
			return nil, fmt.Errorf("通知 %s の変換に失敗: %w", r.ID, err)
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}
