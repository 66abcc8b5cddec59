package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/database"
)

// maxDisplayNameLength は表示名の最大文字数。
const maxDisplayNameLength = 50

var (
	// ErrMemberNotFound はメンバーが存在しない場合のエラー。
	ErrMemberNotFound = errors.New("メンバーが見つかりません")
	// ErrInvalidProfile はプロフィールの入力値が不正な場合のエラー。
	ErrInvalidProfile = errors.New("プロフィールが不正です")
)

// Member はメンバーのプロフィール。
type Member struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileUpdate はプロフィールの更新内容。
type ProfileUpdate struct {
	DisplayName string
	AvatarURL   string
}

// normalize は前後の空白を取り除き、入力値を検証する。
func (u ProfileUpdate) normalize() (ProfileUpdate, error) {
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	u.AvatarURL = strings.TrimSpace(u.AvatarURL)

	if u.DisplayName == "" {
		return u, fmt.Errorf("%w: 表示名は必須です", ErrInvalidProfile)
	}
	if utf8.RuneCountInString(u.DisplayName) > maxDisplayNameLength {
		return u, fmt.Errorf("%w: 表示名は%d文字以内で入力してください", ErrInvalidProfile, maxDisplayNameLength)
	}
	if u.AvatarURL != "" {
		parsed, err := url.Parse(u.AvatarURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return u, fmt.Errorf("%w: アバターURLはhttpまたはhttpsのURLである必要があります", ErrInvalidProfile)
		}
	}
	return u, nil
}

// memberRow はmembersテーブルの1行。
type memberRow struct {
	ID          string `db:"id"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
	AvatarURL   string `db:"avatar_url"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r memberRow) toMember() (Member, error) {
	createdAt, err := database.ParseTime(r.CreatedAt)
	if err != nil {
		return Member{}, err
	}
	updatedAt, err := database.ParseTime(r.UpdatedAt)
	if err != nil {
		return Member{}, err
	}
	return Member{
		ID:          r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

const selectMemberColumns = `SELECT id, email, display_name, avatar_url, created_at, updated_at FROM members`

// Store はメンバーのプロフィールをSQLiteに永続化する。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get はIDでメンバーを取得する。
func (s *Store) Get(ctx context.Context, id string) (Member, error) {
	return s.getBy(ctx, "id", id)
}

// FindByEmail はメールアドレスでメンバーを取得する。
func (s *Store) FindByEmail(ctx context.Context, email string) (Member, error) {
	return s.getBy(ctx, "email", email)
}

func (s *Store) getBy(ctx context.Context, column, value string) (Member, error) {
	var row memberRow
	err := s.db.GetContext(ctx, &row, selectMemberColumns+" WHERE "+column+" = ?", value)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrMemberNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("メンバーの取得に失敗: %w", err)
	}
	return row.toMember()
}

// FindOrCreate はメールアドレスに一致するメンバーを返す。存在しない場合は作成する。
// 作成した場合はcreatedにtrueを返す。
func (s *Store) FindOrCreate(ctx context.Context, email, displayName string) (m Member, created bool, err error) {
	m, err = s.FindByEmail(ctx, email)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, ErrMemberNotFound) {
		return Member{}, false, err
	}

	profile, err := ProfileUpdate{DisplayName: displayName}.normalize()
	if err != nil {
		return Member{}, false, err
	}

	now := s.now().UTC()
	m = Member{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: profile.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO members (id, email, display_name, avatar_url, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		m.ID, m.Email, m.DisplayName, database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return Member{}, false, fmt.Errorf("メンバーの作成に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Member{}, false, fmt.Errorf("作成件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		// 同時に同じメールアドレスで作成された
		existing, err := s.FindByEmail(ctx, email)
		return existing, false, err
	}
	return m, true, nil
}

// UpdateProfile はメンバーの表示名とアバターURLを更新し、更新後のメンバーを返す。
func (s *Store) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (Member, error) {
	u, err := u.normalize()
	if err != nil {
		return Member{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET display_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		u.DisplayName, u.AvatarURL, database.FormatTime(s.now().UTC()), id)
	if err != nil {
		return Member{}, fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Member{}, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return Member{}, ErrMemberNotFound
	}
	return s.Get(ctx, id)
}
