// Package database はSQLiteデータベースへの接続を生成する。
package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// MemoryPath はインメモリデータベースを表すパス。
const MemoryPath = ":memory:"

// TimeLayout はTEXTカラムに保存する日時の形式。
// 桁数を固定しているため文字列比較で時系列順に並ぶ。
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Open はSQLiteデータベースを開き、接続を確認する。
// ファイルの場合はWALモードとビジータイムアウトを設定し、トランザクションをBEGIN IMMEDIATEで開始する。
// 読み取りから書き込みへの昇格ではビジータイムアウトが効かない。
func Open(path string) (*sqlx.DB, error) {
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	// インメモリDBは接続ごとに別のデータベースになるため接続を1本に固定する
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// FormatTime は日時をTEXTカラム用の文字列に変換する。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime はTEXTカラムの文字列を日時に変換する。
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時のパースに失敗: %w", err)
	}
	return t, nil
}
