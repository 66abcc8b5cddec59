package eventstore

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/clubhub/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// initSchema はSQLiteデータベースにマイグレーションを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := migration.Run(db, migrations, "migrations"); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
