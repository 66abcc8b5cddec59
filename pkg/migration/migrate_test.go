package migration

import (
	"testing"
	"testing/fstest"

	"github.com/nao1215/clubhub/pkg/database"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/000002_add_index.up.sql": {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql": {Data: []byte(
			"CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL);",
		)},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                   {Data: []byte("ignored")},
		"migrations/bad_name.up.sql":              {Data: []byte("invalid")},
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("up.sqlのみをバージョン順に収集すること", func(t *testing.T) {
		t.Parallel()

		files, err := Collect(testFS(), "migrations")
		if err != nil {
			t.Fatalf("Collect()でエラーが発生: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("len(files) = %d, want 2", len(files))
		}
		if files[0].Version != 1 || files[0].Name != "create_items" {
			t.Errorf("files[0] = %+v, want version=1 name=create_items", files[0])
		}
		if files[1].Version != 2 || files[1].Path != "migrations/000002_add_index.up.sql" {
			t.Errorf("files[1] = %+v", files[1])
		}
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("未適用のマイグレーションだけが適用されること", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(database.MemoryPath)
		if err != nil {
			t.Fatalf("DB接続に失敗: %v", err)
		}
		t.Cleanup(func() { db.Close() })

		ran, err := Run(db, testFS(), "migrations")
		if err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if len(ran) != 2 {
			t.Errorf("初回の適用数 = %d, want 2", len(ran))
		}

		ran, err = Run(db, testFS(), "migrations")
		if err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
		if len(ran) != 0 {
			t.Errorf("2回目の適用数 = %d, want 0", len(ran))
		}

		applied, err := AppliedVersions(db)
		if err != nil {
			t.Fatalf("AppliedVersions()でエラーが発生: %v", err)
		}
		if !applied[1] || !applied[2] {
			t.Errorf("applied = %v, want versions 1 and 2", applied)
		}

		if _, err := db.Exec("INSERT INTO items (id, name) VALUES ('a', 'b')"); err != nil {
			t.Errorf("作成されたテーブルへの挿入に失敗: %v", err)
		}
	})

	t.Run("SQLエラーのマイグレーションはロールバックされること", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(database.MemoryPath)
		if err != nil {
			t.Fatalf("DB接続に失敗: %v", err)
		}
		t.Cleanup(func() { db.Close() })

		fsys := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte("CREATE TABL broken;")},
		}
		if _, err := Run(db, fsys, "m"); err == nil {
			t.Fatal("不正なSQLでエラーが返るべき")
		}

		applied, err := AppliedVersions(db)
		if err != nil {
			t.Fatalf("AppliedVersions()でエラーが発生: %v", err)
		}
		if applied[1] {
			t.Error("失敗したマイグレーションが適用済みとして記録されている")
		}
	})
}
