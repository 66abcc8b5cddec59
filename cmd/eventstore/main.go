// Event Storeサービスのエントリポイント。
// クラブの活動をすべて不変のイベントとして追記し、位置カーソルで読み出せるようにする。
package main

import (
	"log"

	"github.com/nao1215/clubhub/internal/eventstore"
	"github.com/nao1215/clubhub/pkg/config"
)

func main() {
	cfg, err := config.Load("eventstore")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := eventstore.NewServer(cfg)
	if err != nil {
		log.Fatalf("イベントストアサーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	log.Printf("イベントストアサービスを起動します: %s", cfg.Addr())
	if err := server.Run(); err != nil {
		log.Fatalf("イベントストアサービスの起動に失敗: %v", err)
	}
}
