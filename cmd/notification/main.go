// 通知サービスのエントリポイント。
// Event Storeのイベントからメンバー宛ての通知を作成し、WebSocketストリームで配信する。
package main

import (
	"log"

	"github.com/nao1215/clubhub/internal/notification"
	"github.com/nao1215/clubhub/pkg/config"
)

func main() {
	cfg, err := config.Load("notification")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := notification.NewServer(cfg)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	log.Printf("通知サービスを起動します: %s", cfg.Addr())
	if err := server.Run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}
