// API Gatewayサービスのエントリポイント。
// 開発用JWTの発行、メンバープロフィールの管理、内部サービスへのルーティングを担当する。
package main

import (
	"log"

	"github.com/nao1215/clubhub/internal/gateway"
	"github.com/nao1215/clubhub/pkg/config"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("Gatewayサーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	log.Printf("Gatewayサービスを起動します: %s", cfg.Addr())
	if err := server.Run(); err != nil {
		log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
	}
}
