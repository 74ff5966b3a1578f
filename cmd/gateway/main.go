// API Gatewayサービスのエントリポイント。
// JWT認証ゲート、ルート表による内部サービスへのプロキシ転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"log"

	"github.com/PavSher76/AI-NK-sub002/internal/gateway"
)

func main() {
	cfg, err := gateway.LoadConfig("")
	if err != nil {
		log.Fatalf("Gateway設定の読み込みに失敗: %v", err)
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("Gatewayサーバーの初期化に失敗: %v", err)
	}

	log.Printf("Gatewayサービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
	}
}
