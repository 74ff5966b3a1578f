package gateway

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/PavSher76/AI-NK-sub002/pkg/httpclient"
	"github.com/PavSher76/AI-NK-sub002/pkg/metrics"
	"github.com/PavSher76/AI-NK-sub002/pkg/middleware"
	"github.com/PavSher76/AI-NK-sub002/pkg/proxy"
	"github.com/PavSher76/AI-NK-sub002/pkg/routing"
)

// Server はAPI GatewayのHTTPサーバー。
// 外部からアクセス可能な唯一のサービスであり、認証とルーティングの境界線となる。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの全設定。
	cfg *Config
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store はユーザーストア。
	store *Store
	// registry は内部サービスの名前解決表。
	registry *routing.Registry
	// table はルーティング規則表。
	table *routing.Table
	// forwarder は下流サービスへの転送器。全ルートで接続プールを共有する。
	forwarder *proxy.Forwarder
	// retry は到達不能時の再試行ポリシー。
	retry proxy.RetryPolicy
	// verifier はJWTの検証器。
	verifier middleware.Verifier
	// probes はサービス名ごとのヘルスチェッククライアント。
	probes map[string]*httpclient.Client
}

// NewServer は設定からGatewayサーバーを生成する。
// ルート表の不整合（未知のサービス名など）は起動失敗として扱う。
func NewServer(cfg *Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	registry, err := routing.NewRegistry(cfg.serviceEntries())
	if err != nil {
		return nil, fmt.Errorf("サービスレジストリの構築に失敗: %w", err)
	}

	rules, err := cfg.routeRules()
	if err != nil {
		return nil, fmt.Errorf("ルート規則の変換に失敗: %w", err)
	}

	table, err := routing.NewTable(rules, registry, routing.NewPublicPathSet(cfg.PublicPaths))
	if err != nil {
		return nil, fmt.Errorf("ルート表の構築に失敗: %w", err)
	}

	probes := make(map[string]*httpclient.Client, len(cfg.Services))
	for _, svc := range cfg.Services {
		probes[svc.Name] = httpclient.New(svc.BaseURL)
	}

	metrics.Register()

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router:   router,
		cfg:      cfg,
		db:       sqlDB,
		store:    NewStore(sqlDB),
		registry: registry,
		table:    table,
		forwarder: proxy.NewForwarder(),
		retry: proxy.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff.ToDuration(),
		},
		verifier: middleware.NewHMACVerifier(cfg.JWTSecret),
		probes:   probes,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
// /api配下はワイルドカードで受けてルート表による動的ルーティングへ渡す。
func (s *Server) setupRoutes() {
	// 認証エンドポイント（認証不要）
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
		// 認証済みユーザー情報
		auth.GET("/me", middleware.JWTAuth(s.verifier), s.handleGetCurrentUser())
	}

	// 内部サービスへの動的プロキシ。認証可否はルート表が決める。
	s.router.Any("/api/*path", s.handleProxy())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
