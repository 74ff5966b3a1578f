package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/PavSher76/AI-NK-sub002/pkg/routing"
)

// Duration はYAML上の "5s" のような文字列表記を受け付けるtime.Durationのラッパー。
type Duration time.Duration

// UnmarshalYAML はtime.ParseDuration形式の文字列をパースする。
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("タイムアウト値のパースに失敗: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// ToDuration はtime.Durationに変換する。
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// Config はGatewayサーバーの全設定。
// デフォルト値の上にYAMLファイル、さらに環境変数の順で上書きされる。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string `yaml:"port"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `yaml:"frontend_url"`
	// DBPath はユーザーストア用SQLiteデータベースのパス。
	DBPath string `yaml:"db_path"`
	// Services は内部サービス名とベースURLの一覧。
	Services []ServiceConfig `yaml:"services"`
	// Routes はパスプレフィックスからサービスへのルーティング規則。
	Routes []RouteConfig `yaml:"routes"`
	// PublicPaths は認証不要で通過させるパスの一覧。
	PublicPaths []string `yaml:"public_paths"`
	// Timeouts はルートのタイムアウトクラスごとの上限時間。
	Timeouts TimeoutConfig `yaml:"timeouts"`
	// Retry は到達不能時の再試行ポリシー。
	Retry RetryConfig `yaml:"retry"`
}

// ServiceConfig は内部サービス1つの接続先設定。
type ServiceConfig struct {
	// Name はサービス名。環境変数 <NAME>_URL で上書きできる。
	Name string `yaml:"name"`
	// BaseURL はサービスのベースURL。
	BaseURL string `yaml:"base_url"`
}

// RouteConfig はルーティング規則1件の設定。
type RouteConfig struct {
	// Prefix はマッチ対象のパスプレフィックス。
	Prefix string `yaml:"prefix"`
	// Service は転送先サービス名。
	Service string `yaml:"service"`
	// StripPrefix は転送前にパスから取り除くプレフィックス。
	StripPrefix string `yaml:"strip_prefix"`
	// Public はtrueの場合このルート全体を認証不要にする。
	Public bool `yaml:"public"`
	// Timeout はタイムアウトクラス名（short / default / long）。空はdefault。
	Timeout string `yaml:"timeout"`
}

// TimeoutConfig はタイムアウトクラスごとの上限時間。
type TimeoutConfig struct {
	// Short はヘルスチェック等の軽量ルート用。
	Short Duration `yaml:"short"`
	// Default は通常のAPIルート用。
	Default Duration `yaml:"default"`
	// Long はドキュメント解析やチャット等の長時間処理用。
	Long Duration `yaml:"long"`
}

// RetryConfig は到達不能時の再試行設定。
type RetryConfig struct {
	// MaxAttempts は初回を含めた最大試行回数。
	MaxAttempts int `yaml:"max_attempts"`
	// Backoff は試行間の待機時間の基準値。n回目の失敗後は n×Backoff 待つ。
	Backoff Duration `yaml:"backoff"`
}

// DefaultConfig はAI-NKプラットフォーム標準のルート表を持つ設定を返す。
func DefaultConfig() *Config {
	return &Config{
		Port:        "8080",
		JWTSecret:   "dev-secret-key",
		FrontendURL: "http://localhost:3000",
		DBPath:      "/data/gateway.db",
		Services: []ServiceConfig{
			{Name: "document-parser", BaseURL: "http://document-parser:8001"},
			{Name: "rule-engine", BaseURL: "http://rule-engine:8002"},
			{Name: "rag-service", BaseURL: "http://rag-service:8003"},
			{Name: "chat-service", BaseURL: "http://chat-service:8004"},
			{Name: "calculation-service", BaseURL: "http://calculation-service:8005"},
			{Name: "normcontrol-service", BaseURL: "http://normcontrol-service:8006"},
			{Name: "normcontrol2-service", BaseURL: "http://normcontrol2-service:8007"},
			{Name: "spellchecker-service", BaseURL: "http://spellchecker-service:8008"},
			{Name: "outgoing-control-service", BaseURL: "http://outgoing-control-service:8009"},
			{Name: "archive-service", BaseURL: "http://archive-service:8010"},
			{Name: "analog-objects-service", BaseURL: "http://analog-objects-service:8011"},
			{Name: "ntd-registry", BaseURL: "http://ntd-registry:8012"},
		},
		Routes: []RouteConfig{
			{Prefix: "/api/checkable-documents", Service: "document-parser", StripPrefix: "/api", Timeout: "long"},
			{Prefix: "/api/upload", Service: "document-parser", StripPrefix: "/api", Timeout: "long"},
			{Prefix: "/api/normcontrol", Service: "normcontrol-service", StripPrefix: "/api"},
			{Prefix: "/api/normcontrol2", Service: "normcontrol2-service", StripPrefix: "/api"},
			{Prefix: "/api/normcontrol2/status", Service: "normcontrol2-service", StripPrefix: "/api", Public: true, Timeout: "short"},
			{Prefix: "/api/rules", Service: "rule-engine", StripPrefix: "/api"},
			{Prefix: "/api/review", Service: "rule-engine", StripPrefix: "/api"},
			{Prefix: "/api/rag", Service: "rag-service", StripPrefix: "/api"},
			{Prefix: "/api/search", Service: "rag-service", StripPrefix: "/api"},
			{Prefix: "/api/chat", Service: "chat-service", StripPrefix: "/api", Timeout: "long"},
			{Prefix: "/api/calculations", Service: "calculation-service", StripPrefix: "/api"},
			{Prefix: "/api/spellcheck", Service: "spellchecker-service", StripPrefix: "/api"},
			{Prefix: "/api/outgoing-control", Service: "outgoing-control-service", StripPrefix: "/api", Timeout: "long"},
			{Prefix: "/api/archive", Service: "archive-service", StripPrefix: "/api"},
			{Prefix: "/api/analog-objects", Service: "analog-objects-service", StripPrefix: "/api"},
			{Prefix: "/api/ntd", Service: "ntd-registry", StripPrefix: "/api"},
		},
		PublicPaths: []string{
			"/health",
			"/metrics",
			"/auth",
			"/api/health",
			"/api/normcontrol2/status",
		},
		Timeouts: TimeoutConfig{
			Short:   Duration(5 * time.Second),
			Default: Duration(30 * time.Second),
			Long:    Duration(300 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     Duration(500 * time.Millisecond),
		},
	}
}

// LoadConfig はデフォルト設定の上にYAMLファイルと環境変数を重ねて返す。
// pathが空の場合は GATEWAY_CONFIG 環境変数を参照し、それも空ならデフォルトを使う。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルのパースに失敗: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv は環境変数による上書きを適用する。
// サービスURLは DOCUMENT_PARSER_URL のようにサービス名を大文字化した変数名で上書きできる。
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.FrontendURL = v
	}
	if v := os.Getenv("GATEWAY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	for i := range c.Services {
		key := serviceEnvKey(c.Services[i].Name)
		if v := os.Getenv(key); v != "" {
			c.Services[i].BaseURL = v
		}
	}
}

// serviceEnvKey はサービス名をURL上書き用の環境変数名に変換する。
// 例: document-parser → DOCUMENT_PARSER_URL
func serviceEnvKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_URL"
}

// validate は設定の整合性を検証する。
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("ポートが設定されていません")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("再試行回数は1以上が必要: %d", c.Retry.MaxAttempts)
	}
	for _, r := range c.Routes {
		if _, err := parseTimeoutClass(r.Timeout); err != nil {
			return fmt.Errorf("ルート %s: %w", r.Prefix, err)
		}
	}
	return nil
}

// serviceEntries はルーティング用のサービス一覧に変換する。
func (c *Config) serviceEntries() []routing.ServiceEntry {
	entries := make([]routing.ServiceEntry, 0, len(c.Services))
	for _, s := range c.Services {
		entries = append(entries, routing.ServiceEntry{Name: s.Name, BaseURL: s.BaseURL})
	}
	return entries
}

// routeRules はルーティング用の規則一覧に変換する。
func (c *Config) routeRules() ([]routing.RouteRule, error) {
	rules := make([]routing.RouteRule, 0, len(c.Routes))
	for _, r := range c.Routes {
		class, err := parseTimeoutClass(r.Timeout)
		if err != nil {
			return nil, fmt.Errorf("ルート %s: %w", r.Prefix, err)
		}
		rules = append(rules, routing.RouteRule{
			Prefix:      r.Prefix,
			Service:     r.Service,
			StripPrefix: r.StripPrefix,
			Public:      r.Public,
			Timeout:     class,
		})
	}
	return rules, nil
}

// parseTimeoutClass はタイムアウトクラス名を解釈する。空文字はdefault扱い。
func parseTimeoutClass(s string) (routing.TimeoutClass, error) {
	switch s {
	case "", "default":
		return routing.TimeoutClassDefault, nil
	case "short":
		return routing.TimeoutClassShort, nil
	case "long":
		return routing.TimeoutClassLong, nil
	default:
		return routing.TimeoutClassDefault, fmt.Errorf("不明なタイムアウトクラス: %q", s)
	}
}

// timeoutFor はタイムアウトクラスに対応する上限時間を返す。
func (c *Config) timeoutFor(class routing.TimeoutClass) time.Duration {
	switch class {
	case routing.TimeoutClassShort:
		return c.Timeouts.Short.ToDuration()
	case routing.TimeoutClassLong:
		return c.Timeouts.Long.ToDuration()
	default:
		return c.Timeouts.Default.ToDuration()
	}
}
