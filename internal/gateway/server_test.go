package gateway

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"

	"github.com/PavSher76/AI-NK-sub002/pkg/httpclient"
	"github.com/PavSher76/AI-NK-sub002/pkg/metrics"
	"github.com/PavSher76/AI-NK-sub002/pkg/middleware"
	"github.com/PavSher76/AI-NK-sub002/pkg/proxy"
	"github.com/PavSher76/AI-NK-sub002/pkg/routing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestConfig はテスト用の設定を生成する。
// backendsで指定しなかったサービスは到達不能なダミーURLを持つ。
func newTestConfig(backends map[string]string) *Config {
	urlFor := func(name string) string {
		if u, ok := backends[name]; ok {
			return u
		}
		return "http://localhost:19999"
	}
	return &Config{
		Port:        "0",
		JWTSecret:   testJWTSecret,
		FrontendURL: "http://localhost:3000",
		DBPath:      ":memory:",
		Services: []ServiceConfig{
			{Name: "document-parser", BaseURL: urlFor("document-parser")},
			{Name: "normcontrol-service", BaseURL: urlFor("normcontrol-service")},
			{Name: "normcontrol2-service", BaseURL: urlFor("normcontrol2-service")},
			{Name: "rule-engine", BaseURL: urlFor("rule-engine")},
		},
		Routes: []RouteConfig{
			{Prefix: "/api/checkable-documents", Service: "document-parser", StripPrefix: "/api", Timeout: "long"},
			{Prefix: "/api/normcontrol", Service: "normcontrol-service", StripPrefix: "/api"},
			{Prefix: "/api/normcontrol2", Service: "normcontrol2-service", StripPrefix: "/api"},
			{Prefix: "/api/normcontrol2/status", Service: "normcontrol2-service", StripPrefix: "/api", Public: true, Timeout: "short"},
			{Prefix: "/api/rules", Service: "rule-engine", StripPrefix: "/api"},
		},
		PublicPaths: []string{"/health", "/metrics", "/auth", "/api/health", "/api/normcontrol2/status"},
		Timeouts: TimeoutConfig{
			Short:   Duration(100 * time.Millisecond),
			Default: Duration(2 * time.Second),
			Long:    Duration(5 * time.Second),
		},
		Retry: RetryConfig{MaxAttempts: 3, Backoff: Duration(time.Millisecond)},
	}
}

// newTestServer はテスト用のGatewayサーバーを生成する。インメモリSQLiteを使用する。
func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if err := initSchema(sqlDB); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	registry, err := routing.NewRegistry(cfg.serviceEntries())
	if err != nil {
		t.Fatalf("レジストリ構築に失敗: %v", err)
	}
	rules, err := cfg.routeRules()
	if err != nil {
		t.Fatalf("ルート規則の変換に失敗: %v", err)
	}
	table, err := routing.NewTable(rules, registry, routing.NewPublicPathSet(cfg.PublicPaths))
	if err != nil {
		t.Fatalf("ルート表構築に失敗: %v", err)
	}

	probes := make(map[string]*httpclient.Client, len(cfg.Services))
	for _, svc := range cfg.Services {
		probes[svc.Name] = httpclient.New(svc.BaseURL)
	}

	metrics.Register()

	router := gin.New()
	router.Use(middleware.RequestID())

	s := &Server{
		router:    router,
		cfg:       cfg,
		db:        sqlDB,
		store:     NewStore(sqlDB),
		registry:  registry,
		table:     table,
		forwarder: proxy.NewForwarder(),
		retry: proxy.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff.ToDuration(),
		},
		verifier: middleware.NewHMACVerifier(cfg.JWTSecret),
		probes:   probes,
	}
	s.setupRoutes()

	return s
}

// countingBackend は受信リクエスト数を数えるモックバックエンドを起動する。
func countingBackend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()

	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(backend.Close)
	return backend, &hits
}

// flakyBackend は最初のfailures回の接続を応答前に切断し、以降は200を返すバックエンドを起動する。
// 戻り値の2つ目は受け付けた接続数。
func flakyBackend(t *testing.T, failures int) (string, *int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リスナーの起動に失敗: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var conns int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := atomic.AddInt32(&conns, 1)
			if int(n) <= failures {
				conn.Close()
				continue
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, req.Body)
				body := `{"ok":true}`
				fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
			}(conn)
		}
	}()

	return "http://" + ln.Addr().String(), &conns
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, userID, email string) string {
	t.Helper()

	token, err := middleware.GenerateJWT(testJWTSecret, userID, email)
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// generateExpiredJWT は有効期限切れのJWTトークンを生成する。
func generateExpiredJWT(t *testing.T) string {
	t.Helper()

	claims := middleware.Claims{
		UserID: "expired-user",
		Email:  "expired@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ai-nk-gateway",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("期限切れJWT生成に失敗: %v", err)
	}
	return signed
}

// seedUser はテスト用のユーザーレコードをDBに挿入する。
func seedUser(t *testing.T, s *Server, id, provider, providerUserID, email, displayName string) {
	t.Helper()

	if err := s.store.CreateUser(context.Background(), User{
		ID:             id,
		Provider:       provider,
		ProviderUserID: providerUserID,
		Email:          email,
		DisplayName:    displayName,
	}); err != nil {
		t.Fatalf("テスト用ユーザー挿入に失敗: %v", err)
	}
}

// errorBody はエラーレスポンスのJSONをパースして返す。
func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return result
}

// TestHandleDevToken は開発用トークン発行ハンドラのテスト。
func TestHandleDevToken(t *testing.T) {
	t.Parallel()

	t.Run("新規ユーザーの場合にトークンを発行する", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/dev-token", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["token"] == "" {
			t.Error("tokenフィールドが空")
		}
		if result["user_id"] == "" {
			t.Error("user_idフィールドが空")
		}

		// 発行されたトークンで認証済みエンドポイントにアクセスできることを検証する
		w2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req2.Header.Set("Authorization", "Bearer "+result["token"])
		s.router.ServeHTTP(w2, req2)

		if w2.Code != http.StatusOK {
			t.Errorf("トークン検証ステータスコード: got %d, want %d", w2.Code, http.StatusOK)
		}
	})

	t.Run("既存ユーザーの場合に同じuser_idでトークンを発行する", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))
		seedUser(t, s, "existing-dev-user", "dev", "dev-user", "dev@localhost", "開発ユーザー")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/dev-token", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["user_id"] != "existing-dev-user" {
			t.Errorf("user_id: got %q, want %q", result["user_id"], "existing-dev-user")
		}
	})
}

// TestHandleGetCurrentUser は認証済みユーザー情報取得ハンドラのテスト。
func TestHandleGetCurrentUser(t *testing.T) {
	t.Parallel()

	t.Run("認証済みユーザーの情報を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))
		seedUser(t, s, "user-123", "dev", "dev-456", "test@example.com", "テストユーザー")

		token := generateTestJWT(t, "user-123", "test@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["id"] != "user-123" {
			t.Errorf("id: got %q, want %q", result["id"], "user-123")
		}
		if result["email"] != "test@example.com" {
			t.Errorf("email: got %q, want %q", result["email"], "test@example.com")
		}
	})

	t.Run("認証ヘッダーが無い場合は401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("DBにユーザーが存在しない場合は404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))
		token := generateTestJWT(t, "nonexistent-user", "nobody@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleProxyRouting はルート表に基づくプロキシ転送のテスト。
func TestHandleProxyRouting(t *testing.T) {
	t.Parallel()

	t.Run("プレフィックスを取り除いたパスでバックエンドに転送する", func(t *testing.T) {
		t.Parallel()

		backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"path":"%s","user_id":"%s"}`, r.URL.Path, r.Header.Get("X-User-ID"))
		})
		s := newTestServer(t, newTestConfig(map[string]string{"document-parser": backend.URL}))
		token := generateTestJWT(t, "proxy-user-1", "proxy@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/checkable-documents/42", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["path"] != "/checkable-documents/42" {
			t.Errorf("転送パス: got %q, want %q", result["path"], "/checkable-documents/42")
		}
		if result["user_id"] != "proxy-user-1" {
			t.Errorf("X-User-ID: got %q, want %q", result["user_id"], "proxy-user-1")
		}
	})

	t.Run("最長プレフィックスのルートが優先される", func(t *testing.T) {
		t.Parallel()

		norm, normHits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		norm2, norm2Hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{
			"normcontrol-service":  norm.URL,
			"normcontrol2-service": norm2.URL,
		}))
		token := generateTestJWT(t, "route-user", "route@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/normcontrol2/report", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := atomic.LoadInt32(norm2Hits); got != 1 {
			t.Errorf("normcontrol2-serviceへの転送数: got %d, want 1", got)
		}
		if got := atomic.LoadInt32(normHits); got != 0 {
			t.Errorf("normcontrol-serviceへの転送数: got %d, want 0", got)
		}
	})

	t.Run("クエリパラメータが転送される", func(t *testing.T) {
		t.Parallel()

		backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"query":"%s"}`, r.URL.RawQuery)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backend.URL}))
		token := generateTestJWT(t, "query-user", "query@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules?limit=10&offset=0", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if !strings.Contains(result["query"], "limit=10") {
			t.Errorf("クエリパラメータが転送されていない: got %q", result["query"])
		}
	})

	t.Run("バックエンドの4xxステータスとボディがそのまま透過する", func(t *testing.T) {
		t.Parallel()

		backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"検証エラー"}`))
		})
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backend.URL}))
		token := generateTestJWT(t, "err-user", "err@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnprocessableEntity)
		}
		if !strings.Contains(w.Body.String(), "検証エラー") {
			t.Errorf("エラーボディが透過していない: got %q", w.Body.String())
		}
	})

	t.Run("POSTリクエストのボディが転送される", func(t *testing.T) {
		t.Parallel()

		backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"document-parser": backend.URL}))
		token := generateTestJWT(t, "post-user", "post@example.com")

		requestBody := `{"filename":"report.docx"}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/checkable-documents", strings.NewReader(requestBody))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if w.Body.String() != requestBody {
			t.Errorf("転送ボディ: got %q, want %q", w.Body.String(), requestBody)
		}
	})

	t.Run("マッチするルートが無い場合は404のno_routeを返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))
		token := generateTestJWT(t, "user-1", "test@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/unknown-service/items", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
		if result := errorBody(t, w); result["kind"] != "no_route" {
			t.Errorf("kind: got %q, want %q", result["kind"], "no_route")
		}
	})
}

// TestHandleProxyAuthGate は認証ゲートのテスト。
// 資格情報が無効な場合、バックエンドには一切到達しないことを検証する。
func TestHandleProxyAuthGate(t *testing.T) {
	t.Parallel()

	t.Run("認証ヘッダーが無い場合は401でバックエンドに到達しない", func(t *testing.T) {
		t.Parallel()

		backend, hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backend.URL}))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if result := errorBody(t, w); result["kind"] != "missing_credential" {
			t.Errorf("kind: got %q, want %q", result["kind"], "missing_credential")
		}
		if got := atomic.LoadInt32(hits); got != 0 {
			t.Errorf("バックエンドへの転送数: got %d, want 0", got)
		}
	})

	t.Run("期限切れトークンは401でバックエンドに到達しない", func(t *testing.T) {
		t.Parallel()

		backend, hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backend.URL}))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+generateExpiredJWT(t))
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if result := errorBody(t, w); result["kind"] != "invalid_credential" {
			t.Errorf("kind: got %q, want %q", result["kind"], "invalid_credential")
		}
		if got := atomic.LoadInt32(hits); got != 0 {
			t.Errorf("バックエンドへの転送数: got %d, want 0", got)
		}
	})

	t.Run("異なるsecretで署名されたトークンは拒否される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestConfig(nil))
		wrongToken, err := middleware.GenerateJWT("wrong-secret", "user-1", "test@example.com")
		if err != nil {
			t.Fatalf("JWT生成に失敗: %v", err)
		}

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+wrongToken)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("公開ルートは認証なしで転送される", func(t *testing.T) {
		t.Parallel()

		backend, hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"path":"%s"}`, r.URL.Path)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"normcontrol2-service": backend.URL}))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/normcontrol2/status", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["path"] != "/normcontrol2/status" {
			t.Errorf("転送パス: got %q, want %q", result["path"], "/normcontrol2/status")
		}
		if got := atomic.LoadInt32(hits); got != 1 {
			t.Errorf("バックエンドへの転送数: got %d, want 1", got)
		}
	})
}

// TestHandleProxyResilience は到達不能時の再試行とタイムアウト処理のテスト。
func TestHandleProxyResilience(t *testing.T) {
	t.Parallel()

	t.Run("一時的な接続失敗は再試行して成功する", func(t *testing.T) {
		t.Parallel()

		// 最初の2接続は切断され、3回目で成功する
		backendURL, conns := flakyBackend(t, 2)
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backendURL}))
		token := generateTestJWT(t, "retry-user", "retry@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := atomic.LoadInt32(conns); got != 3 {
			t.Errorf("バックエンドへの接続数: got %d, want 3", got)
		}
	})

	t.Run("再試行が尽きた場合は503とRetry-Afterを返す", func(t *testing.T) {
		t.Parallel()

		// 全接続が応答前に切断される
		backendURL, conns := flakyBackend(t, 100)
		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": backendURL}))
		token := generateTestJWT(t, "exhaust-user", "exhaust@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if result := errorBody(t, w); result["kind"] != "upstream_unavailable" {
			t.Errorf("kind: got %q, want %q", result["kind"], "upstream_unavailable")
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("Retry-Afterヘッダーが設定されていない")
		}
		if got := atomic.LoadInt32(conns); got != 3 {
			t.Errorf("バックエンドへの接続数: got %d, want 3", got)
		}
	})

	t.Run("タイムアウトは504を返し再試行しない", func(t *testing.T) {
		t.Parallel()

		backend, hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"normcontrol2-service": backend.URL}))

		// /api/normcontrol2/status はshortクラス（テスト設定では100ms）
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/normcontrol2/status", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusGatewayTimeout {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
		if result := errorBody(t, w); result["kind"] != "upstream_timeout" {
			t.Errorf("kind: got %q, want %q", result["kind"], "upstream_timeout")
		}
		if got := atomic.LoadInt32(hits); got != 1 {
			t.Errorf("バックエンドへの転送数: got %d, want 1", got)
		}
	})

	t.Run("HTTPとして解釈できないレスポンスは502を返す", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("リスナーの起動に失敗: %v", err)
		}
		t.Cleanup(func() { ln.Close() })
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_, _ = conn.Write([]byte("これはHTTPではない\n"))
				conn.Close()
			}
		}()

		s := newTestServer(t, newTestConfig(map[string]string{"rule-engine": "http://" + ln.Addr().String()}))
		token := generateTestJWT(t, "proto-user", "proto@example.com")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadGateway {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusBadGateway)
		}
		if result := errorBody(t, w); result["kind"] != "upstream_protocol_error" {
			t.Errorf("kind: got %q, want %q", result["kind"], "upstream_protocol_error")
		}
	})

	t.Run("呼び出し元が切断済みの場合はレスポンスを書き込まない", func(t *testing.T) {
		t.Parallel()

		backend, hits := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{"normcontrol2-service": backend.URL}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/normcontrol2/status", nil).WithContext(ctx)
		s.router.ServeHTTP(w, req)

		if w.Body.Len() != 0 {
			t.Errorf("レスポンスボディ: got %q, want 空", w.Body.String())
		}
		if got := atomic.LoadInt32(hits); got != 0 {
			t.Errorf("バックエンドへの転送数: got %d, want 0", got)
		}
	})
}

// TestAggregateHealth は集約ヘルスチェックのテスト。
func TestAggregateHealth(t *testing.T) {
	t.Parallel()

	t.Run("全サービスが正常な場合はokを返す", func(t *testing.T) {
		t.Parallel()

		backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s := newTestServer(t, newTestConfig(map[string]string{
			"document-parser":      backend.URL,
			"normcontrol-service":  backend.URL,
			"normcontrol2-service": backend.URL,
			"rule-engine":          backend.URL,
		}))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result struct {
			Status   string            `json:"status"`
			Services map[string]string `json:"services"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result.Status != "ok" {
			t.Errorf("status: got %q, want %q", result.Status, "ok")
		}
		if len(result.Services) != 4 {
			t.Errorf("サービス数: got %d, want 4", len(result.Services))
		}
	})

	t.Run("一部のサービスが異常な場合はdegradedを返す", func(t *testing.T) {
		t.Parallel()

		healthy, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		// rule-engine以外は正常、rule-engineは到達不能なダミーURLのまま
		s := newTestServer(t, newTestConfig(map[string]string{
			"document-parser":      healthy.URL,
			"normcontrol-service":  healthy.URL,
			"normcontrol2-service": healthy.URL,
		}))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result struct {
			Status   string            `json:"status"`
			Services map[string]string `json:"services"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result.Status != "degraded" {
			t.Errorf("status: got %q, want %q", result.Status, "degraded")
		}
		if result.Services["rule-engine"] != "error" {
			t.Errorf("rule-engineのステータス: got %q, want %q", result.Services["rule-engine"], "error")
		}
	})
}

// TestGatewayHealthCheck はヘルスチェックエンドポイントのテスト。
func TestGatewayHealthCheck(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newTestConfig(nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("status: got %q, want %q", result["status"], "ok")
	}
	if result["service"] != "gateway" {
		t.Errorf("service: got %q, want %q", result["service"], "gateway")
	}
}
