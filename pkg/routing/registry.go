package routing

import (
	"fmt"
	"net/url"
	"strings"
)

// ServiceEntry はバックエンドサービスの登録情報を表す。
// 論理サービス名とベースURL（スキーム+ホスト+ポート）の組。
type ServiceEntry struct {
	// Name はサービスの論理名（例: "document-parser"）。一意であること。
	Name string
	// BaseURL はサービスのベースURL（例: "http://document-parser:8001"）。
	BaseURL string
}

// Registry は論理サービス名からベースURLへの静的マッピング。
// プロセス起動時に一度だけ構築され、以降は読み取り専用。
// サービスの追加・変更にはプロセス再起動が必要（ホットリロードは行わない）。
type Registry struct {
	// entries はサービス名をキーとするベースURLのマップ。
	entries map[string]string
}

// NewRegistry はサービス定義からレジストリを構築する。
// サービス名の重複、不正なベースURLは設定エラーとして起動を中断させる。
func NewRegistry(services []ServiceEntry) (*Registry, error) {
	entries := make(map[string]string, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			return nil, fmt.Errorf("サービス名が空です: base_url=%s", svc.BaseURL)
		}
		if _, ok := entries[svc.Name]; ok {
			return nil, fmt.Errorf("サービス名が重複しています: %s", svc.Name)
		}

		u, err := url.Parse(svc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("サービス %s のベースURLが不正です: %w", svc.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("サービス %s のベースURLはhttp(s)である必要があります: %s", svc.Name, svc.BaseURL)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("サービス %s のベースURLにホストがありません: %s", svc.Name, svc.BaseURL)
		}

		// 末尾スラッシュは転送パス結合時の二重スラッシュを防ぐため除去する
		entries[svc.Name] = strings.TrimRight(svc.BaseURL, "/")
	}

	return &Registry{entries: entries}, nil
}

// Resolve は論理サービス名をベースURLに解決する。
// 未登録のサービス名の場合は第2戻り値がfalseになる。
func (r *Registry) Resolve(name string) (string, bool) {
	baseURL, ok := r.entries[name]
	return baseURL, ok
}

// Names は登録されている全サービス名を返す。
// 集約ヘルスチェックが全バックエンドを列挙するために使用する。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
