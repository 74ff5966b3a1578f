package routing

import "fmt"

// TimeoutClass はルートごとのタイムアウト階級を表す。
// 実際の秒数は設定側の責務であり、ここでは階級の識別のみを行う。
type TimeoutClass string

const (
	// TimeoutClassDefault は通常のAPI呼び出し用のタイムアウト階級。
	TimeoutClassDefault TimeoutClass = "default"
	// TimeoutClassShort はステータス・ヘルスチェック等の短時間エンドポイント用。
	TimeoutClassShort TimeoutClass = "short"
	// TimeoutClassLong はアップロードや文書処理等の長時間エンドポイント用。
	TimeoutClassLong TimeoutClass = "long"
)

// RouteRule は1つのルーティングルールを表す。
// パスプレフィックスと転送先サービス、プレフィックス除去の指定を持つ。
// バックエンドサービスの追加はこのルールの追加（データ変更）であり、
// 制御フローの変更を必要としない。
type RouteRule struct {
	// Prefix は一致対象のパスプレフィックス（例: "/api/checkable-documents"）。
	Prefix string
	// Service は転送先サービスの論理名。レジストリに存在すること。
	Service string
	// StripPrefix は転送前にパス先頭から除去するプレフィックス（例: "/api"）。
	// 空の場合は除去しない。
	StripPrefix string
	// Public はこのルール配下を認証不要にするかどうか。
	Public bool
	// Timeout はこのルートのタイムアウト階級。空の場合はdefault扱い。
	Timeout TimeoutClass
}

// Match はルート解決の結果を表す。
type Match struct {
	// Rule は一致したルーティングルール。
	Rule *RouteRule
	// BaseURL は転送先サービスのベースURL。
	BaseURL string
	// ForwardPath はプレフィックス除去後の転送パス。
	ForwardPath string
	// Public は認証不要かどうか。ルールのPublicと公開パス集合の論理和。
	Public bool
}

// Table はコンパイル済みのルーティングテーブル。
// 起動時に一度構築され、以降は読み取り専用。
type Table struct {
	// rules は宣言順のルールリスト。
	rules []RouteRule
	// prefixSegs は各ルールのプレフィックスを事前分割したセグメント列。
	prefixSegs [][]string
	// prefixLens は各ルールの正規化済みプレフィックスの文字列長。
	// 最長プレフィックス一致の比較に使用する。
	prefixLens []int
	// registry はサービス名解決用のレジストリ。
	registry *Registry
	// public は認証免除パスの集合。
	public *PublicPathSet
}

// NewTable はルールリストからルーティングテーブルを構築する。
// 全ルールの転送先サービスがレジストリに存在することを起動時に検証し、
// 未登録サービスへの参照は設定エラーとして返す（リクエスト時エラーにしない）。
func NewTable(rules []RouteRule, registry *Registry, public *PublicPathSet) (*Table, error) {
	if public == nil {
		public = NewPublicPathSet(nil)
	}

	t := &Table{
		rules:      make([]RouteRule, 0, len(rules)),
		prefixSegs: make([][]string, 0, len(rules)),
		prefixLens: make([]int, 0, len(rules)),
		registry:   registry,
		public:     public,
	}

	for _, rule := range rules {
		if rule.Prefix == "" {
			return nil, fmt.Errorf("ルートルールのプレフィックスが空です: service=%s", rule.Service)
		}
		if _, ok := registry.Resolve(rule.Service); !ok {
			return nil, fmt.Errorf("ルートルール %s が未登録のサービス %s を参照しています", rule.Prefix, rule.Service)
		}
		if rule.Timeout == "" {
			rule.Timeout = TimeoutClassDefault
		}

		normalized := NormalizePath(rule.Prefix)
		t.rules = append(t.rules, rule)
		t.prefixSegs = append(t.prefixSegs, splitSegments(normalized))
		t.prefixLens = append(t.prefixLens, len(normalized))
	}

	return t, nil
}

// Match はリクエストパスを解決し、転送先サービスと転送パスを決定する。
// 最長プレフィックス一致で、長さが同じ場合は宣言が早いルールが勝つ
// （同一プレフィックスの二重登録があっても決定的に解決される）。
// どのルールにも一致しない場合は第2戻り値がfalseになる。
// これは未登録パスという正常な結果であり、障害ではない。
func (t *Table) Match(requestPath string) (*Match, bool) {
	path := NormalizePath(requestPath)
	pathSegs := splitSegments(path)

	best := -1
	bestLen := -1
	for i := range t.rules {
		if !hasSegmentPrefix(pathSegs, t.prefixSegs[i]) {
			continue
		}
		// プレフィックス文字列長で比較する。宣言順走査のため同長は先勝ち。
		if t.prefixLens[i] > bestLen {
			best = i
			bestLen = t.prefixLens[i]
		}
	}
	if best < 0 {
		return nil, false
	}

	rule := &t.rules[best]
	baseURL, _ := t.registry.Resolve(rule.Service)

	return &Match{
		Rule:        rule,
		BaseURL:     baseURL,
		ForwardPath: stripSegmentPrefix(path, rule.StripPrefix),
		Public:      rule.Public || t.public.Contains(path),
	}, true
}

// IsPublic は正規化済みパスが公開パス集合に属するか判定する。
// ルート解決とは独立に、ゲートウェイ自身のエンドポイント判定にも使用する。
func (t *Table) IsPublic(requestPath string) bool {
	return t.public.Contains(NormalizePath(requestPath))
}
