package proxy

import "net/http"

// OutcomeKind は下流呼び出しの結果分類を表す。
type OutcomeKind int

const (
	// OutcomeResponse はバックエンドからHTTPレスポンスを受信したことを表す。
	// ステータスコードが4xx/5xxであってもこの分類になる（ステータスは透過する）。
	OutcomeResponse OutcomeKind = iota
	// OutcomeUnreachable は接続レベルの失敗（接続拒否・DNS失敗・
	// レスポンス途中の接続リセット）を表す。リトライ対象。
	OutcomeUnreachable
	// OutcomeTimeout はリクエストが許容時間を超過したことを表す。
	// リトライせず即座に呼び出し元へ返す。
	OutcomeTimeout
	// OutcomeProtocolError は受信したが解釈できないレスポンスを表す。
	// バックエンドの欠陥としてログに残し、リトライしない。
	OutcomeProtocolError
	// OutcomeCanceled は呼び出し元が切断しリクエストが中断されたことを表す。
	// 下流呼び出しは即座にキャンセルされ、レスポンスは返さない。
	OutcomeCanceled
)

// String は結果分類の文字列表現を返す。メトリクスのラベルにも使用する。
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponse:
		return "response"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome は1回の転送試行の結果を表す。リクエストスコープの一時値。
type Outcome struct {
	// Kind は結果の分類。
	Kind OutcomeKind
	// Response はOutcomeResponseの場合のバックエンドレスポンス。
	// 呼び出し元がBodyをクローズする責務を持つ。他の分類ではnil。
	Response *http.Response
	// Err は失敗時の元エラー。OutcomeResponseではnil。
	Err error
}
