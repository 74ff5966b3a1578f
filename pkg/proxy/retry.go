package proxy

import (
	"context"
	"time"
)

// RetryPolicy は到達不能時のリトライ方針を表す。
// リトライ対象はOutcomeUnreachableのみ。タイムアウトやプロトコルエラーを
// リトライすると非冪等な操作（文書取り込み等）が二重実行されるため対象外。
type RetryPolicy struct {
	// MaxAttempts は初回を含む最大試行回数。1以下の場合はリトライしない。
	MaxAttempts int
	// Backoff は試行間の待機時間の基準値。n回目の失敗後は n×Backoff 待機する。
	Backoff time.Duration
}

// RetryAfter は呼び出し元に返すRetry-Afterヒント（秒）を返す。
// 次のバックオフ待機時間を切り上げた値。最低1秒。
func (p RetryPolicy) RetryAfter() int {
	secs := int((p.Backoff + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ForwardWithRetry はリトライ方針に従ってリクエストを転送する。
// 戻り値のattemptsは実際に行われた試行回数。
//
// ボディ付きリクエストはGetBodyによる再取得が可能な場合のみリトライされる。
// ストリーム転送中の大きなボディは巻き戻せないため1回で打ち切る。
// リトライを使い切った場合は最後のOutcomeUnreachableがそのまま返り、
// 呼び出し元が「一時的に利用不可」として報告する。
func (f *Forwarder) ForwardWithRetry(ctx context.Context, baseURL string, in Request, timeout time.Duration, policy RetryPolicy) (Outcome, int) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var outcome Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome = f.Forward(ctx, baseURL, in, timeout)
		if outcome.Kind != OutcomeUnreachable {
			return outcome, attempt
		}
		if attempt == maxAttempts {
			return outcome, attempt
		}
		if in.Body != nil && in.GetBody == nil {
			// ボディを再送できないためリトライを諦める
			return outcome, attempt
		}

		if in.GetBody != nil {
			body, err := in.GetBody()
			if err != nil {
				return outcome, attempt
			}
			in.Body = body
		}

		select {
		case <-time.After(time.Duration(attempt) * policy.Backoff):
		case <-ctx.Done():
			return Outcome{Kind: OutcomeCanceled, Err: ctx.Err()}, attempt
		}
	}
	return outcome, maxAttempts
}
