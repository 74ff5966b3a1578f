package gateway

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PavSher76/AI-NK-sub002/pkg/metrics"
	"github.com/PavSher76/AI-NK-sub002/pkg/middleware"
	"github.com/PavSher76/AI-NK-sub002/pkg/proxy"
)

// maxBufferedBody は再試行のためにメモリへ読み込むリクエストボディの上限。
// これを超えるボディはストリーミング転送され、再試行の対象外となる。
const maxBufferedBody = 1 << 20

// handleProxy はルート表に基づいて内部サービスへリクエストを転送するハンドラを返す。
// マッチ → 認証 → 転送 → 結果分類の順に処理する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// /api/health はGateway自身が集約して応答する。
		// Ginのキャッチオール /api/*path とは静的ルートとして共存できないためここで分岐する。
		if path == "/api/health" {
			s.aggregateHealth(c)
			return
		}

		m, ok := s.table.Match(path)
		if !ok {
			metrics.NoRouteTotal.Inc()
			c.JSON(http.StatusNotFound, gin.H{
				"kind":  "no_route",
				"error": fmt.Sprintf("パス %s に対応するルートがありません", path),
			})
			return
		}

		// 認証ゲート。非公開ルートで資格情報が無効なら下流には一切到達させない。
		decision := middleware.Authorize(m.Public, c.GetHeader("Authorization"), s.verifier)
		if !decision.Allowed {
			metrics.AuthDeniedTotal.WithLabelValues(string(decision.Reason)).Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"kind":  string(decision.Reason),
				"error": decision.Message,
			})
			return
		}

		// 認証済みユーザーの識別情報とリクエストIDを下流へ伝搬する。
		if decision.Claims != nil {
			c.Request.Header.Set("X-User-ID", decision.Claims.UserID)
		}
		if rid := middleware.GetRequestID(c); rid != "" {
			c.Request.Header.Set("X-Request-ID", rid)
		}

		in, err := s.buildForwardRequest(c, m.ForwardPath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"kind":  "invalid_request",
				"error": "リクエストボディの読み取りに失敗しました",
			})
			return
		}

		timeout := s.cfg.timeoutFor(m.Rule.Timeout)
		start := time.Now()
		outcome, attempts := s.forwarder.ForwardWithRetry(c.Request.Context(), m.BaseURL, in, timeout, s.retry)
		metrics.ObserveProxy(m.Rule.Service, outcome.Kind.String(), attempts, time.Since(start))

		s.writeOutcome(c, m.Rule.Service, outcome)
	}
}

// buildForwardRequest はGinのリクエストから転送用リクエストを組み立てる。
// サイズ既知かつ上限以下のボディはメモリに読み込み、再試行時に再送できるようにする。
func (s *Server) buildForwardRequest(c *gin.Context, forwardPath string) (proxy.Request, error) {
	in := proxy.Request{
		Method:        c.Request.Method,
		Path:          forwardPath,
		RawQuery:      c.Request.URL.RawQuery,
		Header:        c.Request.Header,
		ContentLength: c.Request.ContentLength,
	}

	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return in, nil
	}

	if c.Request.ContentLength >= 0 && c.Request.ContentLength <= maxBufferedBody {
		buf, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBufferedBody+1))
		if err != nil {
			return proxy.Request{}, err
		}
		in.Body = bytes.NewReader(buf)
		in.ContentLength = int64(len(buf))
		in.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		return in, nil
	}

	// 大きなボディやサイズ不明のボディはストリーミングのまま転送する。
	in.Body = c.Request.Body
	return in, nil
}

// writeOutcome は転送結果を呼び出し元へのレスポンスに変換する。
// バックエンドのステータスコードは4xx/5xxを含めてそのまま透過する。
func (s *Server) writeOutcome(c *gin.Context, service string, outcome proxy.Outcome) {
	switch outcome.Kind {
	case proxy.OutcomeResponse:
		resp := outcome.Response
		defer resp.Body.Close()

		header := c.Writer.Header()
		for k, vv := range resp.Header {
			for _, v := range vv {
				header.Add(k, v)
			}
		}
		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			// ヘッダー送信後のためエラーレスポンスは返せない。ログに残して打ち切る。
			log.Printf("[Gateway] レスポンスボディの転送が中断: service=%s, error=%v", service, err)
		}

	case proxy.OutcomeUnreachable:
		c.Header("Retry-After", strconv.Itoa(s.retry.RetryAfter()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"kind":  "upstream_unavailable",
			"error": fmt.Sprintf("サービス %s に到達できません", service),
		})

	case proxy.OutcomeTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"kind":  "upstream_timeout",
			"error": fmt.Sprintf("サービス %s の応答が時間内に完了しませんでした", service),
		})

	case proxy.OutcomeProtocolError:
		// バックエンドの欠陥として扱い、調査できるようログに残す。
		log.Printf("[Gateway] 不正なレスポンス: service=%s, error=%v", service, outcome.Err)
		c.JSON(http.StatusBadGateway, gin.H{
			"kind":  "upstream_protocol_error",
			"error": fmt.Sprintf("サービス %s から不正なレスポンスを受信しました", service),
		})

	case proxy.OutcomeCanceled:
		// 呼び出し元が切断済みのためレスポンスは届かない。書き込まずに終了する。
		c.Abort()
	}
}
