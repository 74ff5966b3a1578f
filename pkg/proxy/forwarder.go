package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"syscall"
	"time"
)

// Request は転送するリクエストの内容を表す。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path は転送パス（プレフィックス除去済み）。
	Path string
	// RawQuery は元リクエストのクエリ文字列。
	RawQuery string
	// Header は元リクエストのヘッダー。ホップバイホップは転送時に除去される。
	Header http.Header
	// Body はリクエストボディ。nilの場合はボディなし。
	// 大きなボディはバッファリングせずストリームのまま渡すこと。
	Body io.Reader
	// ContentLength はボディ長。不明な場合は-1。
	ContentLength int64
	// GetBody はリトライ時にボディを再取得する関数。
	// nilの場合、ボディ付きリクエストはリトライされない。
	GetBody func() (io.ReadCloser, error)
}

// Forwarder はバックエンドへのリクエスト転送を行う。
// 全リクエストで共有されるコネクションプール（http.Transport）を持ち、
// 各リクエストのコネクション利用はそのリクエストの処理期間に限定される。
type Forwarder struct {
	// client は下流呼び出し用のHTTPクライアント。
	// タイムアウトはリクエストごとのコンテキストで制御するためClient.Timeoutは使わない。
	client *http.Client
}

// NewForwarder は新しいForwarderを生成する。
func NewForwarder() *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// リダイレクトは追わずそのまま呼び出し元へ透過する
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward はリクエストを1回だけ下流に転送する。
// タイムアウトはこの呼び出しに閉じたコンテキストで強制される。
// 呼び出し元コンテキストのキャンセル（クライアント切断）は即座に
// 下流呼び出しを中断し、OutcomeCanceledとして報告される。
// OutcomeResponseの場合、Response.Bodyのクローズでこのリクエストの
// コネクション資源が解放される。
func (f *Forwarder) Forward(ctx context.Context, baseURL string, in Request, timeout time.Duration) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	outReq, err := http.NewRequestWithContext(reqCtx, in.Method, buildURL(baseURL, in.Path, in.RawQuery), in.Body)
	if err != nil {
		cancel()
		return Outcome{Kind: OutcomeProtocolError, Err: err}
	}
	if in.ContentLength >= 0 {
		outReq.ContentLength = in.ContentLength
	}
	if in.GetBody != nil {
		outReq.GetBody = in.GetBody
	}
	copyProxyHeader(outReq.Header, in.Header)

	resp, err := f.client.Do(outReq)
	if err != nil {
		cancel()
		return classifyError(ctx, err)
	}

	removeHopByHopHeader(resp.Header)

	// タイムアウトのキャンセルはボディ読み切りまで遅延させる。
	// Bodyクローズ時に必ずcancelが走り、コネクション資源が解放される。
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return Outcome{Kind: OutcomeResponse, Response: resp}
}

// buildURL はベースURL・転送パス・クエリ文字列から下流URLを組み立てる。
func buildURL(baseURL, path, rawQuery string) string {
	u := baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// classifyError は下流呼び出しのエラーをOutcomeに分類する。
// 分類順序: 呼び出し元キャンセル → タイムアウト → 到達不能 → プロトコルエラー。
func classifyError(callerCtx context.Context, err error) Outcome {
	if callerCtx.Err() != nil {
		// 親コンテキストが先に死んでいる場合はクライアント切断
		return Outcome{Kind: OutcomeCanceled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Kind: OutcomeTimeout, Err: err}
	}
	if isConnectionError(err) {
		return Outcome{Kind: OutcomeUnreachable, Err: err}
	}
	// 受信はしたが解釈できないレスポンス（不正なHTTP等）
	return Outcome{Kind: OutcomeProtocolError, Err: err}
}

// isConnectionError は接続レベルの失敗（到達不能）か判定する。
// 接続拒否・DNS失敗・レスポンス途中の接続リセットが該当する。
func isConnectionError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// レスポンス途中で接続が切れた場合
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// hopByHopHeaders はプロキシが転送してはならないホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyProxyHeader は転送用ヘッダーをコピーする。
// ホップバイホップヘッダーと、Connectionヘッダーが名指しするヘッダーは転送しない。
func copyProxyHeader(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	removeHopByHopHeader(dst)
}

// removeHopByHopHeader はヘッダーからホップバイホップヘッダーを除去する。
func removeHopByHopHeader(h http.Header) {
	// Connectionヘッダーが名指しするヘッダーを先に除去する
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// cancelOnClose はBodyクローズ時にコンテキストキャンセルを実行するラッパー。
// 成功・失敗を問わず全ての経路でコネクション資源が解放されることを保証する。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

// Close はボディを閉じ、リクエストのコンテキストをキャンセルする。
func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
