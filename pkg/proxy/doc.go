// Package proxy はバックエンドサービスへのHTTPリクエスト転送を提供する。
//
// メソッド・ヘッダー（ホップバイホップを除く）・クエリ文字列・ボディを
// そのまま転送し、リクエストごとのタイムアウトを適用する。下流の失敗は
// 到達不能・タイムアウト・プロトコルエラーに分類され、到達不能のみが
// 限定的なリトライの対象になる（バックエンド再起動の一時的な窓を想定）。
// タイムアウトのリトライは非冪等な操作の二重実行を招くため行わない。
package proxy
