// Package routing はAPI Gatewayのルーティングテーブルを提供する。
//
// サービスレジストリ（論理サービス名からベースURLへの静的マッピング）、
// 最長プレフィックス一致によるルート解決、構造的なプレフィックス除去、
// 認証不要パスの判定を含む。テーブルは起動時に一度だけ構築され、
// 以降は読み取り専用であるためロックなしで並行アクセスできる。
package routing
