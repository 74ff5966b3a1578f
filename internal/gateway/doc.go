// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// パスプレフィックスに基づくルーティング、JWT認証ゲート、内部サービスへの
// プロキシ転送を担当する。外部からアクセス可能な唯一のサービスであり、
// セキュリティの境界線として機能する。到達不能なサービスへの転送は
// 再試行し、タイムアウトやプロトコル違反は分類してエラーとして返す。
package gateway
