// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアと
// 認証ゲートを提供する。
//
// Bearerトークンの検証（Auth Gate）、リクエストID付与、パニックリカバリ、
// CORS設定など、ゲートウェイのリクエスト処理パイプラインの横断的関心事を含む。
// 認証ゲートは「呼び出し元が既知か」のみを判定し、ロール・権限による
// きめ細かいアクセス制御はバックエンドサービスに委ねる。
package middleware
