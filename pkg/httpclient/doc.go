// Package httpclient はバックエンドサービスへのヘルスプローブを提供する。
//
// ゲートウェイの集約ヘルスチェックが各バックエンドの /health を
// 確認する際に使用する。プロキシ転送経路とは独立した短いタイムアウトを
// 持ち、バックエンドの応答遅延が集約ヘルスチェック全体を塞がないようにする。
package httpclient
