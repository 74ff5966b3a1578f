package middleware

// DenyReason は認証ゲートの拒否理由を表す。
type DenyReason string

const (
	// DenyMissingCredential はBearerトークンが提示されなかったことを表す。
	DenyMissingCredential DenyReason = "missing_credential"
	// DenyInvalidCredential は提示されたトークンの検証に失敗したことを表す。
	DenyInvalidCredential DenyReason = "invalid_credential"
)

// Decision は認証ゲートの判定結果を表す。リクエストスコープの一時値。
type Decision struct {
	// Allowed は通過を許可するかどうか。
	Allowed bool
	// Claims は許可時の検証済みクレーム。公開パスの場合はnil。
	Claims *Claims
	// Reason は拒否時の理由。
	Reason DenyReason
	// Message は呼び出し元に返す説明。
	Message string
}

// Authorize は認証ゲートの判定を行う。
//
// publicがtrueの場合はトークンを一切検査せず無条件で許可する。
// ヘルスチェック等の公開エンドポイントはIDプロバイダが起動する前でも
// 機能する必要があるため、これは意図した動作である。
// 保護パスではBearerトークンの提示と検証成功を要求する。
// 判定は下流呼び出しの前に完結し、拒否されたリクエストは
// バックエンドに一切到達しない。
func Authorize(public bool, authHeader string, verifier Verifier) Decision {
	if public {
		return Decision{Allowed: true}
	}

	if authHeader == "" {
		return Decision{
			Reason:  DenyMissingCredential,
			Message: "Authorizationヘッダーが必要です",
		}
	}

	token, ok := BearerToken(authHeader)
	if !ok || token == "" {
		return Decision{
			Reason:  DenyMissingCredential,
			Message: "Bearer トークン形式が不正です",
		}
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		return Decision{
			Reason:  DenyInvalidCredential,
			Message: "トークンが無効です",
		}
	}

	return Decision{Allowed: true, Claims: claims}
}
