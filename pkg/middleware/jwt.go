package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims は検証済みトークンのクレーム（ペイロード）を表す。
// ユーザーID等の情報をバックエンドサービスへ伝播するために使用する。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// tokenIssuer はこのゲートウェイが発行するトークンのissuerクレーム。
const tokenIssuer = "ai-nk-gateway"

// Verifier はIDプロバイダとの検証境界を表す。
// 署名・有効期限の検証は外部コラボレータの責務であり、
// ゲートウェイ本体はこの契約（トークン → クレーム or 失敗）のみに依存する。
type Verifier interface {
	// Verify はBearerトークンを検証し、成功時にクレームを返す。
	// 署名不正・期限切れ等は全てエラーとして返る。
	Verify(token string) (*Claims, error)
}

// HMACVerifier は共有秘密鍵によるHS256署名検証を行うVerifier実装。
type HMACVerifier struct {
	// secret はJWT署名用の共有秘密鍵。
	secret string
}

// NewHMACVerifier は共有秘密鍵からVerifierを生成する。
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

// Verify はHS256署名付きJWTを検証する。
func (v *HMACVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(v.secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("トークンが無効です")
	}
	return claims, nil
}

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// gatewayサービスがトークン発行エンドポイントで呼び出す。
func GenerateJWT(secret, userID, email string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// ゲートウェイ自身のエンドポイント（/auth/me等）で使用する。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
func JWTAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := Authorize(false, c.GetHeader("Authorization"), verifier)
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":  string(decision.Reason),
				"error": decision.Message,
			})
			return
		}

		c.Set("user_id", decision.Claims.UserID)
		c.Set("email", decision.Claims.Email)
		c.Header(headerKeyUserID, decision.Claims.UserID)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// Bearer形式でない場合は第2戻り値がfalseになる。
func BearerToken(authHeader string) (string, bool) {
	return strings.CutPrefix(authHeader, "Bearer ")
}
