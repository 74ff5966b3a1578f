package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// headerKeyRequestID はリクエスト相関IDのHTTPヘッダーキー。
const headerKeyRequestID = "X-Request-ID"

// RequestID は各リクエストに相関IDを付与するGinミドルウェアを返す。
// 呼び出し元が X-Request-ID を提示した場合はそれを引き継ぎ、
// なければUUIDを新規採番する。IDはレスポンスヘッダーと
// バックエンドへの転送ヘッダーの両方に載る。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerKeyRequestID)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set("request_id", id)
		c.Request.Header.Set(headerKeyRequestID, id)
		c.Header(headerKeyRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
// RequestIDミドルウェアが事前に適用されている必要がある。
func GetRequestID(c *gin.Context) string {
	id, _ := c.Get("request_id")
	if s, ok := id.(string); ok {
		return s
	}
	return ""
}
