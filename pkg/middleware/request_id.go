package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderRequestID はリクエストIDのHTTPヘッダーキー。
	HeaderRequestID = "X-Request-ID"
	// HeaderCorrelationID は相関IDのHTTPヘッダーキー。X-Request-IDと同じ値を持つ。
	HeaderCorrelationID = "X-Correlation-ID"
)

// contextKeyRequestID はGinコンテキストにリクエストIDを格納するキー。
const contextKeyRequestID = "request_id"

// RequestID はリクエスト毎の相関IDを決定するGinミドルウェアを返す。
// X-Request-ID、X-Correlation-ID の順に既存の値を引き継ぎ、無ければUUIDを生成する。
// 決定した値は両方のヘッダー名でレスポンスに必ず付与する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = c.GetHeader(HeaderCorrelationID)
		}
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(contextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストから相関IDを取得する。
// RequestIDミドルウェアが適用されていない場合は空文字列を返す。
func GetRequestID(c *gin.Context) string {
	v, ok := c.Get(contextKeyRequestID)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}
