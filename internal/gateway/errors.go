package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/medigate/pkg/middleware"
)

// エラーレスポンスのerrorコード。
const (
	codeUnauthorized      = "unauthorized"
	codeAccessDenied      = "access_denied"
	codeRateLimitExceeded = "rate_limit_exceeded"
	codeRouteNotFound     = "route_not_found"
	codeInternalError     = "internal_error"
)

// abortWithError はエラーレスポンスを返してパイプラインを打ち切る。
// stateにはREJECTEDまたはFAILEDを指定する。causeはログにだけ出力する。
func abortWithError(c *gin.Context, status int, state State, code, message string, cause error, extra gin.H) {
	getRequestContext(c).finish(state, code, cause)

	body := gin.H{
		"error":          code,
		"message":        message,
		"correlation_id": middleware.GetRequestID(c),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

// abortInternal は内部エラーを詳細を含めずに返す。
func abortInternal(c *gin.Context, cause error) {
	abortWithError(c, http.StatusInternalServerError, StateFailed, codeInternalError,
		"内部サーバーエラーが発生しました", cause, nil)
}
