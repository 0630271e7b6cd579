package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PanicHandler はパニックから回復した際に呼ばれる関数。recoveredはpanicに渡された値。
type PanicHandler func(c *gin.Context, recovered any, stack []byte)

// LogPanic はパニックの内容とスタックトレースをloggerに出力するPanicHandlerを返す。
func LogPanic(logger *zap.Logger) PanicHandler {
	return func(c *gin.Context, recovered any, stack []byte) {
		logger.Error("パニックから回復しました",
			zap.String("correlation_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.ByteString("stack", stack),
		)
	}
}

// RecoveryWithHandler はパニックからの回復を行うGinミドルウェアを返す。
// パニックの記録はhandleに任せ、クライアントには詳細を含まない500エラーを返す。
func RecoveryWithHandler(handle PanicHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				handle(c, r, debug.Stack())
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":          "internal_error",
					"message":        "内部サーバーエラーが発生しました",
					"correlation_id": GetRequestID(c),
				})
			}
		}()
		c.Next()
	}
}
