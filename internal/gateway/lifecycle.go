package gateway

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/medigate/internal/route"
	"github.com/nao1215/medigate/pkg/middleware"
)

// State はリクエストの処理段階。
type State string

const (
	StateReceived      State = "RECEIVED"
	StateRateChecked   State = "RATE_CHECKED"
	StateAuthenticated State = "AUTHENTICATED"
	StatePublic        State = "PUBLIC"
	StateAuthorized    State = "AUTHORIZED"
	StateDispatched    State = "DISPATCHED"
	StateCompleted     State = "COMPLETED"
	StateRejected      State = "REJECTED"
	StateFailed        State = "FAILED"
)

// terminal は最終状態かを返す。
func (s State) terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// contextKeyRequest はGinコンテキストにRequestContextを格納するキー。
const contextKeyRequest = "gateway_request"

// RequestContext は1リクエストの処理状況。リクエストの処理中だけ存在する。
type RequestContext struct {
	CorrelationID string
	Method        string
	Path          string
	Claims        *middleware.ClaimSet
	Route         *route.Match
	StartTime     time.Time
	State         State
	// ErrorCode はエラーレスポンスのerrorコード。成功時は空。
	ErrorCode string
	// Err はログにだけ出力する内部の原因。
	Err error
	// Stack はパニックから回復した場合のスタックトレース。
	Stack []byte
}

func newRequestContext(c *gin.Context, now time.Time) *RequestContext {
	rc := &RequestContext{
		CorrelationID: middleware.GetRequestID(c),
		Method:        c.Request.Method,
		Path:          c.Request.URL.Path,
		StartTime:     now,
		State:         StateReceived,
	}
	c.Set(contextKeyRequest, rc)
	return rc
}

// getRequestContext はGinコンテキストからRequestContextを取得する。
func getRequestContext(c *gin.Context) *RequestContext {
	v, ok := c.Get(contextKeyRequest)
	if !ok {
		return nil
	}
	rc, _ := v.(*RequestContext)
	return rc
}

// advance は処理段階を進める。最終状態からは遷移しない。
func (rc *RequestContext) advance(s State) {
	if rc == nil || rc.State.terminal() {
		return
	}
	rc.State = s
}

// finish は早期終了した理由を記録する。
func (rc *RequestContext) finish(s State, code string, cause error) {
	if rc == nil || rc.State.terminal() {
		return
	}
	rc.State = s
	rc.ErrorCode = code
	rc.Err = cause
}
