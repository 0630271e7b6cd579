package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/medigate/internal/proxy"
	"github.com/nao1215/medigate/internal/ratelimit"
	"github.com/nao1215/medigate/pkg/httpclient"
	"github.com/nao1215/medigate/pkg/middleware"
)

// pipeline は予約パス以外のすべてのリクエストに適用する処理の順序。
func (s *Server) pipeline() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		s.rateLimit(),
		s.resolveRoute(),
		middleware.JWTAuth(s.validator,
			middleware.WithSkipper(s.isPublic),
			middleware.WithAuthErrorHandler(rejectUnauthorized),
		),
		s.authorize(),
		s.dispatch(),
	}
}

// rateLimit は識別子毎のリクエスト数を数え、上限を超えたリクエストを429で拒否する。
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := s.limiter.Admit(c.Request.Context(), s.rateLimitIdentifier(c))

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		if !d.FailedOpen {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining(), 10))
		}
		if !d.Allowed {
			s.metrics.RecordRateLimitRejection()
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
			abortWithError(c, http.StatusTooManyRequests, StateRejected, codeRateLimitExceeded,
				"リクエスト数の上限を超えました。しばらくしてから再試行してください", nil, nil)
			return
		}
		getRequestContext(c).advance(StateRateChecked)
		c.Next()
	}
}

// rateLimitIdentifier はレート制限の識別子を決める。
// 公開エンドポイントと検証に失敗したトークンはクライアントIPで数え、偽のトークンを替えて上限を逃れられないようにする。
func (s *Server) rateLimitIdentifier(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := middleware.BearerToken(header)
	if !ok || s.isPublic(c) {
		return ratelimit.Identifier("", c.ClientIP())
	}
	if _, err := s.validator.Validate(header); err != nil {
		return ratelimit.Identifier("", c.ClientIP())
	}
	return ratelimit.Identifier(token, c.ClientIP())
}

func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(math.Ceil(d.ResetAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// resolveRoute はパスの先頭セグメントから転送先を決定する。
// 認証より先に行うため、存在しないプレフィックスは認証状態に関わらず404になる。
func (s *Server) resolveRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := s.routes.Resolve(c.Request.URL.EscapedPath())
		if err != nil {
			abortWithError(c, http.StatusNotFound, StateRejected, codeRouteNotFound,
				"指定されたパスに対応するサービスがありません", err, nil)
			return
		}
		getRequestContext(c).Route = &m
		c.Next()
	}
}

func (s *Server) isPublic(c *gin.Context) bool {
	return s.policy.IsPublic(c.Request.Method, c.Request.URL.Path)
}

func rejectUnauthorized(c *gin.Context, err *middleware.AuthError) {
	abortWithError(c, http.StatusUnauthorized, StateRejected, codeUnauthorized, err.Message(), err,
		gin.H{"kind": string(err.Kind)})
}

// authorize はロールに基づいてアクセスを判定する。
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := getRequestContext(c)
		claims := middleware.GetClaims(c)
		if claims != nil {
			rc.Claims = claims
			rc.advance(StateAuthenticated)
		} else {
			rc.advance(StatePublic)
		}

		allowed, err := s.policy.Allowed(c.Request.Method, c.Request.URL.Path, claims)
		if err != nil {
			abortInternal(c, err)
			return
		}
		if !allowed {
			abortWithError(c, http.StatusForbidden, StateRejected, codeAccessDenied,
				"このリソースへのアクセス権限がありません", nil, nil)
			return
		}
		rc.advance(StateAuthorized)
		c.Next()
	}
}

// dispatch は上流サービスへ1回だけ転送する。
func (s *Server) dispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := getRequestContext(c)
		if rc == nil || rc.Route == nil {
			abortInternal(c, errors.New("ルートが解決されていません"))
			return
		}
		rc.advance(StateDispatched)

		id := proxy.Identity{CorrelationID: rc.CorrelationID}
		if rc.Claims != nil {
			id.Subject = rc.Claims.Subject
			id.Roles = rc.Claims.RoleList()
			id.OrgID = rc.Claims.OrgID
		}

		_, err := s.dispatcher.Dispatch(c.Writer, c.Request, *rc.Route, id)
		var perr *proxy.ProxyError
		if errors.As(err, &perr) {
			abortWithError(c, perr.Status(), StateFailed, string(perr.Kind), perr.Message(), perr, nil)
			return
		}
		// ボディが空でも上流のステータスを確定させる
		c.Writer.WriteHeaderNow()
		if err != nil {
			// レスポンスを書き始めた後の失敗はステータスを変更できない
			rc.finish(StateFailed, string(httpclient.KindFailed), err)
			c.Abort()
			return
		}
		rc.advance(StateCompleted)
	}
}
