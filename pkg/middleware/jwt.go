package middleware

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthErrorKind は認証失敗の種類を表す。
type AuthErrorKind string

const (
	// AuthMissing はBearerトークンが提示されていないことを表す。
	AuthMissing AuthErrorKind = "missing"
	// AuthInvalid は署名・形式・必須クレームの検証に失敗したことを表す。
	AuthInvalid AuthErrorKind = "invalid"
	// AuthExpired は署名は正しいが有効期限が切れていることを表す。
	AuthExpired AuthErrorKind = "expired"
)

// AuthError はトークン検証の失敗を表す。失敗は最終的であり再試行しない。
type AuthError struct {
	// Kind は失敗の種類。
	Kind AuthErrorKind
	// Err は原因となったエラー。nilの場合もある。
	Err error
}

// Error はエラーメッセージを返す。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("認証エラー(%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("認証エラー(%s)", e.Kind)
}

// Unwrap は原因となったエラーを返す。
func (e *AuthError) Unwrap() error { return e.Err }

// Message はクライアントに返す説明文を返す。内部の詳細は含めない。
func (e *AuthError) Message() string {
	switch e.Kind {
	case AuthMissing:
		return "Authorizationヘッダーに Bearer トークンが必要です"
	case AuthExpired:
		return "トークンの有効期限が切れています"
	default:
		return "トークンが無効です"
	}
}

// ClaimSet は検証済みトークンから取り出した認証情報。
// 1リクエストの間だけ存在し、永続化しない。
type ClaimSet struct {
	// Subject はトークンの主体（ユーザーID）。
	Subject string
	// Roles は付与されたロールの集合。
	Roles map[string]struct{}
	// OrgID は所属組織のID。クレームが無い場合は空文字列。
	OrgID string
	// IssuedAt は発行時刻。クレームが無い場合はゼロ値。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// HasAnyRole はrolesのいずれかを持っていればtrueを返す。
func (c *ClaimSet) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if _, ok := c.Roles[r]; ok {
			return true
		}
	}
	return false
}

// RoleList はロールを列挙して返す。順序は保証しない。
func (c *ClaimSet) RoleList() []string {
	out := make([]string, 0, len(c.Roles))
	for r := range c.Roles {
		out = append(out, r)
	}
	return out
}

// tokenClaims は認証サービスが発行するトークンのペイロード。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Roles は複数ロール形式のクレーム。
	Roles []string `json:"roles"`
	// Role は単一ロール形式のクレーム。
	Role string `json:"role"`
	// OrgID は文字列または数値で発行される。
	OrgID any `json:"org_id"`
}

// TokenValidatorConfig はTokenValidatorの設定。
type TokenValidatorConfig struct {
	// Algorithm は署名アルゴリズム（HS256, HS384, HS512, RS256）。空の場合はHS256。
	Algorithm string
	// Secret はHMAC系アルゴリズムの共有秘密鍵。
	Secret []byte
	// PublicKey はRS256の検証用公開鍵。
	PublicKey *rsa.PublicKey
	// Now は現在時刻を返す関数。nilの場合はtime.Now。
	Now func() time.Time
}

// TokenValidator はBearerトークンの署名と有効期限を検証する。
// トークンの発行は行わない。
type TokenValidator struct {
	key    any
	parser *jwt.Parser
}

// NewTokenValidator は設定からTokenValidatorを生成する。
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	alg := strings.ToUpper(cfg.Algorithm)
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}

	var key any
	switch alg {
	case "HS256", "HS384", "HS512":
		if len(cfg.Secret) == 0 {
			return nil, errors.New("HMAC署名の検証には秘密鍵が必要です")
		}
		key = cfg.Secret
	case "RS256":
		if cfg.PublicKey == nil {
			return nil, errors.New("RS256の検証には公開鍵が必要です")
		}
		key = cfg.PublicKey
	default:
		return nil, fmt.Errorf("未対応の署名アルゴリズムです: %s", cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &TokenValidator{key: key, parser: jwt.NewParser(opts...)}, nil
}

// ParseRSAPublicKey はPEM形式のRSA公開鍵を読み込む。
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("RSA公開鍵の読み込みに失敗: %w", err)
	}
	return key, nil
}

// Validate はAuthorizationヘッダーの値を検証し、ClaimSetを返す。
// 失敗した場合は *AuthError を返す。有効期限ちょうどの時刻のトークンは期限切れとして扱う。
func (v *TokenValidator) Validate(authHeader string) (*ClaimSet, error) {
	tokenString, ok := BearerToken(authHeader)
	if !ok {
		return nil, &AuthError{Kind: AuthMissing}
	}

	claims := &tokenClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Kind: AuthExpired, Err: err}
		}
		return nil, &AuthError{Kind: AuthInvalid, Err: err}
	}
	if !token.Valid {
		return nil, &AuthError{Kind: AuthInvalid}
	}
	if claims.Subject == "" {
		return nil, &AuthError{Kind: AuthInvalid, Err: errors.New("subクレームがありません")}
	}

	set := &ClaimSet{
		Subject: claims.Subject,
		Roles:   make(map[string]struct{}, len(claims.Roles)+1),
		OrgID:   orgIDString(claims.OrgID),
	}
	for _, r := range claims.Roles {
		if r != "" {
			set.Roles[r] = struct{}{}
		}
	}
	if claims.Role != "" {
		set.Roles[claims.Role] = struct{}{}
	}
	if claims.IssuedAt != nil {
		set.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		set.ExpiresAt = claims.ExpiresAt.Time
	}
	return set, nil
}

// BearerToken は "Bearer <token>" 形式のヘッダーからトークンを取り出す。
// スキーム名の大文字小文字は区別しない。
func BearerToken(authHeader string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func orgIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// contextKeyClaims はGinコンテキストにClaimSetを格納するキー。
const contextKeyClaims = "auth_claims"

// JWTOption はJWTAuthミドルウェアのオプション。
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	skipper      func(c *gin.Context) bool
	errorHandler func(c *gin.Context, err *AuthError)
}

// WithSkipper はtrueを返すリクエストの認証を省略する。公開エンドポイントに使用する。
func WithSkipper(fn func(c *gin.Context) bool) JWTOption {
	return func(o *jwtOptions) { o.skipper = fn }
}

// WithAuthErrorHandler は認証失敗時のレスポンス生成を差し替える。
// ハンドラはリクエストをAbortする責任を持つ。
func WithAuthErrorHandler(fn func(c *gin.Context, err *AuthError)) JWTOption {
	return func(o *jwtOptions) { o.errorHandler = fn }
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにClaimSetを設定する。
func JWTAuth(v *TokenValidator, opts ...JWTOption) gin.HandlerFunc {
	o := jwtOptions{
		errorHandler: func(c *gin.Context, err *AuthError) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"kind":    string(err.Kind),
				"message": err.Message(),
			})
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		if o.skipper != nil && o.skipper(c) {
			c.Next()
			return
		}

		claims, err := v.Validate(c.GetHeader("Authorization"))
		if err != nil {
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				authErr = &AuthError{Kind: AuthInvalid, Err: err}
			}
			o.errorHandler(c, authErr)
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims はGinコンテキストからClaimSetを取得する。
// 認証されていない（公開エンドポイント等）場合はnilを返す。
func GetClaims(c *gin.Context) *ClaimSet {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*ClaimSet)
	return claims
}
