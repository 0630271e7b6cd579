// Package testutil はテストで共通して使用するヘルパーを提供する。
// gatewayはトークンを発行しないため、署名処理はテスト専用としてここに置く。
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenOptions はテスト用トークンの内容。
type TokenOptions struct {
	// Subject はsubクレーム。空の場合はsubを含めない。
	Subject string
	// Roles はrolesクレーム。
	Roles []string
	// OrgID はorg_idクレーム。nilの場合は含めない。
	OrgID any
	// IssuedAt は発行時刻。ゼロ値の場合は現在時刻。
	IssuedAt time.Time
	// ExpiresAt は有効期限。ゼロ値の場合は発行から1時間後。
	ExpiresAt time.Time
	// NoExpiry がtrueの場合はexpクレームを含めない。
	NoExpiry bool
}

// SignHS256 はHS256で署名したテスト用トークンを生成する。
func SignHS256(t testing.TB, secret string, opts TokenOptions) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims(opts)).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("テスト用トークンの署名に失敗: %v", err)
	}
	return signed
}

// Sign は任意の署名方式と鍵でテスト用トークンを生成する。
func Sign(t testing.TB, method jwt.SigningMethod, key any, opts TokenOptions) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(method, mapClaims(opts)).SignedString(key)
	if err != nil {
		t.Fatalf("テスト用トークンの署名に失敗: %v", err)
	}
	return signed
}

func mapClaims(opts TokenOptions) jwt.MapClaims {
	iat := opts.IssuedAt
	if iat.IsZero() {
		iat = time.Now()
	}
	claims := jwt.MapClaims{"iat": iat.Unix()}
	if opts.Subject != "" {
		claims["sub"] = opts.Subject
	}
	if !opts.NoExpiry {
		exp := opts.ExpiresAt
		if exp.IsZero() {
			exp = iat.Add(time.Hour)
		}
		claims["exp"] = exp.Unix()
	}
	if opts.Roles != nil {
		claims["roles"] = opts.Roles
	}
	if opts.OrgID != nil {
		claims["org_id"] = opts.OrgID
	}
	return claims
}
