package proxy

import (
	"net/http"
	"strings"
)

// 転送しないホップ毎のヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// 検証済みのトークンからgatewayが付与する本人情報ヘッダー。
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
	HeaderOrgID     = "X-Org-ID"
)

// identityHeaders はクライアントから送られてきても転送しないヘッダー。
var identityHeaders = []string{HeaderUserID, HeaderUserRoles, HeaderOrgID}

// removeHopHeaders はConnectionヘッダーで指定されたものを含むホップ毎のヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// gatewayOwned はgatewayが自身で付与するため上流の値を返さないヘッダーかを判定する。
func gatewayOwned(name string) bool {
	name = http.CanonicalHeaderKey(name)
	return strings.HasPrefix(name, "Access-Control-") ||
		strings.HasPrefix(name, "X-Ratelimit-") ||
		name == "X-Request-Id" ||
		name == "X-Correlation-Id"
}

// appendForwardedFor は既存のX-Forwarded-Forの末尾に直前の接続元を追加する。
func appendForwardedFor(h http.Header, remoteIP string) {
	if remoteIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		remoteIP = strings.Join(prior, ", ") + ", " + remoteIP
	}
	h.Set("X-Forwarded-For", remoteIP)
}
