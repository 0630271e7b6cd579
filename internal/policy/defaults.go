package policy

import "net/http"

// DefaultPublicEndpoints は認証サービスのログイン系エンドポイントを公開する既定の許可リスト。
func DefaultPublicEndpoints() []PublicEndpoint {
	return []PublicEndpoint{
		{Method: http.MethodPost, Path: "/auth/login"},
		{Method: http.MethodPost, Path: "/auth/register"},
		{Method: http.MethodPost, Path: "/auth/refresh"},
		{Method: http.MethodPost, Path: "/auth/forgot-password"},
		{Method: http.MethodPost, Path: "/auth/reset-password"},
		{Method: http.MethodGet, Path: "/catalog"},
	}
}

// DefaultRules は既定のアクセスルール。ここに無いプレフィックスとメソッドは認証済みなら許可される。
func DefaultRules() []Rule {
	adminOnly := []string{"admin"}
	managers := []string{"admin", "manager"}
	clinical := []string{"admin", "manager", "clinician"}

	return []Rule{
		{PathPrefix: "orgs", Method: http.MethodGet, AllowedRoles: managers},
		{PathPrefix: "orgs", Method: http.MethodPost, AllowedRoles: adminOnly},
		{PathPrefix: "orgs", Method: http.MethodPut, AllowedRoles: managers},
		{PathPrefix: "orgs", Method: http.MethodDelete, AllowedRoles: adminOnly},
		{PathPrefix: "users", Method: http.MethodPost, AllowedRoles: managers},
		{PathPrefix: "users", Method: http.MethodDelete, AllowedRoles: adminOnly},
		{PathPrefix: "patients", Method: http.MethodPost, AllowedRoles: clinical},
		{PathPrefix: "patients", Method: http.MethodPut, AllowedRoles: clinical},
		{PathPrefix: "patients", Method: http.MethodDelete, AllowedRoles: managers},
		{PathPrefix: "devices", Method: http.MethodPost, AllowedRoles: managers},
		{PathPrefix: "devices", Method: http.MethodDelete, AllowedRoles: managers},
		{PathPrefix: "alerts", Method: http.MethodDelete, AllowedRoles: managers},
		{PathPrefix: "analytics", Method: http.MethodGet, AllowedRoles: clinical},
		{PathPrefix: "catalog", Method: http.MethodPost, AllowedRoles: adminOnly},
		{PathPrefix: "catalog", Method: http.MethodPut, AllowedRoles: adminOnly},
		{PathPrefix: "catalog", Method: http.MethodDelete, AllowedRoles: adminOnly},
	}
}
