package policy

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/medigate/pkg/middleware"
)

// claimsWithRoles はテスト用のClaimSetを生成する。
func claimsWithRoles(roles ...string) *middleware.ClaimSet {
	set := &middleware.ClaimSet{Subject: "user-1", Roles: map[string]struct{}{}}
	for _, r := range roles {
		set.Roles[r] = struct{}{}
	}
	return set
}

// TestPolicyAllowed はPolicy.Allowedを検証する。
func TestPolicyAllowed(t *testing.T) {
	t.Parallel()

	p := New(
		[]PublicEndpoint{{Method: "post", Path: "/auth/login"}},
		[]Rule{{PathPrefix: "/orgs", Method: "get", AllowedRoles: []string{"admin", "manager"}}},
	)
	require.NoError(t, p.Validate())

	t.Run("公開エンドポイントは認証情報なしで許可されること", func(t *testing.T) {
		t.Parallel()

		ok, err := p.Allowed(http.MethodPost, "/auth/login", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("公開エンドポイントはメソッドとパスの完全一致のみであること", func(t *testing.T) {
		t.Parallel()

		assert.True(t, p.IsPublic(http.MethodPost, "/auth/login"))
		assert.False(t, p.IsPublic(http.MethodGet, "/auth/login"))
		assert.False(t, p.IsPublic(http.MethodPost, "/auth/login/"))
		assert.False(t, p.IsPublic(http.MethodPost, "/auth/login/extra"))
	})

	t.Run("公開でないパスに認証情報が無い場合はErrClaimsRequiredを返すこと", func(t *testing.T) {
		t.Parallel()

		_, err := p.Allowed(http.MethodGet, "/patients", nil)
		assert.True(t, errors.Is(err, ErrClaimsRequired))
	})

	t.Run("ルールが無い場合は認証済みの任意のロールを許可すること", func(t *testing.T) {
		t.Parallel()

		ok, err := p.Allowed(http.MethodGet, "/patients/1", claimsWithRoles())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = p.Allowed(http.MethodPost, "/orgs", claimsWithRoles("user"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ロールが交差しない場合は拒否すること", func(t *testing.T) {
		t.Parallel()

		ok, err := p.Allowed(http.MethodGet, "/orgs/42/dashboard", claimsWithRoles("user"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ロールが1つでも交差すれば許可すること", func(t *testing.T) {
		t.Parallel()

		ok, err := p.Allowed(http.MethodGet, "/orgs/42/dashboard", claimsWithRoles("user", "manager"))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// TestPolicyValidate は設定検証を確認する。
func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	t.Run("重複したルールは最初のものが使われValidateで報告されること", func(t *testing.T) {
		t.Parallel()

		p := New(nil, []Rule{
			{PathPrefix: "orgs", Method: "GET", AllowedRoles: []string{"admin"}},
			{PathPrefix: "orgs", Method: "GET", AllowedRoles: []string{"user"}},
		})

		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "重複")

		r, ok := p.Rule("orgs", "GET")
		require.True(t, ok)
		assert.Equal(t, []string{"admin"}, r.AllowedRoles)

		allowed, err := p.Allowed(http.MethodGet, "/orgs", claimsWithRoles("user"))
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("許可ロールが空のルールは報告されること", func(t *testing.T) {
		t.Parallel()

		p := New(nil, []Rule{{PathPrefix: "orgs", Method: "GET"}})
		assert.Error(t, p.Validate())
	})

	t.Run("既定のルールは検証を通ること", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, New(DefaultPublicEndpoints(), DefaultRules()).Validate())
	})
}

// TestLoad はYAMLからの読み込みを検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("公開エンドポイントとルールを読み込めること", func(t *testing.T) {
		t.Parallel()

		p, err := Load(strings.NewReader(`
public:
  - {method: POST, path: /auth/login}
rules:
  - path_prefix: orgs
    method: GET
    allowed_roles: [admin, manager]
`))
		require.NoError(t, err)
		require.NoError(t, p.Validate())
		assert.True(t, p.IsPublic(http.MethodPost, "/auth/login"))
		r, ok := p.Rule("orgs", http.MethodGet)
		require.True(t, ok)
		assert.Equal(t, []string{"admin", "manager"}, r.AllowedRoles)
	})

	t.Run("未知のキーはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Load(strings.NewReader("rules:\n  - {prefix: orgs, method: GET}\n"))
		assert.Error(t, err)
	})

	t.Run("空のファイルは空のポリシーになること", func(t *testing.T) {
		t.Parallel()

		p, err := Load(strings.NewReader(""))
		require.NoError(t, err)
		assert.False(t, p.IsPublic(http.MethodPost, "/auth/login"))
	})

	t.Run("ファイルから読み込めること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("public:\n  - {method: GET, path: /catalog}\n"), 0o600))

		p, err := LoadFile(path)
		require.NoError(t, err)
		assert.True(t, p.IsPublic(http.MethodGet, "/catalog"))

		_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
