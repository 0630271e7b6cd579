package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTable はルートテーブルの生成と検証を確認する。
func TestNewTable(t *testing.T) {
	t.Parallel()

	t.Run("既定のルートでテーブルを生成できること", func(t *testing.T) {
		t.Parallel()

		table, err := NewTable(Defaults())
		require.NoError(t, err)
		assert.Equal(t, len(Defaults()), table.Len())
	})

	t.Run("重複したプレフィックスはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := NewTable([]Entry{
			{Prefix: "patients", UpstreamBaseURL: "http://a:5000"},
			{Prefix: "/patients/", UpstreamBaseURL: "http://b:5000"},
		})
		require.Error(t, err)
	})

	t.Run("不正なエントリはエラーになること", func(t *testing.T) {
		t.Parallel()

		cases := []Entry{
			{Prefix: "", UpstreamBaseURL: "http://a:5000"},
			{Prefix: "a/b", UpstreamBaseURL: "http://a:5000"},
			{Prefix: "a", UpstreamBaseURL: "a:5000"},
			{Prefix: "a", UpstreamBaseURL: "ftp://a:5000"},
			{Prefix: "a", UpstreamBaseURL: "/relative"},
		}
		for _, e := range cases {
			_, err := NewTable([]Entry{e})
			assert.Error(t, err, "entry=%+v", e)
		}
	})
}

// TestResolve はTable.Resolveを検証する。
func TestResolve(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Entry{
		{Prefix: "orgs", UpstreamBaseURL: "http://orgs:5000/api/orgs"},
		{Prefix: "auth", UpstreamBaseURL: "http://auth:5000/"},
	})
	require.NoError(t, err)

	t.Run("先頭セグメントで解決し残りのパスを返すこと", func(t *testing.T) {
		t.Parallel()

		m, err := table.Resolve("/orgs/42/dashboard")
		require.NoError(t, err)
		assert.Equal(t, "orgs", m.Prefix)
		assert.Equal(t, "/42/dashboard", m.Remainder)
		assert.Equal(t, "http://orgs:5000/api/orgs/42/dashboard", m.URL())
	})

	t.Run("プレフィックスのみのパスでは残りが空になること", func(t *testing.T) {
		t.Parallel()

		m, err := table.Resolve("/orgs")
		require.NoError(t, err)
		assert.Empty(t, m.Remainder)
		assert.Equal(t, "http://orgs:5000/api/orgs", m.URL())
	})

	t.Run("ベースURL末尾のスラッシュが二重にならないこと", func(t *testing.T) {
		t.Parallel()

		m, err := table.Resolve("/auth/login")
		require.NoError(t, err)
		assert.Equal(t, "http://auth:5000/login", m.URL())
	})

	t.Run("未登録のプレフィックスはErrNotFoundを返すこと", func(t *testing.T) {
		t.Parallel()

		for _, p := range []string{"/unknown/x", "/", "", "/org/1", "/ORGS/1"} {
			_, err := table.Resolve(p)
			assert.True(t, errors.Is(err, ErrNotFound), "path=%q", p)
		}
	})
}

// TestMerge はルートの上書き合成を検証する。
func TestMerge(t *testing.T) {
	t.Parallel()

	t.Run("同じプレフィックスは上書きし新しいものは追加すること", func(t *testing.T) {
		t.Parallel()

		got := Merge(
			[]Entry{{Prefix: "a", UpstreamBaseURL: "http://a"}, {Prefix: "b", UpstreamBaseURL: "http://b"}},
			[]Entry{{Prefix: "b", UpstreamBaseURL: "http://b2"}},
			[]Entry{{Prefix: "c", UpstreamBaseURL: "http://c"}},
		)
		assert.Equal(t, []Entry{
			{Prefix: "a", UpstreamBaseURL: "http://a"},
			{Prefix: "b", UpstreamBaseURL: "http://b2"},
			{Prefix: "c", UpstreamBaseURL: "http://c"},
		}, got)
	})
}
