package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrNotFound はパスの先頭セグメントに対応するルートが存在しないことを表す。
var ErrNotFound = errors.New("route not found")

// Entry はパスプレフィックスとupstreamのベースURLの対応を表す。
type Entry struct {
	// Prefix はパスの先頭セグメント（例: "patients"）。スラッシュを含まない。
	Prefix string `yaml:"prefix" json:"prefix"`
	// UpstreamBaseURL は転送先サービスのベースURL。マウントパスを含んでもよい。
	UpstreamBaseURL string `yaml:"upstream_base_url" json:"upstream_base_url"`
}

// Match はルート解決の結果。
type Match struct {
	Entry
	// Remainder はプレフィックスを取り除いた残りのパス。"/" で始まるか空文字列。
	Remainder string
}

// URL はupstreamに送信するパス部分までのURLを返す。クエリは含まない。
func (m Match) URL() string {
	return strings.TrimSuffix(m.UpstreamBaseURL, "/") + m.Remainder
}

// Table はプレフィックスをキーとする不変のルートテーブル。
type Table struct {
	entries map[string]Entry
}

// NewTable はエントリ一覧からルートテーブルを生成する。
// 空・重複・スラッシュを含むプレフィックスと、絶対URLでないupstreamはエラーとする。
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		prefix := strings.Trim(e.Prefix, "/")
		if prefix == "" {
			return nil, fmt.Errorf("プレフィックスが空です: upstream=%q", e.UpstreamBaseURL)
		}
		if strings.Contains(prefix, "/") {
			return nil, fmt.Errorf("プレフィックスにスラッシュは使用できません: %q", e.Prefix)
		}
		if _, dup := t.entries[prefix]; dup {
			return nil, fmt.Errorf("プレフィックスが重複しています: %q", prefix)
		}
		u, err := url.Parse(e.UpstreamBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream URLが不正です: prefix=%q url=%q", prefix, e.UpstreamBaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("upstream URLのスキームはhttpまたはhttpsである必要があります: %q", e.UpstreamBaseURL)
		}
		t.entries[prefix] = Entry{Prefix: prefix, UpstreamBaseURL: e.UpstreamBaseURL}
	}
	return t, nil
}

// Resolve はパスを先頭セグメントで完全一致検索し、upstreamと残りのパスを返す。
func (t *Table) Resolve(path string) (Match, error) {
	prefix, remainder := SplitPrefix(path)
	if prefix == "" {
		return Match{}, ErrNotFound
	}
	e, ok := t.entries[prefix]
	if !ok {
		return Match{}, ErrNotFound
	}
	return Match{Entry: e, Remainder: remainder}, nil
}

// Entries はプレフィックス順に並べたエントリ一覧を返す。
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Len は登録されているルート数を返す。
func (t *Table) Len() int {
	return len(t.entries)
}

// SplitPrefix はパスを先頭セグメントと残りに分割する。
// "/orgs/42/dashboard" は ("orgs", "/42/dashboard") になる。
func SplitPrefix(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	prefix, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return prefix, ""
	}
	return prefix, "/" + rest
}
