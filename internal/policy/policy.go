// Package policy はロールベースのアクセス制御を提供する。
//
// 認証不要の公開エンドポイント（メソッドとパスの完全一致）と、
// パスの先頭セグメントとメソッドに対する許可ロールのルール表から、
// リクエストを許可するかどうかを決定する。
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/medigate/internal/route"
	"github.com/nao1215/medigate/pkg/middleware"
)

// ErrClaimsRequired は公開エンドポイント以外で認証情報なしに判定を求められたことを表す。
// 呼び出し側の契約違反であり、アクセス拒否ではない。
var ErrClaimsRequired = errors.New("公開エンドポイント以外の判定には認証情報が必要です")

// Rule はパスプレフィックスとメソッドに対して許可するロールを定める。
type Rule struct {
	// PathPrefix はパスの先頭セグメント（例: "orgs"）。
	PathPrefix string `yaml:"path_prefix"`
	// Method はHTTPメソッド（大文字）。
	Method string `yaml:"method"`
	// AllowedRoles は許可するロール。いずれか1つを持っていれば許可する。
	AllowedRoles []string `yaml:"allowed_roles"`
}

// PublicEndpoint は認証を必要としないメソッドとパスの組。
type PublicEndpoint struct {
	// Method はHTTPメソッド（大文字）。
	Method string `yaml:"method"`
	// Path はリクエストパス。完全一致で比較する。
	Path string `yaml:"path"`
}

type ruleKey struct {
	prefix string
	method string
}

// Policy は公開エンドポイントとアクセスルールによる認可判定を行う。
// 生成後は不変で、複数のgoroutineから同時に使用できる。
type Policy struct {
	public     map[PublicEndpoint]struct{}
	rules      map[ruleKey]Rule
	duplicates []Rule
}

// New は公開エンドポイントとルールからPolicyを生成する。
// 同じプレフィックスとメソッドのルールが複数ある場合は最初に登録したものを使い、
// 後続のルールはValidateで報告する。
func New(public []PublicEndpoint, rules []Rule) *Policy {
	p := &Policy{
		public: make(map[PublicEndpoint]struct{}, len(public)),
		rules:  make(map[ruleKey]Rule, len(rules)),
	}
	for _, e := range public {
		p.public[PublicEndpoint{Method: strings.ToUpper(e.Method), Path: e.Path}] = struct{}{}
	}
	for _, r := range rules {
		r.PathPrefix = strings.Trim(r.PathPrefix, "/")
		r.Method = strings.ToUpper(r.Method)
		key := ruleKey{prefix: r.PathPrefix, method: r.Method}
		if _, exists := p.rules[key]; exists {
			p.duplicates = append(p.duplicates, r)
			continue
		}
		p.rules[key] = r
	}
	return p
}

// Validate はルール表の設定ミスを検出する。起動時に呼び出し、エラーがあれば起動を中止する。
func (p *Policy) Validate() error {
	var errs []error
	for _, d := range p.duplicates {
		errs = append(errs, fmt.Errorf("アクセスルールが重複しています: prefix=%q method=%q", d.PathPrefix, d.Method))
	}
	for key, r := range p.rules {
		if key.prefix == "" || key.method == "" {
			errs = append(errs, fmt.Errorf("アクセスルールのprefixとmethodは必須です: %+v", r))
		}
		if len(r.AllowedRoles) == 0 {
			errs = append(errs, fmt.Errorf("アクセスルールに許可ロールがありません: prefix=%q method=%q", key.prefix, key.method))
		}
	}
	return errors.Join(errs...)
}

// IsPublic はメソッドとパスが公開エンドポイントに完全一致するかを返す。
func (p *Policy) IsPublic(method, path string) bool {
	_, ok := p.public[PublicEndpoint{Method: method, Path: path}]
	return ok
}

// Allowed はリクエストを許可するかを判定する。
// 公開エンドポイントは認証情報なしで許可する。それ以外でclaimsがnilの場合はErrClaimsRequiredを返す。
// 該当するルールが無い場合は認証済みであれば任意のロールを許可する。
func (p *Policy) Allowed(method, path string, claims *middleware.ClaimSet) (bool, error) {
	if p.IsPublic(method, path) {
		return true, nil
	}
	if claims == nil {
		return false, ErrClaimsRequired
	}

	prefix, _ := route.SplitPrefix(path)
	r, ok := p.rules[ruleKey{prefix: prefix, method: method}]
	if !ok {
		return true, nil
	}
	return claims.HasAnyRole(r.AllowedRoles), nil
}

// Rule はプレフィックスとメソッドに適用されるルールを返す。
func (p *Policy) Rule(prefix, method string) (Rule, bool) {
	r, ok := p.rules[ruleKey{prefix: prefix, method: method}]
	return r, ok
}
