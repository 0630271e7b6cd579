// Package config は環境変数と設定ファイルからgatewayの設定を読み込む。
//
// 値の優先順位は 環境変数 > 設定ファイル > 既定値。
// 上流サービスのURLは UPSTREAM_<PREFIX>_URL 環境変数、または設定ファイルの
// routes マップで既定のルートテーブルを上書きできる。
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nao1215/medigate/internal/policy"
	"github.com/nao1215/medigate/internal/route"
	"github.com/nao1215/medigate/pkg/middleware"
)

// EnvConfigFile は設定ファイルのパスを指定する環境変数。
const EnvConfigFile = "CONFIG_FILE"

const (
	upstreamEnvPrefix = "UPSTREAM_"
	upstreamEnvSuffix = "_URL"
)

// Config はgatewayの設定。
type Config struct {
	// Port はリッスンポート。
	Port string `validate:"required,numeric"`

	// JWTAlgorithm はトークンの署名アルゴリズム。
	JWTAlgorithm string `validate:"oneof=HS256 HS384 HS512 RS256"`
	// JWTSecret はHMAC系アルゴリズムの共有秘密鍵。
	JWTSecret string `validate:"required_unless=JWTAlgorithm RS256"`
	// JWTPublicKeyFile はRS256の検証用公開鍵（PEM）のパス。
	JWTPublicKeyFile string `validate:"required_if=JWTAlgorithm RS256"`

	// RateLimitRequests はウィンドウあたりの上限。
	RateLimitRequests int64 `validate:"gt=0"`
	// RateLimitWindow はウィンドウの長さ。
	RateLimitWindow time.Duration `validate:"gt=0"`
	// RateLimitStoreTimeout は共有ストアへの1回の問い合わせの上限時間。
	RateLimitStoreTimeout time.Duration `validate:"gt=0"`
	// RedisURL は共有ストアのURL。空の場合はプロセス内のカウンタのみを使う。
	RedisURL string `validate:"omitempty,url"`

	// CORSAllowedOrigins は許可するOrigin。"*" を含めばすべて許可する。
	CORSAllowedOrigins []string
	// RequestTimeout は上流呼び出しの上限時間。
	RequestTimeout time.Duration `validate:"gt=0"`
	// AccessPolicyFile はアクセスポリシーのYAML。空の場合は既定のポリシーを使う。
	AccessPolicyFile string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。
	TrustedProxies []string `validate:"dive,ip|cidr"`

	// LogLevel はログレベル。
	LogLevel string `validate:"oneof=debug info warn error"`
	// LogFormat はjsonまたはconsole。
	LogFormat string `validate:"oneof=json console"`
	// LogFile を指定するとファイルにも出力する。
	LogFile string

	// TracingEnabled はOpenTelemetryのスパンを出力するか。
	TracingEnabled bool
	// ShutdownTimeout は終了時に処理中のリクエストを待つ時間。
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Routes は既定のルートを上書きするエントリ。
	Routes []route.Entry
}

// Load は設定を読み込み検証する。pathが空の場合はCONFIG_FILE環境変数を参照する。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		JWTAlgorithm:       strings.ToUpper(v.GetString("jwt_algorithm")),
		JWTSecret:          v.GetString("jwt_secret"),
		JWTPublicKeyFile:   v.GetString("jwt_public_key_file"),
		RateLimitRequests:  v.GetInt64("rate_limit_requests"),
		RedisURL:           v.GetString("redis_url"),
		CORSAllowedOrigins: splitList(v.GetStringSlice("cors_allowed_origins")),
		AccessPolicyFile:   v.GetString("access_policy_file"),
		TrustedProxies:     splitList(v.GetStringSlice("trusted_proxies")),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		LogFormat:          strings.ToLower(v.GetString("log_format")),
		LogFile:            v.GetString("log_file"),
		TracingEnabled:     v.GetBool("tracing_enabled"),
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"rate_limit_window_seconds", &cfg.RateLimitWindow},
		{"rate_limit_store_timeout", &cfg.RateLimitStoreTimeout},
		{"request_timeout", &cfg.RequestTimeout},
		{"shutdown_timeout", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		val, err := parseDuration(v.GetString(d.key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sが不正です: %w", strings.ToUpper(d.key), err))
			continue
		}
		*d.dst = val
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.Routes = route.Merge(routesFromMap(v.GetStringMapString("routes")), routesFromEnv(os.Environ()))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("jwt_algorithm", "HS256")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_public_key_file", "")
	v.SetDefault("rate_limit_requests", 100)
	v.SetDefault("rate_limit_window_seconds", "60")
	v.SetDefault("rate_limit_store_timeout", "200ms")
	v.SetDefault("redis_url", "")
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("access_policy_file", "")
	v.SetDefault("trusted_proxies", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("shutdown_timeout", "10s")
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("設定値が不正です: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("設定値の検証に失敗: %w", err)
	}
	return nil
}

// RouteTable は既定のルートに設定の上書きを重ねたルートテーブルを生成する。
func (c *Config) RouteTable() (*route.Table, error) {
	return route.NewTable(route.Merge(route.Defaults(), c.Routes))
}

// Policy はアクセスポリシーを読み込み、重複するルールがあればエラーを返す。
func (c *Config) Policy() (*policy.Policy, error) {
	p := policy.New(policy.DefaultPublicEndpoints(), policy.DefaultRules())
	if c.AccessPolicyFile != "" {
		loaded, err := policy.LoadFile(c.AccessPolicyFile)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("アクセスポリシーが不正です: %w", err)
	}
	return p, nil
}

// TokenValidator は署名検証の設定からTokenValidatorを生成する。
func (c *Config) TokenValidator() (*middleware.TokenValidator, error) {
	vc := middleware.TokenValidatorConfig{
		Algorithm: c.JWTAlgorithm,
		Secret:    []byte(c.JWTSecret),
	}
	if c.JWTAlgorithm == "RS256" {
		pemBytes, err := os.ReadFile(c.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("公開鍵ファイルの読み込みに失敗: %w", err)
		}
		key, err := middleware.ParseRSAPublicKey(pemBytes)
		if err != nil {
			return nil, err
		}
		vc.PublicKey = key
		vc.Secret = nil
	}
	return middleware.NewTokenValidator(vc)
}

// CORSWildcard はすべてのOriginを許可するかを返す。
func (c *Config) CORSWildcard() bool {
	for _, o := range c.CORSAllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// parseDuration は単位付きの値（"30s"）または秒数（"30"）を受け付ける。
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// splitList はカンマまたは空白区切りの値を展開する。
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func routesFromMap(m map[string]string) []route.Entry {
	prefixes := make([]string, 0, len(m))
	for prefix := range m {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	entries := make([]route.Entry, 0, len(m))
	for _, prefix := range prefixes {
		entries = append(entries, route.Entry{Prefix: strings.Trim(prefix, "/"), UpstreamBaseURL: m[prefix]})
	}
	return entries
}

// routesFromEnv は UPSTREAM_<PREFIX>_URL 形式の環境変数を読み取る。
// PREFIXは小文字にし、アンダースコアはハイフンに置き換える。
func routesFromEnv(environ []string) []route.Entry {
	var entries []route.Entry
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(key, upstreamEnvPrefix) || !strings.HasSuffix(key, upstreamEnvSuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, upstreamEnvPrefix), upstreamEnvSuffix)
		if name == "" {
			continue
		}
		prefix := strings.ReplaceAll(strings.ToLower(name), "_", "-")
		entries = append(entries, route.Entry{Prefix: prefix, UpstreamBaseURL: val})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Prefix < entries[j].Prefix })
	return entries
}
