package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store は固定ウィンドウのカウンタを保持するストア。
type Store interface {
	// Increment はkeyのカウンタを原子的に1増やし、増加後の値とウィンドウの残り時間を返す。
	// ウィンドウの最初の増加であれば有効期限をwindowに設定する。
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// resetter はフェイルオーバー時にカウンタを破棄できるストア。
type resetter interface {
	Reset()
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを許可するか。
	Allowed bool
	// Count は増加後のカウンタ値。拒否されたリクエストも数える。
	Count int64
	// Limit はウィンドウあたりの上限。
	Limit int64
	// ResetAfter は現在のウィンドウが終わるまでの時間。
	ResetAfter time.Duration
	// Degraded は共有ストアに到達できずプロセス内ストアで判定したことを表す。
	Degraded bool
	// FailedOpen はどのストアも使えず判定せずに許可したことを表す。
	FailedOpen bool
}

// Remaining はウィンドウ内で残りのリクエスト数を返す。
func (d Decision) Remaining() int64 {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

// Config はLimiterの設定。上限とウィンドウはプロセス全体で共通。
type Config struct {
	// Limit はウィンドウあたりの上限。
	Limit int64
	// Window は固定ウィンドウの長さ。
	Window time.Duration
	// KeyPrefix はストアのキーに付ける接頭辞。
	KeyPrefix string
	// ProbeInterval は縮退中に共有ストアへ復旧を問い合わせる間隔。
	ProbeInterval time.Duration
}

// Option はLimiterのオプション。
type Option func(*Limiter)

// WithPrimary は共有ストアを設定する。
func WithPrimary(s Store) Option {
	return func(l *Limiter) { l.primary = s }
}

// WithFallback は共有ストアに到達できない間に使うストアを設定する。
func WithFallback(s Store) Option {
	return func(l *Limiter) { l.fallback = s }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock は現在時刻を返す関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter は固定ウィンドウ方式のレート制限を行う。
type Limiter struct {
	cfg      Config
	primary  Store
	fallback Store
	logger   *zap.Logger
	now      func() time.Time

	degraded  atomic.Bool
	nextProbe atomic.Int64
}

// New はLimiterを生成する。フォールバックを指定しない場合はMemoryStoreを使う。
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, errors.New("レート制限の上限は1以上である必要があります")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("レート制限のウィンドウは正の値である必要があります")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gateway:ratelimit:"
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}

	l := &Limiter{cfg: cfg, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == nil {
		l.fallback = NewMemoryStore(WithMemoryClock(l.now))
	}
	return l, nil
}

// Limit はウィンドウあたりの上限を返す。
func (l *Limiter) Limit() int64 { return l.cfg.Limit }

// Window はウィンドウの長さを返す。
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Degraded は共有ストアに到達できずプロセス内ストアで判定している間trueを返す。
func (l *Limiter) Degraded() bool { return l.degraded.Load() }

// Admit はidentifierのカウンタを1増やし、上限を超えていなければ許可する。
// 上限を超えたリクエストもカウンタに加算する。
func (l *Limiter) Admit(ctx context.Context, identifier string) Decision {
	key := l.cfg.KeyPrefix + identifier

	if l.primary != nil && l.shouldTryPrimary() {
		// 呼び出し元の切断をストア障害と区別するため、キャンセルを引き継がない。
		// 上限時間はストア側のタイムアウトで決まる。
		count, ttl, err := l.primary.Increment(context.WithoutCancel(ctx), key, l.cfg.Window)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				l.logger.Info("共有レート制限ストアが復旧しました")
			}
			return l.decide(count, ttl, false)
		}
		l.enterDegraded(err)
	}

	if l.fallback != nil {
		count, ttl, err := l.fallback.Increment(ctx, key, l.cfg.Window)
		if err == nil {
			return l.decide(count, ttl, l.primary != nil)
		}
		l.logger.Error("レート制限ストアが利用できないためリクエストを許可します",
			zap.String("identifier", identifier), zap.Error(err))
	}

	return Decision{Allowed: true, Limit: l.cfg.Limit, Degraded: l.primary != nil, FailedOpen: true}
}

func (l *Limiter) shouldTryPrimary() bool {
	if !l.degraded.Load() {
		return true
	}
	now := l.now().UnixNano()
	next := l.nextProbe.Load()
	return now >= next && l.nextProbe.CompareAndSwap(next, now+int64(l.cfg.ProbeInterval))
}

// enterDegraded は共有ストアからプロセス内ストアへの切り替えを行う。
// 切り替え時にプロセス内のカウンタを破棄し、新しいウィンドウとして数え直す。
func (l *Limiter) enterDegraded(cause error) {
	if !l.degraded.CompareAndSwap(false, true) {
		return
	}
	l.nextProbe.Store(l.now().UnixNano() + int64(l.cfg.ProbeInterval))
	if r, ok := l.fallback.(resetter); ok {
		r.Reset()
	}
	l.logger.Warn("共有レート制限ストアに到達できません。プロセス内のカウンタで縮退運転します",
		zap.Error(cause))
}

func (l *Limiter) decide(count int64, ttl time.Duration, degraded bool) Decision {
	if ttl < 0 {
		ttl = l.cfg.Window
	}
	return Decision{
		Allowed:    count <= l.cfg.Limit,
		Count:      count,
		Limit:      l.cfg.Limit,
		ResetAfter: ttl,
		Degraded:   degraded,
	}
}

// Identifier はリクエストの識別子を返す。Bearerトークンがあればそのハッシュ、無ければクライアントIPを使う。
// トークンそのものはストアに保存しない。
func Identifier(bearerToken, clientIP string) string {
	if bearerToken != "" {
		sum := sha256.Sum256([]byte(bearerToken))
		return "token:" + hex.EncodeToString(sum[:16])
	}
	return "ip:" + clientIP
}
