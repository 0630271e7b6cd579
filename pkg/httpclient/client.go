package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout は1回の上流呼び出しにかける既定の上限時間。
const DefaultTimeout = 30 * time.Second

// Kind は上流呼び出しの失敗の分類。
type Kind string

const (
	// KindUnavailable は接続拒否や名前解決の失敗など、上流に到達できなかったことを表す。
	KindUnavailable Kind = "service_unavailable"
	// KindTimeout は上限時間内に応答が無かったことを表す。
	KindTimeout Kind = "upstream_timeout"
	// KindFailed はそれ以外の失敗を表す。
	KindFailed Kind = "proxy_error"
)

// Option はClientのオプション。
type Option func(*Client)

// WithTimeout は1回の呼び出しの上限時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client は上流サービスへの汎用のHTTPクライアント。
// リトライは行わず、リダイレクトも追わずにそのまま呼び出し元へ返す。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// timeout は1回の呼び出しの上限時間。
	timeout time.Duration
}

// New は新しい上流サービス用HTTPクライアントを生成する。
func New(opts ...Option) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout は1回の呼び出しの上限時間を返す。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Send はreqを1回だけ送信する。上限時間はreqのコンテキストに重ねて適用するため、
// 呼び出し元のコンテキストがキャンセルされれば送信も中断される。
// 返したレスポンスのBodyを閉じるまでコンテキストは有効。
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("上流サービスへのリクエストに失敗: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// CloseIdleConnections はプール中のアイドル接続を閉じる。
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Classify は送信時のエラーを分類する。
func Classify(err error) Kind {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var netErr net.Error

	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindFailed
	case errors.As(err, &dnsErr):
		return KindUnavailable
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindUnavailable
	case errors.As(err, &opErr) && opErr.Op == "dial":
		if opErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	default:
		return KindFailed
	}
}

// cancelOnClose はBodyを閉じたときに送信用のコンテキストを解放する。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
