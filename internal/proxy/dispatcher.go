package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/nao1215/medigate/internal/route"
	"github.com/nao1215/medigate/pkg/httpclient"
)

// ProxyError は上流サービスへの転送の失敗を表す。
type ProxyError struct {
	// Kind は失敗の分類。エラーレスポンスのerrorコードにそのまま使う。
	Kind httpclient.Kind
	// Upstream は転送先のURL。
	Upstream string
	// Err は元のエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Upstream, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *ProxyError) Unwrap() error { return e.Err }

// Status はクライアントへ返すHTTPステータスを返す。
func (e *ProxyError) Status() int {
	switch e.Kind {
	case httpclient.KindUnavailable:
		return http.StatusServiceUnavailable
	case httpclient.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Message はクライアントへ返すメッセージを返す。上流の詳細は含めない。
func (e *ProxyError) Message() string {
	switch e.Kind {
	case httpclient.KindUnavailable:
		return "上流サービスに接続できません"
	case httpclient.KindTimeout:
		return "上流サービスが時間内に応答しませんでした"
	default:
		return "上流サービスへの転送に失敗しました"
	}
}

// Identity は上流へ伝える検証済みの呼び出し元情報。公開エンドポイントでは空。
type Identity struct {
	// CorrelationID はリクエストの相関ID。
	CorrelationID string
	// Subject はトークンのsub。
	Subject string
	// Roles はトークンのロール。
	Roles []string
	// OrgID はトークンのorg_id。
	OrgID string
}

// Dispatcher はリクエストを上流サービスへ1回だけ転送する。リトライはしない。
type Dispatcher struct {
	client *httpclient.Client
}

// New はDispatcherを生成する。
func New(client *httpclient.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch はrをmatchの上流へ転送し、レスポンスをwへ中継する。
// 上流から応答を得られなかった場合は何も書き込まずに*ProxyErrorを返す。
// 中継を始めた後の失敗はステータスを返したうえでエラーを返す。
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, match route.Match, id Identity) (int, error) {
	target := match.URL()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := d.outboundRequest(r, target, id)
	if err != nil {
		return 0, &ProxyError{Kind: httpclient.KindFailed, Upstream: target, Err: err}
	}

	resp, err := d.client.Send(out)
	if err != nil {
		return 0, &ProxyError{Kind: httpclient.Classify(err), Upstream: target, Err: err}
	}
	defer resp.Body.Close()

	header := w.Header()
	removeHopHeaders(resp.Header)
	for name, values := range resp.Header {
		if gatewayOwned(name) {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	if resp.ContentLength >= 0 {
		header.Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}
	w.WriteHeader(resp.StatusCode)

	if err := copyBody(w, resp.Body, resp.ContentLength < 0); err != nil {
		return resp.StatusCode, fmt.Errorf("レスポンスボディの中継に失敗: %w", err)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) outboundRequest(r *http.Request, target string, id Identity) (*http.Request, error) {
	body := r.Body
	if r.ContentLength == 0 || body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	out.ContentLength = r.ContentLength
	if body == http.NoBody {
		out.ContentLength = 0
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	for _, name := range identityHeaders {
		out.Header.Del(name)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		appendForwardedFor(out.Header, host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}

	if id.CorrelationID != "" {
		out.Header.Set("X-Correlation-ID", id.CorrelationID)
		out.Header.Set("X-Request-ID", id.CorrelationID)
	}
	if id.Subject != "" {
		out.Header.Set(HeaderUserID, id.Subject)
		roles := append([]string(nil), id.Roles...)
		sort.Strings(roles)
		out.Header.Set(HeaderUserRoles, strings.Join(roles, ","))
		if id.OrgID != "" {
			out.Header.Set(HeaderOrgID, id.OrgID)
		}
	}
	return out, nil
}

// copyBody はボディを中継する。長さ不明のボディは読み取る毎にフラッシュする。
func copyBody(w http.ResponseWriter, body io.Reader, flush bool) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush && flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) {
				return fmt.Errorf("クライアントが切断しました: %w", rerr)
			}
			return rerr
		}
	}
}
