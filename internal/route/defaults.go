package route

// Defaults はプラットフォームの各バックエンドサービスに対応する既定のルート一覧を返す。
// 設定ファイルや UPSTREAM_<PREFIX>_URL 環境変数で上書きされる。
func Defaults() []Entry {
	return []Entry{
		{Prefix: "auth", UpstreamBaseURL: "http://auth-service:5000/auth"},
		{Prefix: "users", UpstreamBaseURL: "http://user-service:5000/users"},
		{Prefix: "patients", UpstreamBaseURL: "http://patient-service:5000/patients"},
		{Prefix: "orgs", UpstreamBaseURL: "http://organization-service:5000/orgs"},
		{Prefix: "devices", UpstreamBaseURL: "http://device-service:5000/devices"},
		{Prefix: "alerts", UpstreamBaseURL: "http://alert-service:5000/alerts"},
		{Prefix: "media", UpstreamBaseURL: "http://media-service:5000/media"},
		{Prefix: "notifications", UpstreamBaseURL: "http://notification-service:5000/notifications"},
		{Prefix: "analytics", UpstreamBaseURL: "http://analytics-service:5000/analytics"},
		{Prefix: "catalog", UpstreamBaseURL: "http://catalog-service:5000/catalog"},
		{Prefix: "timeseries", UpstreamBaseURL: "http://timeseries-service:5000/timeseries"},
	}
}

// Merge はbaseにoverridesを重ねたエントリ一覧を返す。
// 同じプレフィックスはoverridesの値で置き換え、新しいプレフィックスは末尾に追加する。
func Merge(base []Entry, overrides ...[]Entry) []Entry {
	index := make(map[string]int, len(base))
	out := make([]Entry, 0, len(base))
	for _, e := range base {
		index[e.Prefix] = len(out)
		out = append(out, e)
	}
	for _, set := range overrides {
		for _, e := range set {
			if i, ok := index[e.Prefix]; ok {
				out[i] = e
				continue
			}
			index[e.Prefix] = len(out)
			out = append(out, e)
		}
	}
	return out
}
