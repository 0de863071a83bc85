package middleware

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy はサインインページとJSON APIで必要な範囲に絞ったCSP。
const contentSecurityPolicy = "default-src 'self'; img-src 'self' https: data:; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'; form-action 'self'"

// hstsValue は1年間のHSTS。サブドメインは対象にしない。
const hstsValue = "max-age=31536000"

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HSTS がtrueの場合はStrict-Transport-Securityを付与する。HTTPSで公開する場合のみ有効にする。
	HSTS bool
	// NoStorePrefixes に前方一致するパスはCache-Control: no-storeにする。
	// ユーザーごとの記録やセッション情報を中間キャッシュに残さないため。
	NoStorePrefixes []string
}

// DefaultSecurityHeadersConfig は/apiと/authの応答をキャッシュさせない設定を返す。
func DefaultSecurityHeadersConfig(hsts bool) SecurityHeadersConfig {
	return SecurityHeadersConfig{
		HSTS:            hsts,
		NoStorePrefixes: []string{"/api/", "/auth/"},
	}
}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware(config SecurityHeadersConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			if config.HSTS {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			if hasAnyPrefix(r.URL.Path, config.NoStorePrefixes) {
				h.Set("Cache-Control", "no-store")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
