// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/fitlog/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey はリクエストコンテキストにログインユーザーを格納するためのキー。
	identityContextKey = contextKey("identity")
	// requestIDContextKey はリクエストコンテキストにリクエストIDを格納するためのキー。
	requestIDContextKey = contextKey("request_id")
	// csrfContextKey はリクエストコンテキストにCSRFトークンを格納するためのキー。
	csrfContextKey = contextKey("csrf_token")
)

// IdentitySource は現在のログインユーザーを返す。session.Resolverが実装する。
type IdentitySource interface {
	CurrentIdentity() *model.Identity
}

// NewIdentityMiddleware はリクエスト受付時点のログインユーザーをコンテキストに注入するミドルウェアを返す。
// 未ログインの場合は何も注入しない。認可の判定はguardとgatewayが行う。
func NewIdentityMiddleware(src IdentitySource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := src.CurrentIdentity(); id != nil {
				r = r.WithContext(ContextWithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext はリクエストコンテキストからログインユーザーを取得する。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	id, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || id == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return id, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	id, err := IdentityFromContext(ctx)
	if err != nil {
		return "", err
	}
	if id.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return id.ID, nil
}

// ContextWithIdentity はコンテキストにログインユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
