// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は認証済みユーザー（プリンシパル）を表す。
// IDはセッションをまたいで安定した不透明な識別子。
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Same は2つのIdentityが同一ユーザーの同一内容かどうかを判定する。
// nil同士は同一とみなす。
func (i *Identity) Same(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.ID == other.ID && i.Email == other.Email && i.CreatedAt.Equal(other.CreatedAt)
}

// Session は認証サービスが発行したログインセッションを表す。
// ローカルに永続化され、次回起動時に復元される。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// ExpiresWithin はセッションが指定期間内に期限切れになるかどうかを返す。
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(d))
}

// AuthEvent は認証サービスから通知される状態変化イベントの種別。
type AuthEvent string

const (
	// AuthEventInitialSession は購読開始直後の初期セッション通知。
	AuthEventInitialSession AuthEvent = "INITIAL_SESSION"
	// AuthEventSignedIn はサインイン完了通知。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut はサインアウトまたはセッション失効の通知。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はアクセストークン更新の通知。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	// AuthEventUserUpdated はユーザー情報更新の通知。
	AuthEventUserUpdated AuthEvent = "USER_UPDATED"
)
