package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StartAutoRefresh はティック間隔でセッションの有効期限を確認し、
// 期限切れが近い場合にリフレッシュする。コンテキストがキャンセルされるまで実行を継続する。
func (c *Client) StartAutoRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.logger.Info("セッション自動更新を開始しました",
		slog.Duration("tick", c.tick),
		slog.Duration("margin", c.margin),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("セッション自動更新を停止しました")
			return
		case <-ticker.C:
			if err := c.RefreshIfNeeded(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("セッションの自動更新に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RefreshIfNeeded はセッションの期限切れが近い場合にリフレッシュする。
// 一時的な障害は指数バックオフで次のティックまで再試行する。
// リフレッシュトークンが拒否された場合は再試行せず、セッションを破棄する。
func (c *Client) RefreshIfNeeded(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.tick / 10
	b.MaxElapsedTime = c.tick

	operation := func() error {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		session, err := c.loadLocked(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if session == nil || !session.ExpiresWithin(c.now(), c.margin) {
			return nil
		}
		if _, err := c.refreshLocked(ctx, session); err != nil {
			c.logger.Warn("セッションのリフレッシュに失敗しました。再試行します",
				slog.String("user_id", session.User.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
