package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/session"
)

// Table はエンティティ型Tに対するスコープ付きのデータアクセスを提供する。
type Table[T any] struct {
	g    *Gateway
	spec TableSpec
}

// NewTable はTableを生成する。
func NewTable[T any](g *Gateway, spec TableSpec) *Table[T] {
	if spec.IDColumn == "" {
		spec.IDColumn = "id"
	}
	return &Table[T]{g: g, spec: spec}
}

// Spec はテーブル定義を返す。
func (t *Table[T]) Spec() TableSpec {
	return t.spec
}

// ListOptions は一覧取得の追加条件。
// Ordersが空の場合はテーブルの既定の並び順を使用する。
type ListOptions struct {
	Filters []backend.Filter
	Orders  []backend.Order
	Limit   int
}

// List はスコープ内の行を取得する。
// バックエンド未設定の場合は空の結果を返す。
func (t *Table[T]) List(ctx context.Context, opts ListOptions) ([]T, error) {
	start := time.Now()
	snap := t.g.ids.Snapshot()
	if !t.g.Enabled() {
		return []T{}, nil
	}

	scope, err := t.readScope(snap)
	if err != nil {
		t.g.observe(t.spec.Name, "list", OutcomeDenied, start)
		return nil, err
	}

	q := backend.From(t.spec.Name).Where(scope...).Where(opts.Filters...)
	orders := opts.Orders
	if len(orders) == 0 {
		orders = t.spec.DefaultOrder
	}
	q.Orders = append(q.Orders, orders...)
	q.Limit(opts.Limit)

	rows, err := t.g.ds.Select(ctx, q)
	if err != nil {
		return nil, t.fail("list", "load", err, start)
	}
	if err := t.checkStale(snap, "list", start); err != nil {
		return nil, err
	}

	out, err := decodeRows[T](t.recheck(rows, scope, snap))
	if err != nil {
		return nil, t.fail("list", "load", err, start)
	}
	t.g.observe(t.spec.Name, "list", OutcomeOK, start)
	return out, nil
}

// Get はIDで1行を取得する。該当行がない（またはスコープ外の）場合は nil, nil を返す。
func (t *Table[T]) Get(ctx context.Context, id string) (*T, error) {
	return t.FindOne(ctx, backend.Eq(t.spec.IDColumn, id))
}

// FindOne は条件に一致する1行を取得する。
// データサービスが該当なし（NotFoundCode）を返した場合はエラーではなく nil, nil を返す。
func (t *Table[T]) FindOne(ctx context.Context, filters ...backend.Filter) (*T, error) {
	start := time.Now()
	snap := t.g.ids.Snapshot()
	if !t.g.Enabled() {
		return nil, nil
	}

	scope, err := t.readScope(snap)
	if err != nil {
		t.g.observe(t.spec.Name, "get", OutcomeDenied, start)
		return nil, err
	}

	q := backend.From(t.spec.Name).Where(scope...).Where(filters...).Single()
	rows, err := t.g.ds.Select(ctx, q)
	if backend.IsNotFound(err) {
		if staleErr := t.checkStale(snap, "get", start); staleErr != nil {
			return nil, staleErr
		}
		t.g.observe(t.spec.Name, "get", OutcomeOK, start)
		return nil, nil
	}
	if err != nil {
		return nil, t.fail("get", "load", err, start)
	}
	if err := t.checkStale(snap, "get", start); err != nil {
		return nil, err
	}

	rows = t.recheck(rows, scope, snap)
	if len(rows) == 0 {
		t.g.observe(t.spec.Name, "get", OutcomeOK, start)
		return nil, nil
	}
	out, err := decodeRows[T](rows[:1])
	if err != nil {
		return nil, t.fail("get", "load", err, start)
	}
	t.g.observe(t.spec.Name, "get", OutcomeOK, start)
	return &out[0], nil
}

// Insert はレコードを追加する。所有者列は呼び出し側の値に関わらず現在のユーザーで上書きする。
// 未ログインの場合は通信せずに認可エラーを返す。
func (t *Table[T]) Insert(ctx context.Context, rec *T) (*T, error) {
	start := time.Now()
	snap, err := t.requireIdentity("insert", start)
	if err != nil {
		return nil, err
	}
	user := snap.Identity

	row, err := toRow(rec)
	if err != nil {
		return nil, model.NewInvalidInputError("the record could not be encoded").WithCause(err)
	}
	row[t.spec.OwnerColumn] = user.ID
	if t.spec.IDColumn != t.spec.OwnerColumn {
		if id, _ := row[t.spec.IDColumn].(string); id == "" {
			row[t.spec.IDColumn] = t.g.newID()
		}
	}

	rows, err := t.g.ds.Insert(ctx, t.spec.Name, []backend.Row{row})
	if err != nil {
		return nil, t.fail("insert", "save", err, start)
	}
	if err := t.checkStale(snap, "insert", start); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows = []backend.Row{row}
	}
	out, err := decodeRows[T](rows[:1])
	if err != nil {
		return nil, t.fail("insert", "save", err, start)
	}

	t.g.logger.Info("record inserted",
		slog.String("table", t.spec.Name),
		slog.String("user_id", user.ID),
	)
	t.g.observe(t.spec.Name, "insert", OutcomeOK, start)
	return &out[0], nil
}

// Update は自分が所有する行を更新する。patchから所有者列とID列は取り除く。
// 該当行がない（他人の行を含む）場合は認可エラーを返す。
func (t *Table[T]) Update(ctx context.Context, id string, patch backend.Row) (*T, error) {
	start := time.Now()
	snap, err := t.requireIdentity("update", start)
	if err != nil {
		return nil, err
	}
	user := snap.Identity

	values := make(backend.Row, len(patch))
	for k, v := range patch {
		if k == t.spec.OwnerColumn || k == t.spec.IDColumn {
			continue
		}
		values[k] = v
	}
	if len(values) == 0 {
		t.g.observe(t.spec.Name, "update", OutcomeError, start)
		return nil, model.NewInvalidInputError("no fields to update")
	}

	q := backend.From(t.spec.Name).Eq(t.spec.IDColumn, id).Eq(t.spec.OwnerColumn, user.ID)
	rows, err := t.g.ds.Update(ctx, q, values)
	if err != nil {
		return nil, t.fail("update", "update", err, start)
	}
	if err := t.checkStale(snap, "update", start); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		t.g.observe(t.spec.Name, "update", OutcomeDenied, start)
		return nil, model.NewForbiddenError(t.humanName())
	}
	out, err := decodeRows[T](rows[:1])
	if err != nil {
		return nil, t.fail("update", "update", err, start)
	}
	t.g.observe(t.spec.Name, "update", OutcomeOK, start)
	return &out[0], nil
}

// Delete は自分が所有する行を削除する。
// 該当行がない（他人の行を含む）場合は認可エラーを返す。
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	start := time.Now()
	snap, err := t.requireIdentity("delete", start)
	if err != nil {
		return err
	}
	user := snap.Identity

	q := backend.From(t.spec.Name).Eq(t.spec.IDColumn, id).Eq(t.spec.OwnerColumn, user.ID)
	rows, err := t.g.ds.Delete(ctx, q)
	if err != nil {
		return t.fail("delete", "delete", err, start)
	}
	if err := t.checkStale(snap, "delete", start); err != nil {
		return err
	}
	if len(rows) == 0 {
		t.g.observe(t.spec.Name, "delete", OutcomeDenied, start)
		return model.NewForbiddenError(t.humanName())
	}

	t.g.logger.Info("record deleted",
		slog.String("table", t.spec.Name),
		slog.String("user_id", user.ID),
	)
	t.g.observe(t.spec.Name, "delete", OutcomeOK, start)
	return nil
}

// requireIdentity は書き込みに必要なログインユーザーを返す。
// 認可チェックはバックエンドの設定確認より先に行う。
// 返すSnapshotは書き込み完了後のstale判定に使う。
func (t *Table[T]) requireIdentity(op string, start time.Time) (session.Snapshot, error) {
	snap := t.g.ids.Snapshot()
	if snap.State != session.Authenticated || snap.Identity == nil {
		t.g.observe(t.spec.Name, op, OutcomeDenied, start)
		return snap, model.NewAuthRequiredError()
	}
	if !t.g.Enabled() {
		t.g.observe(t.spec.Name, op, OutcomeError, start)
		return snap, model.NewNotConfiguredError()
	}
	return snap, nil
}

// readScope は読み取りに適用するスコープフィルタを返す。
//   - 所有者付き: 所有者＝現在のユーザー。未ログインでは認可エラー。
//   - 公開可能: 未ログインでは公開行のみ、ログイン中は「公開 OR 自分の所有」の単一フィルタ。
func (t *Table[T]) readScope(snap session.Snapshot) ([]backend.Filter, error) {
	signedIn := snap.State == session.Authenticated && snap.Identity != nil

	if !t.spec.Shareable() {
		switch {
		case signedIn:
			return []backend.Filter{backend.Eq(t.spec.OwnerColumn, snap.Identity.ID)}, nil
		case snap.State == session.Unknown:
			return nil, model.NewIdentityResolvingError()
		default:
			return nil, model.NewAuthRequiredError()
		}
	}

	public := backend.Eq(t.spec.VisibilityColumn, true)
	if !signedIn {
		return []backend.Filter{public}, nil
	}
	return []backend.Filter{backend.Or(public, backend.Eq(t.spec.OwnerColumn, snap.Identity.ID))}, nil
}

// recheck はスコープに合わない行を取り除く。
// バックエンド側の行レベルセキュリティが正しく設定されていれば取り除かれる行はない。
func (t *Table[T]) recheck(rows []backend.Row, scope []backend.Filter, snap session.Snapshot) []backend.Row {
	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		ok := true
		for _, f := range scope {
			if !f.Match(r) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, r)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		attrs := []any{
			slog.String("table", t.spec.Name),
			slog.Int("dropped", dropped),
		}
		if snap.Identity != nil {
			attrs = append(attrs, slog.String("user_id", snap.Identity.ID))
		}
		t.g.logger.Warn("rows outside the caller's scope were dropped", attrs...)
	}
	return kept
}

// checkStale は呼び出し中にログインユーザーが変わっていないかを確認する。
// 変わっていた場合は結果を破棄する。書き込みは開始時のユーザーで完了済みで、取り消さない。
func (t *Table[T]) checkStale(before session.Snapshot, op string, start time.Time) error {
	after := t.g.ids.Snapshot()
	if after.Identity == before.Identity {
		return nil
	}
	t.g.logger.Info("stale result discarded",
		slog.String("table", t.spec.Name),
		slog.String("operation", op),
	)
	t.g.observe(t.spec.Name, op, OutcomeStale, start)
	return model.NewStaleResultError()
}

// fail はデータサービスのエラーを利用者向けのAPIErrorに変換し、原因をログに記録する。
func (t *Table[T]) fail(op, verb string, err error, start time.Time) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.g.observe(t.spec.Name, op, OutcomeError, start)
		return apiErr
	}

	var mapped *model.APIError
	switch {
	case backend.IsPermissionDenied(err):
		mapped = model.NewForbiddenError(t.humanName())
	case backend.IsConstraintViolation(err):
		mapped = model.NewConstraintError(t.humanName())
	default:
		mapped = model.NewBackendFailureError(fmt.Sprintf("%s %s", verb, t.humanName()))
	}

	t.g.logger.Error("data service operation failed",
		slog.String("table", t.spec.Name),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	t.g.observe(t.spec.Name, op, OutcomeError, start)
	return mapped.WithCause(err)
}

func (t *Table[T]) humanName() string {
	return strings.ReplaceAll(t.spec.Name, "_", " ")
}

// toRow はレコードをJSON経由で列名→値のマップに変換する。
func toRow(rec any) (backend.Row, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var row backend.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	if row == nil {
		row = backend.Row{}
	}
	return row, nil
}

// decodeRows は行をJSON経由でT型に変換する。
func decodeRows[T any](rows []backend.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rows: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return out, nil
}
