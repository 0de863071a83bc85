// Package backend はホスト型バックエンドのデータサービスとの境界を定義する。
//
// Queryはテーブル単位のクエリを表すバックエンド非依存の値で、
// REST（PostgREST互換）実装とPostgreSQL直結実装の両方が同じQueryを解釈する。
package backend

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Row は1行分のデータを列名→値で表す。
type Row = map[string]any

// Op はフィルタの比較演算子。
type Op string

const (
	// OpEq は等価比較。
	OpEq Op = "eq"
	// OpNeq は非等価比較。
	OpNeq Op = "neq"
	// OpIn は候補値のいずれかに一致。
	OpIn Op = "in"
	// OpIs はnull/true/falseとの同一性比較。
	OpIs Op = "is"
)

// Filter は列に対する条件を表す。
// Anyが空でない場合はAny内の条件の論理和（OR）となり、Column/Op/Valueは無視される。
type Filter struct {
	Column string
	Op     Op
	Value  any
	Any    []Filter
}

// Eq は等価フィルタを生成する。
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Neq は非等価フィルタを生成する。
func Neq(column string, value any) Filter {
	return Filter{Column: column, Op: OpNeq, Value: value}
}

// In は候補値フィルタを生成する。
func In(column string, values ...any) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// Is はnull/真偽値の同一性フィルタを生成する。valueはnilまたはbool。
func Is(column string, value any) Filter {
	return Filter{Column: column, Op: OpIs, Value: value}
}

// Or は条件の論理和を1つのフィルタとして合成する。
func Or(filters ...Filter) Filter {
	return Filter{Any: filters}
}

// IsOr は論理和フィルタかどうかを返す。
func (f Filter) IsOr() bool {
	return len(f.Any) > 0
}

// Match は行がフィルタ条件を満たすかどうかを判定する。
// クライアント側での結果検証とテスト用のインメモリ実装で使用する。
func (f Filter) Match(row Row) bool {
	if f.IsOr() {
		for _, sub := range f.Any {
			if sub.Match(row) {
				return true
			}
		}
		return false
	}

	v, ok := row[f.Column]
	switch f.Op {
	case OpEq:
		return ok && ValuesEqual(v, f.Value)
	case OpNeq:
		return !ok || !ValuesEqual(v, f.Value)
	case OpIs:
		if f.Value == nil {
			return !ok || v == nil
		}
		return ok && ValuesEqual(v, f.Value)
	case OpIn:
		candidates, _ := f.Value.([]any)
		for _, c := range candidates {
			if ok && ValuesEqual(v, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Order は並び順を表す。
type Order struct {
	Column    string
	Ascending bool
}

// Query はテーブルに対する検索・更新・削除の対象範囲を表す。
type Query struct {
	Table     string
	Columns   string
	Filters   []Filter
	Orders    []Order
	MaxRows   int
	SingleRow bool
}

// From はテーブルを対象とする新しいQueryを生成する。列は全列（*）。
func From(table string) *Query {
	return &Query{Table: table, Columns: "*"}
}

// Select は取得する列を指定する。
func (q *Query) Select(columns string) *Query {
	q.Columns = columns
	return q
}

// Where はフィルタを追加する。複数のフィルタは論理積（AND）で結合される。
func (q *Query) Where(filters ...Filter) *Query {
	q.Filters = append(q.Filters, filters...)
	return q
}

// Eq は等価フィルタを追加する。
func (q *Query) Eq(column string, value any) *Query {
	return q.Where(Eq(column, value))
}

// In は候補値フィルタを追加する。
func (q *Query) In(column string, values ...any) *Query {
	return q.Where(In(column, values...))
}

// Or は論理和フィルタを追加する。
func (q *Query) Or(filters ...Filter) *Query {
	return q.Where(Or(filters...))
}

// Order は並び順を追加する。
func (q *Query) Order(column string, ascending bool) *Query {
	q.Orders = append(q.Orders, Order{Column: column, Ascending: ascending})
	return q
}

// Limit は最大取得件数を指定する。0以下は無制限。
func (q *Query) Limit(n int) *Query {
	q.MaxRows = n
	return q
}

// Single は単一行取得モードにする。
// 該当行が0件または複数件の場合、データサービスはNotFoundCodeのErrorを返す。
func (q *Query) Single() *Query {
	q.SingleRow = true
	return q
}

// Clone はフィルタ等のスライスを複製したコピーを返す。
func (q *Query) Clone() *Query {
	cp := *q
	cp.Filters = append([]Filter(nil), q.Filters...)
	cp.Orders = append([]Order(nil), q.Orders...)
	return &cp
}

// Match は行がすべてのフィルタを満たすかどうかを判定する。
func (q *Query) Match(row Row) bool {
	for _, f := range q.Filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

// DataService はテーブル形式のデータサービスのインターフェース。
// 実装はREST（RESTClient）とPostgreSQL直結（repository.PostgresDataService）。
type DataService interface {
	// Select はクエリに一致する行を返す。SingleRowの場合は0件・複数件でNotFoundCodeのErrorを返す。
	Select(ctx context.Context, q *Query) ([]Row, error)
	// Insert は行を挿入し、挿入後の行（デフォルト値を含む）を返す。
	Insert(ctx context.Context, table string, rows []Row) ([]Row, error)
	// Update はクエリに一致する行をvaluesで更新し、更新後の行を返す。
	Update(ctx context.Context, q *Query, values Row) ([]Row, error)
	// Delete はクエリに一致する行を削除し、削除した行を返す。
	Delete(ctx context.Context, q *Query) ([]Row, error)
}

// ValuesEqual はJSON由来の値とフィルタ値を型を正規化して比較する。
// 数値はfloat64、時刻はRFC3339文字列として比較する。
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return FormatValue(a) == FormatValue(b)
}

// FormatValue は値をフィルタ用の文字列表現に変換する。
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
