// Package repository はPostgreSQLに直接接続するデータサービスを提供する。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fitlog/internal/backend"
)

// dateLayout はDATE型の列を文字列に変換する際の書式。
const dateLayout = "2006-01-02"

// PostgresDataService はbackend.QueryをパラメータSQLに変換して実行するデータサービス。
// DATA_MODE=postgresのときREST APIの代わりに使用する。
type PostgresDataService struct {
	db *sql.DB
}

// NewPostgresDataService はPostgresDataServiceを生成する。
func NewPostgresDataService(db *sql.DB) *PostgresDataService {
	return &PostgresDataService{db: db}
}

// Select はクエリに一致する行を返す。
// 単一行モードで0件または複数件の場合はbackend.NotFoundCodeのエラーを返す。
func (s *PostgresDataService) Select(ctx context.Context, q *backend.Query) ([]backend.Row, error) {
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", q.Table, err)
	}
	if q.SingleRow && len(rows) != 1 {
		return nil, backend.NewNotFoundError(len(rows))
	}
	return rows, nil
}

// Insert は行を挿入し、挿入後の行を返す。
func (s *PostgresDataService) Insert(ctx context.Context, table string, rows []backend.Row) ([]backend.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	query, args, err := buildInsert(table, rows)
	if err != nil {
		return nil, err
	}
	out, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%sの挿入に失敗しました: %w", table, err)
	}
	return out, nil
}

// Update はクエリに一致する行を更新し、更新後の行を返す。
func (s *PostgresDataService) Update(ctx context.Context, q *backend.Query, values backend.Row) ([]backend.Row, error) {
	query, args, err := buildUpdate(q, values)
	if err != nil {
		return nil, err
	}
	out, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%sの更新に失敗しました: %w", q.Table, err)
	}
	return out, nil
}

// Delete はクエリに一致する行を削除し、削除した行を返す。
func (s *PostgresDataService) Delete(ctx context.Context, q *backend.Query) ([]backend.Row, error) {
	query, args, err := buildDelete(q)
	if err != nil {
		return nil, err
	}
	out, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%sの削除に失敗しました: %w", q.Table, err)
	}
	return out, nil
}

// query はSQLを実行し、結果を列名→値の行に変換する。
func (s *PostgresDataService) query(ctx context.Context, query string, args []any) ([]backend.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// --- SQL生成 ---

// sqlBuilder はプレースホルダ番号を管理しながらSQLを組み立てる。
type sqlBuilder struct {
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) write(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

// bind は値を引数に追加し、プレースホルダを返す。
func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func buildSelect(q *backend.Query) (string, []any, error) {
	cols, err := selectList(q.Columns)
	if err != nil {
		return "", nil, err
	}
	b := &sqlBuilder{}
	b.write("SELECT ", cols, " FROM ", pq.QuoteIdentifier(q.Table))
	if err := b.where(q.Filters); err != nil {
		return "", nil, err
	}
	if len(q.Orders) > 0 {
		terms := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			dir := "DESC"
			if o.Ascending {
				dir = "ASC"
			}
			terms[i] = pq.QuoteIdentifier(o.Column) + " " + dir
		}
		b.write(" ORDER BY ", strings.Join(terms, ", "))
	}
	limit := q.MaxRows
	if q.SingleRow && (limit <= 0 || limit > 2) {
		// 複数件の検出には2件あれば足りる
		limit = 2
	}
	if limit > 0 {
		b.write(" LIMIT ", strconv.Itoa(limit))
	}
	return b.sb.String(), b.args, nil
}

func buildInsert(table string, rows []backend.Row) (string, []any, error) {
	colSet := map[string]bool{}
	for _, row := range rows {
		for col := range row {
			colSet[col] = true
		}
	}
	if len(colSet) == 0 {
		return "INSERT INTO " + pq.QuoteIdentifier(table) + " DEFAULT VALUES RETURNING *", nil, nil
	}
	cols := make([]string, 0, len(colSet))
	for col := range colSet {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	b := &sqlBuilder{}
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
	}
	b.write("INSERT INTO ", pq.QuoteIdentifier(table), " (", strings.Join(quoted, ", "), ") VALUES ")
	for i, row := range rows {
		if i > 0 {
			b.write(", ")
		}
		vals := make([]string, len(cols))
		for j, col := range cols {
			v, ok := row[col]
			if !ok {
				vals[j] = "DEFAULT"
				continue
			}
			arg, err := sqlValue(v)
			if err != nil {
				return "", nil, fmt.Errorf("invalid value for %s.%s: %w", table, col, err)
			}
			vals[j] = b.bind(arg)
		}
		b.write("(", strings.Join(vals, ", "), ")")
	}
	b.write(" RETURNING *")
	return b.sb.String(), b.args, nil
}

func buildUpdate(q *backend.Query, values backend.Row) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, errors.New("update requires at least one column")
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	b := &sqlBuilder{}
	b.write("UPDATE ", pq.QuoteIdentifier(q.Table), " SET ")
	for i, col := range cols {
		if i > 0 {
			b.write(", ")
		}
		arg, err := sqlValue(values[col])
		if err != nil {
			return "", nil, fmt.Errorf("invalid value for %s.%s: %w", q.Table, col, err)
		}
		b.write(pq.QuoteIdentifier(col), " = ", b.bind(arg))
	}
	if err := b.requireWhere(q.Filters); err != nil {
		return "", nil, err
	}
	b.write(" RETURNING *")
	return b.sb.String(), b.args, nil
}

func buildDelete(q *backend.Query) (string, []any, error) {
	b := &sqlBuilder{}
	b.write("DELETE FROM ", pq.QuoteIdentifier(q.Table))
	if err := b.requireWhere(q.Filters); err != nil {
		return "", nil, err
	}
	b.write(" RETURNING *")
	return b.sb.String(), b.args, nil
}

// requireWhere はフィルタなしの全行更新・全行削除を拒否する。
func (b *sqlBuilder) requireWhere(filters []backend.Filter) error {
	if len(filters) == 0 {
		return errors.New("refusing to modify rows without a filter")
	}
	return b.where(filters)
}

func (b *sqlBuilder) where(filters []backend.Filter) error {
	if len(filters) == 0 {
		return nil
	}
	terms := make([]string, len(filters))
	for i, f := range filters {
		term, err := b.condition(f)
		if err != nil {
			return err
		}
		terms[i] = term
	}
	b.write(" WHERE ", strings.Join(terms, " AND "))
	return nil
}

// condition は1つのフィルタをSQL条件式に変換する。
func (b *sqlBuilder) condition(f backend.Filter) (string, error) {
	if f.IsOr() {
		terms := make([]string, len(f.Any))
		for i, sub := range f.Any {
			term, err := b.condition(sub)
			if err != nil {
				return "", err
			}
			terms[i] = term
		}
		return "(" + strings.Join(terms, " OR ") + ")", nil
	}

	col := pq.QuoteIdentifier(f.Column)
	switch f.Op {
	case backend.OpEq:
		if f.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + b.bind(f.Value), nil
	case backend.OpNeq:
		if f.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " <> " + b.bind(f.Value), nil
	case backend.OpIs:
		switch f.Value {
		case nil:
			return col + " IS NULL", nil
		case true:
			return col + " IS TRUE", nil
		case false:
			return col + " IS FALSE", nil
		}
		return "", fmt.Errorf("unsupported is value for %s: %v", f.Column, f.Value)
	case backend.OpIn:
		candidates, _ := f.Value.([]any)
		values := make(pq.StringArray, len(candidates))
		for i, c := range candidates {
			values[i] = backend.FormatValue(c)
		}
		return col + " = ANY(" + b.bind(values) + ")", nil
	default:
		return "", fmt.Errorf("unsupported filter operator %q", f.Op)
	}
}

// selectList は取得列の指定をSQLの列リストに変換する。
func selectList(columns string) (string, error) {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return "*", nil
	}
	parts := strings.Split(columns, ",")
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", fmt.Errorf("invalid column list %q", columns)
		}
		quoted = append(quoted, pq.QuoteIdentifier(p))
	}
	return strings.Join(quoted, ", "), nil
}

// sqlValue はJSON由来の値をドライバに渡せる値に変換する。
// 配列・オブジェクトはJSONB列向けにJSON文字列へ変換する。
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte:
		return x, nil
	case json.RawMessage:
		return string(x), nil
	case []any, map[string]any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return backend.FormatValue(x), nil
	}
}

// --- 結果の変換 ---

func scanRows(rows *sql.Rows) ([]backend.Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	out := []backend.Row{}
	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(backend.Row, len(types))
		for i, ct := range types {
			row[ct.Name()] = convertColumn(ct.DatabaseTypeName(), values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// convertColumn はドライバが返した値をJSONで扱える値に変換する。
func convertColumn(dbType string, v any) any {
	switch x := v.(type) {
	case []byte:
		switch dbType {
		case "JSON", "JSONB":
			var decoded any
			if err := json.Unmarshal(x, &decoded); err == nil {
				return decoded
			}
		case "NUMERIC":
			if f, err := strconv.ParseFloat(string(x), 64); err == nil {
				return f
			}
		}
		return string(x)
	case time.Time:
		if dbType == "DATE" {
			return x.Format(dateLayout)
		}
		return x
	default:
		return x
	}
}

// translateError はpq.Errorをbackend.Errorに変換し、SQLSTATEを保持する。
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	return &backend.Error{
		Status:  statusForSQLState(string(pqErr.Code)),
		Code:    string(pqErr.Code),
		Message: pqErr.Message,
		Details: pqErr.Detail,
		Hint:    pqErr.Hint,
	}
}

// statusForSQLState はSQLSTATEをPostgRESTと同じHTTPステータスに対応付ける。
func statusForSQLState(code string) int {
	switch {
	case code == "23505", code == "23503":
		return http.StatusConflict
	case code == "42501":
		return http.StatusForbidden
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		return http.StatusBadRequest
	case code == "42P01", code == "42703":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
