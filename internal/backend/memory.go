package backend

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// uniqueViolationCode は一意制約違反のSQLSTATE。
const uniqueViolationCode = "23505"

// MemoryService はプロセス内メモリにテーブルを保持するDataService実装。
// DATA_MODE=memoryでのローカル動作確認とテストで使用する。
// 行レベルセキュリティは持たないため、可視範囲の制御は呼び出し側（gateway）に依存する。
// 全テーブルのidと、UniqueKeyで登録した列の組は一意制約として扱う。
type MemoryService struct {
	mu         sync.Mutex
	tables     map[string][]Row
	uniqueKeys map[string][][]string
	calls      int
	now        func() time.Time
}

// NewMemoryService は空のMemoryServiceを生成する。
// マイグレーションと同じく daily_logs(user_id, date) を一意にする。
func NewMemoryService() *MemoryService {
	m := &MemoryService{
		tables:     make(map[string][]Row),
		uniqueKeys: make(map[string][][]string),
		now:        time.Now,
	}
	m.UniqueKey("daily_logs", "user_id", "date")
	return m
}

// UniqueKey はtableに列の組の一意制約を追加する。
func (m *MemoryService) UniqueKey(table string, columns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniqueKeys[table] = append(m.uniqueKeys[table], columns)
}

func (m *MemoryService) keysLocked(table string) [][]string {
	return append([][]string{{"id"}}, m.uniqueKeys[table]...)
}

// conflictLocked はcandidateがrowsのいずれかと一意制約で衝突するかを調べる。
// skipは比較対象から除く行の添字（更新対象自身、なければ-1）。値がnilの列を含むキーは比較しない。
func (m *MemoryService) conflictLocked(table string, candidate Row, rows []Row, skip int) error {
	for _, key := range m.keysLocked(table) {
		if !hasAll(candidate, key) {
			continue
		}
		for i, r := range rows {
			if i == skip {
				continue
			}
			if hasAll(r, key) && sameKey(candidate, r, key) {
				return &Error{
					Status:  http.StatusConflict,
					Code:    uniqueViolationCode,
					Message: fmt.Sprintf("duplicate key value violates unique constraint on %s(%s)", table, strings.Join(key, ", ")),
				}
			}
		}
	}
	return nil
}

func hasAll(r Row, columns []string) bool {
	for _, c := range columns {
		if v, ok := r[c]; !ok || v == nil {
			return false
		}
	}
	return true
}

func sameKey(a, b Row, columns []string) bool {
	for _, c := range columns {
		if !ValuesEqual(a[c], b[c]) {
			return false
		}
	}
	return true
}

// Seed はテーブルに行を直接追加する。呼び出し回数には数えない。
func (m *MemoryService) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], copyRow(r))
	}
}

// Calls はSelect/Insert/Update/Deleteの呼び出し回数を返す。
func (m *MemoryService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Rows はテーブルの全行のコピーを返す。
func (m *MemoryService) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(m.tables[table])
}

// Select はクエリに一致する行を返す。
func (m *MemoryService) Select(_ context.Context, q *Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var matched []Row
	for _, r := range m.tables[q.Table] {
		if q.Match(r) {
			matched = append(matched, copyRow(r))
		}
	}
	sortRows(matched, q.Orders)
	if q.MaxRows > 0 && len(matched) > q.MaxRows {
		matched = matched[:q.MaxRows]
	}
	if q.SingleRow && len(matched) != 1 {
		return nil, NewNotFoundError(len(matched))
	}
	return matched, nil
}

// Insert は行を追加する。created_atが未設定の場合は現在時刻を設定する。
func (m *MemoryService) Insert(_ context.Context, table string, rows []Row) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	// 1行でも衝突した場合は何も追加しない
	pending := make([]Row, 0, len(rows))
	for _, r := range rows {
		cp := copyRow(r)
		if _, ok := cp["created_at"]; !ok {
			cp["created_at"] = m.now().UTC().Format(time.RFC3339Nano)
		}
		if err := m.conflictLocked(table, cp, m.tables[table], -1); err != nil {
			return nil, err
		}
		if err := m.conflictLocked(table, cp, pending, -1); err != nil {
			return nil, err
		}
		pending = append(pending, cp)
	}

	m.tables[table] = append(m.tables[table], pending...)
	return copyRows(pending), nil
}

// Update はクエリに一致する行を更新し、更新後の行を返す。
func (m *MemoryService) Update(_ context.Context, q *Query, values Row) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	rows := m.tables[q.Table]
	next := make([]Row, len(rows))
	var targets []int
	for i, r := range rows {
		next[i] = r
		if !q.Match(r) {
			continue
		}
		cp := copyRow(r)
		for k, v := range values {
			cp[k] = v
		}
		next[i] = cp
		targets = append(targets, i)
	}

	for _, i := range targets {
		if err := m.conflictLocked(q.Table, next[i], next, i); err != nil {
			return nil, err
		}
	}

	m.tables[q.Table] = next
	updated := make([]Row, 0, len(targets))
	for _, i := range targets {
		updated = append(updated, copyRow(next[i]))
	}
	return updated, nil
}

// Delete はクエリに一致する行を削除し、削除した行を返す。
func (m *MemoryService) Delete(_ context.Context, q *Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var kept, deleted []Row
	for _, r := range m.tables[q.Table] {
		if q.Match(r) {
			deleted = append(deleted, r)
			continue
		}
		kept = append(kept, r)
	}
	m.tables[q.Table] = kept
	return deleted, nil
}

func sortRows(rows []Row, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orders {
			c := compareValues(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

// compareValues は数値は数値として、それ以外は文字列表現で比較する。nilは最小。
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := FormatValue(a), FormatValue(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func copyRow(r Row) Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

func copyRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out
}
