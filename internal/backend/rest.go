package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	restPath = "/rest/v1/"
	// singleObjectMediaType は単一行取得を要求するAcceptヘッダー値。
	singleObjectMediaType = "application/vnd.pgrst.object+json"
	// maxErrorBody はエラーレスポンスとして読み取るボディの上限。
	maxErrorBody = 64 * 1024
)

// TokenSource は現在のアクセストークンを返す。未ログイン時は空文字列を返す。
type TokenSource func(ctx context.Context) string

// RESTClient はPostgREST互換のREST APIを使用するDataService実装。
// 未ログイン時はanonキーをBearerトークンとして送信する。
type RESTClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewRESTClient はRESTClientを生成する。tokensがnilの場合は常にanonキーを使用する。
func NewRESTClient(baseURL, anonKey string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *RESTClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

// Select はクエリに一致する行を取得する。
// GET /rest/v1/{table}?select=...&col=eq.v&or=(...)&order=...&limit=n
func (c *RESTClient) Select(ctx context.Context, q *Query) ([]Row, error) {
	return c.do(ctx, http.MethodGet, q.Table, EncodeQuery(q), nil, q.SingleRow, false)
}

// Insert は行を挿入する。
// POST /rest/v1/{table}（Prefer: return=representation）
func (c *RESTClient) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return c.do(ctx, http.MethodPost, table, nil, rows, false, true)
}

// Update はクエリに一致する行を更新する。
// PATCH /rest/v1/{table}?col=eq.v（Prefer: return=representation）
func (c *RESTClient) Update(ctx context.Context, q *Query, values Row) ([]Row, error) {
	return c.do(ctx, http.MethodPatch, q.Table, encodeFilters(q), values, false, true)
}

// Delete はクエリに一致する行を削除する。
// DELETE /rest/v1/{table}?col=eq.v（Prefer: return=representation）
func (c *RESTClient) Delete(ctx context.Context, q *Query) ([]Row, error) {
	return c.do(ctx, http.MethodDelete, q.Table, encodeFilters(q), nil, false, true)
}

// do はREST APIを呼び出し、レスポンスを行の配列として返す。
func (c *RESTClient) do(ctx context.Context, method, table string, params url.Values, body any, single, representation bool) ([]Row, error) {
	reqURL := c.baseURL + restPath + url.PathEscape(table)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(ctx, req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if single {
		req.Header.Set("Accept", singleObjectMediaType)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if representation {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("data service request failed",
			slog.String("method", method),
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("data service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if single {
		var row Row
		if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return []Row{row}, nil
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return rows, nil
}

// setHeaders はapikeyとAuthorizationヘッダーを設定する。
func (c *RESTClient) setHeaders(ctx context.Context, req *http.Request) {
	token := ""
	if c.tokens != nil {
		token = c.tokens(ctx)
	}
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
}

// decodeError はエラーレスポンスをErrorに変換する。
// ボディがPostgREST形式でない場合はボディ先頭をMessageに入れる。
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	be := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(data, be); err != nil || (be.Code == "" && be.Message == "") {
		be.Message = strings.TrimSpace(string(data))
		if be.Message == "" {
			be.Message = http.StatusText(resp.StatusCode)
		}
	}
	return be
}

// EncodeQuery はQueryをPostgRESTのクエリパラメータにエンコードする。
func EncodeQuery(q *Query) url.Values {
	params := encodeFilters(q)
	columns := q.Columns
	if columns == "" {
		columns = "*"
	}
	params.Set("select", columns)

	if len(q.Orders) > 0 {
		parts := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			dir := "desc"
			if o.Ascending {
				dir = "asc"
			}
			parts[i] = o.Column + "." + dir
		}
		params.Set("order", strings.Join(parts, ","))
	}
	if q.MaxRows > 0 {
		params.Set("limit", strconv.Itoa(q.MaxRows))
	}
	return params
}

// encodeFilters はフィルタのみをクエリパラメータにエンコードする。
func encodeFilters(q *Query) url.Values {
	params := url.Values{}
	for _, f := range q.Filters {
		if f.IsOr() {
			params.Add("or", "("+encodeOrGroup(f.Any)+")")
			continue
		}
		params.Add(f.Column, string(f.Op)+"."+encodeOperand(f, false))
	}
	return params
}

// encodeOrGroup は論理和の各条件を col.op.value 形式でカンマ連結する。
func encodeOrGroup(filters []Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if f.IsOr() {
			parts = append(parts, "or("+encodeOrGroup(f.Any)+")")
			continue
		}
		parts = append(parts, f.Column+"."+string(f.Op)+"."+encodeOperand(f, true))
	}
	return strings.Join(parts, ",")
}

// encodeOperand はフィルタ値をエンコードする。
// 論理和グループ内やin演算子のリスト内では予約文字を含む値をダブルクォートで囲む。
func encodeOperand(f Filter, nested bool) string {
	if f.Op == OpIn {
		values, _ := f.Value.([]any)
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = quoteReserved(FormatValue(v))
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	s := FormatValue(f.Value)
	if nested {
		return quoteReserved(s)
	}
	return s
}

// quoteReserved はPostgRESTの予約文字（, . : ( ) " \ 空白）を含む値をクォートする。
func quoteReserved(s string) string {
	if !strings.ContainsAny(s, ",.:()\"\\ ") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
