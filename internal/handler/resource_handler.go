package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/model"
)

// Resource はテーブル1つ分のCRUDハンドラー。
// スコープ（所有者・公開範囲）の適用はgateway.Tableが行う。
type Resource[T any] struct {
	table        *gateway.Table[T]
	name         string
	prepare      func(*T) error
	preparePatch func(backend.Row) error
}

// ResourceOption はResourceの設定を変更する。
type ResourceOption[T any] func(*Resource[T])

// WithPrepare は作成前の検証・整形処理を指定する。
func WithPrepare[T any](fn func(*T) error) ResourceOption[T] {
	return func(res *Resource[T]) { res.prepare = fn }
}

// WithPatchPrepare は更新前の検証・整形処理を指定する。
func WithPatchPrepare[T any](fn func(backend.Row) error) ResourceOption[T] {
	return func(res *Resource[T]) { res.preparePatch = fn }
}

// NewResource はResourceを生成する。nameはエラーメッセージに使う単数形の名前。
func NewResource[T any](table *gateway.Table[T], name string, opts ...ResourceOption[T]) *Resource[T] {
	res := &Resource[T]{table: table, name: name}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// List は一覧を返す。
// GET /api/{resource}?limit=N
func (res *Resource[T]) List(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := res.table.List(r.Context(), gateway.ListOptions{Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Get は1件を返す。
// GET /api/{resource}/{id}
func (res *Resource[T]) Get(w http.ResponseWriter, r *http.Request) {
	item, err := res.table.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if item == nil {
		writeError(w, r, model.NewRecordNotFoundError(res.name))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Create は1件を追加する。
// POST /api/{resource}
func (res *Resource[T]) Create(w http.ResponseWriter, r *http.Request) {
	var rec T
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	if res.prepare != nil {
		if err := res.prepare(&rec); err != nil {
			writeError(w, r, err)
			return
		}
	}
	created, err := res.table.Insert(r.Context(), &rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update は指定した列のみを更新する。
// PATCH /api/{resource}/{id}
func (res *Resource[T]) Update(w http.ResponseWriter, r *http.Request) {
	patch, err := decodePatch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.preparePatch != nil {
		if err := res.preparePatch(patch); err != nil {
			writeError(w, r, err)
			return
		}
	}
	updated, err := res.table.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete は1件を削除する。
// DELETE /api/{resource}/{id}
func (res *Resource[T]) Delete(w http.ResponseWriter, r *http.Request) {
	if err := res.table.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadRoutes は読み取りルートを登録する。
func (res *Resource[T]) ReadRoutes(r chi.Router) {
	r.Get("/", res.List)
	r.Get("/{id}", res.Get)
}

// WriteRoutes は書き込みルートを登録する。
func (res *Resource[T]) WriteRoutes(r chi.Router) {
	r.Post("/", res.Create)
	r.Patch("/{id}", res.Update)
	r.Put("/{id}", res.Update)
	r.Delete("/{id}", res.Delete)
}
