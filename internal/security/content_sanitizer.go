// Package security はユーザー入力の無害化を提供する。
//
// ブログ記事やレシピの本文は公開設定によって他の利用者にも表示されるため、
// 保存前に許可リスト方式のHTMLポリシーで無害化する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/fitlog/internal/model"
)

// ContentSanitizer はHTML本文と単一行テキストを無害化する。
// bluemondayのポリシーはスレッドセーフなため、1つのインスタンスを共有してよい。
type ContentSanitizer struct {
	rich  *bluemonday.Policy
	plain *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// 本文用ポリシー:
//   - 許可タグ: p, br, h2, h3, h4, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - script, iframe, styleおよびon*イベント属性は除去
//   - imgのsrc、aのhrefはhttpsのみ
//   - aタグにはtarget="_blank"とrel="noopener noreferrer"を付与
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "h2", "h3", "h4",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &ContentSanitizer{
		rich:  p,
		plain: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTML本文を無害化する。同一入力には常に同一出力を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.rich.Sanitize(rawHTML)
}

// Plain は全てのタグを取り除いたテキストを返す。
// 結果はHTMLではないため、表示側でエスケープすること。
func (s *ContentSanitizer) Plain(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.plain.Sanitize(text)))
}

// SanitizeBlogPost はブログ記事の本文をHTMLとして、タイトルと抜粋をテキストとして無害化する。
func (s *ContentSanitizer) SanitizeBlogPost(post *model.BlogPost) {
	post.Title = s.Plain(post.Title)
	post.Excerpt = s.Plain(post.Excerpt)
	post.Content = s.Sanitize(post.Content)
}

// SanitizeRecipe はレシピの手順をHTMLとして、名前・分類・説明をテキストとして無害化する。
func (s *ContentSanitizer) SanitizeRecipe(recipe *model.Recipe) {
	recipe.Name = s.Plain(recipe.Name)
	recipe.Category = s.Plain(recipe.Category)
	recipe.Description = s.Plain(recipe.Description)
	recipe.Instructions = s.Sanitize(recipe.Instructions)
}

// SanitizeTrip は旅行記録の自由記述をテキストとして無害化する。
func (s *ContentSanitizer) SanitizeTrip(trip *model.Trip) {
	trip.Country = s.Plain(trip.Country)
	trip.City = s.Plain(trip.City)
	trip.Description = s.Plain(trip.Description)
	trip.Highlights = s.Plain(trip.Highlights)
}
