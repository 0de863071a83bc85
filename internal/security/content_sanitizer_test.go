package security

import (
	"strings"
	"testing"

	"github.com/hitoshi/fitlog/internal/model"
)

// TestSanitize_AllowedTags は許可タグが正しく通過することを検証する。
func TestSanitize_AllowedTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "pタグが許可される",
			input:        "<p>朝ラン5km</p>",
			wantContains: []string{"<p>朝ラン5km</p>"},
		},
		{
			name:         "見出しタグが許可される",
			input:        "<h2>準備</h2><h3>材料</h3>",
			wantContains: []string{"<h2>準備</h2>", "<h3>材料</h3>"},
		},
		{
			name:         "リストが許可される",
			input:        "<ol><li>オーツ麦</li><li>バナナ</li></ol>",
			wantContains: []string{"<ol>", "<li>オーツ麦</li>", "</ol>"},
		},
		{
			name:         "強調が許可される",
			input:        "<strong>高タンパク</strong>と<em>低脂質</em>",
			wantContains: []string{"<strong>高タンパク</strong>", "<em>低脂質</em>"},
		},
		{
			name:         "imgタグがhttps srcで許可される",
			input:        `<img src="https://example.com/bowl.png" alt="ボウル">`,
			wantContains: []string{"<img", "https://example.com/bowl.png", "ボウル"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_ForbiddenContent は危険なタグと属性が除去されることを検証する。
func TestSanitize_ForbiddenContent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantAbsent   []string
		wantContains []string
	}{
		{
			name:         "scriptタグが除去される",
			input:        `<p>記録</p><script>alert('xss')</script>`,
			wantAbsent:   []string{"<script", "alert"},
			wantContains: []string{"<p>記録</p>"},
		},
		{
			name:         "iframeタグが除去される",
			input:        `<p>動画</p><iframe src="https://evil.example"></iframe>`,
			wantAbsent:   []string{"<iframe", "evil.example"},
			wantContains: []string{"動画"},
		},
		{
			name:         "styleタグが除去される",
			input:        `<style>body{display:none}</style><p>本文</p>`,
			wantAbsent:   []string{"<style", "display:none"},
			wantContains: []string{"本文"},
		},
		{
			name:         "on*イベント属性が除去される",
			input:        `<p onclick="steal()">クリック</p><img src="https://example.com/a.png" onerror="alert(1)">`,
			wantAbsent:   []string{"onclick", "onerror", "steal", "alert"},
			wantContains: []string{"クリック", "https://example.com/a.png"},
		},
		{
			name:       "http imgが拒否される",
			input:      `<img src="http://example.com/a.png">`,
			wantAbsent: []string{"http://example.com"},
		},
		{
			name:       "javascriptリンクが拒否される",
			input:      `<a href="javascript:alert(1)">リンク</a>`,
			wantAbsent: []string{"javascript:"},
		},
		{
			name:       "data URI imgが拒否される",
			input:      `<img src="data:image/png;base64,AAAA">`,
			wantAbsent: []string{"data:"},
		},
		{
			name:         "h1は許可されない",
			input:        `<h1>大見出し</h1>`,
			wantAbsent:   []string{"<h1"},
			wantContains: []string{"大見出し"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_AnchorAttributes はaタグにtarget="_blank"とrel="noopener noreferrer"が付与されることを検証する。
func TestSanitize_AnchorAttributes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com/plan" target="_self" rel="nofollow">プラン</a>`)

	for _, want := range []string{`target="_blank"`, "noopener", "noreferrer", "プラン"} {
		if !strings.Contains(got, want) {
			t.Errorf("Sanitize() = %q, expected to contain %q", got, want)
		}
	}
	if strings.Contains(got, `target="_self"`) {
		t.Errorf("Sanitize() = %q, should NOT contain target=\"_self\"", got)
	}
}

// TestSanitize_Idempotent は二重サニタイズでも結果が変わらないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<p>スクワット<strong>3セット</strong></p><a href="https://example.com">動画</a><img src="https://example.com/img.png" alt="フォーム">`

	once := sanitizer.Sanitize(input)
	twice := sanitizer.Sanitize(once)
	if once != twice {
		t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 二重=%q", once, twice)
	}
	if sanitizer.Sanitize("") != "" {
		t.Error("Sanitize(\"\") should return empty string")
	}
}

// TestPlain_StripsAllTags はテキスト用の無害化が全てのタグを除去することを検証する。
func TestPlain_StripsAllTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"  プロテインスムージー  ", "プロテインスムージー"},
		{"<b>鶏むね</b>&<i>ブロッコリー</i>", "鶏むね&ブロッコリー"},
		{`<script>alert(1)</script>タイトル`, "タイトル"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizer.Plain(tt.input); got != tt.want {
			t.Errorf("Plain(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestSanitizeBlogPost は本文をHTMLとして、タイトルと抜粋をテキストとして扱うことを検証する。
func TestSanitizeBlogPost(t *testing.T) {
	sanitizer := NewContentSanitizer()

	post := &model.BlogPost{
		Title:   "<em>30日</em>チャレンジ",
		Excerpt: "<p>振り返り</p>",
		Content: `<p>完走</p><script>x()</script>`,
	}
	sanitizer.SanitizeBlogPost(post)

	if post.Title != "30日チャレンジ" {
		t.Errorf("Title = %q", post.Title)
	}
	if post.Excerpt != "振り返り" {
		t.Errorf("Excerpt = %q", post.Excerpt)
	}
	if post.Content != "<p>完走</p>" {
		t.Errorf("Content = %q", post.Content)
	}
}

// TestSanitizeRecipe は手順のHTMLを残し、名前などのタグを除去することを検証する。
func TestSanitizeRecipe(t *testing.T) {
	sanitizer := NewContentSanitizer()

	recipe := &model.Recipe{
		Name:         `<img src=x onerror=alert(1)>オートミール`,
		Category:     "朝食",
		Description:  "<div>簡単</div>",
		Instructions: `<ol><li>混ぜる</li></ol><iframe></iframe>`,
	}
	sanitizer.SanitizeRecipe(recipe)

	if recipe.Name != "オートミール" {
		t.Errorf("Name = %q", recipe.Name)
	}
	if recipe.Description != "簡単" {
		t.Errorf("Description = %q", recipe.Description)
	}
	if recipe.Instructions != "<ol><li>混ぜる</li></ol>" {
		t.Errorf("Instructions = %q", recipe.Instructions)
	}
}

// TestSanitizeTrip は旅行記録の自由記述からタグを除去することを検証する。
func TestSanitizeTrip(t *testing.T) {
	sanitizer := NewContentSanitizer()

	trip := &model.Trip{Country: "日本", City: "<b>京都</b>", Highlights: "<script>x</script>寺"}
	sanitizer.SanitizeTrip(trip)

	if trip.City != "京都" || trip.Highlights != "寺" || trip.Country != "日本" {
		t.Errorf("trip = %+v", trip)
	}
}
