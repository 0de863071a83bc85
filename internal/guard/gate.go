// Package guard はセッション状態に応じて保護されたページの表示可否を決める。
//
// Gateは1回のマウント（HTTPでは1リクエスト）ごとに生成し、
// Unknownの間は読み込み中、Anonymousに確定したら一度だけサインインへ誘導し、
// Authenticatedなら保護された内容を表示する。
package guard

import (
	"sync"

	"github.com/hitoshi/fitlog/internal/session"
)

// Decision はGateの判定結果。
type Decision int

const (
	// Loading はセッション解決中のため読み込み表示にとどめる。
	Loading Decision = iota
	// Redirect はサインインページへ誘導する。同じ解決世代では一度だけ返る。
	Redirect
	// Blank は誘導済みのため何も表示しない。
	Blank
	// Render は保護された内容を表示する。
	Render
)

// String は判定名を返す。
func (d Decision) String() string {
	switch d {
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	case Blank:
		return "blank"
	case Render:
		return "render"
	default:
		return "invalid"
	}
}

// Gate はリダイレクト済みかどうかを解決世代ごとに記録する。
// ゼロ値で使用できる。
type Gate struct {
	mu            sync.Mutex
	redirected    bool
	redirectedGen uint64
}

// Evaluate はスナップショットから判定を返す。
// Unknownではリダイレクトしない。Anonymousへの誘導は世代ごとに一度だけ。
func (g *Gate) Evaluate(snap session.Snapshot) Decision {
	switch snap.State {
	case session.Authenticated:
		return Render
	case session.Anonymous:
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.redirected && g.redirectedGen == snap.Generation {
			return Blank
		}
		g.redirected = true
		g.redirectedGen = snap.Generation
		return Redirect
	default:
		return Loading
	}
}
