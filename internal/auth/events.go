package auth

import (
	"sync"
	"sync/atomic"

	"github.com/hitoshi/fitlog/internal/model"
)

// Listener は認証状態の変化を受け取るコールバック。
// sessionはサインアウト時などセッションがない場合にnilとなる。
// リスナー内からSignIn/SignOut等のイベントを発行する操作を呼び出してはならない。
type Listener func(event model.AuthEvent, session *model.Session)

// Subscription はOnAuthStateChangeの購読を表す。
type Subscription interface {
	// Unsubscribe は購読を解除する。解除後にイベントが配信されることはない。
	// 複数回呼び出しても安全。
	Unsubscribe()
}

type subscription struct {
	id     uint64
	fn     Listener
	active atomic.Bool
	hub    *eventHub
}

func (s *subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.hub.remove(s.id)
}

// eventHub は購読者へのイベント配信を直列化する。
// emitMuを配信中保持するため、イベントは発行順に1件ずつ全購読者へ届く。
type eventHub struct {
	emitMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   []*subscription
}

func (h *eventHub) subscribe(fn Listener) *subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscription{id: h.nextID, fn: fn, hub: h}
	sub.active.Store(true)
	h.subs = append(h.subs, sub)
	return sub
}

func (h *eventHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subs {
		if sub.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// emit はイベントを購読者へ同期的に配信する。
// 配信中に解除された購読者はスキップする。
func (h *eventHub) emit(event model.AuthEvent, session *model.Session) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	subs := append([]*subscription(nil), h.subs...)
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		var cp *model.Session
		if session != nil {
			s := *session
			cp = &s
		}
		sub.fn(event, cp)
	}
}
