package auth

import (
	"sync"
	"time"
)

// lockout は送信元ごとの認証失敗を数え、上限に達した送信元を一定時間締め出します。
type lockout struct {
	window  time.Duration
	lockFor time.Duration
	limit   int

	mu      sync.Mutex
	clients map[string]*failures
}

type failures struct {
	count       int
	since       time.Time
	lockedUntil time.Time
}

func newLockout(window, lockFor time.Duration, limit int) *lockout {
	return &lockout{
		window:  window,
		lockFor: lockFor,
		limit:   limit,
		clients: make(map[string]*failures),
	}
}

// blockedFor は締め出しの残り時間を返します。締め出されていなければ 0 です。
func (l *lockout) blockedFor(client string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.clients[client]
	if !ok || !now.Before(f.lockedUntil) {
		return 0
	}
	return f.lockedUntil.Sub(now)
}

// fail は失敗を1回記録し、締め出しまでに残っている試行回数を返します。
func (l *lockout) fail(client string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	f, ok := l.clients[client]
	if !ok || now.Sub(f.since) > l.window {
		f = &failures{since: now}
		l.clients[client] = f
	}
	if f.count < l.limit {
		f.count++
	}
	if f.count == l.limit {
		f.lockedUntil = now.Add(l.lockFor)
	}
	return l.limit - f.count
}

// clear は成功した送信元の記録を消します。
func (l *lockout) clear(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

// prune は集計期間も締め出しも終わった記録を捨てます。呼び出し側でロックを持ちます。
func (l *lockout) prune(now time.Time) {
	for client, f := range l.clients {
		if now.Sub(f.since) > l.window && !now.Before(f.lockedUntil) {
			delete(l.clients, client)
		}
	}
}

// tracked は記録中の送信元の数です。
func (l *lockout) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
