package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval は期限切れウィンドウを掃除する最小間隔。
const sweepInterval = time.Minute

// memoryWindow は1つの識別子の固定ウィンドウ。
type memoryWindow struct {
	expires time.Time
	count   int64
}

// MemoryOption はMemoryStoreのオプション。
type MemoryOption func(*MemoryStore)

// WithMemoryClock は現在時刻を返す関数を設定する。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// MemoryStore はプロセス内でカウンタを保持するStore。
// 増加と比較はミューテックスの内側でのみ行う。
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{windows: make(map[string]*memoryWindow), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep = s.now()
	return s
}

// Increment はkeyのカウンタを1増やす。ウィンドウが終わっていれば新しいウィンドウを開始する。
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}

// Reset はすべてのカウンタを破棄する。
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows = make(map[string]*memoryWindow)
}

// Len は保持しているウィンドウの数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.windows)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.expires) {
			delete(s.windows, key)
		}
	}
	s.lastSweep = now
}
