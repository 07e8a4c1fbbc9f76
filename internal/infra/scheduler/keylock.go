package scheduler

import (
	"context"
	"sync"
)

// ─── Keyed Lock ─────────────────────────────────────────────────────────────

// KeyedLock is a set of exclusive locks indexed by key (a channel ID).
// Entries are reference counted and removed when nobody holds or waits on them.
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // buffered(1): a token in the channel means "held"
	refs int
}

// NewKeyedLock creates an empty lock set.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[string]*slot)}
}

func (k *KeyedLock) acquireSlot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *KeyedLock) releaseSlot(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	s := k.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), nil
	case <-ctx.Done():
		k.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// TryLock acquires key without waiting. ok is false if it is held.
func (k *KeyedLock) TryLock(key string) (unlock func(), ok bool) {
	s := k.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), true
	default:
		k.releaseSlot(key, s)
		return nil, false
	}
}

// Held reports whether key is currently locked.
func (k *KeyedLock) Held(key string) bool {
	k.mu.Lock()
	s, ok := k.slots[key]
	k.mu.Unlock()
	return ok && len(s.ch) == 1
}

func (k *KeyedLock) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.releaseSlot(key, s)
		})
	}
}
