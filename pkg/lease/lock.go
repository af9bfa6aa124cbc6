package lease

import (
	"context"
	"sync"
	"time"
)

// IntentLocker serializes lease issuance per intent. The returned unlock
// function is safe to call more than once.
type IntentLocker interface {
	Lock(ctx context.Context, intentID string) (unlock func(), err error)
}

// ActiveIndex records the active lease of each intent where every replica
// can see it. Claim returns the lease already holding intentID, if any,
// instead of claiming. Claims lapse at expiresAt.
type ActiveIndex interface {
	Claim(ctx context.Context, intentID, leaseID string, expiresAt time.Time) (holder string, err error)
	Release(ctx context.Context, intentID, leaseID string) error
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process IntentLocker. Entries are dropped once no
// goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of tracked keys.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
