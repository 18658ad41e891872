package resolve

import "sync"

// Locker is a keyed mutex. Entries are reference counted and dropped when
// the last holder unlocks, so the map only holds keys in use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the unlock function.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of keys currently locked or awaited.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// ProductKey is the lock key guarding a product's bindings and snapshots.
func ProductKey(productID string) string {
	return "product:" + productID
}

// BucketKey is the lock key guarding product creation in a bucket. Take it
// before any ProductKey.
func BucketKey(category, bucket string) string {
	return "bucket:" + category + "/" + bucket
}
