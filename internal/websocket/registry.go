package websocket

import "sync"

// Registry holds the subscriptions of one scope, bucketed by interest key:
// machine uuid for the machine scope, account uuid for the account scope,
// a single zero key for the global scope.
//
// Invariants: a session appears at most once per key; mutation happens
// only through Subscribe, Unsubscribe and Prune; read paths return
// snapshot copies so broadcast passes never iterate under the lock.
type Registry[K comparable] struct {
	mu      sync.RWMutex
	buckets map[K]map[SessionKey]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{buckets: make(map[K]map[SessionKey]*Session)}
}

// Subscribe inserts the session under the key. Re-subscribing the same
// session key overwrites the previous entry (idempotent reconnect).
func (r *Registry[K]) Subscribe(key K, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = make(map[SessionKey]*Session)
		r.buckets[key] = bucket
	}
	bucket[s.Key()] = s
}

// Unsubscribe removes one session from the key's bucket. Returns false if
// it was not subscribed.
func (r *Registry[K]) Unsubscribe(key K, sk SessionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[key]
	if !ok {
		return false
	}
	if _, ok := bucket[sk]; !ok {
		return false
	}
	delete(bucket, sk)
	if len(bucket) == 0 {
		delete(r.buckets, key)
	}
	return true
}

// Prune bulk-removes dead sessions from one bucket after a broadcast pass.
func (r *Registry[K]) Prune(key K, dead []SessionKey) {
	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[key]
	if !ok {
		return
	}
	for _, sk := range dead {
		delete(bucket, sk)
	}
	if len(bucket) == 0 {
		delete(r.buckets, key)
	}
}

// Sessions returns a snapshot of the sessions subscribed under the key.
func (r *Registry[K]) Sessions(key K) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyBucket(r.buckets[key])
}

// SessionsForKeys returns the union of sessions subscribed under any of
// the keys. A session subscribed under several keys appears once.
func (r *Registry[K]) SessionsForKeys(keys []K) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[SessionKey]struct{})
	var out []*Session
	for _, key := range keys {
		for sk, s := range r.buckets[key] {
			if _, dup := seen[sk]; dup {
				continue
			}
			seen[sk] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every bucket.
func (r *Registry[K]) All() map[K][]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[K][]*Session, len(r.buckets))
	for key, bucket := range r.buckets {
		out[key] = copyBucket(bucket)
	}
	return out
}

// AllSessions returns a snapshot of every subscribed session.
func (r *Registry[K]) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, bucket := range r.buckets {
		out = append(out, copyBucket(bucket)...)
	}
	return out
}

// Len returns the number of subscribed sessions across all buckets.
func (r *Registry[K]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bucket := range r.buckets {
		n += len(bucket)
	}
	return n
}

func copyBucket(bucket map[SessionKey]*Session) []*Session {
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}
