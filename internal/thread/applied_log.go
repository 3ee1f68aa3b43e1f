package thread

import (
	lru "github.com/hashicorp/golang-lru"
)

const DefaultAppliedLogSize = 4096

// appliedLog is the bounded set of de-duplication keys. It only has to cover
// the replay window of a reconnect, so the oldest keys fall off once full.
type appliedLog struct {
	size  int
	cache *lru.Cache
}

func newAppliedLog(size int) *appliedLog {
	if size <= 0 {
		size = DefaultAppliedLogSize
	}
	return &appliedLog{size: size, cache: mustCache(size)}
}

func (l *appliedLog) Contains(key string) bool {
	return key != "" && l.cache.Contains(key)
}

// Record adds keys, skipping blanks. Existing keys keep their position so
// re-delivery never extends a key's lifetime.
func (l *appliedLog) Record(keys ...string) {
	for _, key := range keys {
		if key == "" || l.cache.Contains(key) {
			continue
		}
		l.cache.Add(key, struct{}{})
	}
}

// Keys lists recorded keys from oldest to newest.
func (l *appliedLog) Keys() []string {
	raw := l.cache.Keys()
	out := make([]string, 0, len(raw))
	for _, key := range raw {
		out = append(out, key.(string))
	}
	return out
}

func (l *appliedLog) Len() int {
	return l.cache.Len()
}

func (l *appliedLog) clone() *appliedLog {
	out := newAppliedLog(l.size)
	out.Record(l.Keys()...)
	return out
}

func mustCache(size int) *lru.Cache {
	cache, err := lru.New(size)
	if err != nil {
		// lru.New only fails for non-positive sizes, which callers rule out.
		panic("thread: " + err.Error())
	}
	return cache
}
